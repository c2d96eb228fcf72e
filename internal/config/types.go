package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config holds every option the coordinator reads at startup. The whole
// structure is immutable once Load returns; nothing re-reads configuration at
// runtime.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Host     HostConfig     `koanf:"host"`
	Edge     EdgeConfig     `koanf:"edge"`
	Purge    PurgeConfig    `koanf:"purge"`
	Registry RegistryConfig `koanf:"registry"`
	API      APIConfig      `koanf:"api"`
}

// ServerConfig collects the bootstrap knobs for the HTTP listener and logging.
type ServerConfig struct {
	Listen  ListenConfig  `koanf:"listen"`
	Logging LoggingConfig `koanf:"logging"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level, format, and correlation ID wiring.
type LoggingConfig struct {
	Level             string `koanf:"level"`
	Format            string `koanf:"format"`
	CorrelationHeader string `koanf:"correlationHeader"`
}

// HostConfig describes the content-management host the coordinator serves:
// where to look items up and which public URLs represent the site's coarse
// cached surfaces.
type HostConfig struct {
	BaseURL        string `koanf:"baseUrl"`
	SiteURL        string `koanf:"siteUrl"`
	FeedURL        string `koanf:"feedUrl"`
	TimeoutSeconds int    `koanf:"timeoutSeconds"`
}

// Timeout returns the host lookup timeout as a duration.
func (c HostConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// EdgeConfig carries the remote purge API coordinates. Credentials are treated
// as present only when both zone and token are non-blank; a partial pair
// degrades every purge path to a no-op. Secrets maps credential fields to
// files under /run/secrets so tokens can stay out of files and environment
// blocks: a nil value reads the file named after the key, a string value reads
// that filename instead.
type EdgeConfig struct {
	ZoneID         string             `koanf:"zoneId"`
	APIToken       string             `koanf:"apiToken"`
	APIBaseURL     string             `koanf:"apiBaseUrl"`
	TimeoutSeconds int                `koanf:"timeoutSeconds"`
	Secrets        map[string]*string `koanf:"secrets"`
}

// Timeout returns the purge request timeout as a duration.
func (c EdgeConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// PurgeConfig tunes the coherency core: the delayed-purge settle interval, the
// gating grace period, the recognized linkage keys, and optional extra URL
// rules evaluated per item when building purge sets.
type PurgeConfig struct {
	DelaySeconds int      `koanf:"delaySeconds"`
	GraceMinutes int      `koanf:"graceMinutes"`
	LinkageKeys  []string `koanf:"linkageKeys"`
	URLRules     []string `koanf:"urlRules"`
}

// Delay returns the delayed-purge interval; zero or negative disables the
// delayed pass entirely.
func (c PurgeConfig) Delay() time.Duration {
	return time.Duration(c.DelaySeconds) * time.Second
}

// RegistryConfig selects the scheduled-purge registry backend. Memory keeps
// pending tasks in-process, redis shares them across replicas, bolt persists
// them across restarts.
type RegistryConfig struct {
	Backend     string              `koanf:"backend"`
	TickSeconds int                 `koanf:"tickSeconds"`
	Redis       RedisRegistryConfig `koanf:"redis"`
	Bolt        BoltRegistryConfig  `koanf:"bolt"`
}

type RedisRegistryConfig struct {
	Address  string                 `koanf:"address"`
	Username string                 `koanf:"username"`
	Password string                 `koanf:"password"`
	DB       int                    `koanf:"db"`
	TLS      RedisRegistryTLSConfig `koanf:"tls"`
}

type RedisRegistryTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

type BoltRegistryConfig struct {
	Path string `koanf:"path"`
}

// APIConfig shapes the cache-header policy for the namespaced API family.
type APIConfig struct {
	Namespace                   string `koanf:"namespace"`
	SharedMaxAgeSeconds         int    `koanf:"sharedMaxAgeSeconds"`
	StaleWhileRevalidateSeconds int    `koanf:"staleWhileRevalidateSeconds"`
	NonceHeader                 string `koanf:"nonceHeader"`
}

// Validate enforces invariants that keep the coordinator predictable before
// serving traffic. Credential completeness is deliberately not validated here:
// running without credentials is a supported degraded mode where every purge
// path no-ops.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	if strings.TrimSpace(c.Host.BaseURL) == "" {
		return errors.New("config: host.baseUrl required")
	}
	if strings.TrimSpace(c.Host.SiteURL) == "" {
		return errors.New("config: host.siteUrl required")
	}
	if c.Host.TimeoutSeconds <= 0 {
		return fmt.Errorf("config: host.timeoutSeconds invalid: %d", c.Host.TimeoutSeconds)
	}
	if c.Edge.TimeoutSeconds <= 0 {
		return fmt.Errorf("config: edge.timeoutSeconds invalid: %d", c.Edge.TimeoutSeconds)
	}
	if strings.TrimSpace(c.Edge.APIBaseURL) == "" {
		return errors.New("config: edge.apiBaseUrl required")
	}
	for key := range c.Edge.Secrets {
		switch key {
		case "zoneId", "apiToken":
		default:
			return fmt.Errorf("config: edge.secrets key unsupported: %s", key)
		}
	}
	if c.Purge.DelaySeconds < 0 {
		return fmt.Errorf("config: purge.delaySeconds invalid: %d", c.Purge.DelaySeconds)
	}
	if c.Purge.GraceMinutes < 0 {
		return fmt.Errorf("config: purge.graceMinutes invalid: %d", c.Purge.GraceMinutes)
	}
	for i, key := range c.Purge.LinkageKeys {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("config: purge.linkageKeys[%d] empty", i)
		}
	}
	if c.Registry.TickSeconds < 0 {
		return fmt.Errorf("config: registry.tickSeconds invalid: %d", c.Registry.TickSeconds)
	}
	backend := strings.TrimSpace(strings.ToLower(c.Registry.Backend))
	switch backend {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(c.Registry.Redis.Address) == "" {
			return errors.New("config: registry.redis.address required for redis backend")
		}
	case "bolt":
		if strings.TrimSpace(c.Registry.Bolt.Path) == "" {
			return errors.New("config: registry.bolt.path required for bolt backend")
		}
	default:
		return fmt.Errorf("config: registry.backend unsupported: %s", c.Registry.Backend)
	}
	if strings.TrimSpace(c.API.Namespace) == "" {
		return errors.New("config: api.namespace required")
	}
	if c.API.SharedMaxAgeSeconds < 0 {
		return fmt.Errorf("config: api.sharedMaxAgeSeconds invalid: %d", c.API.SharedMaxAgeSeconds)
	}
	if c.API.StaleWhileRevalidateSeconds < 0 {
		return fmt.Errorf("config: api.staleWhileRevalidateSeconds invalid: %d", c.API.StaleWhileRevalidateSeconds)
	}
	return nil
}

// DefaultConfig returns the baseline values that align with the design
// defaults: a 30 second delayed-purge settle interval, indefinite gating
// (grace 0), and the three discourse linkage keys.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:             "info",
				Format:            "json",
				CorrelationHeader: "X-Request-ID",
			},
		},
		Host: HostConfig{
			TimeoutSeconds: 5,
		},
		Edge: EdgeConfig{
			APIBaseURL:     "https://api.cloudflare.com/client/v4",
			TimeoutSeconds: 10,
		},
		Purge: PurgeConfig{
			DelaySeconds: 30,
			GraceMinutes: 0,
			LinkageKeys: []string{
				"discourse_topic_id",
				"discourse_post_id",
				"discourse_permalink",
			},
		},
		Registry: RegistryConfig{
			Backend:     "memory",
			TickSeconds: 1,
		},
		API: APIConfig{
			Namespace:                   "discourse/v1",
			SharedMaxAgeSeconds:         60,
			StaleWhileRevalidateSeconds: 30,
			NonceHeader:                 "X-Api-Nonce",
		},
	}
}
