package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	ktoml "github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// secretsDir is where container runtimes mount secret files.
const secretsDir = "/run/secrets"

// Loader hydrates the startup configuration while respecting env > file >
// default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract
// before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Load assembles the effective snapshot using the documented precedence rules,
// resolves credential secrets, and validates the result.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), parserFor(path)); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		canonical := map[string]string{
			"server.logging.correlationheader": "server.logging.correlationHeader",
			"host.baseurl":                     "host.baseUrl",
			"host.siteurl":                     "host.siteUrl",
			"host.feedurl":                     "host.feedUrl",
			"host.timeoutseconds":              "host.timeoutSeconds",
			"edge.zoneid":                      "edge.zoneId",
			"edge.apitoken":                    "edge.apiToken",
			"edge.apibaseurl":                  "edge.apiBaseUrl",
			"edge.timeoutseconds":              "edge.timeoutSeconds",
			"purge.delayseconds":               "purge.delaySeconds",
			"purge.graceminutes":               "purge.graceMinutes",
			"purge.linkagekeys":                "purge.linkageKeys",
			"purge.urlrules":                   "purge.urlRules",
			"registry.tickseconds":             "registry.tickSeconds",
			"registry.redis.tls.cafile":        "registry.redis.tls.caFile",
			"api.sharedmaxageseconds":          "api.sharedMaxAgeSeconds",
			"api.stalewhilerevalidateseconds":  "api.staleWhileRevalidateSeconds",
			"api.nonceheader":                  "api.nonceHeader",
		}
		transform := func(s string) string {
			// Double underscores signal a nested path (HOST__SITEURL -> host.siteurl).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			// Single underscores are removed so LISTEN_PORT collapses into
			// listenport when callers choose not to use double underscores for
			// object nesting.
			key = strings.ReplaceAll(key, "_", "")
			return strings.ToLower(key)
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}

	secrets, err := loadSecrets(cfg.Edge.Secrets, secretsDir)
	if err != nil {
		return Config{}, err
	}
	if v, ok := secrets["zoneId"]; ok {
		cfg.Edge.ZoneID = v
	}
	if v, ok := secrets["apiToken"]; ok {
		cfg.Edge.APIToken = v
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	if strings.TrimSpace(cfg.Host.FeedURL) == "" {
		cfg.Host.FeedURL = strings.TrimRight(cfg.Host.SiteURL, "/") + "/feed/"
	}
	return cfg, nil
}

// parserFor selects a koanf parser from the file extension. YAML remains the
// default for unknown extensions since it is the documented format.
func parserFor(path string) koanf.Parser {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return kjson.Parser()
	case ".toml":
		return ktoml.Parser()
	default:
		return yaml.Parser()
	}
}

// loadSecrets resolves credential secret files with null-copy semantics: a nil
// value reads the file named after the key, a string value reads that file
// instead. Trailing newlines are trimmed so `echo token > file` round-trips.
func loadSecrets(secretsConfig map[string]*string, baseDir string) (map[string]string, error) {
	result := make(map[string]string, len(secretsConfig))
	for key, valuePtr := range secretsConfig {
		filename := key
		if valuePtr != nil {
			filename = *valuePtr
		}
		secretFile := filepath.Join(baseDir, filename)
		content, err := os.ReadFile(secretFile) // #nosec G304 -- path is operator-configured
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("config: secret file %q not found (referenced by edge.secrets.%s)", secretFile, key)
			}
			return nil, fmt.Errorf("config: read secret file %q (referenced by edge.secrets.%s): %w", secretFile, key, err)
		}
		result[key] = strings.TrimRight(string(content), "\n\r")
	}
	return result, nil
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":             cfg.Server.Logging.Level,
				"format":            cfg.Server.Logging.Format,
				"correlationHeader": cfg.Server.Logging.CorrelationHeader,
			},
		},
		"host": map[string]any{
			"baseUrl":        cfg.Host.BaseURL,
			"siteUrl":        cfg.Host.SiteURL,
			"feedUrl":        cfg.Host.FeedURL,
			"timeoutSeconds": cfg.Host.TimeoutSeconds,
		},
		"edge": map[string]any{
			"zoneId":         cfg.Edge.ZoneID,
			"apiToken":       cfg.Edge.APIToken,
			"apiBaseUrl":     cfg.Edge.APIBaseURL,
			"timeoutSeconds": cfg.Edge.TimeoutSeconds,
		},
		"purge": map[string]any{
			"delaySeconds": cfg.Purge.DelaySeconds,
			"graceMinutes": cfg.Purge.GraceMinutes,
			"linkageKeys":  cfg.Purge.LinkageKeys,
			"urlRules":     cfg.Purge.URLRules,
		},
		"registry": map[string]any{
			"backend":     cfg.Registry.Backend,
			"tickSeconds": cfg.Registry.TickSeconds,
			"redis": map[string]any{
				"address":  cfg.Registry.Redis.Address,
				"username": cfg.Registry.Redis.Username,
				"password": cfg.Registry.Redis.Password,
				"db":       cfg.Registry.Redis.DB,
				"tls": map[string]any{
					"enabled": cfg.Registry.Redis.TLS.Enabled,
					"caFile":  cfg.Registry.Redis.TLS.CAFile,
				},
			},
			"bolt": map[string]any{
				"path": cfg.Registry.Bolt.Path,
			},
		},
		"api": map[string]any{
			"namespace":                   cfg.API.Namespace,
			"sharedMaxAgeSeconds":         cfg.API.SharedMaxAgeSeconds,
			"staleWhileRevalidateSeconds": cfg.API.StaleWhileRevalidateSeconds,
			"nonceHeader":                 cfg.API.NonceHeader,
		},
	}
}
