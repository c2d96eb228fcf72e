package schedule

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

// scheduledSetKey is the sorted set holding pending tasks: member is the item
// id, score is the fire instant in unix milliseconds.
const scheduledSetKey = "purgectrl:schedule:v1"

type RedisTLSConfig struct {
	Enabled bool
	CAFile  string
}

type RedisConfig struct {
	Address  string
	Username string
	Password string
	DB       int
	TLS      RedisTLSConfig
}

type redisRegistry struct {
	client valkey.Client
}

// NewRedis connects a registry backed by a redis/valkey sorted set so pending
// tasks are shared across coordinator replicas and survive restarts.
func NewRedis(cfg RedisConfig) (Registry, error) {
	if cfg.Address == "" {
		return nil, errors.New("schedule: redis address required")
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}

	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("schedule: read redis ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("schedule: redis ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("schedule: redis client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("schedule: redis ping: %w", err)
	}

	return &redisRegistry{client: client}, nil
}

func (r *redisRegistry) Add(ctx context.Context, item string, fireAt time.Time) (bool, error) {
	cmd := r.client.B().Zadd().Key(scheduledSetKey).Nx().
		ScoreMember().ScoreMember(float64(fireAt.UnixMilli()), item).Build()
	added, err := r.client.Do(ctx, cmd).ToInt64()
	if err != nil {
		return false, fmt.Errorf("schedule: redis zadd: %w", err)
	}
	return added == 1, nil
}

func (r *redisRegistry) Pending(ctx context.Context, item string) (bool, error) {
	cmd := r.client.B().Zscore().Key(scheduledSetKey).Member(item).Build()
	if err := r.client.Do(ctx, cmd).Error(); err != nil {
		if errors.Is(err, valkey.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("schedule: redis zscore: %w", err)
	}
	return true, nil
}

func (r *redisRegistry) Remove(ctx context.Context, item string) (bool, error) {
	removed, err := r.client.Do(ctx, r.client.B().Zrem().Key(scheduledSetKey).Member(item).Build()).ToInt64()
	if err != nil {
		return false, fmt.Errorf("schedule: redis zrem: %w", err)
	}
	return removed == 1, nil
}

func (r *redisRegistry) Due(ctx context.Context, now time.Time) ([]Task, error) {
	upper := strconv.FormatInt(now.UnixMilli(), 10)
	cmd := r.client.B().Zrangebyscore().Key(scheduledSetKey).Min("-inf").Max(upper).Withscores().Build()
	scores, err := r.client.Do(ctx, cmd).AsZScores()
	if err != nil {
		return nil, fmt.Errorf("schedule: redis zrangebyscore: %w", err)
	}
	due := make([]Task, 0, len(scores))
	for _, entry := range scores {
		// Each member is claimed individually: when replicas race on the same
		// drain window only the ZREM winner fires the task.
		removed, err := r.client.Do(ctx, r.client.B().Zrem().Key(scheduledSetKey).Member(entry.Member).Build()).ToInt64()
		if err != nil {
			return due, fmt.Errorf("schedule: redis zrem: %w", err)
		}
		if removed != 1 {
			continue
		}
		due = append(due, Task{
			Item:   entry.Member,
			FireAt: time.UnixMilli(int64(entry.Score)).UTC(),
		})
	}
	return due, nil
}

func (r *redisRegistry) Len(ctx context.Context) (int64, error) {
	size, err := r.client.Do(ctx, r.client.B().Zcard().Key(scheduledSetKey).Build()).ToInt64()
	if err != nil {
		return 0, fmt.Errorf("schedule: redis zcard: %w", err)
	}
	return size, nil
}

func (r *redisRegistry) Close(context.Context) error {
	r.client.Close()
	return nil
}
