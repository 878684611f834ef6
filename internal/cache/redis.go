// Package cache holds the Redis read cache for decision and run views and
// its best-effort invalidation after publication.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"
)

// Config configures the Redis connection
type Config struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl"`
}

// Invalidator drops cached views that a run's decisions made stale
type Invalidator interface {
	InvalidateDecisions(ctx context.Context, runDate time.Time) (int64, error)
}

// RedisCache implements read caching and invalidation on Redis
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCache connects and pings Redis
func NewRedisCache(cfg Config) (*RedisCache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     10,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolTimeout:  4 * time.Second,
		IdleTimeout:  5 * time.Minute,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return NewWithClient(rdb, cfg.KeyPrefix, cfg.TTL), nil
}

// NewWithClient wraps an existing client
func NewWithClient(client *redis.Client, prefix string, ttl time.Duration) *RedisCache {
	if prefix == "" {
		prefix = "pickrun:"
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisCache{client: client, prefix: prefix, ttl: ttl}
}

// RunKey is the cache key of a run summary view
func (r *RedisCache) RunKey(runDate time.Time) string {
	return r.prefix + "runs:" + runDate.Format("2006-01-02")
}

// DecisionsKey is the cache key of a run's decision list view
func (r *RedisCache) DecisionsKey(runDate time.Time, view string) string {
	return r.prefix + "decisions:" + runDate.Format("2006-01-02") + ":" + view
}

// Get returns a cached value. A miss is (nil, false, nil).
func (r *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	return val, true, nil
}

// Set stores a value with the cache TTL
func (r *RedisCache) Set(ctx context.Context, key string, value []byte) error {
	if err := r.client.Set(ctx, key, value, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Clear removes all keys matching a pattern and returns how many were removed
func (r *RedisCache) Clear(ctx context.Context, pattern string) (int64, error) {
	keys, err := r.client.Keys(ctx, pattern).Result()
	if err != nil {
		return 0, fmt.Errorf("redis keys: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := r.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("redis clear: %w", err)
	}
	return n, nil
}

// InvalidateDecisions removes the run summary and every decision list view
// of the run date plus the cross-date "latest" views
func (r *RedisCache) InvalidateDecisions(ctx context.Context, runDate time.Time) (int64, error) {
	patterns := []string{
		r.RunKey(runDate),
		r.prefix + "decisions:" + runDate.Format("2006-01-02") + ":*",
		r.prefix + "decisions:latest*",
	}

	var total int64
	for _, p := range patterns {
		n, err := r.Clear(ctx, p)
		if err != nil {
			return total, fmt.Errorf("failed to invalidate %s: %w", p, err)
		}
		total += n
	}
	log.Debug().Int64("keys", total).Str("run_date", runDate.Format("2006-01-02")).Msg("Decision caches invalidated")
	return total, nil
}

// Ping checks connectivity
func (r *RedisCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the client
func (r *RedisCache) Close() error {
	return r.client.Close()
}

// Noop is an Invalidator for deployments without Redis
type Noop struct{}

// InvalidateDecisions does nothing
func (Noop) InvalidateDecisions(context.Context, time.Time) (int64, error) { return 0, nil }
