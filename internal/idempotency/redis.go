package idempotency

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces FunnelPipe keys in a shared Redis.
const DefaultRedisPrefix = "funnelpipe:idem:"

// RedisGuard is a Guard backed by Redis SET NX with expiry, so several
// processes share one deduplication window.
type RedisGuard struct {
	client redis.UniversalClient
	prefix string
}

// RedisOpts holds connection settings for NewRedisGuard.
type RedisOpts struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// NewRedisGuard connects to Redis and verifies the connection.
func NewRedisGuard(ctx context.Context, opts RedisOpts) (*RedisGuard, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}
	slog.Info("RedisGuard connected", "addr", opts.Addr, "db", opts.DB)
	return NewRedisGuardFromClient(client, opts.Prefix), nil
}

// NewRedisGuardFromClient wraps an existing client.
func NewRedisGuardFromClient(client redis.UniversalClient, prefix string) *RedisGuard {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisGuard{client: client, prefix: prefix}
}

// CheckAndMark implements Guard. Redis expires keys itself, which plays the
// role of the sweep.
func (g *RedisGuard) CheckAndMark(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := g.client.SetNX(ctx, g.prefix+key, time.Now().UnixMilli(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis guard: %w", err)
	}
	if !ok {
		slog.Debug("RedisGuard.CheckAndMark: duplicate", "key", key)
	}
	return !ok, nil
}

// Close releases the Redis connection.
func (g *RedisGuard) Close() error {
	return g.client.Close()
}
