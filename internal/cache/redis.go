// Package cache holds the Redis-backed delivery dedupe shared by every
// replica's notifier.
package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultDedupeTTL outlives any plausible redelivery of an outcome.
const DefaultDedupeTTL = 30 * 24 * time.Hour

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RedisDeduper marks (intent, state) keys with SETNX so that only the first
// notifier across all replicas delivers.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisDeduper(cfg RedisConfig, ttl time.Duration) *RedisDeduper {
	return NewRedisDeduperWithClient(redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB}), ttl)
}

func NewRedisDeduperWithClient(client *redis.Client, ttl time.Duration) *RedisDeduper {
	if ttl <= 0 {
		ttl = DefaultDedupeTTL
	}
	return &RedisDeduper{client: client, ttl: ttl}
}

func (d *RedisDeduper) Mark(ctx context.Context, key string) (bool, error) {
	return d.client.SetNX(ctx, outcomeKey(key), "delivered", d.ttl).Result()
}

func (d *RedisDeduper) Release(ctx context.Context, key string) error {
	return d.client.Del(ctx, outcomeKey(key)).Err()
}

func (d *RedisDeduper) Ping(ctx context.Context) error {
	return d.client.Ping(ctx).Err()
}

func (d *RedisDeduper) Close() error {
	return d.client.Close()
}

func outcomeKey(key string) string {
	return "outcome:" + key
}
