// Package cache wraps go-redis behind a small interface, matching the
// cache abstraction used throughout this codebase's other services.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"cat-engine/internal/metrics"
)

// ErrCacheMiss is returned by Get when the key is absent.
var ErrCacheMiss = fmt.Errorf("cache miss")

// Interface is the cache port consumed by internal/ability.
type Interface interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

type RedisClient struct {
	client *redis.Client
}

var _ Interface = (*RedisClient)(nil)

// NewRedisClient parses redisURL, applies this codebase's standard pool
// tuning, and pings once to fail fast on a bad connection string.
func NewRedisClient(redisURL string, db, maxRetries, poolSize int) (*RedisClient, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	opt.DB = db
	opt.PoolSize = poolSize
	opt.MinIdleConns = 5
	opt.MaxRetries = maxRetries

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &RedisClient{client: client}, nil
}

func (r *RedisClient) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

func (r *RedisClient) Get(ctx context.Context, key string, dest interface{}) error {
	val, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			metrics.RecordCacheMiss("redis")
			return ErrCacheMiss
		}
		return fmt.Errorf("failed to get from cache: %w", err)
	}

	metrics.RecordCacheHit("redis")
	return json.Unmarshal([]byte(val), dest)
}

func (r *RedisClient) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	return r.client.Set(ctx, key, data, ttl).Err()
}

func (r *RedisClient) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

// AbilityKey builds the cache key for a (learner, topic) ability point.
func AbilityKey(learnerID, topicID string) string {
	return fmt.Sprintf("ability:%s:%s", learnerID, topicID)
}
