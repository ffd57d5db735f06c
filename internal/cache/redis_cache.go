package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ayemish/kindnessconnect/internal/config"
)

type RedisLookupCache struct {
	client *redis.Client
	prefix string
}

func NewRedisLookupCache(cfg config.RedisConfig, prefix string) (*RedisLookupCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisLookupCacheFromClient(client, prefix), nil
}

func NewRedisLookupCacheFromClient(client *redis.Client, prefix string) *RedisLookupCache {
	return &RedisLookupCache{
		client: client,
		prefix: prefix,
	}
}

func (c *RedisLookupCache) BuildKey(kind, id string) string {
	return fmt.Sprintf("%s:%s:%s", c.prefix, kind, id)
}

func (c *RedisLookupCache) Get(ctx context.Context, key string) (*LookupResult, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("failed to get from redis: %w", err)
	}

	var result LookupResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cache data: %w", err)
	}

	return &result, nil
}

func (c *RedisLookupCache) Set(ctx context.Context, key string, result *LookupResult, ttl time.Duration) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal cache data: %w", err)
	}

	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set in redis: %w", err)
	}

	return nil
}

func (c *RedisLookupCache) Close() error {
	return c.client.Close()
}
