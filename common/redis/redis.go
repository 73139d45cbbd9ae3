package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/medialens/tweet-harvest-service/common/config"
	"github.com/redis/go-redis/v9"
)

// RedisClient wraps the go-redis client with the small surface the lock
// manager needs: set-if-absent with TTL, delete, exists, prefix scan and
// atomic multi-delete.
type RedisClient struct {
	client *redis.Client
}

// NewClient connects to Redis and verifies the connection.
func NewClient(cfg config.Config) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
		Username: cfg.Redis.Username,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisClient{
		client: client,
	}, nil
}

// Close closes the Redis client connection.
func (c *RedisClient) Close() error {
	return c.client.Close()
}

// Set sets a key-value pair with optional expiration.
func (c *RedisClient) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return c.client.Set(ctx, key, value, expiration).Err()
}

// Get retrieves a value by key. Missing keys return an empty string.
func (c *RedisClient) Get(ctx context.Context, key string) (string, error) {
	val, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return val, err
}

// SetNX sets a key-value pair with a TTL only if the key does not
// exist. Returns false when the key is already present.
func (c *RedisClient) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	return c.client.SetNX(ctx, key, value, expiration).Result()
}

// Delete removes a key and reports whether one was deleted.
func (c *RedisClient) Delete(ctx context.Context, key string) (bool, error) {
	n, err := c.client.Del(ctx, key).Result()
	return n > 0, err
}

// Exists checks if a key exists.
func (c *RedisClient) Exists(ctx context.Context, key string) (bool, error) {
	result, err := c.client.Exists(ctx, key).Result()
	return result > 0, err
}

// ScanPrefix returns all keys under the given prefix. It uses SCAN to
// avoid blocking the Redis server.
func (c *RedisClient) ScanPrefix(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := c.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan keys under %q: %w", prefix, err)
	}
	return keys, nil
}

// DeleteAll removes every key under the prefix in a single DEL command,
// so the removal is atomic. Returns the number of keys deleted.
func (c *RedisClient) DeleteAll(ctx context.Context, prefix string) (int64, error) {
	keys, err := c.ScanPrefix(ctx, prefix)
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := c.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to delete keys under %q: %w", prefix, err)
	}
	return n, nil
}

// GetClient returns the underlying Redis client.
func (c *RedisClient) GetClient() *redis.Client {
	return c.client
}
