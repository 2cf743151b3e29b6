package store

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// redisClient maps the hash seam onto Redis hashes, one hash per
// (account, kind) under the key "bitmex:<account>:<kind>".
type redisClient struct {
	rdb *redis.Client
}

// NewRedis connects to Redis at the given URL and verifies the connection
// with a ping before returning.
func NewRedis(ctx context.Context, url string) (Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &dataStore{client: &redisClient{rdb: rdb}}, nil
}

func (c *redisClient) hGet(ctx context.Context, key, field string) (string, bool, error) {
	raw, err := c.rdb.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis hget %s %s: %w", key, field, err)
	}
	return raw, true, nil
}

func (c *redisClient) hSet(ctx context.Context, key string, fields map[string]string) error {
	args := make(map[string]any, len(fields))
	for field, raw := range fields {
		args[field] = raw
	}
	if err := c.rdb.HSet(ctx, key, args).Err(); err != nil {
		return fmt.Errorf("redis hset %s: %w", key, err)
	}
	return nil
}

func (c *redisClient) hGetAll(ctx context.Context, key string) (map[string]string, error) {
	raw, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall %s: %w", key, err)
	}
	return raw, nil
}

func (c *redisClient) close() error {
	return c.rdb.Close()
}
