// Package backend provides the thin facade over the external pub/sub + kv
// store that the channel fabric (internal/relay) consumes: publish,
// subscribe/reset, hget/hset, expire. The store is Redis; document state
// lives in a per-document hash and cross-process fan-out rides Redis
// pub/sub, including keyspace-notification delivery of key expirations.
//
// Grounded on internal/cache/cache.go's pooled redis.Client construction;
// extended here with pub/sub (cache.go only ever used Redis as a plain kv
// store).
package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds backend connection configuration.
type Config struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// Client wraps a pooled Redis client as the kv/pub-sub backend.
type Client struct {
	rdb *redis.Client
	db  int
}

// NewClient creates a new backend client and verifies connectivity.
func NewClient(cfg Config) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,

		PoolSize:        25,
		MinIdleConns:    5,
		MaxIdleConns:    10,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 1 * time.Minute,

		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,

		MaxRetries:      3,
		MinRetryBackoff: 8 * time.Millisecond,
		MaxRetryBackoff: 512 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping backend: %w", err)
	}

	return &Client{rdb: rdb, db: cfg.DB}, nil
}

// Close closes the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping verifies the backend is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Publish publishes message on channel.
func (c *Client) Publish(ctx context.Context, channel string, message string) error {
	return c.rdb.Publish(ctx, channel, message).Err()
}

// HGet retrieves a single hash field. ok is false if the key or field is absent.
func (c *Client) HGet(ctx context.Context, key, field string) (value string, ok bool, err error) {
	value, err = c.rdb.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("hget %s.%s: %w", key, field, err)
	}
	return value, true, nil
}

// HSet sets a single hash field.
func (c *Client) HSet(ctx context.Context, key, field, value string) error {
	if err := c.rdb.HSet(ctx, key, field, value).Err(); err != nil {
		return fmt.Errorf("hset %s.%s: %w", key, field, err)
	}
	return nil
}

// Expire sets a TTL (in seconds) on key.
func (c *Client) Expire(ctx context.Context, key string, seconds int) error {
	if err := c.rdb.Expire(ctx, key, time.Duration(seconds)*time.Second).Err(); err != nil {
		return fmt.Errorf("expire %s: %w", key, err)
	}
	return nil
}
