// Package rediscache implements cache.Cache on top of Redis.
// Entries expire through Redis TTLs, so no sweep is needed.
package rediscache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/asakaida/monban/pkg/cache"
	"github.com/redis/go-redis/v9"
)

// scanBatch is the COUNT hint used when scanning for pattern deletes
const scanBatch = 500

// Config holds configuration for the redis cache.
type Config struct {
	Addr     string
	Password string
	DB       int

	// KeyPrefix namespaces every key written by this cache. Clear only removes prefixed keys.
	KeyPrefix string

	// DefaultTTL is used when Set is called with a non-positive TTL.
	DefaultTTL time.Duration
}

// Cache implements cache.Cache using Redis.
type Cache struct {
	client    redis.UniversalClient
	prefix    string
	ttl       time.Duration
	ownClient bool

	hits      atomic.Uint64
	misses    atomic.Uint64
	keysAdded atomic.Uint64
	errors    atomic.Uint64
}

var _ cache.Cache = (*Cache)(nil)

// New connects to Redis and verifies the connection with a ping.
func New(ctx context.Context, cfg *Config) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("rediscache: ping: %w", err)
	}

	c := NewWithClient(client, cfg.KeyPrefix, cfg.DefaultTTL)
	c.ownClient = true
	return c, nil
}

// NewWithClient wraps an existing client. The client is not closed by Close.
func NewWithClient(client redis.UniversalClient, keyPrefix string, defaultTTL time.Duration) *Cache {
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}
	return &Cache{client: client, prefix: keyPrefix, ttl: defaultTTL}
}

// Get retrieves a value. Backend errors are counted and reported as a miss.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	value, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.errors.Add(1)
		}
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return value, true
}

// Set stores a value with TTL.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.ttl
	}
	if err := c.client.Set(ctx, c.prefix+key, value, ttl).Err(); err != nil {
		c.errors.Add(1)
		return fmt.Errorf("rediscache: set: %w", err)
	}
	c.keysAdded.Add(1)
	return nil
}

// Delete removes a value.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.client.Unlink(ctx, c.prefix+key).Err(); err != nil {
		c.errors.Add(1)
		return fmt.Errorf("rediscache: delete: %w", err)
	}
	return nil
}

// DeletePattern removes every key matching pattern using SCAN MATCH and UNLINK.
func (c *Cache) DeletePattern(ctx context.Context, pattern string) (int, error) {
	match := cache.EscapeGlob(c.prefix) + pattern

	removed := 0
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, match, scanBatch).Result()
		if err != nil {
			c.errors.Add(1)
			return removed, fmt.Errorf("rediscache: scan: %w", err)
		}
		if len(keys) > 0 {
			n, err := c.client.Unlink(ctx, keys...).Result()
			if err != nil {
				c.errors.Add(1)
				return removed, fmt.Errorf("rediscache: unlink: %w", err)
			}
			removed += int(n)
		}
		cursor = next
		if cursor == 0 {
			return removed, nil
		}
	}
}

// Clear removes every key under the cache prefix.
func (c *Cache) Clear(ctx context.Context) error {
	_, err := c.DeletePattern(ctx, "*")
	return err
}

// Close closes the client if it was created by New.
func (c *Cache) Close() error {
	if c.ownClient {
		return c.client.Close()
	}
	return nil
}

// Metrics returns cache statistics. Evictions and expirations happen inside Redis and are not counted.
func (c *Cache) Metrics() *cache.Metrics {
	return &cache.Metrics{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		KeysAdded: c.keysAdded.Load(),
		Errors:    c.errors.Load(),
	}
}
