package authorization

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/asakaida/monban/pkg/cache"
)

const (
	// DefaultCacheTTL is the lifetime of cached resolver results
	DefaultCacheTTL = 5 * time.Minute
	// DefaultCachePrefix namespaces permission cache keys
	DefaultCachePrefix = "perm"

	emptySegment = "-"
)

// Cache operations. Each resolver result is stored under its own operation segment.
const (
	opRoles           = "roles"
	opRolePermissions = "rolePermissions"
	opAbility         = "ability"
	opFields          = "fields"
	opConditions      = "conditions"
	opQuery           = "query"
	opEffective       = "effectivePermissions"
)

// PermissionCache fronts the resolvers with pre-serialized results.
// Keys have the form prefix:operation:userId:action:subject:context.
type PermissionCache struct {
	backend  cache.Cache
	prefix   string
	ttl      time.Duration
	group    singleflight.Group
	observer Observer
	logger   logrus.FieldLogger
}

// NewPermissionCache wraps a cache backend. Zero prefix and ttl use the defaults.
func NewPermissionCache(backend cache.Cache, prefix string, ttl time.Duration) *PermissionCache {
	if prefix == "" {
		prefix = DefaultCachePrefix
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &PermissionCache{
		backend: backend,
		prefix:  prefix,
		ttl:     ttl,
		logger:  logrus.StandardLogger(),
	}
}

// TTL returns the lifetime of cached entries
func (c *PermissionCache) TTL() time.Duration {
	return c.ttl
}

// Key builds the cache key of one resolver call
func (c *PermissionCache) Key(operation, userID, action, subject, contextKey string) string {
	return strings.Join([]string{
		c.prefix,
		operation,
		segment(userID),
		segment(action),
		segment(subject),
		contextKey,
	}, ":")
}

// InvalidateUser removes every entry keyed by userID
func (c *PermissionCache) InvalidateUser(ctx context.Context, userID string) (int, error) {
	pattern := cache.EscapeGlob(c.prefix) + ":*:" + cache.EscapeGlob(userID) + ":*"
	n, err := c.backend.DeletePattern(ctx, pattern)
	if err != nil {
		return n, fmt.Errorf("failed to invalidate user %s: %w", userID, err)
	}
	return n, nil
}

// InvalidateRole removes entries derived from the role itself.
// Entries of users holding the role are removed with InvalidateUser.
func (c *PermissionCache) InvalidateRole(ctx context.Context, roleID string) (int, error) {
	pattern := cache.EscapeGlob(c.Key(opRolePermissions, "", "", roleID, "")) + "*"
	n, err := c.backend.DeletePattern(ctx, pattern)
	if err != nil {
		return n, fmt.Errorf("failed to invalidate role %s: %w", roleID, err)
	}
	return n, nil
}

// Clear removes every cached entry
func (c *PermissionCache) Clear(ctx context.Context) error {
	_, err := c.backend.DeletePattern(ctx, cache.EscapeGlob(c.prefix)+":*")
	return err
}

// Metrics returns backend statistics
func (c *PermissionCache) Metrics() *cache.Metrics {
	return c.backend.Metrics()
}

// fetch returns the cached value of key, or loads, stores and returns it.
// Concurrent misses on the same key share one load. Every caller decodes its own
// copy, so hits and misses return structurally identical values.
func fetch[T any](ctx context.Context, c *PermissionCache, operation, key string, load func(context.Context) (T, error)) (T, error) {
	var zero T
	if c == nil {
		return load(ctx)
	}

	if data, ok := c.backend.Get(ctx, key); ok {
		var v T
		if err := json.Unmarshal(data, &v); err == nil {
			c.observe(operation, true)
			return v, nil
		}
		c.logger.WithField("key", key).Warn("discarding undecodable permission cache entry")
	}
	c.observe(operation, false)

	shared, err, _ := c.group.Do(key, func() (interface{}, error) {
		v, err := load(ctx)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s result: %w", operation, err)
		}
		if err := c.backend.Set(ctx, key, data, c.ttl); err != nil {
			c.logger.WithError(err).WithField("key", key).Warn("failed to store permission cache entry")
		}
		return data, nil
	})
	if err != nil {
		return zero, err
	}

	var v T
	if err := json.Unmarshal(shared.([]byte), &v); err != nil {
		return zero, fmt.Errorf("failed to decode %s result: %w", operation, err)
	}
	return v, nil
}

func (c *PermissionCache) observe(operation string, hit bool) {
	if c.observer != nil {
		c.observer.ObserveCacheLookup(operation, hit)
	}
}

func segment(s string) string {
	if s == "" {
		return emptySegment
	}
	return s
}
