package cache

import (
	"context"
	"strings"
	"time"
)

// Cache is the interface for caching pre-serialized permission results.
// Values are opaque byte slices so that every backend stores the same representation.
type Cache interface {
	// Get retrieves a value from cache.
	// Returns the value and true if found, or nil and false if not found or expired.
	Get(ctx context.Context, key string) ([]byte, bool)

	// Set stores a value in cache with TTL.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, key string) error

	// DeletePattern removes every key matching a glob pattern (*, ?, [..], backslash escapes)
	// and returns the number of removed keys.
	DeletePattern(ctx context.Context, pattern string) (int, error)

	// Clear removes all entries from cache.
	Clear(ctx context.Context) error

	// Close releases resources held by the cache.
	Close() error

	// Metrics returns cache statistics.
	Metrics() *Metrics
}

// Metrics holds cache performance statistics.
type Metrics struct {
	// Hits is the number of cache hits
	Hits uint64

	// Misses is the number of cache misses
	Misses uint64

	// KeysAdded is the number of keys added to cache
	KeysAdded uint64

	// KeysEvicted is the number of keys evicted by size pressure
	KeysEvicted uint64

	// KeysExpired is the number of keys removed after their TTL
	KeysExpired uint64

	// Errors is the number of backend errors
	Errors uint64
}

// HitRate returns the cache hit rate (0.0 to 1.0).
func (m *Metrics) HitRate() float64 {
	total := m.Hits + m.Misses
	if total == 0 {
		return 0.0
	}
	return float64(m.Hits) / float64(total)
}

var globReplacer = strings.NewReplacer(
	`\`, `\\`,
	`*`, `\*`,
	`?`, `\?`,
	`[`, `\[`,
	`]`, `\]`,
	`{`, `\{`,
	`}`, `\}`,
)

// EscapeGlob escapes glob metacharacters so that s matches only itself in a pattern.
func EscapeGlob(s string) string {
	return globReplacer.Replace(s)
}
