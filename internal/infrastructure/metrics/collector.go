package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/asakaida/monban/internal/services/authorization"
	"github.com/asakaida/monban/pkg/cache"
	"github.com/asakaida/monban/pkg/cache/memorycache"
)

// Collector collects and aggregates metrics for the application.
type Collector struct {
	// API metrics, keyed by "grpc /pkg.Service/Method" or "http GET /v1/roles"
	apiRequests sync.Map // map[string]*uint64
	apiErrors   sync.Map // map[string]*uint64
	apiDuration sync.Map // map[string]*durationValue

	// Engine metrics, keyed by operation
	decisions    sync.Map // map[string]*decisionCounts
	cacheLookups sync.Map // map[string]*lookupCounts

	// Cache reference (optional, for querying cache-specific metrics)
	cache cache.Cache
}

var _ authorization.Observer = (*Collector)(nil)

// durationValue holds duration with mutex for thread-safe updates.
type durationValue struct {
	mu           sync.Mutex
	totalSeconds float64
}

type decisionCounts struct {
	allowed atomic.Uint64
	denied  atomic.Uint64
}

type lookupCounts struct {
	hits   atomic.Uint64
	misses atomic.Uint64
}

// CacheMetrics holds cache performance metrics.
type CacheMetrics struct {
	Hits        uint64
	Misses      uint64
	HitRate     float64
	KeysCurrent int64
	MemoryBytes int64
	Evictions   uint64
	Errors      uint64
}

// APIMetrics holds API request metrics.
type APIMetrics struct {
	RequestCounts        map[string]uint64
	ErrorCounts          map[string]uint64
	TotalDurationSeconds map[string]float64
}

// DecisionMetrics holds per-operation engine counts.
type DecisionMetrics struct {
	Allowed     map[string]uint64
	Denied      map[string]uint64
	CacheHits   map[string]uint64
	CacheMisses map[string]uint64
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{}
}

// SetCache sets the cache instance for collecting cache metrics.
func (c *Collector) SetCache(cache cache.Cache) {
	c.cache = cache
}

// RecordRequest records an API request.
func (c *Collector) RecordRequest(method string) {
	counter := c.getOrCreateCounter(&c.apiRequests, method)
	atomic.AddUint64(counter, 1)
}

// RecordError records an API error.
func (c *Collector) RecordError(method string) {
	counter := c.getOrCreateCounter(&c.apiErrors, method)
	atomic.AddUint64(counter, 1)
}

// RecordDuration records the duration of an API call in seconds.
func (c *Collector) RecordDuration(method string, durationSeconds float64) {
	val, _ := c.apiDuration.LoadOrStore(method, &durationValue{})
	dv := val.(*durationValue)

	dv.mu.Lock()
	dv.totalSeconds += durationSeconds
	dv.mu.Unlock()
}

// ObserveDecision counts an engine decision
func (c *Collector) ObserveDecision(operation string, allowed bool, _ time.Duration) {
	val, _ := c.decisions.LoadOrStore(operation, &decisionCounts{})
	counts := val.(*decisionCounts)
	if allowed {
		counts.allowed.Add(1)
	} else {
		counts.denied.Add(1)
	}
}

// ObserveCacheLookup counts an engine cache lookup
func (c *Collector) ObserveCacheLookup(operation string, hit bool) {
	val, _ := c.cacheLookups.LoadOrStore(operation, &lookupCounts{})
	counts := val.(*lookupCounts)
	if hit {
		counts.hits.Add(1)
	} else {
		counts.misses.Add(1)
	}
}

// GetCacheMetrics returns current cache metrics.
func (c *Collector) GetCacheMetrics() *CacheMetrics {
	if c.cache == nil {
		return &CacheMetrics{}
	}

	metrics := c.cache.Metrics()
	if metrics == nil {
		return &CacheMetrics{}
	}

	result := &CacheMetrics{
		Hits:      metrics.Hits,
		Misses:    metrics.Misses,
		HitRate:   metrics.HitRate(),
		Evictions: metrics.KeysEvicted,
		Errors:    metrics.Errors,
	}

	// Current keys and memory are only known in process
	if memCache, ok := c.cache.(*memorycache.Cache); ok {
		result.KeysCurrent = int64(memCache.Len())
		result.MemoryBytes = memCache.Size()
	}

	return result
}

// GetAPIMetrics returns current API metrics.
func (c *Collector) GetAPIMetrics() *APIMetrics {
	result := &APIMetrics{
		RequestCounts:        make(map[string]uint64),
		ErrorCounts:          make(map[string]uint64),
		TotalDurationSeconds: make(map[string]float64),
	}

	c.apiRequests.Range(func(key, value interface{}) bool {
		result.RequestCounts[key.(string)] = atomic.LoadUint64(value.(*uint64))
		return true
	})
	c.apiErrors.Range(func(key, value interface{}) bool {
		result.ErrorCounts[key.(string)] = atomic.LoadUint64(value.(*uint64))
		return true
	})
	c.apiDuration.Range(func(key, value interface{}) bool {
		dv := value.(*durationValue)
		dv.mu.Lock()
		result.TotalDurationSeconds[key.(string)] = dv.totalSeconds
		dv.mu.Unlock()
		return true
	})

	return result
}

// GetDecisionMetrics returns the engine decision and cache lookup counts.
func (c *Collector) GetDecisionMetrics() *DecisionMetrics {
	result := &DecisionMetrics{
		Allowed:     make(map[string]uint64),
		Denied:      make(map[string]uint64),
		CacheHits:   make(map[string]uint64),
		CacheMisses: make(map[string]uint64),
	}
	c.decisions.Range(func(key, value interface{}) bool {
		counts := value.(*decisionCounts)
		result.Allowed[key.(string)] = counts.allowed.Load()
		result.Denied[key.(string)] = counts.denied.Load()
		return true
	})
	c.cacheLookups.Range(func(key, value interface{}) bool {
		counts := value.(*lookupCounts)
		result.CacheHits[key.(string)] = counts.hits.Load()
		result.CacheMisses[key.(string)] = counts.misses.Load()
		return true
	})
	return result
}

// getOrCreateCounter gets or creates a counter for the given key.
func (c *Collector) getOrCreateCounter(m *sync.Map, key string) *uint64 {
	val, _ := m.LoadOrStore(key, new(uint64))
	return val.(*uint64)
}
