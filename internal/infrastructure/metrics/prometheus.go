package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/asakaida/monban/internal/entities"
	"github.com/asakaida/monban/internal/repositories"
	"github.com/asakaida/monban/internal/services/authorization"
)

// Transports label API metrics
const (
	TransportGRPC = "grpc"
	TransportHTTP = "http"
)

// Inventory is the part of the store counted by the inventory gauges
type Inventory interface {
	ListRoles(ctx context.Context, filter *repositories.RoleFilter) ([]*entities.Role, error)
	ListPermissions(ctx context.Context, filter *repositories.PermissionFilter) ([]*entities.Permission, error)
}

// PrometheusExporter exports metrics to Prometheus format.
type PrometheusExporter struct {
	collector *Collector
	inventory Inventory

	// Gauges refreshed by Update
	cacheHitRate     prometheus.Gauge
	cacheKeys        prometheus.Gauge
	cacheMemoryBytes prometheus.Gauge
	cacheEvictions   prometheus.Gauge
	cacheErrors      prometheus.Gauge
	roles            prometheus.Gauge
	permissions      prometheus.Gauge

	// Counters updated as events happen
	cacheLookups     *prometheus.CounterVec
	decisions        *prometheus.CounterVec
	decisionDuration *prometheus.HistogramVec
	requests         *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	requestErrors    *prometheus.CounterVec
}

var _ authorization.Observer = (*PrometheusExporter)(nil)

// NewPrometheusExporter registers the monban metrics with reg
// (prometheus.DefaultRegisterer when nil).
func NewPrometheusExporter(collector *Collector, reg prometheus.Registerer) *PrometheusExporter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	buckets := []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0}

	return &PrometheusExporter{
		collector: collector,
		cacheHitRate: factory.NewGauge(prometheus.GaugeOpts{
			Name: "monban_cache_hit_rate",
			Help: "Current permission cache hit rate (0.0 to 1.0)",
		}),
		cacheKeys: factory.NewGauge(prometheus.GaugeOpts{
			Name: "monban_cache_keys_current",
			Help: "Current number of keys in the in-process permission cache",
		}),
		cacheMemoryBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "monban_cache_memory_bytes",
			Help: "Current memory usage of the in-process permission cache in bytes",
		}),
		cacheEvictions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "monban_cache_evicted_keys",
			Help: "Keys evicted from the permission cache due to memory limits since start",
		}),
		cacheErrors: factory.NewGauge(prometheus.GaugeOpts{
			Name: "monban_cache_backend_errors",
			Help: "Permission cache backend errors since start",
		}),
		roles: factory.NewGauge(prometheus.GaugeOpts{
			Name: "monban_roles",
			Help: "Number of stored roles",
		}),
		permissions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "monban_permissions",
			Help: "Number of stored permissions",
		}),
		cacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "monban_cache_lookups_total",
				Help: "Engine cache lookups by operation and result (hit, miss)",
			},
			[]string{"operation", "result"},
		),
		decisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "monban_decisions_total",
				Help: "Permission decisions by operation and result (allowed, denied)",
			},
			[]string{"operation", "result"},
		),
		decisionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "monban_decision_duration_seconds",
				Help:    "Duration of permission decisions in seconds",
				Buckets: buckets,
			},
			[]string{"operation"},
		),
		requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "monban_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"transport", "method"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "monban_request_duration_seconds",
				Help:    "Duration of API requests in seconds",
				Buckets: buckets,
			},
			[]string{"transport", "method"},
		),
		requestErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "monban_request_errors_total",
				Help: "Total number of failed API requests",
			},
			[]string{"transport", "method"},
		),
	}
}

// SetInventory enables the role and permission gauges
func (e *PrometheusExporter) SetInventory(inv Inventory) {
	e.inventory = inv
}

// Update refreshes the gauges. Counters are updated as events happen.
// It is called periodically by the gauge refresh job.
func (e *PrometheusExporter) Update(ctx context.Context) error {
	cacheMetrics := e.collector.GetCacheMetrics()
	e.cacheHitRate.Set(cacheMetrics.HitRate)
	e.cacheKeys.Set(float64(cacheMetrics.KeysCurrent))
	e.cacheMemoryBytes.Set(float64(cacheMetrics.MemoryBytes))
	e.cacheEvictions.Set(float64(cacheMetrics.Evictions))
	e.cacheErrors.Set(float64(cacheMetrics.Errors))

	if e.inventory == nil {
		return nil
	}
	roles, err := e.inventory.ListRoles(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to count roles: %w", err)
	}
	e.roles.Set(float64(len(roles)))
	perms, err := e.inventory.ListPermissions(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to count permissions: %w", err)
	}
	e.permissions.Set(float64(len(perms)))
	return nil
}

// RecordRequest records a request in Prometheus.
func (e *PrometheusExporter) RecordRequest(transport, method string) {
	e.requests.WithLabelValues(transport, method).Inc()
}

// RecordDuration records a duration in Prometheus.
func (e *PrometheusExporter) RecordDuration(transport, method string, durationSeconds float64) {
	e.requestDuration.WithLabelValues(transport, method).Observe(durationSeconds)
}

// RecordError records an error in Prometheus.
func (e *PrometheusExporter) RecordError(transport, method string) {
	e.requestErrors.WithLabelValues(transport, method).Inc()
}

// ObserveDecision records an engine decision in Prometheus and the collector.
func (e *PrometheusExporter) ObserveDecision(operation string, allowed bool, duration time.Duration) {
	result := "denied"
	if allowed {
		result = "allowed"
	}
	e.decisions.WithLabelValues(operation, result).Inc()
	e.decisionDuration.WithLabelValues(operation).Observe(duration.Seconds())
	e.collector.ObserveDecision(operation, allowed, duration)
}

// ObserveCacheLookup records an engine cache lookup in Prometheus and the collector.
func (e *PrometheusExporter) ObserveCacheLookup(operation string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	e.cacheLookups.WithLabelValues(operation, result).Inc()
	e.collector.ObserveCacheLookup(operation, hit)
}
