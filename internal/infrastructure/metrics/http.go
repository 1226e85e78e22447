package metrics

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// unmatchedRoute labels requests no route matched, keeping label cardinality bounded
const unmatchedRoute = "unmatched"

// HTTPMiddleware records request metrics labeled by method and chi route
// pattern. Responses with a 5xx status count as errors.
func HTTPMiddleware(collector *Collector, exporter *PrometheusExporter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			method := r.Method + " " + routePattern(r)
			key := TransportHTTP + " " + method
			duration := time.Since(start).Seconds()

			collector.RecordRequest(key)
			collector.RecordDuration(key, duration)
			if exporter != nil {
				exporter.RecordRequest(TransportHTTP, method)
				exporter.RecordDuration(TransportHTTP, method, duration)
			}
			if ww.Status() >= http.StatusInternalServerError {
				collector.RecordError(key)
				if exporter != nil {
					exporter.RecordError(TransportHTTP, method)
				}
			}
		})
	}
}

func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return unmatchedRoute
	}
	if pattern := rctx.RoutePattern(); pattern != "" {
		return pattern
	}
	return unmatchedRoute
}
