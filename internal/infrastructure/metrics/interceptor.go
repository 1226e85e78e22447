package metrics

import (
	"context"
	"time"

	"google.golang.org/grpc"
)

// UnaryServerInterceptor returns a gRPC interceptor that records metrics for each request.
func UnaryServerInterceptor(collector *Collector, exporter *PrometheusExporter) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		start := time.Now()
		method := info.FullMethod
		key := TransportGRPC + " " + method

		collector.RecordRequest(key)
		if exporter != nil {
			exporter.RecordRequest(TransportGRPC, method)
		}

		resp, err := handler(ctx, req)

		duration := time.Since(start).Seconds()
		collector.RecordDuration(key, duration)
		if exporter != nil {
			exporter.RecordDuration(TransportGRPC, method, duration)
		}

		if err != nil {
			collector.RecordError(key)
			if exporter != nil {
				exporter.RecordError(TransportGRPC, method)
			}
		}

		return resp, err
	}
}
