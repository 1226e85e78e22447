package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/asakaida/monban/internal/app"
	"github.com/asakaida/monban/internal/handlers"
	"github.com/asakaida/monban/internal/infrastructure/config"
	"github.com/asakaida/monban/internal/infrastructure/logging"
	"github.com/asakaida/monban/internal/infrastructure/metrics"
	"github.com/asakaida/monban/internal/infrastructure/tracing"
	"github.com/asakaida/monban/internal/middleware/grpcauthz"
	"github.com/asakaida/monban/internal/middleware/httpauthz"
	"github.com/asakaida/monban/internal/services/authorization"
)

const (
	defaultEnv      = "dev"
	shutdownTimeout = 30 * time.Second
)

func main() {
	if err := run(); err != nil {
		logrus.WithError(err).Fatal("server failed")
	}
}

func run() error {
	// Get environment from ENV variable or use default
	env := os.Getenv("ENV")
	if env == "" {
		env = defaultEnv
	}

	if err := config.InitConfig(env); err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := logging.New(cfg.Log, os.Stdout)
	if err != nil {
		return err
	}

	ctx := context.Background()

	tp, err := tracing.Init(ctx, cfg.Telemetry, logger)
	if err != nil {
		return err
	}

	collector := metrics.NewCollector()
	exporter := metrics.NewPrometheusExporter(collector, prometheus.DefaultRegisterer)

	a, err := app.New(ctx, cfg, logger,
		authorization.WithTracer(tp.Tracer()),
		authorization.WithObserver(exporter),
	)
	if err != nil {
		return fmt.Errorf("failed to build application: %w", err)
	}

	if cfg.Authz.ManifestPath != "" {
		if _, err := a.ApplyManifestFile(ctx, cfg.Authz.ManifestPath); err != nil {
			_ = a.Close()
			return err
		}
	}

	if a.Cache != nil {
		collector.SetCache(a.Cache)
	}
	exporter.SetInventory(a.Store)

	refreshCtx, stopRefresh := context.WithCancel(ctx)
	defer stopRefresh()
	scheduler, err := metrics.StartGaugeRefresh(refreshCtx, exporter, metrics.DefaultRefreshSpec, logger)
	if err != nil {
		_ = a.Close()
		return err
	}

	guard := authorization.NewGuard(a.Engine, nil, logger)

	// HTTP API
	var identity httpauthz.IdentityFunc
	switch cfg.Server.ClientIP {
	case config.ClientIPRemote:
		identity = httpauthz.HeaderIdentityWithIP(false)
	case config.ClientIPForwarded:
		identity = httpauthz.HeaderIdentityWithIP(true)
	}
	router := handlers.NewRouter(handlers.RouterConfig{
		Admin:            handlers.NewAuthorizationHandler(a.Service, logger),
		Permissions:      handlers.NewPermissionHandler(a.Engine, logger),
		Guard:            guard,
		Identity:         identity,
		Logger:           logger,
		ProtectDecisions: cfg.Server.ProtectDecisions,
		RateLimit:        cfg.Server.RateLimit,
		RateWindow:       cfg.Server.RateWindow,
		Middlewares: []func(http.Handler) http.Handler{
			logging.RequestLogger(logger),
			metrics.HTTPMiddleware(collector, exporter),
		},
		Tracing: tp.Enabled(),
	})
	httpServer := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, fmt.Sprint(cfg.Server.HTTPPort)),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// gRPC: decision service, health and reflection
	interceptors := []grpc.UnaryServerInterceptor{metrics.UnaryServerInterceptor(collector, exporter)}
	if cfg.Server.ProtectDecisions {
		interceptors = append(interceptors,
			grpcauthz.UnaryServerInterceptor(guard, handlers.DecisionMethods(handlers.DecisionDescriptor), nil))
	}
	opts := []grpc.ServerOption{grpc.ChainUnaryInterceptor(interceptors...)}
	if tp.Enabled() {
		opts = append(opts, grpc.StatsHandler(otelgrpc.NewServerHandler()))
	}
	grpcServer := grpc.NewServer(opts...)
	handlers.RegisterPermissionServer(grpcServer, handlers.NewPermissionServer(a.Engine, logger))

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(handlers.PermissionServiceName, healthpb.HealthCheckResponse_SERVING)

	// Register reflection service (for grpcurl, etc.)
	reflection.Register(grpcServer)

	grpcListener, err := net.Listen("tcp", net.JoinHostPort(cfg.Server.Host, fmt.Sprint(cfg.Server.GRPCPort)))
	if err != nil {
		_ = a.Close()
		return fmt.Errorf("failed to listen: %w", err)
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, fmt.Sprint(cfg.Server.MetricsPort)),
		Handler:           metricsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErrors := make(chan error, 3)
	go func() {
		logger.WithField("addr", httpServer.Addr).Info("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()
	go func() {
		logger.WithField("addr", grpcListener.Addr().String()).Info("gRPC server listening")
		if err := grpcServer.Serve(grpcListener); err != nil {
			serverErrors <- fmt.Errorf("gRPC server error: %w", err)
		}
	}()
	go func() {
		logger.WithField("addr", metricsServer.Addr).Info("metrics server listening")
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- fmt.Errorf("metrics server error: %w", err)
		}
	}()

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case runErr = <-serverErrors:
		logger.WithError(runErr).Error("server stopped unexpectedly")
	case sig := <-sigChan:
		logger.WithField("signal", sig.String()).Info("initiating graceful shutdown")
	}

	healthServer.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("HTTP shutdown incomplete")
	}

	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timeout exceeded, forcing gRPC stop")
		grpcServer.Stop()
	}

	<-scheduler.Stop().Done()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("metrics shutdown incomplete")
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("tracer shutdown incomplete")
	}
	if err := a.Close(); err != nil {
		logger.WithError(err).Warn("error closing application")
	}

	logger.Info("shutdown complete")
	return runErr
}
