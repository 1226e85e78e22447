// Package app assembles the store, cache, engine and permission service from configuration.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/asakaida/monban/internal/infrastructure/config"
	"github.com/asakaida/monban/internal/infrastructure/database"
	"github.com/asakaida/monban/internal/repositories"
	"github.com/asakaida/monban/internal/repositories/memory"
	"github.com/asakaida/monban/internal/repositories/postgres"
	"github.com/asakaida/monban/internal/services"
	"github.com/asakaida/monban/internal/services/authorization"
	"github.com/asakaida/monban/pkg/cache"
	"github.com/asakaida/monban/pkg/cache/memorycache"
	"github.com/asakaida/monban/pkg/cache/rediscache"
)

// App holds the wired components shared by the binaries
type App struct {
	Store   repositories.Store
	Adapter repositories.PermissionAdapter
	Cache   cache.Cache // nil when caching is disabled
	Engine  *authorization.Engine
	Service *services.PermissionService
	DB      *database.Postgres // nil for the memory driver
	Logger  logrus.FieldLogger
}

// New connects the configured store and cache and builds the engine.
// extra options (tracer, observer) are applied after the configured ones.
func New(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger, extra ...authorization.Option) (*App, error) {
	a := &App{Logger: logger}

	switch cfg.Database.Driver {
	case config.DriverMemory:
		store := memory.NewStore()
		a.Store, a.Adapter = store, store
		logger.Warn("using the in-memory store; data is lost on restart")
	default:
		pg, err := database.NewPostgres(ctx, &cfg.Database)
		if err != nil {
			return nil, err
		}
		a.DB = pg
		a.Store = postgres.NewStore(pg.DB)
		a.Adapter = postgres.NewPostgresPermissionAdapter(pg.DB)
		logger.WithFields(logrus.Fields{
			"host":     cfg.Database.Host,
			"port":     cfg.Database.Port,
			"database": cfg.Database.Database,
		}).Info("connected to database")
	}

	if cfg.Cache.Enabled {
		c, err := NewCache(ctx, cfg.Cache)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Cache = c
	}

	celEngine, err := authorization.NewCELEngine(cfg.Authz.CELCacheSize)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create CEL engine: %w", err)
	}
	opts := []authorization.Option{
		authorization.WithLogger(logger),
		authorization.WithTenantIsolation(cfg.Authz.TenantIsolation),
		authorization.WithCELEngine(celEngine),
	}
	if len(cfg.Authz.SuperRoles) > 0 {
		opts = append(opts, authorization.WithSuperRoles(cfg.Authz.SuperRoles...))
	}
	if a.Cache != nil {
		opts = append(opts, authorization.WithCache(a.Cache, cfg.Cache.Prefix, cfg.Cache.TTL))
	}
	opts = append(opts, extra...)

	engine, err := authorization.NewEngine(a.Adapter, opts...)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	a.Engine = engine
	a.Service = services.NewPermissionService(a.Store, engine, logger)
	return a, nil
}

// NewCache builds the configured cache backend
func NewCache(ctx context.Context, cfg config.CacheConfig) (cache.Cache, error) {
	switch cfg.Backend {
	case config.CacheBackendRedis:
		c, err := rediscache.New(ctx, &rediscache.Config{
			Addr:       cfg.RedisAddr,
			Password:   cfg.RedisPassword,
			DB:         cfg.RedisDB,
			KeyPrefix:  cfg.Prefix,
			DefaultTTL: cfg.TTL,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis cache: %w", err)
		}
		return c, nil
	case config.CacheBackendMemory, "":
		c, err := memorycache.New(&memorycache.Config{
			MaxSizeBytes:  cfg.MaxMemoryBytes,
			DefaultTTL:    cfg.TTL,
			SweepInterval: cfg.SweepInterval,
			EnableMetrics: true,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create memory cache: %w", err)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}

// ApplyManifestFile loads a YAML manifest and applies it through the service
func (a *App) ApplyManifestFile(ctx context.Context, path string) (*services.ManifestResult, error) {
	m, err := services.LoadManifestFile(path)
	if err != nil {
		return nil, err
	}
	res, err := a.Service.ApplyManifest(ctx, m)
	if err != nil {
		return nil, err
	}
	a.Logger.WithFields(logrus.Fields{
		"path":    path,
		"applied": res.Applied,
		"failed":  res.Failed,
	}).Info("applied permission manifest")
	return res, nil
}

// HealthCheck verifies the database connection
func (a *App) HealthCheck(ctx context.Context) error {
	if a.DB == nil {
		return nil
	}
	return a.DB.HealthCheck(ctx)
}

// Close releases the cache and database connection
func (a *App) Close() error {
	var errs []error
	if a.Cache != nil {
		if err := a.Cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close cache: %w", err))
		}
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
	}
	return errors.Join(errs...)
}
