package cmd

import (
	"fmt"

	"example.com/backstage/services/ingest/internal/core"
	"example.com/backstage/services/ingest/internal/infrastructure"
	"example.com/backstage/services/ingest/internal/mapping"
	"example.com/backstage/services/ingest/internal/processor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// app holds the infrastructure and services shared by the commands.
type app struct {
	db       *infrastructure.Database
	cache    *infrastructure.Cache // nil when redis is disabled
	spool    *infrastructure.Spool
	registry *prometheus.Registry
	metrics  *infrastructure.Metrics
	services *core.ServiceRegistry
	engine   *mapping.Engine
}

type appOptions struct {
	// requireCache fails startup when redis is enabled but unreachable.
	requireCache bool
	spool        bool
	metrics      bool
}

func newApp(opts appOptions) (*app, error) {
	a := &app{}

	logger.Info("Connecting to database...")
	db, err := infrastructure.NewDatabase(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	a.db = db

	if cfg.Redis.Enabled {
		logger.Info("Connecting to cache...")
		cache, err := infrastructure.NewCache(cfg.Redis)
		switch {
		case err == nil:
			a.cache = cache
		case opts.requireCache:
			a.Close()
			return nil, fmt.Errorf("cache connection failed: %w", err)
		default:
			logger.WithError(err).Warn("Cache unavailable, continuing without it")
		}
	}

	if opts.spool {
		spool, err := infrastructure.NewSpool(cfg.Storage.SpoolPath, cfg.Storage.SpoolMaxBytes, cfg.Storage.SpoolMaxRetries)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to open spool: %w", err)
		}
		a.spool = spool
	}

	if opts.metrics {
		a.registry = prometheus.NewRegistry()
		a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		a.metrics = infrastructure.NewMetrics(a.registry)
	}

	serviceConfig := core.ServiceConfig{
		DB:       db.DB,
		Spool:    a.spool,
		Metrics:  a.metrics,
		Logger:   logger,
		Identity: cfg.Identity,
	}
	if a.cache != nil {
		serviceConfig.Cache = a.cache
	}
	a.services = core.NewServiceRegistry(serviceConfig)

	engine, err := mapping.NewEngine(cfg.Mapping, a.metrics, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize mapping engine: %w", err)
	}
	a.engine = engine

	return a, nil
}

// newProcessor builds a processor that claims entries through redis when
// available.
func (a *app) newProcessor() *processor.Processor {
	var claimer processor.Claimer
	if a.cache != nil {
		claimer = a.cache
	}
	return processor.NewProcessor(a.services.RawLogs, a.services.Store, a.services.Resolver, a.engine, claimer, cfg.Processor, a.metrics, logger)
}

func (a *app) Close() {
	if a.spool != nil {
		if err := a.spool.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close spool")
		}
	}
	if a.cache != nil {
		a.cache.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
}
