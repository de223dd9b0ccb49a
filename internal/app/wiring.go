// Package app wires configuration into runnable components shared by
// the binaries.
package app

import (
	"context"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/hive-corporation/threatcore/internal/adapter/intel"
	"github.com/hive-corporation/threatcore/internal/config"
	"github.com/hive-corporation/threatcore/internal/core/domain"
	"github.com/hive-corporation/threatcore/internal/core/ports"
	"github.com/hive-corporation/threatcore/internal/correlate"
	"github.com/hive-corporation/threatcore/internal/detect"
	"github.com/hive-corporation/threatcore/internal/enrich"
	"github.com/hive-corporation/threatcore/internal/pipeline"
	"github.com/hive-corporation/threatcore/internal/reputation"
	"github.com/hive-corporation/threatcore/internal/storage/document"
	"github.com/hive-corporation/threatcore/internal/storage/index"
	"github.com/hive-corporation/threatcore/internal/storage/keyvalue"
	"github.com/hive-corporation/threatcore/internal/storage/memory"
	"github.com/hive-corporation/threatcore/internal/storage/postgres"
)

// NewLogger builds the process logger at the configured level.
func NewLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// NewBackend constructs the configured storage backend.
func NewBackend(ctx context.Context, cfg config.Storage) (ports.Backend, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return memory.New(), nil
	case config.BackendRelational:
		poolCfg, err := pgxpool.ParseConfig(cfg.ConnectionString)
		if err != nil {
			return nil, domain.WrapErr(err, domain.KindConfig, "storage.connection_string")
		}
		poolCfg.MaxConns = int32(cfg.PoolSize)
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, domain.WrapErr(err, domain.KindStorageTransient, "connecting to postgres")
		}
		if err := postgres.EnsureSchema(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		return postgres.New(pool), nil
	case config.BackendDocument:
		path := cfg.ConnectionString
		if path == "" {
			path = "threatcore.db"
		}
		return document.Open(path)
	case config.BackendKeyValue:
		opts, err := redis.ParseURL(cfg.ConnectionString)
		if err != nil {
			return nil, domain.WrapErr(err, domain.KindConfig, "storage.connection_string")
		}
		opts.PoolSize = cfg.PoolSize
		return keyvalue.New(redis.NewClient(opts)), nil
	case config.BackendIndex:
		path := cfg.ConnectionString
		if path == "" {
			path = "threatcore.idx"
		}
		return index.Open(path)
	}
	return nil, domain.E(domain.KindConfig, "storage.backend: unknown backend %q", cfg.Backend)
}

// NewOrchestrator assembles the engines around a backend. Enrichment
// sources that need external assets (geoip database, API keys) are
// registered only when configured.
func NewOrchestrator(cfg config.Config, backend ports.Backend, logger *slog.Logger) (*pipeline.Orchestrator, error) {
	detector := detect.NewEngine(logger)
	rules := detect.DefaultRules()
	if cfg.RulesFile != "" {
		loaded, err := detect.LoadRulesFile(cfg.RulesFile)
		if err != nil {
			return nil, err
		}
		rules = loaded
	}
	if err := detector.Load(rules); err != nil {
		return nil, err
	}

	var sources []ports.EnrichmentSource
	if cfg.GeoIPPath != "" {
		geo, err := intel.NewGeoIPSource(cfg.GeoIPPath)
		if err != nil {
			return nil, err
		}
		sources = append(sources, geo)
	}
	if base := os.Getenv("PULSE_API_URL"); base != "" {
		sources = append(sources, intel.NewPulseSource(base, os.Getenv("PULSE_API_KEY"), intel.DefaultClientConfig(), logger))
	}
	enricher := enrich.NewEngine(enrich.Config{
		MaxConcurrency:   cfg.Enrichment.MaxConcurrency,
		PerSourceTimeout: cfg.Enrichment.PerSourceTimeout,
		UpliftDelta:      cfg.Enrichment.UpliftDelta,
		EnabledSources:   cfg.Enrichment.EnabledSources,
	}, logger, sources...)

	rep := reputation.NewEngine(cfg.Reputation.CacheTTL, cfg.Reputation.CacheCapacity, logger)
	repBase := os.Getenv("REPUTATION_API_URL")
	for _, src := range cfg.Reputation.Sources {
		if repBase == "" {
			logger.Warn("reputation source configured without REPUTATION_API_URL", "source", src.ID)
			continue
		}
		httpSrc := intel.NewHTTPReputationSource(src.ID, repBase, os.Getenv("REPUTATION_API_KEY"), intel.DefaultClientConfig(), logger)
		if err := rep.Register(httpSrc, reputation.SourceConfig{ID: src.ID, Weight: src.Weight, Enabled: src.Enabled}); err != nil {
			return nil, err
		}
	}

	correlator := correlate.NewEngine(correlate.Config{
		TimeWindow:  cfg.Correlation.TimeWindow,
		MinStrength: cfg.Correlation.MinStrength,
		MaxPerIOC:   cfg.Correlation.MaxPerIOC,
	}, logger)

	return pipeline.New(pipeline.Config{
		MaxBatchSize:        cfg.Processing.MaxBatchSize,
		ConfidenceThreshold: cfg.Processing.ConfidenceThreshold,
		StorageTimeout:      cfg.Storage.Timeout,
	}, backend, detector, rep, enricher, correlator, logger), nil
}
