// Package bootstrap assembles the snapshot store, the observer chain and the
// service from configuration.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/okian/fidscore/internal/adapters/repository"
	"github.com/okian/fidscore/internal/adapters/repository/kv"
	"github.com/okian/fidscore/internal/adapters/repository/postgres"
	"github.com/okian/fidscore/internal/adapters/repository/sqlite"
	"github.com/okian/fidscore/internal/adapters/upstream/neynar"
	service "github.com/okian/fidscore/internal/app"
	"github.com/okian/fidscore/internal/config"
	"github.com/okian/fidscore/internal/domain/history"
	"github.com/okian/fidscore/internal/domain/scoring"
	"github.com/okian/fidscore/internal/domain/tracking"
	"github.com/okian/fidscore/pkg/logger"
)

const badgerGCInterval = 5 * time.Minute

// Components are the assembled parts of a running instance.
type Components struct {
	Store    *repository.Store
	Observer *scoring.CachedObserver
	Service  *service.Service
}

// Close releases the store.
func (c *Components) Close() error {
	return c.Store.Close()
}

// OpenBackend opens the storage engine selected by cfg.Backend.
func OpenBackend(ctx context.Context, cfg *config.Config, l logger.Logger) (repository.Backend, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return repository.NewMemoryBackend(), nil
	case config.BackendBadger:
		kcfg := kv.DefaultConfig(cfg.BadgerPath)
		kcfg.GCInterval = badgerGCInterval
		kcfg.Logger = l.Named("badger")
		b, err := kv.Open(kcfg)
		if err != nil {
			return nil, err
		}
		return b, nil
	case config.BackendPostgres:
		//nolint:gosec // bounded by config validation
		b, err := postgres.Open(ctx, cfg.PostgresDSN, postgres.PoolConfig{MaxConns: int32(cfg.PostgresMaxConns)})
		if err != nil {
			return nil, err
		}
		return b, nil
	case config.BackendSQLite:
		b, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	return nil, fmt.Errorf("%w: unknown backend %q", config.ErrInvalidConfig, cfg.Backend)
}

// NewSource returns the scoring API client, or the simulated source when no
// API key is configured or simulation is requested.
func NewSource(cfg *config.Config, l logger.Logger) scoring.Source {
	if cfg.UseSimulation() {
		minLatency, maxLatency := cfg.ScoringLatency()
		l.Info(context.Background(), "using simulated scoring source",
			logger.Duration("min_latency", minLatency),
			logger.Duration("max_latency", maxLatency))
		return scoring.NewSimulatedSource(scoring.WithLatencyRange(minLatency, maxLatency))
	}
	opts := []neynar.Option{
		neynar.WithBaseURL(cfg.NeynarBaseURL),
		neynar.WithLogger(l.Named("neynar")),
	}
	if cfg.UpstreamRPS > 0 {
		opts = append(opts, neynar.WithRateLimit(cfg.UpstreamRPS, max(1, int(cfg.UpstreamRPS))))
	}
	return neynar.New(cfg.NeynarAPIKey, opts...)
}

// NewStore wraps backend with the configured merge and tracking policies.
func NewStore(backend repository.Backend, cfg *config.Config, l logger.Logger) (*repository.Store, error) {
	mode, err := history.ParseMode(cfg.DedupeMode)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", config.ErrInvalidConfig, err)
	}
	merger := history.NewMerger(
		history.WithWindow(cfg.DedupeWindow()),
		history.WithMaxEntries(cfg.MaxHistory),
		history.WithMode(mode),
	)
	return repository.NewStore(backend,
		repository.WithMerger(merger),
		repository.WithTrackingPolicy(tracking.NewPolicy(tracking.WithCapacity(cfg.MaxTracked))),
		repository.WithWriteTimeout(cfg.WriteTimeout()),
		repository.WithLogger(l.Named("store")),
	), nil
}

// Build assembles every component from cfg.
func Build(ctx context.Context, cfg *config.Config, l logger.Logger) (*Components, error) {
	backend, err := OpenBackend(ctx, cfg, l)
	if err != nil {
		return nil, fmt.Errorf("open %s backend: %w", cfg.Backend, err)
	}
	store, err := NewStore(backend, cfg, l)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}

	observer := scoring.NewCachedObserver(
		scoring.NewObserver(NewSource(cfg, l),
			scoring.WithBatchSize(cfg.BatchSize),
			scoring.WithTimeout(cfg.UpstreamTimeout()),
			scoring.WithLogger(l.Named("observer"))),
		cfg.CacheTTL(),
		scoring.WithFlightTimeout(cfg.UpstreamTimeout()),
	)

	svc := service.New(store, observer,
		service.WithAutoTrack(cfg.AutoTrack),
		service.WithBatchSize(cfg.BatchSize),
		service.WithSweepWorkers(cfg.SweepWorkers),
		service.WithSweepConcurrency(cfg.SweepConcurrency),
		service.WithLogger(l.Named("service")),
	)

	l.Info(ctx, "components assembled",
		logger.String("backend", backend.Name()),
		logger.String("dedupe_mode", store.Merger().Mode().String()),
		logger.Int("max_history", cfg.MaxHistory),
		logger.Int("max_tracked", cfg.MaxTracked))
	return &Components{Store: store, Observer: observer, Service: svc}, nil
}
