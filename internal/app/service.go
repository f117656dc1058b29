// Package service implements the score snapshot operations behind the HTTP
// API and the sweep binaries.
package service

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/okian/fidscore/internal/adapters/repository"
	"github.com/okian/fidscore/internal/domain/scoring"
	"github.com/okian/fidscore/pkg/logger"
	"github.com/okian/fidscore/pkg/metrics"
)

const (
	defaultSweepConcurrency = 4
)

// Service coordinates the observer and the snapshot store.
type Service struct {
	mu sync.RWMutex

	store    *repository.Store
	observer scoring.BatchObserver

	// Configuration
	autoTrack        bool
	batchSize        int
	sweepWorkers     int
	sweepConcurrency int
	now              func() time.Time

	// State
	started   bool
	lastSweep *SweepSummary

	logger logger.Logger
}

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithAutoTrack tracks every identity whose current score is read.
func WithAutoTrack(enabled bool) Option {
	return func(s *Service) {
		s.autoTrack = enabled
	}
}

// WithBatchSize caps identities per upstream call during a sweep.
func WithBatchSize(n int) Option {
	return func(s *Service) {
		if n > 0 && n <= scoring.MaxBatch {
			s.batchSize = n
		}
	}
}

// WithSweepWorkers sets the number of goroutines persisting sweep results.
func WithSweepWorkers(count int) Option {
	return func(s *Service) {
		if count > 0 {
			s.sweepWorkers = count
		}
	}
}

// WithSweepConcurrency bounds upstream batches in flight during a sweep.
func WithSweepConcurrency(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.sweepConcurrency = n
		}
	}
}

// WithClock sets the clock used for windows and client pushes.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets a custom logger for the service.
func WithLogger(logger logger.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New constructs a Service over store and observer.
func New(store *repository.Store, observer scoring.BatchObserver, opts ...Option) *Service {
	s := &Service{
		store:            store,
		observer:         observer,
		autoTrack:        true,
		batchSize:        scoring.MaxBatch,
		sweepWorkers:     runtime.NumCPU(),
		sweepConcurrency: defaultSweepConcurrency,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.Get().Named("service")
	}
	return s
}

// Start marks the service ready and publishes the initial tracked set size.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	members, err := s.store.Tracked(ctx)
	if err != nil {
		s.logger.Warn(ctx, "tracked set unavailable at startup", logger.Error(err))
	} else {
		metrics.UpdateTrackedSize(len(members))
	}

	s.started = true
	s.logger.Info(ctx, "score service started",
		logger.String("backend", s.store.Backend().Name()),
		logger.Bool("auto_track", s.autoTrack),
		logger.Int("sweep_workers", s.sweepWorkers))
	return nil
}

// Stop closes the store.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}
	if err := s.store.Close(); err != nil {
		s.logger.Warn(context.Background(), "closing store failed", logger.Error(err))
	}
	s.started = false
	s.logger.Info(context.Background(), "score service stopped")
}

// GetStats returns service statistics for monitoring.
func (s *Service) GetStats(ctx context.Context) map[string]interface{} {
	s.mu.RLock()
	started, last := s.started, s.lastSweep
	s.mu.RUnlock()

	stats := map[string]interface{}{
		"started":          started,
		"backend":          s.store.Backend().Name(),
		"autoTrack":        s.autoTrack,
		"dedupeWindow":     s.store.Merger().Window().String(),
		"maxHistory":       s.store.Merger().MaxEntries(),
		"sweepWorkers":     s.sweepWorkers,
		"sweepConcurrency": s.sweepConcurrency,
	}
	if st, err := s.store.Stats(ctx); err == nil {
		stats["identities"] = st.Identities
		stats["snapshots"] = st.Snapshots
		stats["tracked"] = st.Tracked
	} else {
		stats["storeError"] = err.Error()
	}
	if last != nil {
		stats["lastSweep"] = map[string]interface{}{
			"runId":      last.RunID,
			"finishedAt": last.FinishedAt,
			"observed":   last.Observed,
			"failed":     last.Failed,
		}
	}
	return stats
}
