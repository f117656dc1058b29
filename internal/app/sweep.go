package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/okian/fidscore/internal/adapters/mq/queue"
	"github.com/okian/fidscore/internal/adapters/mq/worker"
	"github.com/okian/fidscore/internal/adapters/repository"
	"github.com/okian/fidscore/internal/domain/history"
	"github.com/okian/fidscore/internal/domain/scoring"
	"github.com/okian/fidscore/internal/domain/tracking"
	"github.com/okian/fidscore/pkg/logger"
	"github.com/okian/fidscore/pkg/metrics"
)

// Sweep result reasons that are not scoring error kinds.
const (
	ReasonSkipped   = "skipped"
	ReasonQueueFull = "queue_full"
	ReasonCanceled  = "canceled"
)

// SweepResult is the outcome of one identity in a sweep.
type SweepResult struct {
	FID     int64  `json:"fid"`
	OK      bool   `json:"ok"`
	Outcome string `json:"outcome,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// SweepSummary reports one sweep run.
type SweepSummary struct {
	RunID       string        `json:"run_id"`
	StartedAt   time.Time     `json:"started_at"`
	FinishedAt  time.Time     `json:"finished_at"`
	Tracked     int           `json:"tracked"`
	Observed    int           `json:"observed"`
	Appended    int           `json:"appended"`
	Replaced    int           `json:"replaced"`
	Discarded   int           `json:"discarded"`
	Failed      int           `json:"failed"`
	RateLimited bool          `json:"rate_limited"`
	Results     []SweepResult `json:"results"`
}

// sweepRun collects results from the observer goroutines and the workers.
type sweepRun struct {
	mu      sync.Mutex
	summary SweepSummary
}

func (r *sweepRun) observed(n int) {
	r.mu.Lock()
	r.summary.Observed += n
	r.mu.Unlock()
}

func (r *sweepRun) fail(fid int64, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summary.Failed++
	r.summary.Results = append(r.summary.Results, SweepResult{FID: fid, Reason: reason})
	metrics.RecordSweepResult(reason)
}

func (r *sweepRun) appended(res repository.AppendResult) {
	r.mu.Lock()
	defer r.mu.Unlock()

	fid := res.Snapshot.FID
	if !res.OK() {
		r.summary.Failed++
		r.summary.Results = append(r.summary.Results, SweepResult{FID: fid, Reason: "persistence"})
		metrics.RecordSweepResult("persistence")
		return
	}
	switch res.Outcome {
	case history.Appended:
		r.summary.Appended++
	case history.Replaced:
		r.summary.Replaced++
	case history.Discarded:
		r.summary.Discarded++
	}
	r.summary.Results = append(r.summary.Results, SweepResult{FID: fid, OK: true, Outcome: res.Outcome.String()})
	metrics.RecordSweepResult(res.Outcome.String())
}

// Sweep observes every tracked identity in batches and appends each
// successful observation. Once the scoring source rate limits, no further
// batches are issued and the remaining identities are reported as skipped.
func (s *Service) Sweep(ctx context.Context) (SweepSummary, error) {
	began := time.Now()
	members, err := s.store.Tracked(ctx)
	if err != nil {
		return SweepSummary{}, err
	}
	ids := tracking.IDs(members)

	run := &sweepRun{summary: SweepSummary{
		RunID:     uuid.NewString(),
		StartedAt: s.now().UTC(),
		Tracked:   len(ids),
		Results:   make([]SweepResult, 0, len(ids)),
	}}
	log := s.logger.Named("sweep")
	log.Info(ctx, "sweep started", logger.String("run_id", run.summary.RunID), logger.Int("tracked", len(ids)))

	if len(ids) > 0 {
		s.sweep(ctx, ids, run, log)
	}

	sum := run.summary
	sort.Slice(sum.Results, func(i, j int) bool { return sum.Results[i].FID < sum.Results[j].FID })
	sum.FinishedAt = s.now().UTC()
	metrics.RecordSweep(time.Since(began))

	s.mu.Lock()
	s.lastSweep = &sum
	s.mu.Unlock()

	log.Info(ctx, "sweep finished",
		logger.String("run_id", sum.RunID),
		logger.Int("observed", sum.Observed),
		logger.Int("appended", sum.Appended),
		logger.Int("replaced", sum.Replaced),
		logger.Int("discarded", sum.Discarded),
		logger.Int("failed", sum.Failed),
		logger.Bool("rate_limited", sum.RateLimited),
		logger.Duration("took", time.Since(began)))
	return sum, nil
}

func (s *Service) sweep(ctx context.Context, ids []int64, run *sweepRun, log logger.Logger) {
	// Writes outlive the caller so a started sweep always drains its queue.
	writeCtx := context.WithoutCancel(ctx)

	q := queue.NewInMemoryQueue(queue.WithCapacity(len(ids)))
	pool := worker.NewPool(min(s.sweepWorkers, len(ids)), q, s.store,
		worker.WithLogger(log),
		worker.WithResultFunc(run.appended))
	pool.Start(writeCtx)

	var limited atomic.Bool
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.sweepConcurrency)
	for start := 0; start < len(ids); start += s.batchSize {
		chunk := ids[start:min(start+s.batchSize, len(ids))]
		g.Go(func() error {
			if limited.Load() {
				for _, fid := range chunk {
					run.fail(fid, ReasonSkipped)
				}
				return nil
			}
			if gctx.Err() != nil {
				for _, fid := range chunk {
					run.fail(fid, ReasonCanceled)
				}
				return nil
			}

			obs, errs := s.observer.ObserveBatch(gctx, chunk)
			run.observed(len(obs))
			for fid, o := range obs {
				if !q.Enqueue(writeCtx, o.Snapshot) {
					run.fail(fid, ReasonQueueFull)
				}
			}
			for fid, err := range errs {
				if errors.Is(err, scoring.ErrRateLimited) {
					limited.Store(true)
				}
				run.fail(fid, scoring.KindOf(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := q.Close(); err != nil {
		log.Warn(ctx, "closing sweep queue failed", logger.Error(err))
	}
	pool.Wait()

	run.mu.Lock()
	run.summary.RateLimited = limited.Load()
	run.mu.Unlock()
}

// LastSweep returns the summary of the most recent sweep, if any.
func (s *Service) LastSweep() (SweepSummary, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastSweep == nil {
		return SweepSummary{}, false
	}
	return *s.lastSweep, true
}
