package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/okian/fidscore/internal/domain/history"
	"github.com/okian/fidscore/internal/domain/model"
	"github.com/okian/fidscore/internal/domain/tracking"
	"github.com/okian/fidscore/pkg/logger"
	"github.com/okian/fidscore/pkg/metrics"
)

const defaultWriteTimeout = 5 * time.Second

// Store is the snapshot store. It applies the merge and retention policy on
// every append and the tracking policy on every tracked set change, on top
// of any Backend.
type Store struct {
	backend      Backend
	merger       *history.Merger
	policy       *tracking.Policy
	now          func() time.Time
	writeTimeout time.Duration
	logger       logger.Logger
}

// NewStore creates a Store over backend.
func NewStore(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend:      backend,
		merger:       history.NewMerger(),
		policy:       tracking.NewPolicy(),
		now:          time.Now,
		writeTimeout: defaultWriteTimeout,
		logger:       logger.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Backend returns the underlying engine.
func (s *Store) Backend() Backend { return s.backend }

// Merger returns the merge policy in use.
func (s *Store) Merger() *history.Merger { return s.merger }

// AppendResult reports the effect of an append. Err is set when the
// candidate was rejected or could not be persisted; the store never panics
// or returns the error separately.
type AppendResult struct {
	Snapshot model.Snapshot  `json:"snapshot"`
	Outcome  history.Outcome `json:"-"`
	Length   int             `json:"length"`
	Evicted  int             `json:"evicted"`
	Err      error           `json:"-"`
}

// OK reports whether the append was persisted (or correctly discarded).
func (r AppendResult) OK() bool { return r.Err == nil }

// Append merges candidate into its identity's history. The write runs
// detached from ctx cancellation so a caller that goes away cannot abandon
// a started write.
func (s *Store) Append(ctx context.Context, candidate model.Snapshot) AppendResult {
	candidate.CapturedAt = model.NormalizeTime(candidate.CapturedAt)
	res := AppendResult{Snapshot: candidate}
	if err := candidate.Validate(); err != nil {
		res.Err = err
		return res
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.writeTimeout)
	defer cancel()

	start := time.Now()
	var merged history.Result
	stored, err := s.backend.UpdateHistory(wctx, candidate.FID, func(current []model.Snapshot) ([]model.Snapshot, error) {
		r, err := s.merger.Apply(history.Normalize(current), candidate)
		if err != nil {
			return nil, err
		}
		merged = r
		if r.Outcome == history.Discarded {
			return nil, ErrNoChange
		}
		return r.History, nil
	})
	metrics.RecordStoreLatency(s.backend.Name(), "append", float64(time.Since(start).Milliseconds()))

	if err != nil {
		res.Err = s.persistenceError(ctx, "append", candidate.FID, err)
		return res
	}

	res.Outcome = merged.Outcome
	res.Evicted = merged.Evicted
	res.Length = len(stored)
	metrics.RecordSnapshotOutcome(merged.Outcome.String())
	metrics.RecordSnapshotsEvicted(merged.Evicted)
	if merged.Outcome != history.Discarded {
		metrics.RecordHistoryLength(len(stored))
	}
	s.logger.Debug(ctx, "snapshot merged",
		logger.Int64("fid", candidate.FID),
		logger.Float64("score", candidate.Score),
		logger.String("outcome", merged.Outcome.String()),
		logger.Int("length", len(stored)))
	return res
}

// List returns the snapshots of fid captured within window of now,
// ascending. A non-positive window returns the full history.
func (s *Store) List(ctx context.Context, fid int64, window time.Duration) ([]model.Snapshot, error) {
	if err := model.ValidateFID(fid); err != nil {
		return nil, err
	}
	since := history.Since(s.now(), window)

	start := time.Now()
	hist, err := s.backend.LoadHistory(ctx, fid, since)
	metrics.RecordStoreLatency(s.backend.Name(), "list", float64(time.Since(start).Milliseconds()))
	if err != nil {
		return nil, s.persistenceError(ctx, "list", fid, err)
	}
	return history.Range(history.Normalize(hist), since), nil
}

// Last returns the most recent snapshot of fid, or ErrNotFound.
func (s *Store) Last(ctx context.Context, fid int64) (model.Snapshot, error) {
	hist, err := s.List(ctx, fid, 0)
	if err != nil {
		return model.Snapshot{}, err
	}
	if len(hist) == 0 {
		return model.Snapshot{}, ErrNotFound
	}
	return hist[len(hist)-1], nil
}

// TrackResult reports the effect of a track operation.
type TrackResult struct {
	Member  model.Member `json:"member"`
	Added   bool         `json:"added"`
	Evicted int64        `json:"evicted,omitempty"`
}

// Track adds fid to the tracked set, or refreshes it. pin raises the
// pinned flag. The least recently referenced unpinned member is evicted when
// the set is full; ErrCapacity is returned when every member is pinned.
func (s *Store) Track(ctx context.Context, fid int64, pin bool) (TrackResult, error) {
	if err := model.ValidateFID(fid); err != nil {
		return TrackResult{}, err
	}
	var change tracking.Change
	members, err := s.updateTracked(ctx, "track", func(current []model.Member) ([]model.Member, error) {
		ch, err := s.policy.Track(current, fid, pin, s.stamp())
		if err != nil {
			return nil, err
		}
		change = ch
		return ch.Members, nil
	})
	if err != nil {
		if errors.Is(err, tracking.ErrFull) {
			return TrackResult{}, fmt.Errorf("%w: %d members", ErrCapacity, s.policy.Capacity())
		}
		return TrackResult{}, err
	}

	res := TrackResult{Added: change.Added, Evicted: change.Evicted}
	for _, m := range members {
		if m.FID == fid {
			res.Member = m
		}
	}
	if change.Evicted != 0 {
		metrics.RecordTrackedEviction()
		s.logger.Info(ctx, "tracked identity evicted", logger.Int64("fid", change.Evicted), logger.Int64("by", fid))
	}
	return res, nil
}

// Untrack removes fid from the tracked set. It reports whether fid was tracked.
func (s *Store) Untrack(ctx context.Context, fid int64) (bool, error) {
	if err := model.ValidateFID(fid); err != nil {
		return false, err
	}
	removed := false
	_, err := s.updateTracked(ctx, "untrack", func(current []model.Member) ([]model.Member, error) {
		ch := s.policy.Untrack(current, fid)
		if !ch.Changed {
			return nil, ErrNoChange
		}
		removed = true
		return ch.Members, nil
	})
	return removed, err
}

// Unpin clears the pinned flag of fid.
func (s *Store) Unpin(ctx context.Context, fid int64) error {
	if err := model.ValidateFID(fid); err != nil {
		return err
	}
	_, err := s.updateTracked(ctx, "unpin", func(current []model.Member) ([]model.Member, error) {
		ch := s.policy.Unpin(current, fid)
		if !ch.Changed {
			return nil, ErrNoChange
		}
		return ch.Members, nil
	})
	return err
}

// Touch records a view of fid if it is tracked.
func (s *Store) Touch(ctx context.Context, fid int64) error {
	if err := model.ValidateFID(fid); err != nil {
		return err
	}
	_, err := s.updateTracked(ctx, "touch", func(current []model.Member) ([]model.Member, error) {
		ch := s.policy.Touch(current, fid, s.stamp())
		if !ch.Changed {
			return nil, ErrNoChange
		}
		return ch.Members, nil
	})
	return err
}

// Tracked lists the tracked set, pinned first, then most recently referenced.
func (s *Store) Tracked(ctx context.Context) ([]model.Member, error) {
	start := time.Now()
	members, err := s.backend.LoadTracked(ctx)
	metrics.RecordStoreLatency(s.backend.Name(), "tracked", float64(time.Since(start).Milliseconds()))
	if err != nil {
		return nil, s.persistenceError(ctx, "tracked", 0, err)
	}
	metrics.UpdateTrackedSize(len(members))
	return tracking.Order(members), nil
}

// Stats returns backend statistics.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	st, err := s.backend.Stats(ctx)
	if err != nil {
		return Stats{}, s.persistenceError(ctx, "stats", 0, err)
	}
	return st, nil
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

func (s *Store) updateTracked(ctx context.Context, op string, fn TrackedFunc) ([]model.Member, error) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.writeTimeout)
	defer cancel()

	start := time.Now()
	members, err := s.backend.UpdateTracked(wctx, fn)
	metrics.RecordStoreLatency(s.backend.Name(), op, float64(time.Since(start).Milliseconds()))
	if err != nil {
		if errors.Is(err, tracking.ErrFull) || errors.Is(err, model.ErrInvalidIdentity) {
			return nil, err
		}
		return nil, s.persistenceError(ctx, op, 0, err)
	}
	metrics.UpdateTrackedSize(len(members))
	return members, nil
}

// persistenceError classifies err, logs it and counts it. Policy errors pass
// through unchanged; everything else becomes ErrPersistence.
func (s *Store) persistenceError(ctx context.Context, op string, fid int64, err error) error {
	if errors.Is(err, model.ErrInvalidSnapshot) ||
		errors.Is(err, model.ErrInvalidIdentity) ||
		errors.Is(err, history.ErrMismatchedIdentity) {
		return err
	}
	metrics.RecordPersistenceFailure(s.backend.Name(), op)
	metrics.RecordErrorByComponent("store", op)
	s.logger.Warn(ctx, "store operation failed",
		logger.String("backend", s.backend.Name()),
		logger.String("op", op),
		logger.Int64("fid", fid),
		logger.Error(err))
	if errors.Is(err, ErrPersistence) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
}

// stamp is the current time at storage precision.
func (s *Store) stamp() time.Time { return model.NormalizeTime(s.now()) }
