package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/okian/fidscore/internal/adapters/repository"
	"github.com/okian/fidscore/internal/domain/history"
	"github.com/okian/fidscore/internal/domain/model"
	"github.com/okian/fidscore/internal/domain/scoring"
	"github.com/okian/fidscore/pkg/logger"
	"github.com/okian/fidscore/pkg/metrics"
)

// maxClockSkew is the smallest allowance for client timestamps ahead of the
// server clock.
const maxClockSkew = time.Minute

// CurrentScore is the answer to a current-score read.
type CurrentScore struct {
	FID       int64        `json:"fid"`
	Score     float64      `json:"score"`
	FetchedAt time.Time    `json:"fetched_at"`
	Source    model.Source `json:"source"`
	// Stale is set when the scoring source failed and the last stored
	// snapshot is returned instead.
	Stale  bool   `json:"stale"`
	Reason string `json:"reason,omitempty"`
	// RetryAfter is the scoring source's back-off hint in whole seconds,
	// set on stale answers served after a rate limit.
	RetryAfter int64 `json:"retry_after,omitempty"`
	// Persisted reports whether a fresh observation reached the store.
	Persisted bool           `json:"persisted"`
	User      *model.Profile `json:"user,omitempty"`
}

// HistoryView is the answer to a history read.
type HistoryView struct {
	FID             int64            `json:"fid"`
	Days            int              `json:"days"`
	Snapshots       []history.Point  `json:"snapshots"`
	Changes         []history.Point  `json:"changes"`
	Summary         *history.Summary `json:"summary,omitempty"`
	HistoryBeginsAt *time.Time       `json:"history_begins_at,omitempty"`
	Degraded        bool             `json:"degraded"`
}

// GetCurrentScore observes fid and merges the observation into its history.
// When the scoring source fails transiently the last stored snapshot is
// returned marked stale; a NotFound failure is returned as is.
func (s *Service) GetCurrentScore(ctx context.Context, fid int64) (CurrentScore, error) {
	if err := model.ValidateFID(fid); err != nil {
		return CurrentScore{}, err
	}

	obs, err := s.observer.Observe(ctx, fid)
	if err != nil {
		return s.staleFallback(ctx, fid, err)
	}

	res := s.store.Append(ctx, obs.Snapshot)
	s.reference(ctx, fid)

	out := CurrentScore{
		FID:       fid,
		Score:     obs.Snapshot.Score,
		FetchedAt: obs.Snapshot.CapturedAt,
		Source:    obs.Snapshot.Source,
		Persisted: res.OK() && res.Outcome != history.Discarded,
	}
	if obs.Profile != (model.Profile{}) {
		p := obs.Profile
		out.User = &p
	}
	return out, nil
}

func (s *Service) staleFallback(ctx context.Context, fid int64, cause error) (CurrentScore, error) {
	if !scoring.Transient(cause) {
		return CurrentScore{}, cause
	}
	last, err := s.store.Last(ctx, fid)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			s.logger.Warn(ctx, "stale fallback unavailable", logger.Int64("fid", fid), logger.Error(err))
		}
		return CurrentScore{}, cause
	}

	metrics.RecordStaleFallback()
	s.logger.Info(ctx, "serving stale score",
		logger.Int64("fid", fid),
		logger.String("reason", scoring.KindOf(cause)),
		logger.Time("captured_at", last.CapturedAt))
	s.reference(ctx, fid)
	out := CurrentScore{
		FID:       fid,
		Score:     last.Score,
		FetchedAt: last.CapturedAt,
		Source:    last.Source,
		Stale:     true,
		Reason:    scoring.KindOf(cause),
	}
	if d, ok := scoring.RetryAfter(cause); ok && d > 0 {
		out.RetryAfter = int64(math.Ceil(d.Seconds()))
	}
	return out, nil
}

// reference records that fid was viewed, tracking it when auto-tracking is on.
func (s *Service) reference(ctx context.Context, fid int64) {
	var err error
	if s.autoTrack {
		_, err = s.store.Track(ctx, fid, false)
	} else {
		err = s.store.Touch(ctx, fid)
	}
	if err != nil {
		s.logger.Debug(ctx, "tracking reference skipped", logger.Int64("fid", fid), logger.Error(err))
	}
}

// GetHistory returns the stored history of fid within the last days days,
// with its change timeline and summary. A storage failure degrades to an
// empty history instead of failing the read.
func (s *Service) GetHistory(ctx context.Context, fid int64, days int) (HistoryView, error) {
	if err := model.ValidateFID(fid); err != nil {
		return HistoryView{}, err
	}
	if err := history.ValidateWindowDays(days); err != nil {
		return HistoryView{}, err
	}

	view := HistoryView{
		FID:       fid,
		Days:      days,
		Snapshots: []history.Point{},
		Changes:   []history.Point{},
	}
	full, err := s.store.List(ctx, fid, 0)
	if err != nil {
		if errors.Is(err, repository.ErrPersistence) {
			view.Degraded = true
			return view, nil
		}
		return HistoryView{}, err
	}
	if len(full) > 0 {
		begins := full[0].CapturedAt
		view.HistoryBeginsAt = &begins
	}

	window := history.Range(full, history.Since(s.now(), history.Days(days)))
	view.Snapshots = history.WithDeltas(window)
	view.Changes = history.ChangeTimeline(window)
	if sum, ok := history.Summarize(window); ok {
		view.Summary = &sum
	}
	return view, nil
}

// ListSnapshots returns the raw stored snapshots of fid within the last days days.
func (s *Service) ListSnapshots(ctx context.Context, fid int64, days int) ([]model.Snapshot, error) {
	if err := model.ValidateFID(fid); err != nil {
		return nil, err
	}
	if err := history.ValidateWindowDays(days); err != nil {
		return nil, err
	}
	hist, err := s.store.List(ctx, fid, 0)
	if err != nil {
		return nil, err
	}
	return history.Range(hist, history.Since(s.now(), history.Days(days))), nil
}

// PushSnapshot merges a client-observed snapshot. Unknown sources become
// client; a missing timestamp becomes now. Timestamps later than now plus the
// dedupe window (at least maxClockSkew) are rejected.
func (s *Service) PushSnapshot(ctx context.Context, snap model.Snapshot) (repository.AppendResult, error) {
	if snap.Source != model.SourceAPI && snap.Source != model.SourceOnchain {
		snap.Source = model.SourceClient
	}
	now := s.now()
	if snap.CapturedAt.IsZero() {
		snap.CapturedAt = now
	}
	snap = model.NewSnapshot(snap.FID, snap.Score, snap.CapturedAt, snap.Source)
	if err := snap.Validate(); err != nil {
		return repository.AppendResult{Snapshot: snap, Err: err}, err
	}
	if limit := now.Add(max(s.store.Merger().Window(), maxClockSkew)); snap.CapturedAt.After(limit) {
		err := fmt.Errorf("%w: captured_at %s is after %s",
			model.ErrInvalidSnapshot, snap.CapturedAt.Format(time.RFC3339), limit.Format(time.RFC3339))
		return repository.AppendResult{Snapshot: snap, Err: err}, err
	}
	res := s.store.Append(ctx, snap)
	return res, res.Err
}
