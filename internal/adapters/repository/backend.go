// Package repository stores score histories and the tracked set. Store owns
// the merge, retention and tracking policies; engines implement Backend.
package repository

import (
	"context"
	"time"

	"github.com/okian/fidscore/internal/domain/model"
)

// HistoryFunc computes a new history from the current one. Returning
// ErrNoChange leaves storage untouched.
type HistoryFunc func(current []model.Snapshot) ([]model.Snapshot, error)

// TrackedFunc computes a new tracked set from the current one. Returning
// ErrNoChange leaves storage untouched.
type TrackedFunc func(current []model.Member) ([]model.Member, error)

// Stats summarizes backend contents.
type Stats struct {
	Identities int `json:"identities"`
	Snapshots  int `json:"snapshots"`
	Tracked    int `json:"tracked"`
}

// Backend is the storage capability required by Store. Update methods must
// be atomic read-modify-write operations: concurrent updates of the same key
// serialize, and either the previous value stays intact or the new one is
// fully committed.
type Backend interface {
	// Name identifies the engine in logs and metrics.
	Name() string

	// LoadHistory returns the entries of fid captured at or after since,
	// ascending. A zero since returns everything; an unknown fid yields an
	// empty slice.
	LoadHistory(ctx context.Context, fid int64, since time.Time) ([]model.Snapshot, error)
	// UpdateHistory applies fn to the full history of fid and persists the
	// result. It returns the stored history.
	UpdateHistory(ctx context.Context, fid int64, fn HistoryFunc) ([]model.Snapshot, error)

	LoadTracked(ctx context.Context) ([]model.Member, error)
	UpdateTracked(ctx context.Context, fn TrackedFunc) ([]model.Member, error)

	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// DiffHistory compares two histories of one identity and returns the
// timestamps that disappeared and the entries that are new or changed.
func DiffHistory(before, after []model.Snapshot) (removed []time.Time, upserted []model.Snapshot) {
	prev := make(map[int64]model.Snapshot, len(before))
	for _, s := range before {
		prev[s.CapturedAt.UnixMicro()] = s
	}
	keep := make(map[int64]struct{}, len(after))
	for _, s := range after {
		key := s.CapturedAt.UnixMicro()
		keep[key] = struct{}{}
		if old, ok := prev[key]; !ok || old.Score != s.Score || old.Source != s.Source {
			upserted = append(upserted, s)
		}
	}
	for _, s := range before {
		if _, ok := keep[s.CapturedAt.UnixMicro()]; !ok {
			removed = append(removed, s.CapturedAt)
		}
	}
	return removed, upserted
}

// DiffMembers compares two tracked sets and returns the identities that
// disappeared and the members that are new or changed.
func DiffMembers(before, after []model.Member) (removed []int64, upserted []model.Member) {
	prev := make(map[int64]model.Member, len(before))
	for _, m := range before {
		prev[m.FID] = m
	}
	keep := make(map[int64]struct{}, len(after))
	for _, m := range after {
		keep[m.FID] = struct{}{}
		old, ok := prev[m.FID]
		if !ok || old.Pinned != m.Pinned || !old.TrackedAt.Equal(m.TrackedAt) || !old.LastViewedAt.Equal(m.LastViewedAt) {
			upserted = append(upserted, m)
		}
	}
	for _, m := range before {
		if _, ok := keep[m.FID]; !ok {
			removed = append(removed, m.FID)
		}
	}
	return removed, upserted
}
