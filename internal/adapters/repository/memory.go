package repository

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/okian/fidscore/internal/domain/history"
	"github.com/okian/fidscore/internal/domain/model"
)

// MemoryBackend keeps everything in process memory. It is the local-only
// engine: fast, lost on restart, and serialized by a single mutex.
type MemoryBackend struct {
	mu        sync.RWMutex
	histories map[int64][]model.Snapshot
	tracked   []model.Member
	closed    bool
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{histories: make(map[int64][]model.Snapshot)}
}

// Name implements Backend.
func (b *MemoryBackend) Name() string { return "memory" }

// LoadHistory implements Backend.
func (b *MemoryBackend) LoadHistory(_ context.Context, fid int64, since time.Time) ([]model.Snapshot, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrClosed
	}
	return history.Range(b.histories[fid], since), nil
}

// UpdateHistory implements Backend.
func (b *MemoryBackend) UpdateHistory(_ context.Context, fid int64, fn HistoryFunc) ([]model.Snapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	current := cloneHistory(b.histories[fid])
	next, err := fn(current)
	if errors.Is(err, ErrNoChange) {
		return cloneHistory(b.histories[fid]), nil
	}
	if err != nil {
		return nil, err
	}
	b.histories[fid] = cloneHistory(next)
	return cloneHistory(next), nil
}

// LoadTracked implements Backend.
func (b *MemoryBackend) LoadTracked(_ context.Context) ([]model.Member, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrClosed
	}
	return cloneMembers(b.tracked), nil
}

// UpdateTracked implements Backend.
func (b *MemoryBackend) UpdateTracked(_ context.Context, fn TrackedFunc) ([]model.Member, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	next, err := fn(cloneMembers(b.tracked))
	if errors.Is(err, ErrNoChange) {
		return cloneMembers(b.tracked), nil
	}
	if err != nil {
		return nil, err
	}
	b.tracked = cloneMembers(next)
	return cloneMembers(next), nil
}

// Stats implements Backend.
func (b *MemoryBackend) Stats(_ context.Context) (Stats, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	st := Stats{Identities: len(b.histories), Tracked: len(b.tracked)}
	for _, h := range b.histories {
		st.Snapshots += len(h)
	}
	return st, nil
}

// Close implements Backend.
func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func cloneHistory(h []model.Snapshot) []model.Snapshot {
	out := make([]model.Snapshot, len(h))
	copy(out, h)
	return out
}

func cloneMembers(m []model.Member) []model.Member {
	out := make([]model.Member, len(m))
	copy(out, m)
	return out
}
