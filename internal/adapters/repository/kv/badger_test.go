package kv

import (
	"context"
	"testing"
	"time"

	"github.com/okian/fidscore/internal/adapters/repository"
	"github.com/okian/fidscore/internal/adapters/repository/repotest"
	"github.com/okian/fidscore/internal/domain/model"
)

func openInMemory(t *testing.T) repository.Backend {
	t.Helper()
	b, err := Open(InMemoryConfig())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return b
}

func TestBackendConformance(t *testing.T) {
	repotest.Run(t, openInMemory)
}

func TestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	cfg := DefaultConfig(dir)
	cfg.GCInterval = 0
	b, err := Open(cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	s := repository.NewStore(b)
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	if res := s.Append(ctx, model.NewSnapshot(42, 0.87, at, model.SourceAPI)); !res.OK() {
		t.Fatalf("append: %v", res.Err)
	}
	if _, err := s.Track(ctx, 42, true); err != nil {
		t.Fatalf("track: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	b, err = Open(cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = b.Close() }()

	hist, err := b.LoadHistory(ctx, 42, time.Time{})
	if err != nil || len(hist) != 1 || hist[0].Score != 0.87 || !hist[0].CapturedAt.Equal(at) {
		t.Fatalf("history not persisted: %+v %v", hist, err)
	}
	members, err := b.LoadTracked(ctx)
	if err != nil || len(members) != 1 || !members[0].Pinned {
		t.Fatalf("tracked set not persisted: %+v %v", members, err)
	}
}

func TestClosedBackend(t *testing.T) {
	b := openInMemory(t)
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, err := b.LoadHistory(context.Background(), 1, time.Time{}); err != repository.ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(Config{}); err == nil {
		t.Fatal("expected error without path")
	}
}
