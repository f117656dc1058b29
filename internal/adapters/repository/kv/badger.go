// Package kv is the embedded key-value backend of the snapshot store, on
// BadgerDB. Each identity's history lives under its own key as one encoded
// list, so a merge is a single read-modify-write transaction.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rotisserie/eris"

	"github.com/okian/fidscore/internal/adapters/repository"
	"github.com/okian/fidscore/internal/domain/history"
	"github.com/okian/fidscore/internal/domain/model"
	"github.com/okian/fidscore/pkg/logger"
)

const (
	historyPrefix = "nh:snapshots:v1:"
	trackedKey    = "nh:tracked:v1"

	maxConflictRetries = 64
)

// Config holds the options for opening a Backend.
type Config struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string
	// InMemory keeps everything in RAM. Used by tests.
	InMemory bool
	// SyncWrites fsyncs every commit.
	SyncWrites bool
	// GCInterval triggers value log GC periodically. Zero disables it.
	GCInterval time.Duration
	// GCDiscardRatio is the minimum garbage ratio that triggers a rewrite.
	GCDiscardRatio float64
	// Logger receives badger's internal logs. Nil silences them.
	Logger logger.Logger
}

// DefaultConfig returns the production defaults for path.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns a configuration for tests.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// Backend implements repository.Backend on BadgerDB.
type Backend struct {
	db     *badger.DB
	closed atomic.Bool

	stopGC chan struct{}
	gcDone chan struct{}
	once   sync.Once
	log    logger.Logger
}

var _ repository.Backend = (*Backend)(nil)

// Open opens (or creates) the database described by cfg.
func Open(cfg Config) (*Backend, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("kv: path is required for a persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, eris.Wrapf(err, "create database directory %s", cfg.Path)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{l: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, eris.Wrap(err, "open badger database")
	}

	b := &Backend{db: db, log: cfg.Logger}
	if b.log == nil {
		b.log = logger.Discard()
	}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		ratio := cfg.GCDiscardRatio
		if ratio <= 0 || ratio >= 1 {
			ratio = 0.5
		}
		b.stopGC = make(chan struct{})
		b.gcDone = make(chan struct{})
		go b.runGC(cfg.GCInterval, ratio)
	}
	return b, nil
}

// Name implements repository.Backend.
func (b *Backend) Name() string { return "badger" }

// LoadHistory implements repository.Backend.
func (b *Backend) LoadHistory(_ context.Context, fid int64, since time.Time) ([]model.Snapshot, error) {
	if b.closed.Load() {
		return nil, repository.ErrClosed
	}
	var hist []model.Snapshot
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		hist, err = readHistory(txn, fid)
		return err
	})
	if err != nil {
		return nil, err
	}
	return history.Range(hist, since), nil
}

// UpdateHistory implements repository.Backend. Conflicting concurrent
// writers are retried against the fresh value.
func (b *Backend) UpdateHistory(ctx context.Context, fid int64, fn repository.HistoryFunc) ([]model.Snapshot, error) {
	if b.closed.Load() {
		return nil, repository.ErrClosed
	}
	var out []model.Snapshot
	err := b.update(ctx, func(txn *badger.Txn) error {
		current, err := readHistory(txn, fid)
		if err != nil {
			return err
		}
		next, err := fn(current)
		if errors.Is(err, repository.ErrNoChange) {
			out = current
			return nil
		}
		if err != nil {
			return err
		}
		if err := writeJSON(txn, historyKey(fid), next); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// LoadTracked implements repository.Backend.
func (b *Backend) LoadTracked(_ context.Context) ([]model.Member, error) {
	if b.closed.Load() {
		return nil, repository.ErrClosed
	}
	var members []model.Member
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		members, err = readTracked(txn)
		return err
	})
	return members, err
}

// UpdateTracked implements repository.Backend.
func (b *Backend) UpdateTracked(ctx context.Context, fn repository.TrackedFunc) ([]model.Member, error) {
	if b.closed.Load() {
		return nil, repository.ErrClosed
	}
	var out []model.Member
	err := b.update(ctx, func(txn *badger.Txn) error {
		current, err := readTracked(txn)
		if err != nil {
			return err
		}
		next, err := fn(current)
		if errors.Is(err, repository.ErrNoChange) {
			out = current
			return nil
		}
		if err != nil {
			return err
		}
		if err := writeJSON(txn, []byte(trackedKey), next); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Stats implements repository.Backend.
func (b *Backend) Stats(_ context.Context) (repository.Stats, error) {
	if b.closed.Load() {
		return repository.Stats{}, repository.ErrClosed
	}
	var st repository.Stats
	err := b.db.View(func(txn *badger.Txn) error {
		prefix := []byte(historyPrefix)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var hist []model.Snapshot
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &hist)
			}); err != nil {
				return eris.Wrapf(err, "decode %s", it.Item().Key())
			}
			if len(hist) > 0 {
				st.Identities++
				st.Snapshots += len(hist)
			}
		}
		members, err := readTracked(txn)
		if err != nil {
			return err
		}
		st.Tracked = len(members)
		return nil
	})
	return st, err
}

// Close stops value log GC and closes the database. Safe to call twice.
func (b *Backend) Close() error {
	var err error
	b.once.Do(func() {
		b.closed.Store(true)
		if b.stopGC != nil {
			close(b.stopGC)
			<-b.gcDone
		}
		err = b.db.Close()
	})
	return err
}

func (b *Backend) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		if err = ctx.Err(); err != nil {
			return err
		}
		err = b.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return eris.Wrapf(err, "gave up after %d conflicting attempts", maxConflictRetries)
}

func (b *Backend) runGC(interval time.Duration, ratio float64) {
	defer close(b.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopGC:
			return
		case <-ticker.C:
			if err := b.db.RunValueLogGC(ratio); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				b.log.Warn(context.Background(), "badger value log GC failed", logger.Error(err))
			}
		}
	}
}

func historyKey(fid int64) []byte {
	return []byte(historyPrefix + strconv.FormatInt(fid, 10))
}

func readHistory(txn *badger.Txn, fid int64) ([]model.Snapshot, error) {
	var hist []model.Snapshot
	if err := readJSON(txn, historyKey(fid), &hist); err != nil {
		return nil, err
	}
	return hist, nil
}

func readTracked(txn *badger.Txn) ([]model.Member, error) {
	var members []model.Member
	if err := readJSON(txn, []byte(trackedKey), &members); err != nil {
		return nil, err
	}
	return members, nil
}

func readJSON(txn *badger.Txn, key []byte, dst any) error {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return eris.Wrapf(err, "get %s", key)
	}
	return item.Value(func(val []byte) error {
		if err := json.Unmarshal(val, dst); err != nil {
			return eris.Wrapf(err, "decode %s", key)
		}
		return nil
	})
}

func writeJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return txn.Set(key, data)
}

// badgerLogger adapts logger.Logger to badger's Logger interface.
type badgerLogger struct {
	l logger.Logger
}

func (b *badgerLogger) Errorf(format string, args ...interface{}) {
	b.l.Error(context.Background(), fmt.Sprintf(format, args...))
}

func (b *badgerLogger) Warningf(format string, args ...interface{}) {
	b.l.Warn(context.Background(), fmt.Sprintf(format, args...))
}

func (b *badgerLogger) Infof(format string, args ...interface{}) {
	b.l.Info(context.Background(), fmt.Sprintf(format, args...))
}

func (b *badgerLogger) Debugf(format string, args ...interface{}) {
	b.l.Debug(context.Background(), fmt.Sprintf(format, args...))
}
