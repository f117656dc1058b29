// Package sqlite is the single-file SQL backend of the snapshot store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/okian/fidscore/internal/adapters/repository"
	"github.com/okian/fidscore/internal/domain/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS score_snapshots (
	fid         INTEGER NOT NULL,
	captured_at INTEGER NOT NULL,
	score       REAL    NOT NULL,
	source      TEXT    NOT NULL,
	PRIMARY KEY (fid, captured_at)
);
CREATE TABLE IF NOT EXISTS tracked_fids (
	fid            INTEGER PRIMARY KEY,
	pinned         INTEGER NOT NULL DEFAULT 0,
	tracked_at     INTEGER NOT NULL,
	last_viewed_at INTEGER
);
`

// Backend implements repository.Backend on SQLite. Timestamps are stored as
// Unix microseconds.
type Backend struct {
	db *sql.DB
}

var _ repository.Backend = (*Backend)(nil)

// Open opens the database at path, applies pragmas and creates the schema.
// Transactions begin IMMEDIATE and all access goes through one connection,
// which serializes writers.
func Open(ctx context.Context, path string) (*Backend, error) {
	if path == "" {
		return nil, errors.New("sqlite: path is required")
	}
	db, err := sql.Open("sqlite", path+"?_txlock=immediate")
	if err != nil {
		return nil, eris.Wrapf(err, "open sqlite %s", path)
	}
	db.SetMaxOpenConns(1)

	if err := enablePragmas(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, eris.Wrap(err, "create schema")
	}
	return &Backend{db: db}, nil
}

func enablePragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return eris.Wrapf(err, "execute %s", pragma)
		}
	}
	return nil
}

// Name implements repository.Backend.
func (b *Backend) Name() string { return "sqlite" }

// LoadHistory implements repository.Backend.
func (b *Backend) LoadHistory(ctx context.Context, fid int64, since time.Time) ([]model.Snapshot, error) {
	from := int64(math.MinInt64)
	if !since.IsZero() {
		from = since.UnixMicro()
	}
	return queryHistory(ctx, b.db, fid, from)
}

// UpdateHistory implements repository.Backend.
func (b *Backend) UpdateHistory(ctx context.Context, fid int64, fn repository.HistoryFunc) (out []model.Snapshot, err error) {
	err = b.inTx(ctx, func(tx *sql.Tx) error {
		current, err := queryHistory(ctx, tx, fid, math.MinInt64)
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

		removed, upserted := repository.DiffHistory(current, next)
		for _, at := range removed {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM score_snapshots WHERE fid = ? AND captured_at = ?`,
				fid, at.UnixMicro()); err != nil {
				return eris.Wrap(err, "delete snapshot")
			}
		}
		for _, s := range upserted {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO score_snapshots (fid, captured_at, score, source) VALUES (?, ?, ?, ?)
				 ON CONFLICT (fid, captured_at) DO UPDATE SET score = excluded.score, source = excluded.source`,
				fid, s.CapturedAt.UnixMicro(), s.Score, string(s.Source)); err != nil {
				return eris.Wrap(err, "upsert snapshot")
			}
		}
		out = next
		return nil
	})
	return out, err
}

// LoadTracked implements repository.Backend.
func (b *Backend) LoadTracked(ctx context.Context) ([]model.Member, error) {
	return queryTracked(ctx, b.db)
}

// UpdateTracked implements repository.Backend.
func (b *Backend) UpdateTracked(ctx context.Context, fn repository.TrackedFunc) (out []model.Member, err error) {
	err = b.inTx(ctx, func(tx *sql.Tx) error {
		current, err := queryTracked(ctx, tx)
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

		removed, upserted := repository.DiffMembers(current, next)
		for _, fid := range removed {
			if _, err := tx.ExecContext(ctx, `DELETE FROM tracked_fids WHERE fid = ?`, fid); err != nil {
				return eris.Wrap(err, "delete member")
			}
		}
		for _, m := range upserted {
			var viewed sql.NullInt64
			if !m.LastViewedAt.IsZero() {
				viewed = sql.NullInt64{Int64: m.LastViewedAt.UnixMicro(), Valid: true}
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO tracked_fids (fid, pinned, tracked_at, last_viewed_at) VALUES (?, ?, ?, ?)
				 ON CONFLICT (fid) DO UPDATE SET pinned = excluded.pinned, tracked_at = excluded.tracked_at,
				 last_viewed_at = excluded.last_viewed_at`,
				m.FID, m.Pinned, m.TrackedAt.UnixMicro(), viewed); err != nil {
				return eris.Wrap(err, "upsert member")
			}
		}
		out = next
		return nil
	})
	return out, err
}

// Stats implements repository.Backend.
func (b *Backend) Stats(ctx context.Context) (repository.Stats, error) {
	var st repository.Stats
	row := b.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(DISTINCT fid) FROM score_snapshots),
			(SELECT COUNT(*) FROM score_snapshots),
			(SELECT COUNT(*) FROM tracked_fids)`)
	if err := row.Scan(&st.Identities, &st.Snapshots, &st.Tracked); err != nil {
		return repository.Stats{}, eris.Wrap(err, "stats")
	}
	return st, nil
}

// Close implements repository.Backend.
func (b *Backend) Close() error {
	return b.db.Close()
}

func (b *Backend) inTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "begin transaction")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return eris.Wrap(err, "commit transaction")
	}
	return nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryHistory(ctx context.Context, q querier, fid, from int64) ([]model.Snapshot, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT captured_at, score, source FROM score_snapshots
		 WHERE fid = ? AND captured_at >= ? ORDER BY captured_at`,
		fid, from)
	if err != nil {
		return nil, eris.Wrap(err, "query history")
	}
	defer func() { _ = rows.Close() }()

	var out []model.Snapshot
	for rows.Next() {
		var (
			at     int64
			score  float64
			source string
		)
		if err := rows.Scan(&at, &score, &source); err != nil {
			return nil, eris.Wrap(err, "scan snapshot")
		}
		out = append(out, model.Snapshot{
			FID:        fid,
			Score:      score,
			CapturedAt: time.UnixMicro(at).UTC(),
			Source:     model.Source(source),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return out, nil
}

func queryTracked(ctx context.Context, q querier) ([]model.Member, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT fid, pinned, tracked_at, last_viewed_at FROM tracked_fids ORDER BY tracked_at, fid`)
	if err != nil {
		return nil, eris.Wrap(err, "query tracked")
	}
	defer func() { _ = rows.Close() }()

	var out []model.Member
	for rows.Next() {
		var (
			m       model.Member
			tracked int64
			viewed  sql.NullInt64
		)
		if err := rows.Scan(&m.FID, &m.Pinned, &tracked, &viewed); err != nil {
			return nil, eris.Wrap(err, "scan member")
		}
		m.TrackedAt = time.UnixMicro(tracked).UTC()
		if viewed.Valid {
			m.LastViewedAt = time.UnixMicro(viewed.Int64).UTC()
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tracked: %w", err)
	}
	return out, nil
}
