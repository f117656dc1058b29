// Package postgres is the shared SQL backend of the snapshot store. Writers
// of one identity serialize on a transaction-scoped advisory lock, so several
// service replicas can append to the same database.
package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/okian/fidscore/internal/adapters/repository"
	"github.com/okian/fidscore/internal/domain/model"
)

// trackedLockKey guards the tracked set. Identities are positive, so it never
// collides with a per-identity lock.
const trackedLockKey int64 = -1

// Schema creates the tables used by the backend.
const Schema = `
CREATE TABLE IF NOT EXISTS score_snapshots (
	fid         BIGINT           NOT NULL,
	captured_at TIMESTAMPTZ      NOT NULL,
	score       DOUBLE PRECISION NOT NULL CHECK (score >= 0 AND score <= 1),
	source      TEXT             NOT NULL,
	PRIMARY KEY (fid, captured_at)
);

CREATE TABLE IF NOT EXISTS tracked_fids (
	fid            BIGINT      PRIMARY KEY,
	pinned         BOOLEAN     NOT NULL DEFAULT false,
	tracked_at     TIMESTAMPTZ NOT NULL,
	last_viewed_at TIMESTAMPTZ
);
`

// Pool is the subset of *pgxpool.Pool used by the backend.
type Pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// PoolConfig holds connection pool tuning.
type PoolConfig struct {
	MaxConns int32
	MinConns int32
}

// Backend implements repository.Backend on PostgreSQL.
type Backend struct {
	pool Pool
}

var _ repository.Backend = (*Backend)(nil)

// New wraps an existing pool. The schema must already exist.
func New(pool Pool) *Backend {
	return &Backend{pool: pool}
}

// Open connects to dsn, pings the server and applies the schema.
func Open(ctx context.Context, dsn string, poolCfg PoolConfig) (*Backend, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}
	cfg.MaxConns = 10
	if poolCfg.MaxConns > 0 {
		cfg.MaxConns = poolCfg.MaxConns
	}
	if poolCfg.MinConns > 0 {
		cfg.MinConns = poolCfg.MinConns
	}
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	b := New(pool)
	if err := b.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return b, nil
}

// Migrate applies Schema.
func (b *Backend) Migrate(ctx context.Context) error {
	if _, err := b.pool.Exec(ctx, Schema); err != nil {
		return eris.Wrap(err, "postgres: migrate")
	}
	return nil
}

// Name implements repository.Backend.
func (b *Backend) Name() string { return "postgres" }

// LoadHistory implements repository.Backend.
func (b *Backend) LoadHistory(ctx context.Context, fid int64, since time.Time) ([]model.Snapshot, error) {
	return queryHistory(ctx, b.pool, fid, since)
}

// UpdateHistory implements repository.Backend.
func (b *Backend) UpdateHistory(ctx context.Context, fid int64, fn repository.HistoryFunc) (out []model.Snapshot, err error) {
	err = b.inTx(ctx, fid, func(tx pgx.Tx) error {
		current, err := queryHistory(ctx, tx, fid, time.Time{})
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
		if len(removed) > 0 {
			if _, err := tx.Exec(ctx,
				`DELETE FROM score_snapshots WHERE fid = $1 AND captured_at = ANY($2)`,
				fid, removed); err != nil {
				return eris.Wrap(err, "postgres: delete snapshots")
			}
		}
		for _, s := range upserted {
			if _, err := tx.Exec(ctx,
				`INSERT INTO score_snapshots (fid, captured_at, score, source) VALUES ($1, $2, $3, $4)
				 ON CONFLICT (fid, captured_at) DO UPDATE SET score = EXCLUDED.score, source = EXCLUDED.source`,
				fid, s.CapturedAt, s.Score, string(s.Source)); err != nil {
				return eris.Wrap(err, "postgres: upsert snapshot")
			}
		}
		out = next
		return nil
	})
	return out, err
}

// LoadTracked implements repository.Backend.
func (b *Backend) LoadTracked(ctx context.Context) ([]model.Member, error) {
	return queryTracked(ctx, b.pool)
}

// UpdateTracked implements repository.Backend.
func (b *Backend) UpdateTracked(ctx context.Context, fn repository.TrackedFunc) (out []model.Member, err error) {
	err = b.inTx(ctx, trackedLockKey, func(tx pgx.Tx) error {
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
		if len(removed) > 0 {
			if _, err := tx.Exec(ctx, `DELETE FROM tracked_fids WHERE fid = ANY($1)`, removed); err != nil {
				return eris.Wrap(err, "postgres: delete members")
			}
		}
		for _, m := range upserted {
			if _, err := tx.Exec(ctx,
				`INSERT INTO tracked_fids (fid, pinned, tracked_at, last_viewed_at) VALUES ($1, $2, $3, $4)
				 ON CONFLICT (fid) DO UPDATE SET pinned = EXCLUDED.pinned, tracked_at = EXCLUDED.tracked_at,
				 last_viewed_at = EXCLUDED.last_viewed_at`,
				m.FID, m.Pinned, m.TrackedAt, nullTime(m.LastViewedAt)); err != nil {
				return eris.Wrap(err, "postgres: upsert member")
			}
		}
		out = next
		return nil
	})
	return out, err
}

// Stats implements repository.Backend.
func (b *Backend) Stats(ctx context.Context) (repository.Stats, error) {
	var identities, snapshots, tracked int64
	err := b.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(DISTINCT fid) FROM score_snapshots),
			(SELECT COUNT(*) FROM score_snapshots),
			(SELECT COUNT(*) FROM tracked_fids)`).Scan(&identities, &snapshots, &tracked)
	if err != nil {
		return repository.Stats{}, eris.Wrap(err, "postgres: stats")
	}
	return repository.Stats{
		Identities: int(identities),
		Snapshots:  int(snapshots),
		Tracked:    int(tracked),
	}, nil
}

// Close implements repository.Backend.
func (b *Backend) Close() error {
	b.pool.Close()
	return nil
}

// inTx runs fn in a transaction holding the advisory lock for key.
func (b *Backend) inTx(ctx context.Context, key int64, fn func(tx pgx.Tx) error) (err error) {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, key); err != nil {
		return eris.Wrap(err, "postgres: advisory lock")
	}
	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "postgres: commit")
	}
	return nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func queryHistory(ctx context.Context, q querier, fid int64, since time.Time) ([]model.Snapshot, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if since.IsZero() {
		rows, err = q.Query(ctx,
			`SELECT captured_at, score, source FROM score_snapshots WHERE fid = $1 ORDER BY captured_at`,
			fid)
	} else {
		rows, err = q.Query(ctx,
			`SELECT captured_at, score, source FROM score_snapshots WHERE fid = $1 AND captured_at >= $2 ORDER BY captured_at`,
			fid, since)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query history")
	}
	defer rows.Close()

	var out []model.Snapshot
	for rows.Next() {
		var (
			at     time.Time
			score  float64
			source string
		)
		if err := rows.Scan(&at, &score, &source); err != nil {
			return nil, eris.Wrap(err, "postgres: scan snapshot")
		}
		out = append(out, model.Snapshot{
			FID:        fid,
			Score:      score,
			CapturedAt: at.UTC(),
			Source:     model.Source(source),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: iterate history")
	}
	return out, nil
}

// queryTracked loads the tracked set. A member never viewed reports its
// insertion time as last view.
func queryTracked(ctx context.Context, q querier) ([]model.Member, error) {
	rows, err := q.Query(ctx,
		`SELECT fid, pinned, tracked_at, COALESCE(last_viewed_at, tracked_at)
		 FROM tracked_fids ORDER BY tracked_at, fid`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query tracked")
	}
	defer rows.Close()

	var out []model.Member
	for rows.Next() {
		var m model.Member
		if err := rows.Scan(&m.FID, &m.Pinned, &m.TrackedAt, &m.LastViewedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan member")
		}
		m.TrackedAt = m.TrackedAt.UTC()
		m.LastViewedAt = m.LastViewedAt.UTC()
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: iterate tracked")
	}
	return out, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
