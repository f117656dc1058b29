// Package scoring fetches trust scores from an external scoring source and
// turns them into candidate snapshots.
package scoring

import (
	"context"
	"errors"
	"time"

	"github.com/okian/fidscore/internal/domain/model"
	"github.com/okian/fidscore/pkg/logger"
	"github.com/okian/fidscore/pkg/metrics"
)

// MaxBatch is the largest number of identities sent in one lookup.
const MaxBatch = 100

const defaultTimeout = 5 * time.Second

// Record is what a scoring source returns for one identity. Raw is nil when
// the source has no score for it.
type Record struct {
	FID     int64
	Raw     any
	Profile model.Profile
}

// Source performs bulk lookups. Identities absent from the returned map are
// not known to the source. Errors should be *Error values.
type Source interface {
	Lookup(ctx context.Context, fids []int64) (map[int64]Record, error)
}

// Observation is a candidate snapshot plus display fields.
type Observation struct {
	Snapshot model.Snapshot `json:"snapshot"`
	Profile  model.Profile  `json:"profile"`
}

// Observer reads scores from a Source. It never touches storage.
type Observer struct {
	source    Source
	batchSize int
	timeout   time.Duration
	now       func() time.Time
	tag       model.Source
	logger    logger.Logger
}

// NewObserver creates an Observer over source.
func NewObserver(source Source, opts ...Option) *Observer {
	o := &Observer{
		source:    source,
		batchSize: MaxBatch,
		timeout:   defaultTimeout,
		now:       time.Now,
		tag:       model.SourceAPI,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = logger.Discard()
	}
	return o
}

// Observe fetches the current score of one identity.
func (o *Observer) Observe(ctx context.Context, fid int64) (Observation, error) {
	if err := model.ValidateFID(fid); err != nil {
		return Observation{}, err
	}
	obs, errs := o.ObserveBatch(ctx, []int64{fid})
	if err, ok := errs[fid]; ok {
		return Observation{}, err
	}
	return obs[fid], nil
}

// ObserveBatch fetches many identities, chunked to the batch size. Every
// requested identity ends up in exactly one of the two maps. After a chunk
// is rate limited the remaining chunks are not sent and fail with the same
// error.
func (o *Observer) ObserveBatch(ctx context.Context, fids []int64) (map[int64]Observation, map[int64]error) {
	obs := make(map[int64]Observation, len(fids))
	errs := make(map[int64]error)

	ids := make([]int64, 0, len(fids))
	seen := make(map[int64]struct{}, len(fids))
	for _, fid := range fids {
		if _, dup := seen[fid]; dup {
			continue
		}
		seen[fid] = struct{}{}
		if err := model.ValidateFID(fid); err != nil {
			errs[fid] = err
			continue
		}
		ids = append(ids, fid)
	}

	var halt error
	for start := 0; start < len(ids); start += o.batchSize {
		end := min(start+o.batchSize, len(ids))
		chunk := ids[start:end]

		if halt != nil {
			for _, fid := range chunk {
				errs[fid] = forFID(halt, fid)
			}
			continue
		}

		records, err := o.lookup(ctx, chunk)
		if err != nil {
			o.logger.Warn(ctx, "score lookup failed",
				logger.Int("batch", len(chunk)),
				logger.String("kind", KindOf(err)),
				logger.Error(err))
			for _, fid := range chunk {
				errs[fid] = forFID(err, fid)
				metrics.RecordUpstreamError(KindOf(err))
			}
			if errors.Is(err, ErrRateLimited) {
				halt = err
			}
			continue
		}

		at := o.now()
		for _, fid := range chunk {
			rec, ok := records[fid]
			if !ok {
				errs[fid] = &Error{Kind: ErrNotFound, FID: fid}
				metrics.RecordUpstreamError(KindNotFound)
				continue
			}
			score, ok := Normalize(rec.Raw)
			if !ok {
				errs[fid] = &Error{Kind: ErrNoScore, FID: fid}
				metrics.RecordUpstreamError(KindNoScore)
				continue
			}
			obs[fid] = Observation{
				Snapshot: model.NewSnapshot(fid, score, at, o.tag),
				Profile:  rec.Profile,
			}
		}
	}
	return obs, errs
}

func (o *Observer) lookup(ctx context.Context, chunk []int64) (map[int64]Record, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	records, err := o.source.Lookup(ctx, chunk)
	if err == nil {
		return records, nil
	}
	var se *Error
	if errors.As(err, &se) {
		return nil, err
	}
	return nil, NewError(ErrUpstreamUnavailable, err)
}
