package scoring

import (
	"time"

	"github.com/okian/fidscore/internal/domain/model"
	"github.com/okian/fidscore/pkg/logger"
)

// Option applies a configuration option to the Observer.
type Option func(*Observer)

// WithBatchSize caps identities per lookup; values outside 1..MaxBatch are ignored.
func WithBatchSize(n int) Option {
	return func(o *Observer) {
		if n > 0 && n <= MaxBatch {
			o.batchSize = n
		}
	}
}

// WithTimeout bounds each lookup.
func WithTimeout(d time.Duration) Option {
	return func(o *Observer) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithClock sets the clock used to stamp observations.
func WithClock(now func() time.Time) Option {
	return func(o *Observer) {
		if now != nil {
			o.now = now
		}
	}
}

// WithSourceTag sets the source recorded on produced snapshots.
func WithSourceTag(tag model.Source) Option {
	return func(o *Observer) {
		if tag.Valid() {
			o.tag = tag
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(o *Observer) {
		if l != nil {
			o.logger = l
		}
	}
}
