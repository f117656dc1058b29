package repository

import (
	"time"

	"github.com/okian/fidscore/internal/domain/history"
	"github.com/okian/fidscore/internal/domain/tracking"
	"github.com/okian/fidscore/pkg/logger"
)

// Option applies a configuration option to the Store.
type Option func(*Store)

// WithMerger sets the history merge policy.
func WithMerger(m *history.Merger) Option {
	return func(s *Store) {
		if m != nil {
			s.merger = m
		}
	}
}

// WithTrackingPolicy sets the tracked set policy.
func WithTrackingPolicy(p *tracking.Policy) Option {
	return func(s *Store) {
		if p != nil {
			s.policy = p
		}
	}
}

// WithClock sets the clock used for windows and tracking timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithWriteTimeout bounds a single write once started.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.writeTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}
