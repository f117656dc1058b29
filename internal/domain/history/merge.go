// Package history holds the pure merge, retention and windowing rules applied
// to a single identity's ordered list of score snapshots.
package history

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/okian/fidscore/internal/domain/model"
)

// Defaults for the merge policy.
const (
	DefaultWindow     = 30 * time.Minute
	DefaultMaxEntries = 2000
)

// Mode selects how observations close in time collapse.
type Mode int

const (
	// ModeSliding replaces the tail entry when the candidate is within the
	// window of it, measured from the tail's own timestamp.
	ModeSliding Mode = iota
	// ModeFixed aligns windows to calendar boundaries (t.Truncate(window));
	// a candidate replaces every tail entry that shares its bucket.
	ModeFixed
)

// ParseMode maps a configuration value to a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "sliding":
		return ModeSliding, nil
	case "fixed":
		return ModeFixed, nil
	}
	return ModeSliding, fmt.Errorf("unknown dedupe mode %q", s)
}

func (m Mode) String() string {
	if m == ModeFixed {
		return "fixed"
	}
	return "sliding"
}

// Outcome reports what a merge did with the candidate.
type Outcome int

const (
	Appended Outcome = iota
	Replaced
	Discarded
)

func (o Outcome) String() string {
	switch o {
	case Appended:
		return "appended"
	case Replaced:
		return "replaced"
	case Discarded:
		return "discarded"
	}
	return "unknown"
}

// ErrMismatchedIdentity is returned when a candidate is merged into another identity's history.
var ErrMismatchedIdentity = errors.New("snapshot identity does not match history")

// Merger applies the dedupe and retention policy.
type Merger struct {
	window     time.Duration
	maxEntries int
	mode       Mode
}

// Option configures a Merger.
type Option func(*Merger)

// WithWindow sets the dedupe window. Negative values are ignored.
func WithWindow(d time.Duration) Option {
	return func(m *Merger) {
		if d >= 0 {
			m.window = d
		}
	}
}

// WithMaxEntries bounds history length. Values below one are ignored.
func WithMaxEntries(n int) Option {
	return func(m *Merger) {
		if n > 0 {
			m.maxEntries = n
		}
	}
}

// WithMode selects sliding or fixed windows.
func WithMode(mode Mode) Option {
	return func(m *Merger) { m.mode = mode }
}

// NewMerger returns a Merger with defaults overridden by opts.
func NewMerger(opts ...Option) *Merger {
	m := &Merger{
		window:     DefaultWindow,
		maxEntries: DefaultMaxEntries,
		mode:       ModeSliding,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Window returns the configured dedupe window.
func (m *Merger) Window() time.Duration { return m.window }

// MaxEntries returns the configured retention bound.
func (m *Merger) MaxEntries() int { return m.maxEntries }

// Mode returns the configured mode.
func (m *Merger) Mode() Mode { return m.mode }

// Result is the outcome of a merge.
type Result struct {
	History []model.Snapshot
	Outcome Outcome
	Evicted int
}

// Apply merges cand into hist and enforces the retention bound. hist must
// already be ascending; the returned slice is a new slice and hist is not
// modified.
func (m *Merger) Apply(hist []model.Snapshot, cand model.Snapshot) (Result, error) {
	if err := cand.Validate(); err != nil {
		return Result{}, err
	}
	cand.CapturedAt = model.NormalizeTime(cand.CapturedAt)

	out := make([]model.Snapshot, 0, len(hist)+1)
	out = append(out, hist...)

	if len(out) > 0 && out[0].FID != cand.FID {
		return Result{}, fmt.Errorf("%w: %d != %d", ErrMismatchedIdentity, cand.FID, out[0].FID)
	}

	var outcome Outcome
	switch m.mode {
	case ModeFixed:
		out, outcome = m.mergeFixed(out, cand)
	default:
		out, outcome = m.mergeSliding(out, cand)
	}
	if outcome == Discarded {
		return Result{History: out, Outcome: Discarded}, nil
	}

	evicted := 0
	if over := len(out) - m.maxEntries; over > 0 {
		out = append(out[:0:0], out[over:]...)
		evicted = over
	}
	return Result{History: out, Outcome: outcome, Evicted: evicted}, nil
}

func (m *Merger) mergeSliding(out []model.Snapshot, cand model.Snapshot) ([]model.Snapshot, Outcome) {
	if len(out) == 0 {
		return append(out, cand), Appended
	}
	last := out[len(out)-1]
	dt := cand.CapturedAt.Sub(last.CapturedAt)
	switch {
	case dt > m.window:
		return append(out, cand), Appended
	case dt < -m.window:
		return out, Discarded
	case len(out) > 1 && !cand.CapturedAt.After(out[len(out)-2].CapturedAt):
		// The tail may only move back as far as its predecessor.
		return out, Discarded
	default:
		out[len(out)-1] = cand
		return out, Replaced
	}
}

func (m *Merger) mergeFixed(out []model.Snapshot, cand model.Snapshot) ([]model.Snapshot, Outcome) {
	if len(out) == 0 {
		return append(out, cand), Appended
	}
	bucket := m.bucket(cand.CapturedAt)
	lastBucket := m.bucket(out[len(out)-1].CapturedAt)
	switch {
	case bucket.After(lastBucket):
		return append(out, cand), Appended
	case bucket.Before(lastBucket):
		return out, Discarded
	}
	i := len(out)
	for i > 0 && m.bucket(out[i-1].CapturedAt).Equal(bucket) {
		i--
	}
	return append(out[:i], cand), Replaced
}

func (m *Merger) bucket(t time.Time) time.Time {
	if m.window <= 0 {
		return t
	}
	return t.Truncate(m.window)
}

// Normalize sorts hist ascending and collapses entries that share a
// timestamp, keeping the later one. It repairs data written by older clients
// that appended without ordering.
func Normalize(hist []model.Snapshot) []model.Snapshot {
	if len(hist) < 2 {
		return hist
	}
	out := make([]model.Snapshot, len(hist))
	copy(out, hist)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CapturedAt.Before(out[j].CapturedAt)
	})
	dedup := out[:1]
	for _, s := range out[1:] {
		if s.CapturedAt.Equal(dedup[len(dedup)-1].CapturedAt) {
			dedup[len(dedup)-1] = s
			continue
		}
		dedup = append(dedup, s)
	}
	return dedup
}
