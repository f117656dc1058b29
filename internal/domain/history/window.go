package history

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/okian/fidscore/internal/domain/model"
)

// ChangeEpsilon is the minimum score difference counted as a change.
const ChangeEpsilon = 1e-9

// DefaultWindowDays is used when a client omits the window.
const DefaultWindowDays = 90

// ErrInvalidWindow is returned for windows outside the supported set.
var ErrInvalidWindow = errors.New("invalid history window")

var supportedDays = map[int]struct{}{7: {}, 30: {}, 90: {}}

// ParseWindowDays accepts "7", "30" or "90"; empty selects DefaultWindowDays.
func ParseWindowDays(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return DefaultWindowDays, nil
	}
	days, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidWindow, raw)
	}
	if err := ValidateWindowDays(days); err != nil {
		return 0, err
	}
	return days, nil
}

// ValidateWindowDays reports whether days is a supported client window.
func ValidateWindowDays(days int) error {
	if _, ok := supportedDays[days]; !ok {
		return fmt.Errorf("%w: %d days (want 7, 30 or 90)", ErrInvalidWindow, days)
	}
	return nil
}

// Days converts a day count to a duration.
func Days(n int) time.Duration { return time.Duration(n) * 24 * time.Hour }

// Since returns the lower bound of a window ending at now. A non-positive
// window selects everything.
func Since(now time.Time, window time.Duration) time.Time {
	if window <= 0 {
		return time.Time{}
	}
	return now.Add(-window)
}

// Range returns the entries captured at or after since. hist must be
// ascending; the result shares no memory with hist.
func Range(hist []model.Snapshot, since time.Time) []model.Snapshot {
	i := 0
	for i < len(hist) && hist[i].CapturedAt.Before(since) {
		i++
	}
	out := make([]model.Snapshot, len(hist)-i)
	copy(out, hist[i:])
	return out
}

// Point is a snapshot annotated with the delta from the previous point.
type Point struct {
	model.Snapshot
	Delta *float64 `json:"delta,omitempty"`
}

// WithDeltas annotates every entry with its difference from the previous one.
func WithDeltas(hist []model.Snapshot) []Point {
	out := make([]Point, len(hist))
	for i, s := range hist {
		out[i] = Point{Snapshot: s}
		if i > 0 {
			d := s.Score - hist[i-1].Score
			out[i].Delta = &d
		}
	}
	return out
}

// ChangeTimeline keeps the first entry and every entry whose score differs
// from its predecessor by more than ChangeEpsilon.
func ChangeTimeline(hist []model.Snapshot) []Point {
	if len(hist) == 0 {
		return []Point{}
	}
	out := []Point{{Snapshot: hist[0]}}
	for i := 1; i < len(hist); i++ {
		d := hist[i].Score - hist[i-1].Score
		if math.Abs(d) > ChangeEpsilon {
			out = append(out, Point{Snapshot: hist[i], Delta: &d})
		}
	}
	return out
}

// Summary describes a window of history.
type Summary struct {
	Points int       `json:"points"`
	First  float64   `json:"first"`
	Last   float64   `json:"last"`
	Min    float64   `json:"min"`
	Max    float64   `json:"max"`
	Delta  float64   `json:"delta"`
	From   time.Time `json:"from"`
	To     time.Time `json:"to"`
}

// Summarize computes the first, last, min and max of hist. ok is false for an
// empty history.
func Summarize(hist []model.Snapshot) (Summary, bool) {
	if len(hist) == 0 {
		return Summary{}, false
	}
	s := Summary{
		Points: len(hist),
		First:  hist[0].Score,
		Last:   hist[len(hist)-1].Score,
		Min:    hist[0].Score,
		Max:    hist[0].Score,
		From:   hist[0].CapturedAt,
		To:     hist[len(hist)-1].CapturedAt,
	}
	for _, h := range hist[1:] {
		s.Min = math.Min(s.Min, h.Score)
		s.Max = math.Max(s.Max, h.Score)
	}
	s.Delta = s.Last - s.First
	return s, true
}
