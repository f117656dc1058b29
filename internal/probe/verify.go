package probe

import (
	"fmt"
	"math"
	"time"

	service "github.com/okian/fidscore/internal/app"
	"github.com/okian/fidscore/internal/domain/history"
)

// deltaTolerance absorbs float noise in server-computed deltas.
const deltaTolerance = 1e-9

// VerifyCurrent checks a current-score answer for fid.
func VerifyCurrent(fid int64, cur service.CurrentScore) []string {
	var out []string
	if cur.FID != fid {
		out = append(out, fmt.Sprintf("current score answers fid %d", cur.FID))
	}
	if !validScore(cur.Score) {
		out = append(out, fmt.Sprintf("current score %v outside [0,1]", cur.Score))
	}
	if cur.FetchedAt.IsZero() {
		out = append(out, "current score has no fetched_at")
	}
	return out
}

// VerifyHistory checks a history answer. since is a lower bound on the
// window start the service applied.
func VerifyHistory(fid int64, view service.HistoryView, since time.Time, maxEntries int) []string {
	var out []string
	add := func(format string, args ...any) {
		out = append(out, fmt.Sprintf(format, args...))
	}

	if view.FID != fid {
		add("history answers fid %d", view.FID)
	}
	if len(view.Snapshots) > maxEntries {
		add("history holds %d snapshots, bound is %d", len(view.Snapshots), maxEntries)
	}

	seen := make(map[time.Time]struct{}, len(view.Snapshots))
	for i, p := range view.Snapshots {
		if p.FID != fid {
			add("snapshot %d belongs to fid %d", i, p.FID)
		}
		if !validScore(p.Score) {
			add("snapshot %d score %v outside [0,1]", i, p.Score)
		}
		if !p.Source.Valid() {
			add("snapshot %d has source %q", i, p.Source)
		}
		if p.CapturedAt.Before(since) {
			add("snapshot %d at %s precedes window start %s", i, p.CapturedAt.Format(time.RFC3339), since.Format(time.RFC3339))
		}
		if _, dup := seen[p.CapturedAt]; dup {
			add("snapshot %d repeats timestamp %s", i, p.CapturedAt.Format(time.RFC3339Nano))
		}
		seen[p.CapturedAt] = struct{}{}

		if i == 0 {
			continue
		}
		prev := view.Snapshots[i-1]
		if !p.CapturedAt.After(prev.CapturedAt) {
			add("snapshot %d is not after snapshot %d", i, i-1)
		}
		if p.Delta == nil {
			add("snapshot %d has no delta", i)
		} else if math.Abs(*p.Delta-(p.Score-prev.Score)) > deltaTolerance {
			add("snapshot %d delta %v, expected %v", i, *p.Delta, p.Score-prev.Score)
		}
	}

	out = append(out, verifyChanges(view, seen)...)

	if view.Summary != nil && view.Summary.Points != len(view.Snapshots) {
		add("summary counts %d points for %d snapshots", view.Summary.Points, len(view.Snapshots))
	}
	if len(view.Snapshots) > 0 && view.Summary == nil {
		add("non-empty history has no summary")
	}
	return out
}

func verifyChanges(view service.HistoryView, seen map[time.Time]struct{}) []string {
	var out []string
	if len(view.Snapshots) == 0 {
		if len(view.Changes) > 0 {
			out = append(out, "changes reported for an empty history")
		}
		return out
	}
	if len(view.Changes) == 0 {
		return append(out, "non-empty history has no changes")
	}
	if !view.Changes[0].CapturedAt.Equal(view.Snapshots[0].CapturedAt) {
		out = append(out, "first change is not the first snapshot")
	}
	for i, c := range view.Changes {
		if _, ok := seen[c.CapturedAt]; !ok {
			out = append(out, fmt.Sprintf("change %d at %s is not a snapshot", i, c.CapturedAt.Format(time.RFC3339Nano)))
		}
		if i > 0 && math.Abs(c.Score-view.Changes[i-1].Score) <= history.ChangeEpsilon {
			out = append(out, fmt.Sprintf("change %d repeats score %v", i, c.Score))
		}
	}
	return out
}

func validScore(v float64) bool {
	return v >= 0 && v <= 1
}
