package history_test

import (
	"errors"
	"testing"
	"time"

	"github.com/okian/fidscore/internal/domain/history"
	"github.com/okian/fidscore/internal/domain/model"
	. "github.com/smartystreets/goconvey/convey"
)

func TestParseWindowDays(t *testing.T) {
	Convey("Given window parameters", t, func() {
		for raw, want := range map[string]int{"": 90, "7": 7, "30": 30, " 90 ": 90} {
			days, err := history.ParseWindowDays(raw)
			So(err, ShouldBeNil)
			So(days, ShouldEqual, want)
		}
		for _, raw := range []string{"1", "365", "week", "-7"} {
			_, err := history.ParseWindowDays(raw)
			So(errors.Is(err, history.ErrInvalidWindow), ShouldBeTrue)
		}
	})
}

func TestRange(t *testing.T) {
	Convey("Given a daily history over 100 days", t, func() {
		now := t0.Add(100 * 24 * time.Hour)
		var h []model.Snapshot
		for i := 0; i <= 100; i++ {
			h = append(h, snap(0.5, t0.Add(time.Duration(i)*24*time.Hour)))
		}

		Convey("When reading nested windows", func() {
			w7 := history.Range(h, history.Since(now, history.Days(7)))
			w30 := history.Range(h, history.Since(now, history.Days(30)))
			w90 := history.Range(h, history.Since(now, history.Days(90)))

			Convey("Then smaller windows are suffixes of larger ones", func() {
				So(len(w7), ShouldEqual, 8)
				So(len(w30), ShouldEqual, 31)
				So(len(w90), ShouldEqual, 91)
				So(w30[len(w30)-len(w7):], ShouldResemble, w7)
				So(w90[len(w90)-len(w30):], ShouldResemble, w30)
			})

			Convey("And every entry is inside its window", func() {
				for _, s := range w7 {
					So(s.CapturedAt.Before(now.Add(-history.Days(7))), ShouldBeFalse)
				}
			})
		})

		Convey("When the window is non-positive", func() {
			So(history.Range(h, history.Since(now, 0)), ShouldHaveLength, 101)
		})

		Convey("When reading twice", func() {
			So(history.Range(h, t0), ShouldResemble, history.Range(h, t0))
		})
	})
}

func TestChangeTimeline(t *testing.T) {
	Convey("Given scores [0.1, 0.1, 0.3, 0.3, 0.2]", t, func() {
		var h []model.Snapshot
		for i, s := range []float64{0.1, 0.1, 0.3, 0.3, 0.2} {
			h = append(h, snap(s, t0.Add(time.Duration(i)*time.Hour)))
		}
		changes := history.ChangeTimeline(h)

		Convey("Then three change points are reported", func() {
			So(changes, ShouldHaveLength, 3)
			So(changes[0].Score, ShouldEqual, 0.1)
			So(changes[0].Delta, ShouldBeNil)
			So(changes[1].Score, ShouldEqual, 0.3)
			So(*changes[1].Delta, ShouldAlmostEqual, 0.2, 1e-12)
			So(changes[2].Score, ShouldEqual, 0.2)
			So(*changes[2].Delta, ShouldAlmostEqual, -0.1, 1e-12)
		})

		Convey("And tiny float noise is not a change", func() {
			noisy := []model.Snapshot{snap(0.1, t0), snap(0.1+1e-12, t0.Add(time.Hour))}
			So(history.ChangeTimeline(noisy), ShouldHaveLength, 1)
		})

		Convey("And an empty history yields no points", func() {
			So(history.ChangeTimeline(nil), ShouldBeEmpty)
		})
	})
}

func TestWithDeltasAndSummary(t *testing.T) {
	Convey("Given a short history", t, func() {
		h := []model.Snapshot{snap(0.4, t0), snap(0.2, t0.Add(time.Hour)), snap(0.6, t0.Add(2*time.Hour))}

		Convey("Then deltas follow consecutive entries", func() {
			pts := history.WithDeltas(h)
			So(pts[0].Delta, ShouldBeNil)
			So(*pts[1].Delta, ShouldAlmostEqual, -0.2, 1e-12)
			So(*pts[2].Delta, ShouldAlmostEqual, 0.4, 1e-12)
		})

		Convey("Then the summary spans the window", func() {
			s, ok := history.Summarize(h)
			So(ok, ShouldBeTrue)
			So(s.Points, ShouldEqual, 3)
			So(s.Min, ShouldEqual, 0.2)
			So(s.Max, ShouldEqual, 0.6)
			So(s.Delta, ShouldAlmostEqual, 0.2, 1e-12)
			So(s.From, ShouldEqual, t0)

			_, ok = history.Summarize(nil)
			So(ok, ShouldBeFalse)
		})
	})
}
