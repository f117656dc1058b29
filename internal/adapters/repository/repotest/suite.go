// Package repotest runs the behavior every repository.Backend must share.
package repotest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/fidscore/internal/adapters/repository"
	"github.com/okian/fidscore/internal/domain/history"
	"github.com/okian/fidscore/internal/domain/model"
	"github.com/okian/fidscore/internal/domain/tracking"
)

// Base is the reference instant used by the suite.
var Base = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

// Open returns a fresh, empty backend. The suite closes it.
type Open func(t *testing.T) repository.Backend

// Run exercises backend semantics through repository.Store.
func Run(t *testing.T, open Open) {
	t.Helper()

	t.Run("EmptyHistory", func(t *testing.T) { testEmpty(t, open(t)) })
	t.Run("AppendAndList", func(t *testing.T) { testAppendAndList(t, open(t)) })
	t.Run("BurstCollapse", func(t *testing.T) { testBurst(t, open(t)) })
	t.Run("StoredOrdering", func(t *testing.T) { testStoredOrdering(t, open(t)) })
	t.Run("Retention", func(t *testing.T) { testRetention(t, open(t)) })
	t.Run("NoChangeAndFailure", func(t *testing.T) { testNoChange(t, open(t)) })
	t.Run("ConcurrentAppends", func(t *testing.T) { testConcurrent(t, open(t)) })
	t.Run("Tracked", func(t *testing.T) { testTracked(t, open(t)) })
	t.Run("Stats", func(t *testing.T) { testStats(t, open(t)) })
}

func newStore(b repository.Backend, opts ...repository.Option) *repository.Store {
	now := func() time.Time { return Base.Add(100 * 24 * time.Hour) }
	return repository.NewStore(b, append([]repository.Option{repository.WithClock(now)}, opts...)...)
}

func snap(fid int64, score float64, at time.Time) model.Snapshot {
	return model.NewSnapshot(fid, score, at, model.SourceAPI)
}

func shouldBeStrictlyAscending(actual any, _ ...any) string {
	hist, ok := actual.([]model.Snapshot)
	if !ok {
		return "expected []model.Snapshot"
	}
	for i := 1; i < len(hist); i++ {
		if !hist[i].CapturedAt.After(hist[i-1].CapturedAt) {
			return fmt.Sprintf("history is not strictly ascending at index %d", i)
		}
	}
	return ""
}

func testEmpty(t *testing.T, b repository.Backend) {
	Convey("Given an empty backend", t, func() {
		defer func() { _ = b.Close() }()
		ctx := context.Background()

		hist, err := b.LoadHistory(ctx, 1, time.Time{})
		So(err, ShouldBeNil)
		So(hist, ShouldBeEmpty)

		_, err = newStore(b).Last(ctx, 1)
		So(errors.Is(err, repository.ErrNotFound), ShouldBeTrue)

		members, err := b.LoadTracked(ctx)
		So(err, ShouldBeNil)
		So(members, ShouldBeEmpty)
	})
}

func testAppendAndList(t *testing.T, b repository.Backend) {
	Convey("Given ten appends spaced ten days apart", t, func() {
		defer func() { _ = b.Close() }()
		ctx := context.Background()
		s := newStore(b)

		for i := 0; i < 10; i++ {
			at := Base.Add(time.Duration(i) * 24 * time.Hour * 10)
			res := s.Append(ctx, snap(7, float64(i)/10, at))
			So(res.OK(), ShouldBeTrue)
			So(res.Outcome, ShouldEqual, history.Appended)
		}
		// Another identity must not leak in.
		s.Append(ctx, snap(8, 0.9, Base))

		all, err := s.List(ctx, 7, 0)
		So(err, ShouldBeNil)
		So(all, ShouldHaveLength, 10)
		So(all, shouldBeStrictlyAscending)
		So(all[3].CapturedAt.Equal(Base.Add(30*24*time.Hour)), ShouldBeTrue)
		So(all[3].Score, ShouldEqual, 0.3)
		So(all[3].FID, ShouldEqual, 7)
		So(all[3].Source, ShouldEqual, model.SourceAPI)

		// now = Base+100d; entries at 0,10,...,90 days.
		w30, err := s.List(ctx, 7, history.Days(30))
		So(err, ShouldBeNil)
		So(w30, ShouldHaveLength, 3)
		w90, err := s.List(ctx, 7, history.Days(90))
		So(err, ShouldBeNil)
		So(w90, ShouldHaveLength, 9)

		last, err := s.Last(ctx, 7)
		So(err, ShouldBeNil)
		So(last.Score, ShouldEqual, 0.9)
	})
}

func testBurst(t *testing.T, b repository.Backend) {
	Convey("Given a burst of observations within the window", t, func() {
		defer func() { _ = b.Close() }()
		ctx := context.Background()
		s := newStore(b)

		s.Append(ctx, snap(3, 0.1, Base))
		s.Append(ctx, snap(3, 0.2, Base.Add(5*time.Minute)))
		res := s.Append(ctx, snap(3, 0.3, Base.Add(20*time.Minute)))
		So(res.Outcome, ShouldEqual, history.Replaced)
		So(res.Length, ShouldEqual, 1)

		again := s.Append(ctx, snap(3, 0.3, Base.Add(20*time.Minute)))
		So(again.Length, ShouldEqual, 1)

		res = s.Append(ctx, snap(3, 0.4, Base.Add(51*time.Minute)))
		So(res.Outcome, ShouldEqual, history.Appended)
		So(res.Length, ShouldEqual, 2)

		late := s.Append(ctx, snap(3, 0.9, Base.Add(-2*time.Hour)))
		So(late.OK(), ShouldBeTrue)
		So(late.Outcome, ShouldEqual, history.Discarded)
		So(late.Length, ShouldEqual, 2)

		all, err := s.List(ctx, 3, 0)
		So(err, ShouldBeNil)
		So(all, ShouldHaveLength, 2)
		So(all[0].Score, ShouldEqual, 0.3)
		So(all[1].Score, ShouldEqual, 0.4)
	})
}

func testStoredOrdering(t *testing.T, b repository.Backend) {
	Convey("Given replacements that pull the tail back onto its predecessor", t, func() {
		defer func() { _ = b.Close() }()
		ctx := context.Background()
		s := newStore(b)
		noon := Base.Add(12 * time.Hour)

		s.Append(ctx, snap(4, 0.1, noon))
		s.Append(ctx, snap(4, 0.2, noon.Add(31*time.Minute)))
		moved := s.Append(ctx, snap(4, 0.3, noon.Add(time.Minute)))
		onto := s.Append(ctx, snap(4, 0.4, noon))
		before := s.Append(ctx, snap(4, 0.5, noon.Add(-20*time.Minute)))

		So(moved.Outcome, ShouldEqual, history.Replaced)
		So(onto.OK(), ShouldBeTrue)
		So(onto.Outcome, ShouldEqual, history.Discarded)
		So(before.Outcome, ShouldEqual, history.Discarded)
		So(onto.Length, ShouldEqual, 2)

		raw, err := b.LoadHistory(ctx, 4, time.Time{})
		So(err, ShouldBeNil)
		So(raw, ShouldHaveLength, 2)
		So(raw, shouldBeStrictlyAscending)
		So(raw[0].Score, ShouldEqual, 0.1)
		So(raw[1].Score, ShouldEqual, 0.3)
	})
}

func testRetention(t *testing.T, b repository.Backend) {
	Convey("Given a store bounded to 4 entries", t, func() {
		defer func() { _ = b.Close() }()
		ctx := context.Background()
		s := newStore(b, repository.WithMerger(history.NewMerger(history.WithMaxEntries(4))))

		evicted := 0
		for i := 0; i < 9; i++ {
			res := s.Append(ctx, snap(5, 0.5, Base.Add(time.Duration(i)*time.Hour)))
			So(res.Err, ShouldBeNil)
			So(res.Length, ShouldBeLessThanOrEqualTo, 4)
			evicted += res.Evicted
		}

		all, err := s.List(ctx, 5, 0)
		So(err, ShouldBeNil)
		So(all, ShouldHaveLength, 4)
		So(evicted, ShouldEqual, 5)
		So(all[0].CapturedAt.Equal(Base.Add(5*time.Hour)), ShouldBeTrue)
	})
}

func testNoChange(t *testing.T, b repository.Backend) {
	Convey("Given updates that change nothing or fail", t, func() {
		defer func() { _ = b.Close() }()
		ctx := context.Background()
		s := newStore(b)
		s.Append(ctx, snap(9, 0.5, Base))

		stored, err := b.UpdateHistory(ctx, 9, func([]model.Snapshot) ([]model.Snapshot, error) {
			return nil, repository.ErrNoChange
		})
		So(err, ShouldBeNil)
		So(stored, ShouldHaveLength, 1)

		boom := errors.New("boom")
		_, err = b.UpdateHistory(ctx, 9, func([]model.Snapshot) ([]model.Snapshot, error) {
			return nil, boom
		})
		So(errors.Is(err, boom), ShouldBeTrue)

		all, err := s.List(ctx, 9, 0)
		So(err, ShouldBeNil)
		So(all, ShouldHaveLength, 1)
		So(all[0].Score, ShouldEqual, 0.5)

		bad := s.Append(ctx, snap(9, 2, Base.Add(time.Hour)))
		So(errors.Is(bad.Err, model.ErrInvalidSnapshot), ShouldBeTrue)
	})
}

func testConcurrent(t *testing.T, b repository.Backend) {
	Convey("Given concurrent writers on one identity", t, func() {
		defer func() { _ = b.Close() }()
		ctx := context.Background()
		s := newStore(b)

		const writers = 24
		var wg sync.WaitGroup
		errs := make(chan error, writers)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if res := s.Append(ctx, snap(11, 0.5, Base.Add(time.Duration(i)*time.Hour))); !res.OK() {
					errs <- res.Err
				}
			}(i)
		}
		wg.Wait()
		close(errs)
		So(errs, ShouldBeEmpty)

		// Out-of-order arrivals beyond the window are discarded, so only an
		// ascending suffix of the writes survives; nothing is half-written.
		raw, err := b.LoadHistory(ctx, 11, time.Time{})
		So(err, ShouldBeNil)
		So(len(raw), ShouldBeBetweenOrEqual, 1, writers)
		So(raw, shouldBeStrictlyAscending)
	})
}

func testTracked(t *testing.T, b repository.Backend) {
	Convey("Given a tracked set bounded to 3 members", t, func() {
		defer func() { _ = b.Close() }()
		ctx := context.Background()
		clock := Base
		s := repository.NewStore(b,
			repository.WithClock(func() time.Time { return clock }),
			repository.WithTrackingPolicy(tracking.NewPolicy(tracking.WithCapacity(3))),
		)

		for fid := int64(1); fid <= 4; fid++ {
			clock = clock.Add(time.Minute)
			_, err := s.Track(ctx, fid, false)
			So(err, ShouldBeNil)
		}
		members, err := s.Tracked(ctx)
		So(err, ShouldBeNil)
		So(tracking.IDs(members), ShouldResemble, []int64{4, 3, 2})

		clock = clock.Add(time.Minute)
		_, err = s.Track(ctx, 2, true)
		So(err, ShouldBeNil)
		clock = clock.Add(time.Minute)
		So(s.Touch(ctx, 3), ShouldBeNil)

		members, err = s.Tracked(ctx)
		So(err, ShouldBeNil)
		So(members[0].FID, ShouldEqual, 2)
		So(members[0].Pinned, ShouldBeTrue)
		So(members[1].FID, ShouldEqual, 3)
		So(members[1].LastViewedAt.Equal(clock), ShouldBeTrue)
		So(members[1].TrackedAt.Equal(Base.Add(3*time.Minute)), ShouldBeTrue)

		removed, err := s.Untrack(ctx, 3)
		So(err, ShouldBeNil)
		So(removed, ShouldBeTrue)
		removed, _ = s.Untrack(ctx, 3)
		So(removed, ShouldBeFalse)
		So(s.Unpin(ctx, 2), ShouldBeNil)

		for fid := int64(20); fid <= 22; fid++ {
			_, err := s.Track(ctx, fid, true)
			So(err, ShouldBeNil)
		}
		_, err = s.Track(ctx, 30, false)
		So(errors.Is(err, repository.ErrCapacity), ShouldBeTrue)
	})
}

func testStats(t *testing.T, b repository.Backend) {
	Convey("Given two identities and one tracked member", t, func() {
		defer func() { _ = b.Close() }()
		ctx := context.Background()
		s := newStore(b)

		s.Append(ctx, snap(1, 0.1, Base))
		s.Append(ctx, snap(1, 0.2, Base.Add(time.Hour)))
		s.Append(ctx, snap(2, 0.3, Base))
		_, err := s.Track(ctx, 1, false)
		So(err, ShouldBeNil)

		st, err := s.Stats(ctx)
		So(err, ShouldBeNil)
		So(st.Identities, ShouldEqual, 2)
		So(st.Snapshots, ShouldEqual, 3)
		So(st.Tracked, ShouldEqual, 1)
	})
}
