package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/fidscore/internal/adapters/http/api"
	"github.com/okian/fidscore/internal/adapters/repository"
	service "github.com/okian/fidscore/internal/app"
	"github.com/okian/fidscore/internal/bootstrap"
	"github.com/okian/fidscore/internal/config"
	"github.com/okian/fidscore/internal/domain/history"
	"github.com/okian/fidscore/internal/domain/model"
	"github.com/okian/fidscore/internal/domain/scoring"
	"github.com/okian/fidscore/pkg/logger"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// mockDependencies records calls and answers from configured values.
type mockDependencies struct {
	current    service.CurrentScore
	currentErr error
	view       service.HistoryView
	historyErr error
	snaps      []model.Snapshot
	pushed     []model.Snapshot
	pushErr    error
	trackErr   error
	tracked    []model.Member
	trackCalls []trackCall
	sweeps     int
}

type trackCall struct {
	fid     int64
	enabled bool
	pinned  *bool
}

func (m *mockDependencies) GetCurrentScore(_ context.Context, fid int64) (service.CurrentScore, error) {
	if m.currentErr != nil {
		return service.CurrentScore{}, m.currentErr
	}
	cur := m.current
	cur.FID = fid
	return cur, nil
}

func (m *mockDependencies) GetHistory(_ context.Context, fid int64, days int) (service.HistoryView, error) {
	if m.historyErr != nil {
		return service.HistoryView{}, m.historyErr
	}
	v := m.view
	v.FID, v.Days = fid, days
	return v, nil
}

func (m *mockDependencies) ListSnapshots(context.Context, int64, int) ([]model.Snapshot, error) {
	return m.snaps, nil
}

func (m *mockDependencies) PushSnapshot(_ context.Context, snap model.Snapshot) (repository.AppendResult, error) {
	m.pushed = append(m.pushed, snap)
	if m.pushErr != nil {
		return repository.AppendResult{Err: m.pushErr}, m.pushErr
	}
	return repository.AppendResult{Snapshot: snap, Outcome: history.Replaced, Length: 1}, nil
}

func (m *mockDependencies) Track(_ context.Context, fid int64, enabled bool, pinned *bool) (service.TrackState, error) {
	m.trackCalls = append(m.trackCalls, trackCall{fid: fid, enabled: enabled, pinned: pinned})
	if m.trackErr != nil {
		return service.TrackState{}, m.trackErr
	}
	return service.TrackState{FID: fid, Tracked: enabled, Pinned: pinned != nil && *pinned}, nil
}

func (m *mockDependencies) Tracked(context.Context) ([]model.Member, error) {
	return m.tracked, nil
}

func (m *mockDependencies) Sweep(context.Context) (service.SweepSummary, error) {
	m.sweeps++
	return service.SweepSummary{RunID: "run-1", Tracked: 2, Observed: 2, Appended: 2}, nil
}

type mockStatsProvider struct {
	stats map[string]interface{}
}

func (m *mockStatsProvider) GetStats(context.Context) map[string]interface{} {
	return m.stats
}

func newMux(deps *mockDependencies, opts ...api.Option) *http.ServeMux {
	opts = append([]api.Option{api.WithLogger(logger.Discard())}, opts...)
	server := api.NewServer(deps, &mockStatsProvider{stats: map[string]interface{}{"started": true}}, opts...)
	mux := http.NewServeMux()
	server.Register(context.Background(), mux)
	return mux
}

func serve(mux *http.ServeMux, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, http.NoBody)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

func decode(w *httptest.ResponseRecorder) map[string]interface{} {
	var out map[string]interface{}
	So(json.Unmarshal(w.Body.Bytes(), &out), ShouldBeNil)
	return out
}

func TestServer_Register(t *testing.T) {
	Convey("Given a registered API server", t, func() {
		mux := newMux(&mockDependencies{})

		Convey("Then the health endpoint serves metrics", func() {
			w := serve(mux, http.MethodGet, "/healthz", "")
			So(w.Code, ShouldEqual, http.StatusOK)
		})

		Convey("And the stats endpoint serves JSON", func() {
			w := serve(mux, http.MethodGet, "/stats", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(w.Header().Get("Content-Type"), ShouldEqual, "application/json; charset=utf-8")
			So(decode(w)["started"], ShouldEqual, true)
		})

		Convey("And unknown paths are not found", func() {
			w := serve(mux, http.MethodGet, "/unknown", "")
			So(w.Code, ShouldEqual, http.StatusNotFound)
		})

		Convey("And wrong methods are rejected", func() {
			w := serve(mux, http.MethodDelete, "/score?fid=1", "")
			So(w.Code, ShouldEqual, http.StatusMethodNotAllowed)
			So(w.Header().Get("Allow"), ShouldEqual, http.MethodGet)
		})
	})
}

func TestScoreHandler(t *testing.T) {
	Convey("Given a score endpoint", t, func() {
		deps := &mockDependencies{current: service.CurrentScore{Score: 0.75, FetchedAt: t0, Source: model.SourceAPI, Persisted: true}}
		mux := newMux(deps)

		Convey("A valid read returns the current score", func() {
			w := serve(mux, http.MethodGet, "/score?fid=42", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			body := decode(w)
			So(body["fid"], ShouldEqual, 42.0)
			So(body["score"], ShouldEqual, 0.75)
			So(body["stale"], ShouldEqual, false)
			So(body["persisted"], ShouldEqual, true)
		})

		Convey("A non-numeric fid is a bad request", func() {
			w := serve(mux, http.MethodGet, "/score?fid=abc", "")
			So(w.Code, ShouldEqual, http.StatusBadRequest)
			So(decode(w)["code"], ShouldEqual, "invalid_identity")
		})

		Convey("Upstream error kinds map to status codes", func() {
			cases := []struct {
				err    error
				status int
				code   string
			}{
				{&scoring.Error{Kind: scoring.ErrNotFound, FID: 42}, http.StatusNotFound, "not_found"},
				{scoring.NewError(scoring.ErrUpstreamUnavailable, nil), http.StatusBadGateway, scoring.KindUnavailable},
				{scoring.NewError(scoring.ErrNoScore, nil), http.StatusBadGateway, scoring.KindNoScore},
				{errors.New("boom"), http.StatusInternalServerError, "internal_error"},
			}
			for _, tc := range cases {
				deps.currentErr = tc.err
				w := serve(mux, http.MethodGet, "/score?fid=42", "")
				So(w.Code, ShouldEqual, tc.status)
				So(decode(w)["code"], ShouldEqual, tc.code)
			}
		})

		Convey("A stale answer after a rate limit carries the back-off hint", func() {
			deps.current = service.CurrentScore{Score: 0.75, FetchedAt: t0, Source: model.SourceAPI,
				Stale: true, Reason: scoring.KindRateLimited, RetryAfter: 60}
			w := serve(mux, http.MethodGet, "/score?fid=42", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(w.Header().Get("Retry-After"), ShouldEqual, "60")
			body := decode(w)
			So(body["stale"], ShouldEqual, true)
			So(body["retry_after"], ShouldEqual, 60.0)
		})

		Convey("A fresh answer has no back-off hint", func() {
			w := serve(mux, http.MethodGet, "/score?fid=42", "")
			So(w.Header().Get("Retry-After"), ShouldBeEmpty)
			_, ok := decode(w)["retry_after"]
			So(ok, ShouldBeFalse)
		})

		Convey("A rate-limited read sets Retry-After", func() {
			deps.currentErr = scoring.RateLimited(1500*time.Millisecond, nil)
			w := serve(mux, http.MethodGet, "/score?fid=42", "")
			So(w.Code, ShouldEqual, http.StatusTooManyRequests)
			So(w.Header().Get("Retry-After"), ShouldEqual, "2")
		})
	})
}

func TestHistoryHandler(t *testing.T) {
	Convey("Given a history endpoint", t, func() {
		begins := t0
		deps := &mockDependencies{view: service.HistoryView{
			Snapshots:       []history.Point{{Snapshot: model.NewSnapshot(9, 0.5, t0, model.SourceAPI)}},
			Changes:         []history.Point{{Snapshot: model.NewSnapshot(9, 0.5, t0, model.SourceAPI)}},
			HistoryBeginsAt: &begins,
		}}
		mux := newMux(deps)

		Convey("The default window is 90 days", func() {
			w := serve(mux, http.MethodGet, "/history?fid=9", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			body := decode(w)
			So(body["days"], ShouldEqual, float64(history.DefaultWindowDays))
			So(body["history_begins_at"], ShouldEqual, "2025-06-01T12:00:00Z")
			So(len(body["snapshots"].([]interface{})), ShouldEqual, 1)
		})

		Convey("Supported windows are accepted", func() {
			w := serve(mux, http.MethodGet, "/history?fid=9&days=7", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(decode(w)["days"], ShouldEqual, 7.0)
		})

		Convey("Unsupported windows are rejected", func() {
			w := serve(mux, http.MethodGet, "/history?fid=9&days=14", "")
			So(w.Code, ShouldEqual, http.StatusBadRequest)
			So(decode(w)["code"], ShouldEqual, "invalid_window")
		})

		Convey("A degraded history is still a success", func() {
			deps.view = service.HistoryView{Snapshots: []history.Point{}, Changes: []history.Point{}, Degraded: true}
			w := serve(mux, http.MethodGet, "/history?fid=9&days=30", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(decode(w)["degraded"], ShouldEqual, true)
		})
	})
}

func TestSnapshotsHandler(t *testing.T) {
	Convey("Given a snapshots endpoint", t, func() {
		deps := &mockDependencies{}
		mux := newMux(deps)

		Convey("An empty listing is an empty array", func() {
			w := serve(mux, http.MethodGet, "/snapshots?fid=3&days=30", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(w.Body.String(), ShouldContainSubstring, `"snapshots":[]`)
		})

		Convey("A pushed snapshot is merged", func() {
			w := serve(mux, http.MethodPost, "/snapshots",
				`{"fid":3,"score":0.4,"captured_at":"2025-06-01T12:00:00Z","source":"api"}`)
			So(w.Code, ShouldEqual, http.StatusOK)
			So(decode(w)["outcome"], ShouldEqual, "replaced")
			So(len(deps.pushed), ShouldEqual, 1)
			So(deps.pushed[0].CapturedAt, ShouldEqual, t0)
		})

		Convey("A malformed body is a bad request", func() {
			w := serve(mux, http.MethodPost, "/snapshots", `{"fid":`)
			So(w.Code, ShouldEqual, http.StatusBadRequest)
			So(deps.pushed, ShouldBeEmpty)
		})

		Convey("A missing fid is rejected before the store", func() {
			w := serve(mux, http.MethodPost, "/snapshots", `{"score":0.4}`)
			So(w.Code, ShouldEqual, http.StatusBadRequest)
			So(deps.pushed, ShouldBeEmpty)
		})

		Convey("An invalid score is a bad request", func() {
			deps.pushErr = model.ErrInvalidSnapshot
			w := serve(mux, http.MethodPost, "/snapshots", `{"fid":3,"score":7}`)
			So(w.Code, ShouldEqual, http.StatusBadRequest)
		})

		Convey("A storage failure is unavailable", func() {
			deps.pushErr = repository.ErrPersistence
			w := serve(mux, http.MethodPost, "/snapshots", `{"fid":3,"score":0.2}`)
			So(w.Code, ShouldEqual, http.StatusServiceUnavailable)
		})
	})
}

func TestSnapshotsHandlerTimestamps(t *testing.T) {
	Convey("Given a snapshots endpoint over a running service", t, func() {
		ctx := context.Background()
		cfg := config.New()
		cfg.ScoringLatencyMinMS = 0
		cfg.ScoringLatencyMaxMS = 1
		comps, err := bootstrap.Build(ctx, cfg, logger.Discard())
		So(err, ShouldBeNil)
		defer func() { _ = comps.Close() }()

		mux := http.NewServeMux()
		api.NewServer(comps.Service, comps.Service, api.WithLogger(logger.Discard())).Register(ctx, mux)

		Convey("A future-dated push is rejected and leaves history untouched", func() {
			future := time.Now().UTC().Add(365 * 24 * time.Hour).Format(time.RFC3339)
			w := serve(mux, http.MethodPost, "/snapshots", `{"fid":7,"score":0,"captured_at":"`+future+`"}`)
			So(w.Code, ShouldEqual, http.StatusBadRequest)
			So(decode(w)["code"], ShouldEqual, "bad_request")

			w = serve(mux, http.MethodGet, "/snapshots?fid=7&days=7", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(w.Body.String(), ShouldContainSubstring, `"snapshots":[]`)
		})

		Convey("Later reads still reach the history", func() {
			future := time.Now().UTC().Add(365 * 24 * time.Hour).Format(time.RFC3339)
			w := serve(mux, http.MethodPost, "/snapshots", `{"fid":7,"score":0,"captured_at":"`+future+`"}`)
			So(w.Code, ShouldEqual, http.StatusBadRequest)

			w = serve(mux, http.MethodGet, "/score?fid=7", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(decode(w)["persisted"], ShouldEqual, true)

			w = serve(mux, http.MethodGet, "/history?fid=7&days=7", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(len(decode(w)["snapshots"].([]interface{})), ShouldEqual, 1)
		})
	})
}

func TestTrackHandler(t *testing.T) {
	Convey("Given a track endpoint", t, func() {
		deps := &mockDependencies{tracked: []model.Member{{FID: 1, TrackedAt: t0}}}
		mux := newMux(deps)

		Convey("A missing track field means track", func() {
			w := serve(mux, http.MethodPost, "/track", `{"fid":5}`)
			So(w.Code, ShouldEqual, http.StatusOK)
			So(deps.trackCalls[0].enabled, ShouldBeTrue)
			So(deps.trackCalls[0].pinned, ShouldBeNil)
		})

		Convey("Untrack and pin flags are passed through", func() {
			w := serve(mux, http.MethodPost, "/track", `{"fid":5,"track":false,"pinned":true}`)
			So(w.Code, ShouldEqual, http.StatusOK)
			So(deps.trackCalls[0].enabled, ShouldBeFalse)
			So(*deps.trackCalls[0].pinned, ShouldBeTrue)
		})

		Convey("A full set of pinned members is a conflict", func() {
			deps.trackErr = repository.ErrCapacity
			w := serve(mux, http.MethodPost, "/track", `{"fid":5}`)
			So(w.Code, ShouldEqual, http.StatusConflict)
			So(decode(w)["code"], ShouldEqual, "capacity")
		})

		Convey("An invalid fid is a bad request", func() {
			w := serve(mux, http.MethodPost, "/track", `{"fid":0}`)
			So(w.Code, ShouldEqual, http.StatusBadRequest)
			So(deps.trackCalls, ShouldBeEmpty)
		})

		Convey("The tracked set is listed", func() {
			w := serve(mux, http.MethodGet, "/tracked", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(decode(w)["count"], ShouldEqual, 1.0)
		})
	})
}

func TestSweepHandler(t *testing.T) {
	Convey("Given a sweep endpoint guarded by a secret", t, func() {
		deps := &mockDependencies{}
		mux := newMux(deps, api.WithSweepSecret("s3cret"))

		Convey("The header secret authorizes a sweep", func() {
			req := httptest.NewRequest(http.MethodPost, "/sweep", http.NoBody)
			req.Header.Set(api.SweepSecretHeader, "s3cret")
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, req)
			So(w.Code, ShouldEqual, http.StatusOK)
			So(decode(w)["run_id"], ShouldEqual, "run-1")
			So(deps.sweeps, ShouldEqual, 1)
		})

		Convey("The query secret authorizes a sweep", func() {
			w := serve(mux, http.MethodPost, "/sweep?secret=s3cret", "")
			So(w.Code, ShouldEqual, http.StatusOK)
		})

		Convey("A missing secret is a bad request", func() {
			w := serve(mux, http.MethodPost, "/sweep", "")
			So(w.Code, ShouldEqual, http.StatusBadRequest)
			So(deps.sweeps, ShouldEqual, 0)
		})

		Convey("A wrong secret is forbidden", func() {
			w := serve(mux, http.MethodPost, "/sweep?secret=nope", "")
			So(w.Code, ShouldEqual, http.StatusForbidden)
			So(deps.sweeps, ShouldEqual, 0)
		})
	})

	Convey("Given a sweep endpoint without a secret", t, func() {
		deps := &mockDependencies{}
		mux := newMux(deps)

		Convey("Every request is forbidden", func() {
			w := serve(mux, http.MethodPost, "/sweep?secret=anything", "")
			So(w.Code, ShouldEqual, http.StatusForbidden)
			So(deps.sweeps, ShouldEqual, 0)
		})
	})
}
