package probe_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	"gopkg.in/yaml.v3"

	"github.com/okian/fidscore/internal/adapters/http/api"
	"github.com/okian/fidscore/internal/bootstrap"
	"github.com/okian/fidscore/internal/config"
	"github.com/okian/fidscore/internal/probe"
	"github.com/okian/fidscore/pkg/logger"
)

func newService(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := config.New()
	cfg.ScoringLatencyMinMS = 0
	cfg.ScoringLatencyMaxMS = 1
	comps, err := bootstrap.Build(context.Background(), cfg, logger.Discard())
	if err != nil {
		t.Fatalf("build components: %v", err)
	}
	mux := http.NewServeMux()
	api.NewServer(comps.Service, comps.Service, api.WithLogger(logger.Discard())).Register(context.Background(), mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		_ = comps.Close()
	})
	return srv
}

func TestRunAgainstService(t *testing.T) {
	Convey("Given a running service", t, func() {
		srv := newService(t)
		ctx := context.Background()

		Convey("When probing explicit identities", func() {
			report, err := probe.Run(ctx, &probe.Config{BaseURL: srv.URL, FIDs: []int64{3, 5, 8}, Days: 7, Workers: 2})

			Convey("Then every identity passes", func() {
				So(err, ShouldBeNil)
				So(report.Checked, ShouldEqual, 3)
				So(report.Failed, ShouldEqual, 0)
				So(report.RunID, ShouldNotBeEmpty)
				for _, r := range report.Results {
					So(r.OK(), ShouldBeTrue)
					So(r.Score, ShouldNotBeNil)
					So(r.Snapshots, ShouldEqual, 1)
					So(r.Changes, ShouldEqual, 1)
				}
				So(report.Results[1].FID, ShouldEqual, 5)
			})

			Convey("And a second run discovers the auto-tracked set", func() {
				again, err := probe.Run(ctx, &probe.Config{BaseURL: srv.URL, SkipScore: true})
				So(err, ShouldBeNil)
				So(again.Checked, ShouldEqual, 3)
				So(again.Failed, ShouldEqual, 0)
				So(again.Results[0].Score, ShouldBeNil)
			})

			Convey("And the report encodes as YAML", func() {
				var buf bytes.Buffer
				So(probe.WriteReport(&buf, report), ShouldBeNil)

				var decoded map[string]any
				So(yaml.Unmarshal(buf.Bytes(), &decoded), ShouldBeNil)
				So(decoded["checked"], ShouldEqual, 3)
				So(decoded["days"], ShouldEqual, 7)
				So(decoded["results"], ShouldHaveLength, 3)
			})
		})

		Convey("When nothing is tracked and no identities are given", func() {
			_, err := probe.Run(ctx, &probe.Config{BaseURL: srv.URL})

			Convey("Then the run reports nothing to probe", func() {
				So(err, ShouldEqual, probe.ErrNothingToProbe)
			})
		})

		Convey("When the window is invalid", func() {
			_, err := probe.Run(ctx, &probe.Config{BaseURL: srv.URL, FIDs: []int64{1}, Days: 14})

			Convey("Then the run is rejected", func() {
				So(err, ShouldNotBeNil)
			})
		})
	})
}

func TestRunAgainstBrokenService(t *testing.T) {
	Convey("Given a service answering out-of-order histories", t, func() {
		now := time.Now().UTC()
		mux := http.NewServeMux()
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		mux.HandleFunc("/score", func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Query().Get("fid") == "9" {
				w.WriteHeader(http.StatusBadGateway)
				_ = json.NewEncoder(w).Encode(map[string]string{"code": "unavailable", "message": "scoring source unavailable"})
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"fid": 4, "score": 0.5, "fetched_at": now, "source": "api",
			})
		})
		mux.HandleFunc("/history", func(w http.ResponseWriter, _ *http.Request) {
			snap := func(score float64, at time.Time) map[string]any {
				return map[string]any{"fid": 4, "score": score, "captured_at": at, "source": "api"}
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"fid":       4,
				"days":      7,
				"snapshots": []any{snap(0.4, now.Add(-time.Hour)), snap(1.5, now.Add(-2*time.Hour))},
				"changes":   []any{snap(0.4, now.Add(-time.Hour))},
			})
		})
		srv := httptest.NewServer(mux)
		defer srv.Close()

		Convey("When probing", func() {
			report, err := probe.Run(context.Background(), &probe.Config{BaseURL: srv.URL, FIDs: []int64{4, 9}, Days: 7})

			Convey("Then both identities fail with reasons", func() {
				So(err, ShouldBeNil)
				So(report.Failed, ShouldEqual, 2)

				broken := report.Results[0]
				So(broken.Error, ShouldBeEmpty)
				So(strings.Join(broken.Violations, "\n"), ShouldContainSubstring, "not after")
				So(strings.Join(broken.Violations, "\n"), ShouldContainSubstring, "outside [0,1]")

				So(report.Results[1].Error, ShouldContainSubstring, "unavailable")
			})
		})
	})

	Convey("Given an unhealthy service", t, func() {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		Convey("Then the run fails before probing", func() {
			_, err := probe.Run(context.Background(), &probe.Config{BaseURL: srv.URL, FIDs: []int64{1}})
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "health check")
		})
	})
}

func TestParseFIDs(t *testing.T) {
	Convey("ParseFIDs", t, func() {
		fids, err := probe.ParseFIDs(" 3, 5650 ,,7")
		So(err, ShouldBeNil)
		So(fids, ShouldResemble, []int64{3, 5650, 7})

		fids, err = probe.ParseFIDs("")
		So(err, ShouldBeNil)
		So(fids, ShouldBeEmpty)

		_, err = probe.ParseFIDs("3,abc")
		So(err, ShouldNotBeNil)
		_, err = probe.ParseFIDs("0")
		So(err, ShouldNotBeNil)
	})

	Convey("ShowHelp describes the flags", t, func() {
		var buf bytes.Buffer
		probe.ShowHelp(&buf)
		So(buf.String(), ShouldContainSubstring, "-fids")
		So(buf.String(), ShouldContainSubstring, "-read-only")
	})
}
