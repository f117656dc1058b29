package neynar

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/okian/fidscore/internal/domain/scoring"
	. "github.com/smartystreets/goconvey/convey"
)

func newTestClient(url string, opts ...Option) *Client {
	base := []Option{WithBaseURL(url), WithRateLimit(0, 0), WithBackoff(0)}
	return New("secret", append(base, opts...)...)
}

func TestLookup(t *testing.T) {
	Convey("Given a Neynar server with two users", t, func() {
		var gotKey, gotFids, gotPath string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotKey = r.Header.Get("x-api-key")
			gotFids = r.URL.Query().Get("fids")
			gotPath = r.URL.Path
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"users":[
				{"fid":3,"username":"dwr","display_name":"Dan","pfp_url":"https://x/p.png","experimental":{"neynar_user_score":0.97}},
				{"fid":5,"username":"legacy","score":950000},
				{"fid":8,"username":"blank","experimental":{"neynar_user_score":null}}
			]}`))
		}))
		defer srv.Close()

		c := newTestClient(srv.URL)
		recs, err := c.Lookup(context.Background(), []int64{3, 5, 8, 13})

		Convey("Then it sends the key and the comma separated ids", func() {
			So(err, ShouldBeNil)
			So(gotKey, ShouldEqual, "secret")
			So(gotFids, ShouldEqual, "3,5,8,13")
			So(gotPath, ShouldEqual, "/v2/farcaster/user/bulk")
		})

		Convey("Then raw scores and profiles are returned per identity", func() {
			So(recs, ShouldHaveLength, 3)
			So(recs[3].Raw, ShouldEqual, json.Number("0.97"))
			So(recs[3].Profile.Username, ShouldEqual, "dwr")
			So(recs[3].Profile.PfpURL, ShouldEqual, "https://x/p.png")
			So(recs[5].Raw, ShouldEqual, json.Number("950000"))
			So(recs[8].Raw, ShouldBeNil)
			_, known := recs[13]
			So(known, ShouldBeFalse)
		})

		Convey("Then the observer normalizes them", func() {
			obs := scoring.NewObserver(c)
			got, errs := obs.ObserveBatch(context.Background(), []int64{3, 5, 8, 13})
			So(got[3].Snapshot.Score, ShouldAlmostEqual, 0.97, 1e-12)
			So(got[5].Snapshot.Score, ShouldAlmostEqual, 0.95, 1e-12)
			So(errors.Is(errs[8], scoring.ErrNoScore), ShouldBeTrue)
			So(errors.Is(errs[13], scoring.ErrNotFound), ShouldBeTrue)
		})
	})
}

func TestLookupErrors(t *testing.T) {
	Convey("Given a server that answers 429 with Retry-After", t, func() {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			calls.Add(1)
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
		}))
		defer srv.Close()

		_, err := newTestClient(srv.URL).Lookup(context.Background(), []int64{1})

		Convey("Then it is rate limited, carries the hint and is not retried", func() {
			So(errors.Is(err, scoring.ErrRateLimited), ShouldBeTrue)
			ra, ok := scoring.RetryAfter(err)
			So(ok, ShouldBeTrue)
			So(ra, ShouldEqual, 7*time.Second)
			So(calls.Load(), ShouldEqual, 1)
		})
	})

	Convey("Given a server that reports a rate limit in the body", t, func() {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"message":"Rate limit exceeded for plan"}`))
		}))
		defer srv.Close()

		_, err := newTestClient(srv.URL).Lookup(context.Background(), []int64{1})
		So(errors.Is(err, scoring.ErrRateLimited), ShouldBeTrue)
	})

	Convey("Given a server that answers 404", t, func() {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		defer srv.Close()

		_, err := newTestClient(srv.URL).Lookup(context.Background(), []int64{1})
		So(errors.Is(err, scoring.ErrNotFound), ShouldBeTrue)
	})

	Convey("Given a server that fails once with 503", t, func() {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			if calls.Add(1) == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			_, _ = w.Write([]byte(`{"users":[{"fid":1,"experimental":{"neynar_user_score":0.5}}]}`))
		}))
		defer srv.Close()

		recs, err := newTestClient(srv.URL).Lookup(context.Background(), []int64{1})

		Convey("Then the second attempt succeeds", func() {
			So(err, ShouldBeNil)
			So(calls.Load(), ShouldEqual, 2)
			So(recs[1].Raw, ShouldEqual, json.Number("0.5"))
		})
	})

	Convey("Given a server that returns invalid json", t, func() {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"users":`))
		}))
		defer srv.Close()

		_, err := newTestClient(srv.URL, WithAttempts(1)).Lookup(context.Background(), []int64{1})
		So(errors.Is(err, scoring.ErrUpstreamUnavailable), ShouldBeTrue)
	})

	Convey("Given an unreachable server", t, func() {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		_, err := newTestClient(url, WithAttempts(1)).Lookup(context.Background(), []int64{1})
		So(errors.Is(err, scoring.ErrUpstreamUnavailable), ShouldBeTrue)
	})

	Convey("Given an oversized batch", t, func() {
		_, err := newTestClient("http://127.0.0.1:1").Lookup(context.Background(), make([]int64, 101))
		So(errors.Is(err, scoring.ErrUpstreamUnavailable), ShouldBeTrue)
	})
}

func TestParseRetryAfter(t *testing.T) {
	Convey("Given Retry-After values", t, func() {
		now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
		So(parseRetryAfter("", now), ShouldEqual, 0)
		So(parseRetryAfter("12", now), ShouldEqual, 12*time.Second)
		So(parseRetryAfter("-1", now), ShouldEqual, 0)
		So(parseRetryAfter(now.Add(90*time.Second).Format(http.TimeFormat), now), ShouldEqual, 90*time.Second)
		So(parseRetryAfter("soon", now), ShouldEqual, 0)
	})
}

func TestTruncate(t *testing.T) {
	Convey("Given error bodies longer than the limit", t, func() {
		Convey("ASCII is cut at the limit", func() {
			So(truncate("abcdef", 4), ShouldEqual, "abcd...")
			So(truncate("abc", 4), ShouldEqual, "abc")
		})

		Convey("A multi-byte rune straddling the limit is dropped whole", func() {
			body := strings.Repeat("a", 199) + "é" + "tail"
			out := truncate(body, 200)
			So(utf8.ValidString(out), ShouldBeTrue)
			So(out, ShouldEqual, strings.Repeat("a", 199)+"...")
		})

		Convey("Runes ending exactly at the limit are kept", func() {
			out := truncate("日本語です", 6)
			So(utf8.ValidString(out), ShouldBeTrue)
			So(out, ShouldEqual, "日本...")
		})
	})
}
