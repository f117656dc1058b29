// Package neynar implements scoring.Source over the Neynar bulk user lookup.
package neynar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/okian/fidscore/internal/domain/model"
	"github.com/okian/fidscore/internal/domain/scoring"
	"github.com/okian/fidscore/pkg/logger"
	"github.com/okian/fidscore/pkg/metrics"
)

// Client defaults.
const (
	DefaultBaseURL   = "https://api.neynar.com"
	bulkPath         = "/v2/farcaster/user/bulk"
	apiKeyHeader     = "x-api-key"
	defaultRPS       = 5
	defaultRetries   = 2
	defaultBackoff   = 250 * time.Millisecond
	maxErrorBodySize = 64 << 10
)

// Client talks to the Neynar API.
type Client struct {
	baseURL  string
	apiKey   string
	http     *http.Client
	limiter  *rate.Limiter
	attempts int
	backoff  time.Duration
	logger   logger.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API origin.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithHTTPClient sets the transport client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

// WithRateLimit sets the client-side request rate. Zero disables throttling.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), max(1, burst))
	}
}

// WithAttempts sets how many times an unavailable response is tried.
func WithAttempts(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.attempts = n
		}
	}
}

// WithBackoff sets the pause between attempts.
func WithBackoff(d time.Duration) Option {
	return func(c *Client) {
		if d >= 0 {
			c.backoff = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a client authenticating with apiKey.
func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:  DefaultBaseURL,
		apiKey:   apiKey,
		http:     &http.Client{Timeout: 10 * time.Second},
		limiter:  rate.NewLimiter(defaultRPS, defaultRPS),
		attempts: defaultRetries,
		backoff:  defaultBackoff,
		logger:   logger.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type bulkResponse struct {
	Users []user `json:"users"`
}

type user struct {
	FID          int64  `json:"fid"`
	Username     string `json:"username"`
	DisplayName  string `json:"display_name"`
	PfpURL       string `json:"pfp_url"`
	Experimental *struct {
		NeynarUserScore json.RawMessage `json:"neynar_user_score"`
	} `json:"experimental"`
	Score json.RawMessage `json:"score"`
}

// raw returns the experimental score, falling back to the top-level field.
func (u user) raw() any {
	if u.Experimental != nil {
		if v := decodeRaw(u.Experimental.NeynarUserScore); v != nil {
			return v
		}
	}
	return decodeRaw(u.Score)
}

func decodeRaw(msg json.RawMessage) any {
	if len(msg) == 0 || bytes.Equal(msg, []byte("null")) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(msg))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil
	}
	return v
}

// Lookup implements scoring.Source.
func (c *Client) Lookup(ctx context.Context, fids []int64) (map[int64]scoring.Record, error) {
	if len(fids) == 0 {
		return map[int64]scoring.Record{}, nil
	}
	if len(fids) > scoring.MaxBatch {
		return nil, scoring.NewError(scoring.ErrUpstreamUnavailable,
			eris.Errorf("batch of %d exceeds %d", len(fids), scoring.MaxBatch))
	}

	var lastErr error
	for attempt := 0; attempt < c.attempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(c.backoff * time.Duration(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, lastErr
			case <-timer.C:
			}
		}
		records, err := c.lookupOnce(ctx, fids)
		if err == nil {
			return records, nil
		}
		lastErr = err
		// Only plain unavailability is worth repeating immediately.
		if !isRetryable(err) || ctx.Err() != nil {
			return nil, err
		}
		c.logger.Debug(ctx, "retrying score lookup", logger.Int("attempt", attempt+1), logger.Error(err))
	}
	return nil, lastErr
}

func isRetryable(err error) bool {
	var se *scoring.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Kind == scoring.ErrUpstreamUnavailable
}

func (c *Client) lookupOnce(ctx context.Context, fids []int64) (map[int64]scoring.Record, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, scoring.NewError(scoring.ErrUpstreamUnavailable, eris.Wrap(err, "rate limiter wait"))
		}
	}

	ids := make([]string, len(fids))
	for i, fid := range fids {
		ids[i] = strconv.FormatInt(fid, 10)
	}
	u := c.baseURL + bulkPath + "?" + url.Values{"fids": {strings.Join(ids, ",")}}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, scoring.NewError(scoring.ErrUpstreamUnavailable, eris.Wrap(err, "build request"))
	}
	req.Header.Set(apiKeyHeader, c.apiKey)
	req.Header.Set("accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.RecordUpstreamRequest("error", float64(time.Since(start).Milliseconds()))
		return nil, scoring.NewError(scoring.ErrUpstreamUnavailable, eris.Wrap(err, "neynar request"))
	}
	defer func() { _ = resp.Body.Close() }()
	metrics.RecordUpstreamRequest(strconv.Itoa(resp.StatusCode), float64(time.Since(start).Milliseconds()))

	if resp.StatusCode != http.StatusOK {
		return nil, classify(resp)
	}

	var body bulkResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, scoring.NewError(scoring.ErrUpstreamUnavailable, eris.Wrap(err, "decode neynar response"))
	}

	out := make(map[int64]scoring.Record, len(body.Users))
	for _, usr := range body.Users {
		if usr.FID <= 0 {
			continue
		}
		out[usr.FID] = scoring.Record{
			FID: usr.FID,
			Raw: usr.raw(),
			Profile: model.Profile{
				Username:    usr.Username,
				DisplayName: usr.DisplayName,
				PfpURL:      usr.PfpURL,
			},
		}
	}
	return out, nil
}

// classify maps a non-200 response to an error kind.
func classify(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	msg := strings.TrimSpace(string(data))
	cause := eris.Errorf("neynar status %d: %s", resp.StatusCode, truncate(msg, 200))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests ||
		strings.Contains(strings.ToLower(msg), "rate limit"):
		return scoring.RateLimited(parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()), cause)
	case resp.StatusCode == http.StatusNotFound:
		return scoring.NewError(scoring.ErrNotFound, cause)
	}
	return scoring.NewError(scoring.ErrUpstreamUnavailable, cause)
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d.Round(time.Second)
		}
	}
	return 0
}

// truncate shortens s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return fmt.Sprintf("%s...", s[:n])
}
