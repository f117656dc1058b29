package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	service "github.com/okian/fidscore/internal/app"
	"github.com/okian/fidscore/internal/domain/history"
	"github.com/okian/fidscore/internal/domain/model"
	"github.com/okian/fidscore/pkg/logger"
)

// ErrNothingToProbe is returned when no identities are given and the
// service tracks none.
var ErrNothingToProbe = errors.New("probe: no identities to check")

// Run checks every configured identity and returns the report. Per-identity
// failures are recorded in the report; only health, discovery and
// cancellation failures are returned as errors.
func Run(ctx context.Context, cfg *Config) (*Report, error) {
	c := cfg.withDefaults()
	if err := history.ValidateWindowDays(c.Days); err != nil {
		return nil, err
	}
	client := newHTTPClient(c.BaseURL, c.Timeout)
	started := time.Now().UTC()

	report := &Report{
		RunID:     uuid.NewString(),
		BaseURL:   c.BaseURL,
		StartedAt: started,
		Days:      c.Days,
	}
	c.Logger.Info(ctx, "starting probe",
		logger.String("runID", report.RunID),
		logger.String("baseURL", c.BaseURL),
		logger.Int("days", c.Days),
		logger.Int("workers", c.Workers))

	if err := checkServiceHealth(ctx, client); err != nil {
		return nil, fmt.Errorf("service health check failed: %w", err)
	}

	fids := c.FIDs
	if len(fids) == 0 {
		var err error
		if fids, err = trackedFIDs(ctx, client); err != nil {
			return nil, fmt.Errorf("list tracked identities: %w", err)
		}
	}
	if len(fids) == 0 {
		return nil, ErrNothingToProbe
	}

	since := history.Since(started, history.Days(c.Days))
	results := make([]FIDReport, len(fids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.Workers)
	for i, fid := range fids {
		g.Go(func() error {
			results[i] = probeFID(gctx, client, &c, fid, since)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	report.Results = results
	report.Checked = len(results)
	for _, r := range results {
		if !r.OK() {
			report.Failed++
			c.Logger.Warn(ctx, "identity failed checks",
				logger.Int64("fid", r.FID),
				logger.String("error", r.Error),
				logger.Int("violations", len(r.Violations)))
		}
	}
	report.Duration = time.Since(started).String()

	c.Logger.Info(ctx, "probe completed",
		logger.Int("checked", report.Checked),
		logger.Int("failed", report.Failed),
		logger.String("duration", report.Duration))
	return report, nil
}

// WriteReport encodes report as YAML.
func WriteReport(w io.Writer, report *Report) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return enc.Close()
}

func probeFID(ctx context.Context, client *httpClient, cfg *Config, fid int64, since time.Time) FIDReport {
	out := FIDReport{FID: fid}
	if err := model.ValidateFID(fid); err != nil {
		out.Error = err.Error()
		return out
	}

	if !cfg.SkipScore {
		var cur service.CurrentScore
		if err := client.getJSON(ctx, "/score", fidQuery(fid), &cur); err != nil {
			out.Error = "score: " + err.Error()
			return out
		}
		score := cur.Score
		out.Score = &score
		out.Stale = cur.Stale
		out.Violations = append(out.Violations, VerifyCurrent(fid, cur)...)
	}

	query := fidQuery(fid)
	query.Set("days", strconv.Itoa(cfg.Days))
	var view service.HistoryView
	if err := client.getJSON(ctx, "/history", query, &view); err != nil {
		out.Error = "history: " + err.Error()
		return out
	}
	out.Snapshots = len(view.Snapshots)
	out.Changes = len(view.Changes)
	out.Degraded = view.Degraded
	out.Violations = append(out.Violations, VerifyHistory(fid, view, since, cfg.MaxEntries)...)

	cfg.Logger.Debug(ctx, "identity checked",
		logger.Int64("fid", fid),
		logger.Int("snapshots", out.Snapshots),
		logger.Int("violations", len(out.Violations)))
	return out
}

// checkServiceHealth verifies the service is running.
func checkServiceHealth(ctx context.Context, client *httpClient) error {
	resp, err := client.get(ctx, "/healthz", nil)
	if err != nil {
		return fmt.Errorf("failed to connect to service: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	// The health route serves Prometheus metrics; any 200 is healthy.
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("service health check failed with status: %d", resp.StatusCode)
	}
	return nil
}

func trackedFIDs(ctx context.Context, client *httpClient) ([]int64, error) {
	var tracked struct {
		Members []model.Member `json:"members"`
	}
	if err := client.getJSON(ctx, "/tracked", url.Values{}, &tracked); err != nil {
		return nil, err
	}
	fids := make([]int64, 0, len(tracked.Members))
	for _, m := range tracked.Members {
		fids = append(fids, m.FID)
	}
	return fids, nil
}
