// Package api declares HTTP contracts and route registration helpers.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/okian/fidscore/internal/adapters/repository"
	service "github.com/okian/fidscore/internal/app"
	"github.com/okian/fidscore/internal/domain/model"
	"github.com/okian/fidscore/internal/domain/scoring"
	"github.com/okian/fidscore/pkg/logger"
)

// ScoreReader serves current scores and stored histories.
type ScoreReader interface {
	GetCurrentScore(ctx context.Context, fid int64) (service.CurrentScore, error)
	GetHistory(ctx context.Context, fid int64, days int) (service.HistoryView, error)
	ListSnapshots(ctx context.Context, fid int64, days int) ([]model.Snapshot, error)
	PushSnapshot(ctx context.Context, snap model.Snapshot) (repository.AppendResult, error)
}

// Tracker manages the tracked set.
type Tracker interface {
	Track(ctx context.Context, fid int64, enabled bool, pinned *bool) (service.TrackState, error)
	Tracked(ctx context.Context) ([]model.Member, error)
}

// Sweeper runs a sweep of the tracked set.
type Sweeper interface {
	Sweep(ctx context.Context) (service.SweepSummary, error)
}

// Dependencies required by HTTP handlers. Using an interface bundle keeps
// the handler layer loosely coupled to implementations in other packages.
type Dependencies interface {
	ScoreReader
	Tracker
	Sweeper
}

// Server wires HTTP routes for the business API.
type Server struct {
	healthHandler    *HealthHandler
	statsHandler     *StatsHandler
	scoreHandler     *ScoreHandler
	snapshotsHandler *SnapshotsHandler
	trackHandler     *TrackHandler
	sweepHandler     *SweepHandler
}

// Option configures the Server.
type Option func(*serverConfig)

type serverConfig struct {
	sweepSecret string
	logger      logger.Logger
}

// WithSweepSecret sets the shared secret required by the sweep endpoint.
func WithSweepSecret(secret string) Option {
	return func(c *serverConfig) { c.sweepSecret = secret }
}

// WithLogger sets the logger used by handlers.
func WithLogger(l logger.Logger) Option {
	return func(c *serverConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewServer creates a new API server with all handlers.
func NewServer(deps Dependencies, statsProvider StatsProvider, opts ...Option) *Server {
	cfg := serverConfig{logger: logger.Get().Named("api")}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Server{
		healthHandler:    NewHealthHandler(),
		statsHandler:     NewStatsHandler(statsProvider),
		scoreHandler:     NewScoreHandler(deps, cfg.logger),
		snapshotsHandler: NewSnapshotsHandler(deps),
		trackHandler:     NewTrackHandler(deps),
		sweepHandler:     NewSweepHandler(deps, cfg.sweepSecret, cfg.logger),
	}
}

// Register attaches all HTTP routes to mux.
func (s *Server) Register(_ context.Context, mux *http.ServeMux) {
	mux.HandleFunc("/healthz", MetricsMiddleware(s.healthHandler.HandleHealth, "healthz"))
	mux.HandleFunc("/stats", MetricsMiddleware(s.statsHandler.HandleStats, "stats"))
	mux.HandleFunc("/score", MetricsMiddleware(s.scoreHandler.HandleGetScore, "score"))
	mux.HandleFunc("/history", MetricsMiddleware(s.scoreHandler.HandleGetHistory, "history"))
	mux.HandleFunc("/snapshots", MetricsMiddleware(s.snapshotsHandler.HandleSnapshots, "snapshots"))
	mux.HandleFunc("/track", MetricsMiddleware(s.trackHandler.HandlePostTrack, "track"))
	mux.HandleFunc("/tracked", MetricsMiddleware(s.trackHandler.HandleGetTracked, "tracked"))
	mux.HandleFunc("/sweep", MetricsMiddleware(s.sweepHandler.HandleSweep, "sweep"))
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}

// writeKindError translates err to its status code. Rate-limit errors carry
// a Retry-After header.
func writeKindError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	if status == http.StatusTooManyRequests {
		if d, ok := scoring.RetryAfter(err); ok && d > 0 {
			secs := int64((d + 999_999_999) / 1_000_000_000)
			w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
		}
	}
	writeError(w, status, code, err)
}
