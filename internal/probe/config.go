// Package probe checks a running fidscore service from the outside: it reads
// current scores and histories over HTTP and verifies the history invariants
// on what the service returns.
package probe

import (
	"time"

	"github.com/okian/fidscore/internal/domain/history"
	"github.com/okian/fidscore/pkg/logger"
)

// Config holds configuration for a probe run.
type Config struct {
	BaseURL string        // Base URL of the service
	FIDs    []int64       // Identities to check; empty probes the tracked set
	Days    int           // History window in days
	Workers int           // Concurrent identities in flight
	Timeout time.Duration // HTTP request timeout
	// MaxEntries bounds an acceptable history length.
	MaxEntries int
	// SkipScore leaves current scores alone so the run does not write.
	SkipScore bool
	Logger    logger.Logger
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Days == 0 {
		out.Days = history.DefaultWindowDays
	}
	if out.Workers <= 0 {
		out.Workers = 4
	}
	if out.Timeout <= 0 {
		out.Timeout = 10 * time.Second
	}
	if out.MaxEntries <= 0 {
		out.MaxEntries = history.DefaultMaxEntries
	}
	if out.Logger == nil {
		out.Logger = logger.Discard()
	}
	return out
}

// Report is the outcome of a probe run.
type Report struct {
	RunID     string      `yaml:"run_id"`
	BaseURL   string      `yaml:"base_url"`
	StartedAt time.Time   `yaml:"started_at"`
	Duration  string      `yaml:"duration"`
	Days      int         `yaml:"days"`
	Checked   int         `yaml:"checked"`
	Failed    int         `yaml:"failed"`
	Results   []FIDReport `yaml:"results"`
}

// FIDReport is the outcome for one identity.
type FIDReport struct {
	FID        int64    `yaml:"fid"`
	Score      *float64 `yaml:"score,omitempty"`
	Stale      bool     `yaml:"stale,omitempty"`
	Snapshots  int      `yaml:"snapshots"`
	Changes    int      `yaml:"changes"`
	Degraded   bool     `yaml:"degraded,omitempty"`
	Error      string   `yaml:"error,omitempty"`
	Violations []string `yaml:"violations,omitempty"`
}

// OK reports whether the identity passed every check.
func (r FIDReport) OK() bool {
	return r.Error == "" && len(r.Violations) == 0
}
