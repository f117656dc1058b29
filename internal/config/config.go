// Package config defines service configuration structures and loading hooks.
//
// Conventions:
// - Provide New() initializer to build a Config with defaults.
// - Load layers a YAML file and FIDSCORE_* environment variables on top.
// - Validation failures wrap ErrInvalidConfig.
package config

import (
	"fmt"
	"runtime"
	"time"
)

// Storage backends accepted by the backend key.
const (
	BackendMemory   = "memory"
	BackendBadger   = "badger"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`
	// LogFormat selects the handler: text or json.
	LogFormat string `koanf:"log_format"`

	// Addr configures the HTTP listen address, e.g. ":8080".
	Addr string `koanf:"addr"`

	// Backend selects the storage engine: memory, badger, postgres, sqlite.
	Backend          string `koanf:"backend"`
	BadgerPath       string `koanf:"badger_path"`
	PostgresDSN      string `koanf:"postgres_dsn"`
	PostgresMaxConns int    `koanf:"postgres_max_conns"`
	SQLitePath       string `koanf:"sqlite_path"`

	// DedupeWindowMinutes is the replacement window W.
	DedupeWindowMinutes int `koanf:"dedupe_window_minutes"`
	// DedupeMode is sliding (relative to the last entry) or fixed (calendar buckets).
	DedupeMode string `koanf:"dedupe_mode"`
	// MaxHistory bounds each identity's history.
	MaxHistory int `koanf:"max_history"`
	// MaxTracked bounds the tracked set.
	MaxTracked int `koanf:"max_tracked"`
	// AutoTrack tracks every identity whose current score is read.
	AutoTrack bool `koanf:"auto_track"`

	NeynarAPIKey      string  `koanf:"neynar_api_key"`
	NeynarBaseURL     string  `koanf:"neynar_base_url"`
	UpstreamTimeoutMS int     `koanf:"upstream_timeout_ms"`
	UpstreamRPS       float64 `koanf:"upstream_rps"`
	// BatchSize caps identities per upstream call (at most 100).
	BatchSize       int `koanf:"batch_size"`
	CacheTTLSeconds int `koanf:"cache_ttl_seconds"`

	// SimulateUpstream replaces the scoring API with a deterministic source.
	// It is implied when no API key is configured.
	SimulateUpstream bool `koanf:"simulate_upstream"`
	// ScoringLatencyMinMS and ScoringLatencyMaxMS bound simulated latency.
	ScoringLatencyMinMS int `koanf:"scoring_latency_min_ms"`
	ScoringLatencyMaxMS int `koanf:"scoring_latency_max_ms"`

	// SweepSchedule is a cron expression; empty disables the in-process scheduler.
	SweepSchedule string `koanf:"sweep_schedule"`
	// SweepSecret guards /sweep; empty disables the endpoint.
	SweepSecret string `koanf:"sweep_secret"`
	// SweepWorkers persist observations during a sweep.
	SweepWorkers int `koanf:"sweep_workers"`
	// SweepConcurrency bounds upstream batches in flight during a sweep.
	SweepConcurrency int `koanf:"sweep_concurrency"`

	// WriteTimeoutMS bounds a started store write.
	WriteTimeoutMS int `koanf:"write_timeout_ms"`
}

// New creates a Config with defaults.
func New() *Config {
	return &Config{
		LogLevel:            "info",
		LogFormat:           "text",
		Addr:                ":9080",
		Backend:             BackendMemory,
		BadgerPath:          "data/badger",
		PostgresMaxConns:    10,
		SQLitePath:          "data/fidscore.db",
		DedupeWindowMinutes: 30,
		DedupeMode:          "sliding",
		MaxHistory:          2000,
		MaxTracked:          200,
		AutoTrack:           true,
		NeynarBaseURL:       "https://api.neynar.com",
		UpstreamTimeoutMS:   5000,
		UpstreamRPS:         5,
		BatchSize:           100,
		CacheTTLSeconds:     30,
		ScoringLatencyMinMS: 80,
		ScoringLatencyMaxMS: 150,
		SweepWorkers:        runtime.NumCPU(),
		SweepConcurrency:    4,
		WriteTimeoutMS:      5000,
	}
}

// Validate checks ranges and cross-field constraints.
func (c *Config) Validate() error {
	switch {
	case c.Addr == "":
		return fmt.Errorf("%w: addr must not be empty", ErrInvalidConfig)
	case c.LogFormat != "text" && c.LogFormat != "json":
		return fmt.Errorf("%w: log_format %q", ErrInvalidConfig, c.LogFormat)
	case c.DedupeWindowMinutes < 0:
		return fmt.Errorf("%w: dedupe_window_minutes must not be negative", ErrInvalidConfig)
	case c.DedupeMode != "sliding" && c.DedupeMode != "fixed":
		return fmt.Errorf("%w: dedupe_mode %q", ErrInvalidConfig, c.DedupeMode)
	case c.MaxHistory <= 0:
		return fmt.Errorf("%w: max_history must be positive", ErrInvalidConfig)
	case c.MaxTracked <= 0:
		return fmt.Errorf("%w: max_tracked must be positive", ErrInvalidConfig)
	case c.BatchSize <= 0 || c.BatchSize > 100:
		return fmt.Errorf("%w: batch_size must be within 1..100", ErrInvalidConfig)
	case c.UpstreamTimeoutMS <= 0:
		return fmt.Errorf("%w: upstream_timeout_ms must be positive", ErrInvalidConfig)
	case c.UpstreamRPS < 0:
		return fmt.Errorf("%w: upstream_rps must not be negative", ErrInvalidConfig)
	case c.CacheTTLSeconds < 0:
		return fmt.Errorf("%w: cache_ttl_seconds must not be negative", ErrInvalidConfig)
	case c.ScoringLatencyMinMS < 0 || c.ScoringLatencyMaxMS < c.ScoringLatencyMinMS:
		return fmt.Errorf("%w: scoring latency range %d..%d", ErrInvalidConfig, c.ScoringLatencyMinMS, c.ScoringLatencyMaxMS)
	case c.SweepWorkers <= 0:
		return fmt.Errorf("%w: sweep_workers must be positive", ErrInvalidConfig)
	case c.SweepConcurrency <= 0:
		return fmt.Errorf("%w: sweep_concurrency must be positive", ErrInvalidConfig)
	case c.WriteTimeoutMS <= 0:
		return fmt.Errorf("%w: write_timeout_ms must be positive", ErrInvalidConfig)
	}

	switch c.Backend {
	case BackendMemory:
	case BackendBadger:
		if c.BadgerPath == "" {
			return fmt.Errorf("%w: badger_path is required", ErrInvalidConfig)
		}
	case BackendPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("%w: postgres_dsn is required", ErrInvalidConfig)
		}
		if c.PostgresMaxConns <= 0 {
			return fmt.Errorf("%w: postgres_max_conns must be positive", ErrInvalidConfig)
		}
	case BackendSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("%w: sqlite_path is required", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown backend %q", ErrInvalidConfig, c.Backend)
	}
	return nil
}

// UseSimulation reports whether the deterministic scoring source replaces
// the scoring API.
func (c *Config) UseSimulation() bool {
	return c.SimulateUpstream || c.NeynarAPIKey == ""
}

// DedupeWindow returns the replacement window.
func (c *Config) DedupeWindow() time.Duration {
	return time.Duration(c.DedupeWindowMinutes) * time.Minute
}

// UpstreamTimeout returns the per-lookup timeout.
func (c *Config) UpstreamTimeout() time.Duration {
	return time.Duration(c.UpstreamTimeoutMS) * time.Millisecond
}

// CacheTTL returns the observer cache lifetime.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// WriteTimeout returns the store write bound.
func (c *Config) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutMS) * time.Millisecond
}

// ScoringLatency returns the simulated latency bounds.
func (c *Config) ScoringLatency() (time.Duration, time.Duration) {
	return time.Duration(c.ScoringLatencyMinMS) * time.Millisecond,
		time.Duration(c.ScoringLatencyMaxMS) * time.Millisecond
}
