// Package model contains domain models passed between layers.
package model

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidIdentity is returned for identifiers that are not positive integers.
var ErrInvalidIdentity = errors.New("invalid identity")

// ErrInvalidSnapshot is returned when a snapshot fails validation.
var ErrInvalidSnapshot = errors.New("invalid snapshot")

// Source tags where an observation came from.
type Source string

// Known sources.
const (
	SourceAPI     Source = "api"
	SourceOnchain Source = "onchain"
	SourceClient  Source = "client"
)

// Valid reports whether s is one of the known sources.
func (s Source) Valid() bool {
	switch s {
	case SourceAPI, SourceOnchain, SourceClient:
		return true
	}
	return false
}

// Snapshot is a single observed score for one identity at one instant.
type Snapshot struct {
	FID        int64     `json:"fid"`
	Score      float64   `json:"score"`
	CapturedAt time.Time `json:"captured_at"`
	Source     Source    `json:"source"`
}

// NewSnapshot builds a snapshot with the timestamp normalized to UTC at
// microsecond precision, the finest resolution every backend round-trips.
func NewSnapshot(fid int64, score float64, at time.Time, src Source) Snapshot {
	return Snapshot{
		FID:        fid,
		Score:      score,
		CapturedAt: NormalizeTime(at),
		Source:     src,
	}
}

// NormalizeTime truncates t to microseconds in UTC.
func NormalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// Validate checks the snapshot invariants.
func (s Snapshot) Validate() error {
	if err := ValidateFID(s.FID); err != nil {
		return err
	}
	if math.IsNaN(s.Score) || s.Score < 0 || s.Score > 1 {
		return fmt.Errorf("%w: score %v outside [0,1]", ErrInvalidSnapshot, s.Score)
	}
	if s.CapturedAt.IsZero() {
		return fmt.Errorf("%w: missing captured_at", ErrInvalidSnapshot)
	}
	if !s.Source.Valid() {
		return fmt.Errorf("%w: unknown source %q", ErrInvalidSnapshot, s.Source)
	}
	return nil
}

// ValidateFID rejects non-positive identifiers.
func ValidateFID(fid int64) error {
	if fid <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidIdentity, fid)
	}
	return nil
}

// ParseFID parses a decimal identifier as received from clients.
func ParseFID(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidIdentity)
	}
	fid, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidIdentity, raw)
	}
	if err := ValidateFID(fid); err != nil {
		return 0, err
	}
	return fid, nil
}
