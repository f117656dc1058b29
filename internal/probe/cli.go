package probe

import (
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ParseFIDs parses a comma separated identity list. Empty input yields nil.
func ParseFIDs(s string) ([]int64, error) {
	var out []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fid, err := strconv.ParseInt(part, 10, 64)
		if err != nil || fid <= 0 {
			return nil, fmt.Errorf("invalid fid %q", part)
		}
		out = append(out, fid)
	}
	return out, nil
}

// ShowHelp prints usage information for the probe tool.
func ShowHelp(w io.Writer) {
	_, _ = io.WriteString(w, `fidscore probe
==============

Reads current scores and histories from a running service and verifies
that every history is ordered, free of duplicate timestamps, bounded and
holds scores within [0,1].

Usage:
  go run ./cmd/probe [options]

Options:
  -url string
        Base URL of the service (default "http://localhost:9080")
  -fids string
        Comma separated fids to check (default: the tracked set)
  -days int
        History window: 7, 30 or 90 (default 90)
  -workers int
        Concurrent identities in flight (default 4)
  -timeout duration
        HTTP request timeout (default 10s)
  -read-only
        Skip current score reads, which append to history
  -output string
        Write the YAML report to this file (default: stdout)
  -verbose
        Enable debug logging
  -help
        Show this help message

Examples:
  # Check the tracked set
  go run ./cmd/probe

  # Check two identities over the last week without writing
  go run ./cmd/probe -fids 3,5650 -days 7 -read-only
`)
}
