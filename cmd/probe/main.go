package main

import (
	"context"
	"flag"
	"io"
	"os"
	"time"

	"github.com/okian/fidscore/internal/probe"
	"github.com/okian/fidscore/pkg/logger"
)

// Default configuration constants.
const (
	defaultWorkers      = 4
	defaultTimeout      = 10 * time.Second
	defaultProbeTimeout = 5 * time.Minute
)

func main() {
	var (
		baseURL  = flag.String("url", "http://localhost:9080", "Base URL of the service")
		fidList  = flag.String("fids", "", "Comma separated fids to check (default: the tracked set)")
		days     = flag.Int("days", 90, "History window: 7, 30 or 90")
		workers  = flag.Int("workers", defaultWorkers, "Concurrent identities in flight")
		timeout  = flag.Duration("timeout", defaultTimeout, "HTTP request timeout")
		readOnly = flag.Bool("read-only", false, "Skip current score reads, which append to history")
		output   = flag.String("output", "", "Write the YAML report to this file (default: stdout)")
		verbose  = flag.Bool("verbose", false, "Enable debug logging")
		help     = flag.Bool("help", false, "Show help")
	)
	flag.Parse()

	if *help {
		probe.ShowHelp(os.Stdout)
		return
	}
	os.Exit(run(*baseURL, *fidList, *days, *workers, *timeout, *readOnly, *output, *verbose))
}

func run(baseURL, fidList string, days, workers int, timeout time.Duration, readOnly bool, output string, verbose bool) int {
	if err := logger.InitWithFormat("text", os.Stderr); err != nil {
		os.Stderr.WriteString("failed to initialize logging: " + err.Error() + "\n")
		return 2
	}
	if verbose {
		_ = logger.SetLevelString("debug")
	}
	log := logger.Get().Named("probe")

	fids, err := probe.ParseFIDs(fidList)
	if err != nil {
		log.Error(context.Background(), "invalid -fids", logger.Error(err))
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultProbeTimeout)
	defer cancel()

	report, err := probe.Run(ctx, &probe.Config{
		BaseURL:   baseURL,
		FIDs:      fids,
		Days:      days,
		Workers:   workers,
		Timeout:   timeout,
		SkipScore: readOnly,
		Logger:    log,
	})
	if err != nil {
		log.Error(ctx, "probe failed", logger.Error(err))
		return 1
	}

	var w io.Writer = os.Stdout
	if output != "" {
		f, err := os.Create(output)
		if err != nil {
			log.Error(ctx, "failed to create report file", logger.Error(err))
			return 1
		}
		defer func() { _ = f.Close() }()
		w = f
	}
	if err := probe.WriteReport(w, report); err != nil {
		log.Error(ctx, "failed to write report", logger.Error(err))
		return 1
	}
	if report.Failed > 0 {
		return 1
	}
	return 0
}
