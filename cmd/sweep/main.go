// Command sweep observes every tracked identity once and exits. It is meant
// for external schedulers; the summary is printed as JSON on stdout.
package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/okian/fidscore/internal/bootstrap"
	"github.com/okian/fidscore/internal/config"
	"github.com/okian/fidscore/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx)
	stop()
	os.Exit(code)
}

func run(ctx context.Context) int {
	if err := logger.InitWithFormat("text", os.Stderr); err != nil {
		os.Stderr.WriteString("failed to initialize logging: " + err.Error() + "\n")
		return 2
	}
	cfg, err := config.Load(ctx)
	if err != nil {
		logger.Get().Error(ctx, "failed to load configuration", logger.Error(err))
		return 2
	}
	if err := logger.InitWithFormat(cfg.LogFormat, os.Stderr); err != nil {
		logger.Get().Warn(ctx, "invalid log_format; keeping text", logger.Error(err))
	}
	if err := logger.SetLevelString(cfg.LogLevel); err != nil {
		_ = logger.SetLevelString("info")
	}
	log := logger.Get().Named("sweep")

	comps, err := bootstrap.Build(ctx, cfg, log)
	if err != nil {
		log.Error(ctx, "failed to build components", logger.Error(err))
		return 1
	}
	defer func() { _ = comps.Close() }()

	summary, err := comps.Service.Sweep(ctx)
	if err != nil {
		log.Error(ctx, "sweep failed", logger.Error(err))
		return 1
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		log.Error(ctx, "failed to write summary", logger.Error(err))
		return 1
	}
	if summary.RateLimited {
		return 3
	}
	return 0
}
