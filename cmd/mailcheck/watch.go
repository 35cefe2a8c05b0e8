package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/elnissi-io/postfix/internal/config"
	"github.com/elnissi-io/postfix/internal/logging"
	"github.com/elnissi-io/postfix/internal/metrics"
	"github.com/elnissi-io/postfix/internal/suite"
)

func runWatch(args []string) int {
	cfg, err := loadConfig("watch", args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUsage
	}

	logger := logging.NewLogger(cfg.LogLevel)
	ctx, cancel := signalContext(logger)
	defer cancel()

	if err := watch(ctx, cfg, logger); err != nil && err != context.Canceled {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitFailed
	}
	return exitPassed
}

// watch runs the suite every cfg.Watch interval until ctx is done, serving
// the results over HTTP when metrics are enabled.
func watch(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	collector, server := metrics.New(metrics.Config{
		Enabled:  cfg.Metrics.Enabled,
		Address:  cfg.Metrics.Address,
		Path:     cfg.Metrics.Path,
		Textfile: cfg.Metrics.Textfile,
	})
	go func() {
		if err := server.Start(ctx); err != nil && err != context.Canceled {
			logger.Error("metrics server error", "error", err)
		}
	}()

	s, closeFn, err := suite.FromConfig(ctx, cfg, logger, collector)
	if err != nil {
		return err
	}
	defer closeFn()

	interval := cfg.Watch.Every()
	logger.Info("watching mail service",
		slog.String("host", cfg.Host),
		slog.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		report := s.Run(ctx)
		logger.Info("run complete",
			slog.String("run_id", report.RunID),
			slog.Bool("passed", report.Passed()),
			slog.Int("failed", report.Counts()[suite.Fail]+report.Counts()[suite.XPass]))
		if err := report.WriteSummary(os.Stdout); err != nil {
			return err
		}
		if err := metrics.Flush(collector, cfg.Metrics.Textfile); err != nil {
			logger.Error("writing metrics textfile", "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
