package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/elnissi-io/postfix/internal/config"
	"github.com/elnissi-io/postfix/internal/logging"
	"github.com/elnissi-io/postfix/internal/metrics"
	"github.com/elnissi-io/postfix/internal/suite"
)

// Exit codes.
const (
	exitPassed   = 0
	exitFailed   = 1
	exitUsage    = 2
	exitNotReady = 3
)

// loadConfig parses flags, loads and validates the configuration.
func loadConfig(name string, args []string) (config.Config, error) {
	flags, err := config.ParseFlags(name, args)
	if err != nil {
		return config.Config{}, err
	}

	cfg, err := config.LoadWithFlags(flags)
	if err != nil {
		return cfg, fmt.Errorf("error loading config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// signalContext returns a context canceled on SIGINT or SIGTERM.
func signalContext(logger *slog.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, stopping", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()
	return ctx, cancel
}

func runOnce(args []string) int {
	cfg, err := loadConfig("run", args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUsage
	}

	logger := logging.NewLogger(cfg.LogLevel)
	ctx, cancel := signalContext(logger)
	defer cancel()

	code, err := run(ctx, cfg, logger, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
	return code
}

// run executes the suite once, prints the summary to out and exports the
// metrics textfile when configured.
func run(ctx context.Context, cfg config.Config, logger *slog.Logger, out io.Writer) (int, error) {
	collector, _ := metrics.New(metrics.Config{Textfile: cfg.Metrics.Textfile})

	s, closeFn, err := suite.FromConfig(ctx, cfg, logger, collector)
	if err != nil {
		return exitFailed, err
	}
	defer func() {
		if err := closeFn(); err != nil {
			logger.Warn("closing collaborators", "error", err)
		}
	}()

	report := s.Run(ctx)
	if err := report.WriteSummary(out); err != nil {
		return exitFailed, err
	}

	if err := metrics.Flush(collector, cfg.Metrics.Textfile); err != nil {
		logger.Error("writing metrics textfile", "path", cfg.Metrics.Textfile, "error", err)
	}

	switch {
	case report.Passed():
		return exitPassed, nil
	case suite.IsNotReady(report.Aborted):
		return exitNotReady, nil
	default:
		return exitFailed, nil
	}
}
