// Package readiness gates the suite on the service announcing itself ready
// in its log output.
package readiness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/elnissi-io/postfix/internal/metrics"
	"github.com/elnissi-io/postfix/internal/retry"
)

// LogSource returns the service's accumulated log output.
type LogSource interface {
	Logs(ctx context.Context) (string, error)
}

// LogSourceFunc adapts a function to the LogSource interface.
type LogSourceFunc func(ctx context.Context) (string, error)

// Logs calls f(ctx).
func (f LogSourceFunc) Logs(ctx context.Context) (string, error) {
	return f(ctx)
}

// NotReadyError reports that the sentinel never appeared. It aborts the suite.
type NotReadyError struct {
	Sentinel string
	Attempts int
	Timeout  time.Duration
	// LastErr is the most recent log read failure, if any.
	LastErr error
}

func (e *NotReadyError) Error() string {
	msg := fmt.Sprintf("service not ready: %q not seen after %d attempts (%s)", e.Sentinel, e.Attempts, e.Timeout)
	if e.LastErr != nil {
		msg += ": last log read failed: " + e.LastErr.Error()
	}
	return msg
}

func (e *NotReadyError) Unwrap() error {
	return e.LastErr
}

// Waiter polls a LogSource for a sentinel string.
type Waiter struct {
	Source   LogSource
	Sentinel string
	Policy   retry.Policy
	Logger   *slog.Logger
	Metrics  metrics.Collector
}

// Wait blocks until the sentinel appears in the log output. Log read errors
// are treated as "not yet" so a service that is still starting does not fail
// the wait early. Exhausting the policy yields a *NotReadyError.
func (w *Waiter) Wait(ctx context.Context) error {
	logger := w.Logger
	if logger == nil {
		logger = slog.Default()
	}
	collector := w.Metrics
	if collector == nil {
		collector = &metrics.NoopCollector{}
	}

	var lastErr error
	attempts, err := retry.Until(ctx, w.Policy, func(ctx context.Context) (bool, error) {
		out, err := w.Source.Logs(ctx)
		if err != nil {
			lastErr = err
			logger.Debug("reading service logs failed", slog.String("error", err.Error()))
			return false, nil
		}
		lastErr = nil
		return strings.Contains(out, w.Sentinel), nil
	})

	switch {
	case err == nil:
		collector.ReadinessChecked(attempts, true)
		logger.Info("service ready",
			slog.String("sentinel", w.Sentinel),
			slog.Int("attempts", attempts),
		)
		return nil
	case errors.Is(err, retry.ErrExhausted):
		collector.ReadinessChecked(attempts, false)
		return &NotReadyError{
			Sentinel: w.Sentinel,
			Attempts: attempts,
			Timeout:  w.Policy.Timeout(),
			LastErr:  lastErr,
		}
	default:
		collector.ReadinessChecked(attempts, false)
		return fmt.Errorf("waiting for %q: %w", w.Sentinel, err)
	}
}
