// Package metrics provides interfaces and implementations for collecting
// acceptance suite metrics. This package defines the Collector interface for
// recording metrics and the Server interface for exposing them.
package metrics

import (
	"context"
	"time"
)

// Scenario outcomes as recorded in the outcome label.
const (
	OutcomePass    = "pass"
	OutcomeFail    = "fail"
	OutcomeXFail   = "xfail"
	OutcomeXPass   = "xpass"
	OutcomeSkipped = "skipped"
)

// Collector defines the interface for recording suite metrics.
type Collector interface {
	// Scenario metrics (one observation per scenario per run)
	ScenarioCompleted(scenario string, outcome string, duration time.Duration)

	// Readiness metrics
	ReadinessChecked(attempts int, ready bool)

	// Protocol metrics
	MessageInjected(port int, success bool)
	IMAPCommand(command string, success bool)

	// Suite metrics (last run wins)
	SuiteCompleted(passed bool, duration time.Duration)
}

// Server defines the interface for a metrics HTTP server.
type Server interface {
	// Start begins serving metrics. It blocks until the context is canceled
	// or an error occurs.
	Start(ctx context.Context) error

	// Shutdown gracefully stops the metrics server.
	Shutdown(ctx context.Context) error
}

// Config holds the configuration for the metrics collector and server.
type Config struct {
	Enabled  bool
	Address  string
	Path     string
	Textfile string
}

// NoopServer is a no-op implementation of the Server interface.
type NoopServer struct{}

// Start is a no-op that returns immediately.
func (n *NoopServer) Start(ctx context.Context) error {
	return nil
}

// Shutdown is a no-op that returns immediately.
func (n *NoopServer) Shutdown(ctx context.Context) error {
	return nil
}

// New creates a Collector and Server based on the provided configuration.
// A Prometheus collector backed by a private registry is returned when the
// HTTP endpoint or the textfile export is configured; the server is only
// real when Enabled is set.
func New(cfg Config) (Collector, Server) {
	if !cfg.Enabled && cfg.Textfile == "" {
		return &NoopCollector{}, &NoopServer{}
	}

	collector := NewPrometheusCollector()
	if !cfg.Enabled {
		return collector, &NoopServer{}
	}
	return collector, NewPrometheusServer(cfg.Address, cfg.Path, collector.Gatherer())
}

// Flush writes the collector's current state to the textfile at path.
// It does nothing for collectors that cannot export, or when path is empty.
func Flush(c Collector, path string) error {
	if path == "" {
		return nil
	}
	w, ok := c.(interface{ WriteTextfile(string) error })
	if !ok {
		return nil
	}
	return w.WriteTextfile(path)
}
