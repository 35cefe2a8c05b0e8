package metrics

import "time"

// NoopCollector is a no-op implementation of the Collector interface.
type NoopCollector struct{}

// ScenarioCompleted is a no-op.
func (n *NoopCollector) ScenarioCompleted(scenario string, outcome string, duration time.Duration) {}

// ReadinessChecked is a no-op.
func (n *NoopCollector) ReadinessChecked(attempts int, ready bool) {}

// MessageInjected is a no-op.
func (n *NoopCollector) MessageInjected(port int, success bool) {}

// IMAPCommand is a no-op.
func (n *NoopCollector) IMAPCommand(command string, success bool) {}

// SuiteCompleted is a no-op.
func (n *NoopCollector) SuiteCompleted(passed bool, duration time.Duration) {}
