package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements the Collector interface using Prometheus metrics.
type PrometheusCollector struct {
	registry *prometheus.Registry

	scenariosTotal   *prometheus.CounterVec
	scenarioDuration *prometheus.HistogramVec

	readinessAttempts prometheus.Histogram
	readinessTotal    *prometheus.CounterVec

	injectionsTotal   *prometheus.CounterVec
	imapCommandsTotal *prometheus.CounterVec

	suiteRunsTotal     *prometheus.CounterVec
	suiteLastSuccess   prometheus.Gauge
	suiteLastTimestamp prometheus.Gauge
	suiteLastDuration  prometheus.Gauge
}

// NewPrometheusCollector creates a new PrometheusCollector with all metrics
// registered on a private registry.
func NewPrometheusCollector() *PrometheusCollector {
	c := &PrometheusCollector{
		registry: prometheus.NewRegistry(),

		scenariosTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailcheck_scenarios_total",
			Help: "Total number of completed scenarios by outcome.",
		}, []string{"scenario", "outcome"}),
		scenarioDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mailcheck_scenario_duration_seconds",
			Help:    "Duration of scenarios in seconds.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"scenario"}),

		readinessAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mailcheck_readiness_attempts",
			Help:    "Number of log polls needed before the service reported ready.",
			Buckets: []float64{1, 2, 3, 5, 10, 20, 50},
		}),
		readinessTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailcheck_readiness_checks_total",
			Help: "Total number of readiness waits by result.",
		}, []string{"result"}),

		injectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailcheck_messages_injected_total",
			Help: "Total number of SMTP injections by submission port.",
		}, []string{"port", "result"}),
		imapCommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailcheck_imap_commands_total",
			Help: "Total number of IMAP commands issued.",
		}, []string{"command", "result"}),

		suiteRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailcheck_suite_runs_total",
			Help: "Total number of suite runs by result.",
		}, []string{"result"}),
		suiteLastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mailcheck_suite_last_success",
			Help: "Whether the last suite run passed (1) or failed (0).",
		}),
		suiteLastTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mailcheck_suite_last_run_timestamp_seconds",
			Help: "Unix time the last suite run completed.",
		}),
		suiteLastDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mailcheck_suite_last_duration_seconds",
			Help: "Duration of the last suite run in seconds.",
		}),
	}

	c.registry.MustRegister(
		c.scenariosTotal,
		c.scenarioDuration,
		c.readinessAttempts,
		c.readinessTotal,
		c.injectionsTotal,
		c.imapCommandsTotal,
		c.suiteRunsTotal,
		c.suiteLastSuccess,
		c.suiteLastTimestamp,
		c.suiteLastDuration,
	)

	return c
}

// Gatherer exposes the collector's registry for HTTP or textfile export.
func (c *PrometheusCollector) Gatherer() prometheus.Gatherer {
	return c.registry
}

// WriteTextfile writes all metrics in the text exposition format, suitable
// for the node_exporter textfile collector.
func (c *PrometheusCollector) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, c.registry)
}

// ScenarioCompleted increments the scenario counter and observes its duration.
func (c *PrometheusCollector) ScenarioCompleted(scenario string, outcome string, duration time.Duration) {
	c.scenariosTotal.WithLabelValues(scenario, outcome).Inc()
	c.scenarioDuration.WithLabelValues(scenario).Observe(duration.Seconds())
}

// ReadinessChecked records the outcome of a readiness wait.
func (c *PrometheusCollector) ReadinessChecked(attempts int, ready bool) {
	c.readinessTotal.WithLabelValues(result(ready)).Inc()
	if ready {
		c.readinessAttempts.Observe(float64(attempts))
	}
}

// MessageInjected increments the injection counter.
func (c *PrometheusCollector) MessageInjected(port int, success bool) {
	c.injectionsTotal.WithLabelValues(strconv.Itoa(port), result(success)).Inc()
}

// IMAPCommand increments the IMAP command counter.
func (c *PrometheusCollector) IMAPCommand(command string, success bool) {
	c.imapCommandsTotal.WithLabelValues(command, result(success)).Inc()
}

// SuiteCompleted records the outcome of a full suite run.
func (c *PrometheusCollector) SuiteCompleted(passed bool, duration time.Duration) {
	c.suiteRunsTotal.WithLabelValues(result(passed)).Inc()
	if passed {
		c.suiteLastSuccess.Set(1)
	} else {
		c.suiteLastSuccess.Set(0)
	}
	c.suiteLastTimestamp.SetToCurrentTime()
	c.suiteLastDuration.Set(duration.Seconds())
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
