// Package suite runs the acceptance scenarios against a mail service and
// reports a verdict per scenario.
package suite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/elnissi-io/postfix/internal/logging"
	"github.com/elnissi-io/postfix/internal/metrics"
)

// Outcome is the verdict of one scenario.
type Outcome string

const (
	Pass    Outcome = metrics.OutcomePass
	Fail    Outcome = metrics.OutcomeFail
	XFail   Outcome = metrics.OutcomeXFail
	XPass   Outcome = metrics.OutcomeXPass
	Skipped Outcome = metrics.OutcomeSkipped
)

// Failed reports whether o should fail the suite. An unexpected pass of a
// scenario that is meant to fail counts as a failure.
func (o Outcome) Failed() bool {
	return o == Fail || o == XPass
}

// Scenario is one independently judged check.
type Scenario struct {
	Name string
	// ExpectFailure inverts the verdict. If ExpectErr is set the failure
	// must also match it through errors.Is, otherwise it is a real failure.
	ExpectFailure bool
	ExpectErr     error
	// Fatal aborts the remaining scenarios when this one fails.
	Fatal bool
	// Skip, when non-empty, is the reason the scenario is not run.
	Skip string
	// Group names a batch of adjacent scenarios that run concurrently.
	Group string
	Run   func(ctx context.Context) error
}

// Result is the verdict of one scenario.
type Result struct {
	Name     string
	Outcome  Outcome
	Err      error
	Reason   string
	Duration time.Duration
}

// Report is the result of a whole run.
type Report struct {
	RunID    string
	Results  []Result
	Duration time.Duration
	// Aborted is the error of the fatal scenario that stopped the run.
	Aborted error
}

// Passed reports whether the run completed without failures.
func (r Report) Passed() bool {
	if r.Aborted != nil {
		return false
	}
	for _, res := range r.Results {
		if res.Outcome.Failed() {
			return false
		}
	}
	return true
}

// Counts returns the number of results per outcome.
func (r Report) Counts() map[Outcome]int {
	counts := make(map[Outcome]int)
	for _, res := range r.Results {
		counts[res.Outcome]++
	}
	return counts
}

// Runner executes scenarios in order.
type Runner struct {
	Logger  *slog.Logger
	Metrics metrics.Collector
}

// Run executes scenarios and returns the report. Scenarios sharing a Group
// with their neighbours run concurrently; everything else runs in order.
func (r *Runner) Run(ctx context.Context, runID string, scenarios []Scenario) Report {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logging.WithRun(logger, runID)
	collector := r.Metrics
	if collector == nil {
		collector = &metrics.NoopCollector{}
	}

	start := time.Now()
	report := Report{RunID: runID, Results: make([]Result, 0, len(scenarios))}

	for i := 0; i < len(scenarios); {
		j := i + 1
		if g := scenarios[i].Group; g != "" {
			for j < len(scenarios) && scenarios[j].Group == g {
				j++
			}
		}
		batch := scenarios[i:j]
		i = j

		if report.Aborted != nil {
			for _, sc := range batch {
				report.Results = append(report.Results, Result{
					Name:    sc.Name,
					Outcome: Skipped,
					Reason:  "suite aborted",
				})
			}
			continue
		}

		results := make([]Result, len(batch))
		var wg sync.WaitGroup
		for k := range batch {
			if len(batch) == 1 {
				results[k] = r.execute(ctx, logger, batch[k])
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				results[k] = r.execute(ctx, logger, batch[k])
			}()
		}
		wg.Wait()

		for k, res := range results {
			collector.ScenarioCompleted(res.Name, string(res.Outcome), res.Duration)
			report.Results = append(report.Results, res)
			if batch[k].Fatal && res.Outcome.Failed() {
				report.Aborted = res.Err
				if report.Aborted == nil {
					report.Aborted = fmt.Errorf("%s: unexpected pass", res.Name)
				}
				logger.Error("aborting suite", slog.String("scenario", res.Name), slog.String("error", report.Aborted.Error()))
			}
		}
	}

	report.Duration = time.Since(start)
	collector.SuiteCompleted(report.Passed(), report.Duration)
	return report
}

func (r *Runner) execute(ctx context.Context, logger *slog.Logger, sc Scenario) (res Result) {
	logger = logging.WithScenario(logger, sc.Name)
	res = Result{Name: sc.Name}

	if sc.Skip != "" {
		res.Outcome = Skipped
		res.Reason = sc.Skip
		logger.Info("scenario skipped", slog.String("reason", sc.Skip))
		return res
	}

	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			res.Err = fmt.Errorf("panic: %v", p)
			res.Outcome = Fail
		}
		res.Duration = time.Since(start)
		attrs := []any{slog.String("outcome", string(res.Outcome)), slog.Duration("duration", res.Duration)}
		if res.Err != nil {
			attrs = append(attrs, slog.String("error", res.Err.Error()))
		}
		if res.Outcome.Failed() {
			logger.Warn("scenario failed", attrs...)
		} else {
			logger.Info("scenario finished", attrs...)
		}
	}()

	err := sc.Run(logging.NewContext(ctx, logger))
	res.Err = err
	res.Outcome = judge(sc, err)
	if res.Outcome == XPass {
		res.Reason = "expected failure but succeeded"
	}
	return res
}

func judge(sc Scenario, err error) Outcome {
	if !sc.ExpectFailure {
		if err != nil {
			return Fail
		}
		return Pass
	}
	switch {
	case err == nil:
		return XPass
	case sc.ExpectErr == nil || errors.Is(err, sc.ExpectErr):
		return XFail
	default:
		return Fail
	}
}
