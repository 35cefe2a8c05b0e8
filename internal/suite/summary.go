package suite

import (
	"fmt"
	"io"
	"strings"
	"time"
)

var summaryOrder = []Outcome{Fail, Pass, Skipped, XFail, XPass}

var summaryWords = map[Outcome]string{
	Pass:    "passed",
	Fail:    "failed",
	XFail:   "xfailed",
	XPass:   "xpassed",
	Skipped: "skipped",
}

// WriteSummary prints one line per scenario followed by a totals line.
func (r Report) WriteSummary(w io.Writer) error {
	var b strings.Builder
	for _, res := range r.Results {
		fmt.Fprintf(&b, "%-8s %s", strings.ToUpper(summaryWords[res.Outcome]), res.Name)
		if res.Duration > 0 {
			fmt.Fprintf(&b, " (%s)", res.Duration.Round(time.Millisecond))
		}
		switch {
		case res.Outcome == Fail && res.Err != nil:
			fmt.Fprintf(&b, ": %v", res.Err)
		case res.Reason != "":
			fmt.Fprintf(&b, ": %s", res.Reason)
		}
		b.WriteByte('\n')
	}

	if r.Aborted != nil {
		fmt.Fprintf(&b, "aborted: %v\n", r.Aborted)
	}

	counts := r.Counts()
	var parts []string
	for _, o := range summaryOrder {
		if n := counts[o]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, summaryWords[o]))
		}
	}
	if len(parts) == 0 {
		parts = append(parts, "no scenarios ran")
	}
	fmt.Fprintf(&b, "==== %s in %s (run %s) ====\n",
		strings.Join(parts, ", "), r.Duration.Round(10*time.Millisecond), r.RunID)

	_, err := io.WriteString(w, b.String())
	return err
}
