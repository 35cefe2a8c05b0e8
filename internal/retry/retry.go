// Package retry provides the bounded polling primitive shared by the
// readiness wait and the delivery wait.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrExhausted is returned when a condition never held within the policy's attempts.
var ErrExhausted = errors.New("retry: attempts exhausted")

var errNotYet = errors.New("condition not met")

// Policy bounds a poll: at most Attempts evaluations, Interval apart.
type Policy struct {
	Attempts int
	Interval time.Duration
}

// Timeout is the longest a poll under this policy can wait between evaluations.
func (p Policy) Timeout() time.Duration {
	if p.Attempts < 1 {
		return 0
	}
	return time.Duration(p.Attempts-1) * p.Interval
}

// Condition reports whether the awaited state has been reached. A non-nil
// error stops the poll immediately and is returned to the caller unchanged.
type Condition func(ctx context.Context) (bool, error)

// Until evaluates cond until it reports true, returns an error, the policy's
// attempts run out or ctx is done. It returns the number of evaluations made.
func Until(ctx context.Context, p Policy, cond Condition) (int, error) {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var b backoff.BackOff = backoff.NewConstantBackOff(p.Interval)
	b = backoff.WithMaxRetries(b, uint64(attempts-1))
	b = backoff.WithContext(b, ctx)

	n := 0
	err := backoff.Retry(func() error {
		n++
		ok, err := cond(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return errNotYet
		}
		return nil
	}, b)

	if errors.Is(err, errNotYet) {
		return n, ErrExhausted
	}
	return n, err
}
