// Package retry re-runs operations that failed with a retryable error.
package retry

import (
	"context"
	"time"

	"github.com/xhad/formulary/internal/models"
)

type Policy struct {
	MaxAttempts int
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64
}

var DefaultPolicy = Policy{
	MaxAttempts: 4,
	Initial:     500 * time.Millisecond,
	Max:         8 * time.Second,
	Multiplier:  2,
}

// Delay returns the pause before the given retry (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	m := p.Multiplier
	if m < 1 {
		m = 2
	}
	d := float64(p.Initial)
	for i := 1; i < attempt; i++ {
		d *= m
		if p.Max > 0 && d >= float64(p.Max) {
			return p.Max
		}
	}
	return time.Duration(d)
}

// Do calls fn until it succeeds, fails with a non-retryable error, the
// attempts run out or ctx is done. onRetry, if set, is told about every
// failure that will be retried.
func Do[T any](ctx context.Context, p Policy, fn func(context.Context) (T, error), onRetry func(attempt int, delay time.Duration, err error)) (T, error) {
	attempts := max(p.MaxAttempts, 1)

	var (
		v   T
		err error
	)
	for attempt := 1; ; attempt++ {
		v, err = fn(ctx)
		if err == nil || !models.IsRetryable(err) || attempt >= attempts {
			return v, err
		}

		delay := p.Delay(attempt)
		if onRetry != nil {
			onRetry(attempt, delay, err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return v, err
		case <-timer.C:
		}
	}
}
