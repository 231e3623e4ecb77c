package dag

import (
	"context"
	"fmt"
	"time"
)

// RetryPolicy re-runs a failing function a bounded number of times with a
// fixed delay between attempts.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
	// Retryable reports whether err may succeed on another attempt. A nil
	// Retryable retries every error.
	Retryable func(error) bool
	// OnRetry is called before waiting for the next attempt.
	OnRetry func(attempt int, err error)
}

// Execute calls fn until it succeeds, returns a non-retryable error, or the
// attempts are exhausted. Cancelling ctx aborts the wait between attempts.
func (p *RetryPolicy) Execute(ctx context.Context, fn func() error) error {
	attempts := max(p.MaxAttempts, 1)
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if attempt >= attempts || (p.Retryable != nil && !p.Retryable(err)) {
			return err
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}

		timer := time.NewTimer(p.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w (retry cancelled: %v)", err, ctx.Err())
		case <-timer.C:
		}
	}
}
