package retry

import (
	"context"
	"time"
)

// RetryableFunc reports whether an error is transient and worth another
// attempt. A nil RetryableFunc treats every error as retryable.
type RetryableFunc func(error) bool

// Do runs fn until it succeeds, the policy is exhausted, or fn returns
// an error that retryable rejects. A nil policy means a single attempt.
// The error from the last attempt is returned; if the context is
// cancelled while waiting to retry, the context's error is returned
// instead.
func Do(ctx context.Context, p *Policy, retryable RetryableFunc, fn func(context.Context) error) error {
	attempt := 1
	for {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		if retryable != nil && !retryable(err) {
			return err
		}
		if p == nil || !p.ShouldRetry(attempt, err) {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.NextDelay(attempt)):
		}

		attempt++
	}
}
