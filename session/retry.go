package session

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// withRetry runs op up to maxAttempts times with a fixed delay between
// attempts. Both the launch check and the original's other give-it-another-
// chance paths share this single helper.
func withRetry(ctx context.Context, maxAttempts uint64, delay time.Duration, op func() error) error {
	if maxAttempts == 0 {
		maxAttempts = 1
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(delay), maxAttempts-1),
		ctx,
	)
	return backoff.Retry(op, policy)
}

// sleepCtx blocks for d or until the context is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
