package pipeline

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// retryPolicy caps every collaborator call. The cap counts attempts, not retries.
type retryPolicy struct {
	maxAttempts uint
	interval    time.Duration
	onRetry     func(err error)
}

func callWithRetry[T any](ctx context.Context, p retryPolicy, op func(ctx context.Context) (T, error)) (T, error) {
	attempts := p.maxAttempts
	if attempts == 0 {
		attempts = 1
	}
	return backoff.Retry(ctx, func() (T, error) {
		v, err := op(ctx)
		if err != nil && ctx.Err() != nil {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithMaxTries(attempts),
		backoff.WithBackOff(backoff.NewConstantBackOff(p.interval)),
		backoff.WithNotify(func(err error, _ time.Duration) {
			if p.onRetry != nil {
				p.onRetry(err)
			}
		}),
	)
}
