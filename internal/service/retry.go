package service

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/punchamoorthee/depositops/internal/domain"
	"go.uber.org/zap"
)

const defaultRetryAttempts = 5

// retry runs fn with bounded exponential backoff. Only errors classified as
// transient are retried.
func retry[T any](ctx context.Context, c *Coordinator, op string, fn func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	if c.cfg.RetryInitialInterval > 0 {
		b.InitialInterval = c.cfg.RetryInitialInterval
		b.MaxInterval = 32 * c.cfg.RetryInitialInterval
	}
	attempts := c.cfg.RetryMaxAttempts
	if attempts <= 0 {
		attempts = defaultRetryAttempts
	}

	return backoff.Retry(ctx, func() (T, error) {
		v, err := fn()
		if err != nil && !domain.IsTransient(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.log.Warn("transient failure, retrying",
				zap.String("op", op),
				zap.Duration("backoff", next),
				zap.Error(err))
		}),
	)
}
