package breaker

import (
	"context"

	"github.com/cenkalti/backoff/v5"
)

// Retry runs op through b up to Config.RetryAttempts times with exponential
// backoff. It stops early when the circuit rejects the call or ctx ends.
func Retry[T any](ctx context.Context, b *Breaker, op func(context.Context) (T, error)) (T, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = b.cfg.RetryInitialInterval
	bo.MaxInterval = b.cfg.RetryMaxInterval

	attempt := 0
	return backoff.Retry(ctx, func() (T, error) {
		attempt++
		v, err := Call(ctx, b, op)
		if err == nil {
			return v, nil
		}
		if IsOpen(err) || ctx.Err() != nil {
			return v, backoff.Permanent(err)
		}
		if attempt < b.cfg.RetryAttempts {
			b.logger.Warn(ctx, "dependency call failed, retrying", "attempt", attempt, "error", err)
		}
		return v, err
	},
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(b.cfg.RetryAttempts)), //nolint:gosec // positive by withDefaults
	)
}
