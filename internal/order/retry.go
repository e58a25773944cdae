package order

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"doge-trader/internal/models"
	exchange "doge-trader/pkg/exchanges/common"
	"doge-trader/pkg/logger"
)

// withRetry runs op with exponential backoff. Every attempt gets its own
// cfg.Timeout deadline and counts against the rate limiter after the first.
// Non-retryable exchange errors stop immediately.
func (e *Executor) withRetry(ctx context.Context, cfg Config, what string, op func(ctx context.Context) error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = cfg.RetryDelay
	if eb.InitialInterval <= 0 {
		eb.InitialInterval = time.Millisecond
	}
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(cfg.RetryAttempts)), ctx)

	attempt := 0
	run := func() error {
		attempt++
		if attempt > 1 {
			e.limiter.Record()
		}
		actx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()

		err := op(actx)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = exchange.Wrap(exchange.ErrConnection, what, err)
		}
		if ctx.Err() != nil || !exchange.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		e.log.WithFields(logger.Fields{
			"op":      what,
			"attempt": attempt,
			"wait":    wait.String(),
		}).WithError(err).Warn("🔄 exchange call failed, retrying")
	}

	if err := backoff.RetryNotify(run, policy, notify); err != nil {
		return &models.OrderExecutionError{Op: what, Err: err}
	}
	return nil
}
