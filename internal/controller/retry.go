package controller

import (
	"context"
	"errors"
	"time"

	"github.com/jxucoder/efimeral/pkg/model"
)

// RetryPolicy bounds retries of calls to the fleet substrate and the
// routing layer. Delays double from BaseDelay up to MaxDelay.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy tries four times with 500ms, 1s, 2s backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 4, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second}
}

func (p RetryPolicy) backoff(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempt && d < p.MaxDelay; i++ {
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// retryable reports whether an external call that failed with err is worth
// another attempt. Capacity exhaustion and configuration errors are returned
// to the caller as is.
func retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, model.ErrCapacityExhausted),
		errors.Is(err, model.ErrConfiguration),
		errors.Is(err, model.ErrDuplicateInstance):
		return false
	default:
		return true
	}
}

// retry calls fn until it succeeds, fails with a non-retryable error, or the
// policy's attempts are used up. Backoff waits on the controller clock.
func (c *Controller) retry(ctx context.Context, op, leaseID string, fn func(ctx context.Context) error) error {
	attempts := c.cfg.Retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			c.metrics.Retry(op)
			if _, ok := c.reg.get(leaseID); ok {
				c.emit(leaseID, model.EventRetry, op)
			}
			select {
			case <-ctx.Done():
				return lastErr
			case <-c.clock.After(c.cfg.Retry.backoff(attempt)):
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable(err) {
			return err
		}

		c.log.Warn().Err(err).
			Str("op", op).
			Str("lease_id", leaseID).
			Int("attempt", attempt+1).
			Msg("external call failed")
	}
	return lastErr
}
