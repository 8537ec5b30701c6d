package flow

import (
	"context"
	"math"
	"time"
)

// RetryPolicy bounds re-execution of a failing action.
type RetryPolicy struct {
	// MaxRetries is the number of attempts beyond the first. Zero means a
	// single attempt with no retry.
	MaxRetries int

	// Backoff is the delay before the first retry.
	Backoff time.Duration

	// BackoffMultiplier scales the delay on each subsequent retry. Values
	// below 1 are treated as 1 (constant backoff).
	BackoffMultiplier float64

	// MaxDelay caps the delay between any two attempts. Zero means no cap.
	MaxDelay time.Duration
}

// DelayFor returns the backoff delay before retry attempt n (1-based).
// The delay is Backoff * Multiplier^(n-1), capped at MaxDelay. The
// arithmetic saturates instead of overflowing for large attempt counts.
func (p RetryPolicy) DelayFor(attempt int) time.Duration {
	if attempt < 1 || p.Backoff <= 0 {
		return 0
	}
	mult := p.BackoffMultiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.Backoff) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if d > float64(math.MaxInt64) || math.IsInf(d, 1) {
		if p.MaxDelay > 0 {
			return p.MaxDelay
		}
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Retry runs action up to 1+policy.MaxRetries times, sleeping between
// attempts per the policy's backoff schedule. After the final failure the
// last error is wrapped in a RetryExhaustedError. A context cancellation
// during backoff aborts immediately with the context's error. The
// onRetry callback, if non-nil, fires before each re-attempt with the
// 1-based retry number and the delay that was waited; it exists for
// event emission and metrics.
func Retry(ctx context.Context, clock Clock, policy RetryPolicy, action func(ctx context.Context) error, onRetry func(attempt int, delay time.Duration)) error {
	if clock == nil {
		clock = NewSystemClock()
	}
	attempts := 1 + policy.MaxRetries
	if attempts < 1 {
		attempts = 1
	}

	var last error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		last = action(ctx)
		if last == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		delay := policy.DelayFor(i + 1)
		if delay > 0 {
			select {
			case <-clock.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if onRetry != nil {
			onRetry(i+1, delay)
		}
	}
	return &RetryExhaustedError{Attempts: attempts, Last: last}
}
