// Package retry implements the exponential-backoff loop shared by the
// Remote transport for transport-level failures (network errors, timeouts).
// JSON-RPC error bodies are never retried; that decision is made by the
// caller's isRetryable predicate before WithRetry sees the error again.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Policy configures the backoff loop: start at InitialBackoff, double on
// each attempt, cap at MaxBackoff, up to MaxAttempts total.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultPolicy supplies the value of any retry field a config leaves at
// zero (see config.RetryConfig.Policy).
var DefaultPolicy = Policy{
	MaxAttempts:    3,
	InitialBackoff: time.Second,
	MaxBackoff:     30 * time.Second,
}

// Func is a function that can be retried.
type Func func() error

// WithRetry executes f up to policy.MaxAttempts times. Between attempts it
// sleeps for an exponentially doubling backoff (capped at MaxBackoff) plus
// up to 10% jitter, aborting early if ctx is canceled. If isRetryable
// returns false for an error, that error is returned immediately without
// further attempts — this is how transport-level errors are retried while
// JSON-RPC error-body errors are not.
func WithRetry(ctx context.Context, policy Policy, isRetryable func(error) bool, f Func) error {
	var lastErr error
	backoff := policy.InitialBackoff

	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			jitter := time.Duration(rand.Float64() * float64(backoff) * 0.1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff + jitter):
			}
			backoff *= 2
			if backoff > policy.MaxBackoff {
				backoff = policy.MaxBackoff
			}
		}

		err := f()
		if err == nil {
			return nil
		}
		lastErr = err
		if isRetryable != nil && !isRetryable(err) {
			return err
		}
	}
	return lastErr
}
