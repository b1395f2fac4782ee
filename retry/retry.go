// Package retry provides bounded retry with exponential backoff for
// transient failures. Operations are generic over their result type and
// respect context cancellation between attempts.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Policy bounds how often and how quickly an operation is reattempted.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// BaseDelay is the delay before the first reattempt.
	BaseDelay time.Duration

	// MaxDelay caps backoff growth.
	MaxDelay time.Duration

	// Multiplier scales the delay after each failed attempt.
	Multiplier float64
}

// Default is the general-purpose policy.
var Default = Policy{
	MaxAttempts: 3,
	BaseDelay:   100 * time.Millisecond,
	MaxDelay:    5 * time.Second,
	Multiplier:  2.0,
}

// Facilitator is the policy for facilitator verify and settle calls: at
// most one additional attempt. A settlement reattempt carries the same
// nonce, so the facilitator sees the same payment, never a second one.
var Facilitator = Policy{
	MaxAttempts: 2,
	BaseDelay:   250 * time.Millisecond,
	MaxDelay:    time.Second,
	Multiplier:  2.0,
}

// IsRetryable reports whether an error is transient enough to retry.
// Protocol-level rejections are never retryable; only transport failures are.
type IsRetryable func(error) bool

// Do executes fn under the policy, reattempting only while isRetryable
// returns true for the failure. The last error is returned once attempts
// are exhausted.
func Do[T any](ctx context.Context, policy Policy, isRetryable IsRetryable, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	delay := policy.BaseDelay

	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("retry aborted: %w", err)
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if isRetryable == nil || !isRetryable(err) {
			return zero, err
		}

		// No sleep after the final attempt.
		if attempt < attempts-1 {
			select {
			case <-time.After(delay):
				delay = time.Duration(float64(delay) * policy.Multiplier)
				if delay > policy.MaxDelay {
					delay = policy.MaxDelay
				}
			case <-ctx.Done():
				return zero, ctx.Err()
			}
		}
	}

	return zero, fmt.Errorf("attempts exhausted: %w", lastErr)
}
