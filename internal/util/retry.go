package util

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrAttemptsExhausted wraps the last error once a retry policy gives up.
var ErrAttemptsExhausted = errors.New("retry attempts exhausted")

type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
}

// Retry calls fn until it succeeds, fails with an error retryable rejects, or
// the policy runs out of attempts. fn receives the zero-based attempt index and
// must re-read any authoritative state it depends on.
func Retry[T any](ctx context.Context, policy RetryPolicy, retryable func(error) bool, fn func(attempt int) (T, error)) (T, error) {
	attempts := policy.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	var zero T
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 && policy.Delay > 0 {
			timer := time.NewTimer(policy.Delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, ctx.Err()
			case <-timer.C:
			}
		}
		value, err := fn(attempt)
		if err == nil {
			return value, nil
		}
		if !retryable(err) {
			return zero, err
		}
		lastErr = err
	}
	return zero, fmt.Errorf("%w after %d attempts: %w", ErrAttemptsExhausted, attempts, lastErr)
}
