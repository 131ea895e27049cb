package utils

import (
	"context"
	"time"
)

// BaseBackoff is the first retry delay; each further retry doubles it.
const BaseBackoff = 100 * time.Millisecond

// DoWithRetry calls fn up to retries+1 times with exponential backoff while
// retryable reports the error as transient. Only use it for idempotent calls.
func DoWithRetry[T any](ctx context.Context, retries int, retryable func(error) bool, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	for i := 0; i <= retries; i++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !retryable(err) {
			return zero, err
		}
		if i < retries {
			backoff := BaseBackoff * time.Duration(1<<i)
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return zero, lastErr
}
