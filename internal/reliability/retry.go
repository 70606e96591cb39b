package reliability

import (
	"context"
	"time"
)

// Retry runs op up to maxAttempts times with exponential backoff between
// failures: the delay before retry n is baseDelay * 2^(n-1). Errors that
// classify as non-retryable (auth failures, open circuit) propagate
// immediately. Once attempts are exhausted the last error is wrapped in a
// RetryExhaustedError.
//
// Callers must not hold any session lock across Retry; the backoff sleep
// is a suspension point.
func Retry(ctx context.Context, maxAttempts int, baseDelay time.Duration, op func(ctx context.Context) error) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	if baseDelay <= 0 {
		baseDelay = 500 * time.Millisecond
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}
		lastErr = err

		if attempt == maxAttempts {
			break
		}
		delay := baseDelay << (attempt - 1)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return &RetryExhaustedError{Last: lastErr}
}
