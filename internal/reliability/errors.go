package reliability

import (
	"errors"
	"fmt"
)

// ErrCircuitOpen is returned when a call is rejected preemptively because
// the target's circuit breaker is open. Never retried.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// TransportError wraps a network/IO failure reaching a remote collaborator.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// AuthError means the remote rejected our credentials. Never retried.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication error: %s", e.Message)
}

// APIError is a non-success remote status with the response body attached.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: %s (%d)", e.Body, e.Status)
}

// RetryExhaustedError wraps the last underlying failure after all retry
// attempts are spent.
type RetryExhaustedError struct {
	Last error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted: %v", e.Last)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Last }

// IsRetryable reports whether the retry wrapper should attempt the
// operation again. Auth failures and open circuits propagate immediately.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) {
		return false
	}
	var authErr *AuthError
	return !errors.As(err, &authErr)
}
