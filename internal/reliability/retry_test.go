package reliability

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 4, time.Millisecond, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return &TransportError{Op: "run", Err: errors.New("connection reset")}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestRetryExhaustionWrapsLastError(t *testing.T) {
	boom := &APIError{Status: 500, Body: "backend exploded"}
	calls := 0
	err := Retry(context.Background(), 3, time.Millisecond, func(ctx context.Context) error {
		calls++
		return boom
	})
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	var exhausted *RetryExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("error = %v, want RetryExhaustedError", err)
	}
	var apiErr *APIError
	if !errors.As(exhausted.Last, &apiErr) || apiErr.Status != 500 {
		t.Fatalf("wrapped error = %v, want original APIError", exhausted.Last)
	}
}

func TestRetryNeverRetriesAuthOrOpenCircuit(t *testing.T) {
	cases := []struct {
		name string
		err  error
	}{
		{"auth", &AuthError{Message: "permission denied"}},
		{"circuit", ErrCircuitOpen},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			calls := 0
			err := Retry(context.Background(), 5, time.Millisecond, func(ctx context.Context) error {
				calls++
				return tc.err
			})
			if calls != 1 {
				t.Fatalf("calls = %d, want 1", calls)
			}
			if !errors.Is(err, tc.err) && err.Error() != tc.err.Error() {
				t.Fatalf("error = %v, want %v propagated unchanged", err, tc.err)
			}
		})
	}
}

func TestRetryBackoffDoubles(t *testing.T) {
	var gaps []time.Duration
	last := time.Now()
	base := 20 * time.Millisecond
	_ = Retry(context.Background(), 3, base, func(ctx context.Context) error {
		now := time.Now()
		gaps = append(gaps, now.Sub(last))
		last = now
		return &TransportError{Op: "run", Err: errors.New("down")}
	})
	if len(gaps) != 3 {
		t.Fatalf("attempts = %d, want 3", len(gaps))
	}
	// gaps[1] covers the first delay (base), gaps[2] the second (2*base).
	if gaps[1] < base {
		t.Fatalf("first retry delay = %v, want >= %v", gaps[1], base)
	}
	if gaps[2] < 2*base {
		t.Fatalf("second retry delay = %v, want >= %v", gaps[2], 2*base)
	}
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := Retry(ctx, 5, time.Second, func(ctx context.Context) error {
		calls++
		return &TransportError{Op: "run", Err: errors.New("down")}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestExponentialBackoffCaps(t *testing.T) {
	base := 5 * time.Second
	cap := 300 * time.Second
	if got := ExponentialBackoff(0, base, cap); got != base {
		t.Fatalf("attempt 0 = %v, want %v", got, base)
	}
	if got := ExponentialBackoff(3, base, cap); got != 40*time.Second {
		t.Fatalf("attempt 3 = %v, want 40s", got)
	}
	if got := ExponentialBackoff(10, base, cap); got != cap {
		t.Fatalf("attempt 10 = %v, want cap %v", got, cap)
	}
}
