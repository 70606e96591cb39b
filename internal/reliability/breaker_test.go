package reliability

import (
	"errors"
	"testing"
	"time"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := NewBreaker(3, time.Minute)
	for i := 0; i < 3; i++ {
		if err := b.Allow(); err != nil {
			t.Fatalf("Allow() before threshold error = %v", err)
		}
		b.RecordFailure()
	}
	if err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Allow() after threshold = %v, want ErrCircuitOpen", err)
	}
}

func TestBreakerAllowsTrialAfterCooldown(t *testing.T) {
	b := NewBreaker(2, 50*time.Millisecond)
	base := time.Unix(1700000000, 0)
	now := base
	b.now = func() time.Time { return now }

	b.RecordFailure()
	b.RecordFailure()
	if err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Allow() while open = %v, want ErrCircuitOpen", err)
	}

	now = base.Add(60 * time.Millisecond)
	if err := b.Allow(); err != nil {
		t.Fatalf("Allow() after cooldown error = %v", err)
	}
	// Only one trial per cooldown window.
	if err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("second Allow() in trial window = %v, want ErrCircuitOpen", err)
	}

	b.RecordSuccess()
	if got := b.Failures(); got != 0 {
		t.Fatalf("Failures() after trial success = %d, want 0", got)
	}
	if err := b.Allow(); err != nil {
		t.Fatalf("Allow() after trial success error = %v", err)
	}
}

func TestBreakerFailedTrialReopensImmediately(t *testing.T) {
	b := NewBreaker(3, time.Minute)
	base := time.Unix(1700000000, 0)
	now := base
	b.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	now = base.Add(2 * time.Minute)
	if err := b.Allow(); err != nil {
		t.Fatalf("trial Allow() error = %v", err)
	}
	b.RecordFailure()
	if err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Allow() after failed trial = %v, want ErrCircuitOpen", err)
	}
}

func TestBreakerSuccessResetsFailures(t *testing.T) {
	b := NewBreaker(5, time.Minute)
	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	if got := b.Failures(); got != 0 {
		t.Fatalf("Failures() after success = %d, want 0", got)
	}
	if err := b.Allow(); err != nil {
		t.Fatalf("Allow() after success error = %v", err)
	}
}

func TestBreakerFailureRearmsOpenState(t *testing.T) {
	b := NewBreaker(1, time.Minute)
	base := time.Unix(1700000000, 0)
	now := base
	b.now = func() time.Time { return now }

	b.RecordFailure()
	now = base.Add(2 * time.Minute)
	if err := b.Allow(); err != nil {
		t.Fatalf("trial Allow() error = %v", err)
	}
	b.RecordFailure()
	if err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Allow() after re-armed failure = %v, want ErrCircuitOpen", err)
	}
}
