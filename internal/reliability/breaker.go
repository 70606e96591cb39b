package reliability

import (
	"sync"
	"time"
)

// Breaker tracks consecutive failures against one remote target and trips
// open once they reach the configured threshold. While open, calls are
// rejected without network I/O; after the reset cooldown a single trial
// call is allowed through.
type Breaker struct {
	mu          sync.Mutex
	failures    int
	lastFailure time.Time
	threshold   int
	resetAfter  time.Duration
	now         func() time.Time
}

func NewBreaker(threshold int, resetAfter time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if resetAfter <= 0 {
		resetAfter = 30 * time.Second
	}
	return &Breaker{
		threshold:  threshold,
		resetAfter: resetAfter,
		now:        time.Now,
	}
}

// Allow reports whether a call may proceed. After the cooldown a single
// trial call is admitted per window, but the open state stays armed until
// a success clears the failure count; a failed trial re-opens immediately.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures < b.threshold {
		return nil
	}
	if b.now().Sub(b.lastFailure) < b.resetAfter {
		return ErrCircuitOpen
	}
	b.lastFailure = b.now()
	return nil
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	b.failures = 0
	b.mu.Unlock()
}

func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	b.failures++
	b.lastFailure = b.now()
	b.mu.Unlock()
}

// Failures returns the current consecutive-failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
