package chain

import (
	"sync"
	"time"
)

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// Breaker is a consecutive-failure circuit breaker. After failMax
// failures in a row it opens and rejects calls until resetTimeout has
// elapsed, then lets a single probe through (half-open). A successful
// probe closes the breaker, a failed one reopens it.
type Breaker struct {
	mu           sync.Mutex
	failMax      int
	resetTimeout time.Duration
	failures     int
	state        breakerState
	openedAt     time.Time
	now          func() time.Time
}

// NewBreaker constructs a Breaker with the given thresholds.
func NewBreaker(failMax int, resetTimeout time.Duration) *Breaker {
	if failMax <= 0 {
		failMax = 3
	}
	if resetTimeout <= 0 {
		resetTimeout = 60 * time.Second
	}
	return &Breaker{
		failMax:      failMax,
		resetTimeout: resetTimeout,
		now:          time.Now,
	}
}

// Allow reports whether a call may proceed. Moving to half-open counts
// as allowing the probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case breakerClosed:
		return true
	case breakerOpen:
		if b.now().Sub(b.openedAt) >= b.resetTimeout {
			b.state = breakerHalfOpen
			return true
		}
		return false
	default:
		// half-open: one probe already in flight, reject the rest
		return false
	}
}

// Success records a successful call and closes the breaker.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.state = breakerClosed
}

// Failure records a failed call. Counted failures open the breaker at
// the threshold; a failed half-open probe reopens immediately.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == breakerHalfOpen {
		b.state = breakerOpen
		b.openedAt = b.now()
		return
	}
	b.failures++
	if b.failures >= b.failMax {
		b.state = breakerOpen
		b.openedAt = b.now()
	}
}

// Open reports whether the breaker currently rejects calls.
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == breakerOpen && b.now().Sub(b.openedAt) < b.resetTimeout
}
