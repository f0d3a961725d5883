package intent

import (
	"sync"
	"time"
)

// Breaker defaults. Three consecutive provider failures open the breaker;
// after the cooling period a single trial call is let through.
const (
	DefaultBreakerThreshold = 3
	DefaultBreakerCooldown  = 30 * time.Second
)

// Breaker is a minimal circuit breaker for the LLM provider. While open it
// rejects calls immediately so the classifier can route straight to the
// deterministic fallback instead of stalling the guest's turn.
//
// Breaker is safe for concurrent use.
type Breaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration

	failures int
	openedAt time.Time
	open     bool
}

// NewBreaker returns a Breaker. Non-positive arguments use the defaults.
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = DefaultBreakerThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultBreakerCooldown
	}
	return &Breaker{threshold: threshold, cooldown: cooldown}
}

// Allow reports whether a provider call may proceed. After the cooldown has
// elapsed, exactly one caller is admitted as a trial; its Success/Failure
// outcome decides whether the breaker closes again.
func (b *Breaker) Allow() bool {
	return b.allowAt(time.Now())
}

func (b *Breaker) allowAt(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.open {
		return true
	}
	if now.Sub(b.openedAt) >= b.cooldown {
		// Half-open: admit one trial call and restart the clock so other
		// callers keep failing fast until the trial resolves.
		b.openedAt = now
		return true
	}
	return false
}

// Success records a successful provider call and closes the breaker.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.open = false
}

// Failure records a failed provider call, opening the breaker when the
// consecutive-failure threshold is reached.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.failures >= b.threshold && !b.open {
		b.open = true
		b.openedAt = time.Now()
	}
}

// Open reports whether the breaker is currently open.
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}
