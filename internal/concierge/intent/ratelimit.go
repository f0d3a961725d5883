package intent

import (
	"sync"
	"time"
)

const (
	// DefaultRateLimit is the maximum number of LLM classification calls
	// allowed per guest per minute when no explicit limit is configured.
	// Guests over the limit are classified by the fallback matcher instead.
	DefaultRateLimit = 12

	// defaultRateLimitWindow is the sliding window duration.
	defaultRateLimitWindow = time.Minute
)

// RateLimiter enforces a per-guest sliding-window limit on LLM calls so a
// single conversation cannot run away with token spend.
//
// Internally it holds the call timestamps for each guest within the current
// window and prunes stale entries on every Allow call, keeping memory
// bounded to O(limit) entries per active guest.
//
// RateLimiter is safe for concurrent use from multiple goroutines.
type RateLimiter struct {
	mu       sync.Mutex
	limit    int
	window   time.Duration
	counters map[string][]time.Time // guest key → call timestamps in window
}

// NewRateLimiter returns a RateLimiter that allows at most limit calls per
// guest within window.
//
// If limit ≤ 0 it defaults to DefaultRateLimit.
// If window ≤ 0 it defaults to one minute.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	if window <= 0 {
		window = defaultRateLimitWindow
	}
	return &RateLimiter{
		limit:    limit,
		window:   window,
		counters: make(map[string][]time.Time),
	}
}

// Allow returns true when the guest is permitted another LLM call and
// records the current timestamp. Returns false when the guest has exhausted
// their quota for the current window.
func (r *RateLimiter) Allow(guestKey string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-r.window)

	// Prune timestamps that have fallen outside the window.
	existing := r.counters[guestKey]
	valid := existing[:0] // reuse backing array
	for _, t := range existing {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}

	if len(valid) >= r.limit {
		r.counters[guestKey] = valid
		return false
	}

	r.counters[guestKey] = append(valid, now)
	return true
}
