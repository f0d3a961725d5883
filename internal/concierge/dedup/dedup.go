// Package dedup suppresses duplicate message deliveries. Messaging channels
// redeliver on slow acks, so the same guest message can arrive twice within
// seconds; processing it twice would double orders and double replies.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// DefaultTTL is how long a processed key is remembered. Redeliveries arrive
// within seconds; anything later is treated as the guest repeating themselves
// on purpose.
const DefaultTTL = time.Minute

// Key derives the idempotency key for one inbound message: the conversation
// plus a digest of the exact text and channel timestamp. A guest sending the
// identical text again later has a different timestamp and is not suppressed.
func Key(conversationID, text string, ts time.Time) string {
	h := sha256.New()
	h.Write([]byte(text))
	h.Write([]byte(ts.UTC().Format(time.RFC3339Nano)))
	return conversationID + ":" + hex.EncodeToString(h.Sum(nil)[:16])
}

// Guard is an in-memory TTL set of recently processed keys.
type Guard struct {
	ttl time.Duration
	now func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

// NewGuard returns a Guard. ttl <= 0 uses DefaultTTL.
func NewGuard(ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Guard{
		ttl:  ttl,
		now:  time.Now,
		seen: map[string]time.Time{},
	}
}

// Claim records the key and reports whether this caller is the first to see
// it within the TTL. Only the first claimant may process the message.
func (g *Guard) Claim(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.prune(now)

	if expiry, ok := g.seen[key]; ok && now.Before(expiry) {
		return false
	}
	g.seen[key] = now.Add(g.ttl)
	return true
}

// prune drops expired keys. Runs under the lock; the set stays small because
// entries only live for the TTL.
func (g *Guard) prune(now time.Time) {
	for k, expiry := range g.seen {
		if !now.Before(expiry) {
			delete(g.seen, k)
		}
	}
}
