package dedup

import "time"

// SetNow overrides the guard's clock in tests.
func (g *Guard) SetNow(now func() time.Time) {
	g.now = now
}

// Size reports the number of remembered keys, pruning first.
func (g *Guard) Size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prune(g.now())
	return len(g.seen)
}
