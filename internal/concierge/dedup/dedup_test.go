package dedup_test

import (
	"testing"
	"time"

	"github.com/stayflow/concierge/internal/concierge/dedup"
)

func TestKeyDependsOnTextAndTimestamp(t *testing.T) {
	ts := time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)

	a := dedup.Key("conv-1", "two towels please", ts)
	if b := dedup.Key("conv-1", "two towels please", ts); b != a {
		t.Fatal("identical message must produce an identical key")
	}
	if b := dedup.Key("conv-1", "three towels please", ts); b == a {
		t.Fatal("different text must produce a different key")
	}
	if b := dedup.Key("conv-1", "two towels please", ts.Add(time.Minute)); b == a {
		t.Fatal("different timestamp must produce a different key")
	}
	if b := dedup.Key("conv-2", "two towels please", ts); b == a {
		t.Fatal("different conversation must produce a different key")
	}
}

func TestClaimSuppressesRedelivery(t *testing.T) {
	g := dedup.NewGuard(time.Minute)
	key := dedup.Key("conv-1", "hello", time.Now())

	if !g.Claim(key) {
		t.Fatal("first delivery must win the claim")
	}
	if g.Claim(key) {
		t.Fatal("redelivery within the TTL must be suppressed")
	}
}

func TestClaimExpiresAfterTTL(t *testing.T) {
	g := dedup.NewGuard(time.Minute)
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	g.SetNow(func() time.Time { return now })

	key := "conv-1:abc"
	if !g.Claim(key) {
		t.Fatal("first claim failed")
	}

	now = now.Add(61 * time.Second)
	if !g.Claim(key) {
		t.Fatal("claim must succeed again after the TTL")
	}
}

func TestPruneDropsExpiredKeys(t *testing.T) {
	g := dedup.NewGuard(time.Minute)
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	g.SetNow(func() time.Time { return now })

	for _, k := range []string{"a", "b", "c"} {
		g.Claim(k)
	}
	if n := g.Size(); n != 3 {
		t.Fatalf("size = %d, want 3", n)
	}

	now = now.Add(2 * time.Minute)
	if n := g.Size(); n != 0 {
		t.Fatalf("size = %d after expiry, want 0", n)
	}
}
