// Package staycontext resolves the temporal context of a guest message: the
// guest's stay phase, the tenant-local time, and whether time-bounded
// services are currently open.
//
// Booking data lives with an external collaborator. Lookups are cached for a
// few minutes per (tenant, phone) pair; when the collaborator is unavailable
// the resolver degrades to an Unknown phase with Indeterminate=true so the
// rules engine can apply its conservative defaults instead of failing the
// turn.
package staycontext

import (
	"context"
	"sync"
	"time"
)

// StayPhase places the guest relative to their booking window.
type StayPhase string

const (
	PhasePreArrival StayPhase = "pre_arrival"
	PhaseInStay     StayPhase = "in_stay"
	PhasePostStay   StayPhase = "post_stay"
	PhaseUnknown    StayPhase = "unknown"
)

// Booking is the slice of reservation data the resolver needs.
type Booking struct {
	RoomNumber string
	CheckIn    time.Time
	CheckOut   time.Time
	Active     bool
}

// BookingSource looks up the current booking for a guest. Implementations
// call the external booking collaborator and must be safe for concurrent use.
// A guest with no booking on file returns (nil, nil).
type BookingSource interface {
	Lookup(ctx context.Context, tenantID, guestPhone string) (*Booking, error)
}

// TenantClock reports the IANA timezone for a tenant property.
type TenantClock interface {
	Timezone(tenantID string) string
}

// Context is the resolved temporal context for one guest message.
type Context struct {
	Phase     StayPhase
	LocalTime time.Time
	// RoomNumber is the guest's room when an active booking exists.
	RoomNumber string
	// HasActiveBooking is true when the guest currently holds a booking.
	HasActiveBooking bool
	// Indeterminate is true when the booking lookup failed and time-window
	// rules must fall back to the rules engine's conservative default.
	Indeterminate bool
}

// DefaultCacheTTL bounds how long a booking lookup is reused.
const DefaultCacheTTL = 5 * time.Minute

// Resolver resolves and caches temporal context. Safe for concurrent use.
type Resolver struct {
	source BookingSource
	clock  TenantClock
	ttl    time.Duration

	mu    sync.Mutex
	cache map[string]cacheEntry // tenantID + ":" + phone → entry
}

type cacheEntry struct {
	booking  *Booking
	fetched  time.Time
	lookupOK bool
}

// NewResolver creates a Resolver. ttl ≤ 0 uses DefaultCacheTTL.
func NewResolver(source BookingSource, clock TenantClock, ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Resolver{
		source: source,
		clock:  clock,
		ttl:    ttl,
		cache:  make(map[string]cacheEntry),
	}
}

// Resolve returns the temporal context for a guest at the given UTC instant.
// Lookup failures never propagate: the returned context is marked
// Indeterminate instead.
func (r *Resolver) Resolve(ctx context.Context, tenantID, guestPhone string, now time.Time) Context {
	local := r.localTime(tenantID, now)

	booking, ok := r.lookup(ctx, tenantID, guestPhone, now)
	if !ok {
		return Context{Phase: PhaseUnknown, LocalTime: local, Indeterminate: true}
	}

	out := Context{Phase: phaseOf(booking, now), LocalTime: local}
	if booking != nil && booking.Active {
		out.RoomNumber = booking.RoomNumber
		out.HasActiveBooking = true
	}
	return out
}

// lookup returns the cached booking when fresh, otherwise consults the
// source. The second return is false when no usable answer exists (lookup
// error and no cached value).
func (r *Resolver) lookup(ctx context.Context, tenantID, guestPhone string, now time.Time) (*Booking, bool) {
	key := tenantID + ":" + guestPhone

	r.mu.Lock()
	entry, cached := r.cache[key]
	r.mu.Unlock()

	if cached && now.Sub(entry.fetched) < r.ttl {
		return entry.booking, entry.lookupOK
	}

	booking, err := r.source.Lookup(ctx, tenantID, guestPhone)
	if err != nil {
		// Keep serving the stale entry if we ever had one; otherwise the
		// caller degrades to Unknown.
		if cached && entry.lookupOK {
			return entry.booking, true
		}
		return nil, false
	}

	r.mu.Lock()
	r.cache[key] = cacheEntry{booking: booking, fetched: now, lookupOK: true}
	r.mu.Unlock()
	return booking, true
}

// localTime converts now to the tenant's timezone, falling back to UTC when
// the zone is missing or unknown.
func (r *Resolver) localTime(tenantID string, now time.Time) time.Time {
	if r.clock == nil {
		return now.UTC()
	}
	zone := r.clock.Timezone(tenantID)
	if zone == "" {
		return now.UTC()
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return now.UTC()
	}
	return now.In(loc)
}

// phaseOf derives the stay phase from a booking (nil means no booking on
// file, which reads as PostStay for a returning guest and PreArrival is not
// assumed — Unknown keeps the rules conservative).
func phaseOf(b *Booking, now time.Time) StayPhase {
	if b == nil {
		return PhaseUnknown
	}
	switch {
	case now.Before(b.CheckIn):
		return PhasePreArrival
	case now.After(b.CheckOut):
		return PhasePostStay
	default:
		return PhaseInStay
	}
}

// Invalidate drops the cached entry for a guest, forcing the next Resolve to
// consult the booking source. Used when the booking collaborator signals a
// reservation change.
func (r *Resolver) Invalidate(tenantID, guestPhone string) {
	r.mu.Lock()
	delete(r.cache, tenantID+":"+guestPhone)
	r.mu.Unlock()
}
