package rules

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stayflow/concierge/common/retry"
	"github.com/stayflow/concierge/internal/concierge/observability"
)

// Target identifies one rule-governed service or request-item of a tenant.
type Target struct {
	Scope Scope  `json:"scope"`
	ID    string `json:"id"`
}

// Client pulls rule data from the external rules-CRUD HTTP API.
type Client struct {
	base   string
	client *http.Client
}

// NewClient creates a Client for the rules-CRUD API at base
// (e.g. "https://admin.stayflow.internal"). timeout defaults to 5 s.
func NewClient(base string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{base: base, client: &http.Client{Timeout: timeout}}
}

// Catalog returns every rule-governed target configured for a tenant.
func (c *Client) Catalog(ctx context.Context, tenantID string) ([]Target, error) {
	var targets []Target
	err := c.getJSON(ctx, fmt.Sprintf("/admin/tenants/%s/catalog", url.PathEscape(tenantID)), &targets)
	if err != nil {
		return nil, fmt.Errorf("rules: fetch catalog for tenant %s: %w", tenantID, err)
	}
	return targets, nil
}

// ServiceRules returns the rules configured for one service.
func (c *Client) ServiceRules(ctx context.Context, tenantID, serviceID string) ([]Rule, error) {
	var out []Rule
	path := fmt.Sprintf("/admin/services/%s/%s/rules", url.PathEscape(tenantID), url.PathEscape(serviceID))
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, fmt.Errorf("rules: fetch service rules %s/%s: %w", tenantID, serviceID, err)
	}
	return out, nil
}

// RequestItemRules returns the rules configured for one request-item.
func (c *Client) RequestItemRules(ctx context.Context, tenantID, itemID string) ([]Rule, error) {
	var out []Rule
	path := fmt.Sprintf("/admin/request-items/%s/%s/rules", url.PathEscape(tenantID), url.PathEscape(itemID))
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, fmt.Errorf("rules: fetch request-item rules %s/%s: %w", tenantID, itemID, err)
	}
	return out, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %.200s", resp.StatusCode, body)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Fetcher is the slice of Client the Source needs; split out so tests can
// stub the rules-CRUD collaborator.
type Fetcher interface {
	Catalog(ctx context.Context, tenantID string) ([]Target, error)
	ServiceRules(ctx context.Context, tenantID, serviceID string) ([]Rule, error)
	RequestItemRules(ctx context.Context, tenantID, itemID string) ([]Rule, error)
}

// DefaultRefreshInterval is how often tenant snapshots are re-pulled in the
// absence of an invalidation signal.
const DefaultRefreshInterval = 2 * time.Minute

// Source maintains one immutable Snapshot per tenant behind an atomic
// pointer. Readers always see a complete, consistent snapshot and never
// block on refresh; refreshes build a brand-new Snapshot off to the side and
// swap the pointer in one step.
type Source struct {
	fetcher  Fetcher
	interval time.Duration

	mu        sync.Mutex
	snapshots map[string]*atomic.Pointer[Snapshot]

	// invalidate receives tenant IDs pushed by the rules-CRUD collaborator
	// when an operator edits rules; Run refreshes those out of cycle.
	invalidate chan string
}

// NewSource creates a Source. interval ≤ 0 uses DefaultRefreshInterval.
func NewSource(fetcher Fetcher, interval time.Duration) *Source {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	return &Source{
		fetcher:    fetcher,
		interval:   interval,
		snapshots:  make(map[string]*atomic.Pointer[Snapshot]),
		invalidate: make(chan string, 16),
	}
}

// Snapshot returns the current snapshot for a tenant. The first request for
// an unseen tenant triggers a synchronous fetch; afterwards readers get the
// last good snapshot even while a refresh is failing.
func (s *Source) Snapshot(ctx context.Context, tenantID string) (*Snapshot, error) {
	ptr := s.pointer(tenantID)
	if snap := ptr.Load(); snap != nil {
		return snap, nil
	}

	if err := s.Refresh(ctx, tenantID); err != nil {
		return nil, err
	}
	if snap := ptr.Load(); snap != nil {
		return snap, nil
	}
	return nil, ErrSnapshotUnavailable
}

// Refresh pulls a fresh snapshot for tenantID and swaps it in atomically.
// On failure the previous snapshot (if any) stays in place.
func (s *Source) Refresh(ctx context.Context, tenantID string) error {
	var snap *Snapshot
	err := retry.Do(ctx, retry.Config{MaxAttempts: 3, InitialDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second}, func() error {
		var buildErr error
		snap, buildErr = s.build(ctx, tenantID)
		return buildErr
	})
	if err != nil {
		return fmt.Errorf("rules: refresh snapshot for tenant %s: %w", tenantID, err)
	}

	s.pointer(tenantID).Store(snap)
	return nil
}

// build assembles a complete snapshot for a tenant from the CRUD API.
func (s *Source) build(ctx context.Context, tenantID string) (*Snapshot, error) {
	targets, err := s.fetcher.Catalog(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	var all []Rule
	for _, target := range targets {
		var rules []Rule
		switch target.Scope {
		case ScopeService:
			rules, err = s.fetcher.ServiceRules(ctx, tenantID, target.ID)
		case ScopeRequestItem:
			rules, err = s.fetcher.RequestItemRules(ctx, tenantID, target.ID)
		default:
			continue
		}
		if err != nil {
			return nil, err
		}
		all = append(all, rules...)
	}

	// Stable order so the version hash is reproducible.
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })

	return &Snapshot{
		TenantID:  tenantID,
		Version:   versionOf(all),
		Rules:     all,
		FetchedAt: time.Now().UTC(),
	}, nil
}

// Invalidate queues a tenant for out-of-cycle refresh. Non-blocking: when
// the queue is full the periodic refresh picks the change up instead.
func (s *Source) Invalidate(tenantID string) {
	select {
	case s.invalidate <- tenantID:
	default:
	}
}

// Run refreshes known tenants on the configured interval and serves
// invalidation signals until ctx is cancelled.
func (s *Source) Run(ctx context.Context) {
	log := observability.WithTrace(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case tenantID := <-s.invalidate:
			if err := s.Refresh(ctx, tenantID); err != nil {
				log.Warn("rules: invalidation refresh failed", "tenant_id", tenantID, "err", err)
			}
		case <-ticker.C:
			for _, tenantID := range s.knownTenants() {
				if err := s.Refresh(ctx, tenantID); err != nil {
					log.Warn("rules: periodic refresh failed, keeping last snapshot", "tenant_id", tenantID, "err", err)
				}
			}
		}
	}
}

func (s *Source) knownTenants() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.snapshots))
	for id := range s.snapshots {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// pointer returns the per-tenant snapshot slot, creating it on first use.
func (s *Source) pointer(tenantID string) *atomic.Pointer[Snapshot] {
	s.mu.Lock()
	defer s.mu.Unlock()
	ptr, ok := s.snapshots[tenantID]
	if !ok {
		ptr = new(atomic.Pointer[Snapshot])
		s.snapshots[tenantID] = ptr
	}
	return ptr
}

// versionOf derives a content hash identifying a rule set revision.
func versionOf(rules []Rule) string {
	h := sha256.New()
	enc := json.NewEncoder(h)
	for _, r := range rules {
		enc.Encode(r)
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}
