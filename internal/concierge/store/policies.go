package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Policies holds per-tenant overrides of the engine's tunable knobs as a
// small key/value table. Values are strings; the config layer owns parsing
// and fallback to defaults.
type Policies struct {
	db *sql.DB
}

// NewPolicies wraps a Store for tenant policy access.
func NewPolicies(s *Store) *Policies {
	return &Policies{db: s.db}
}

// ForTenant returns every override the tenant has set.
func (p *Policies) ForTenant(ctx context.Context, tenantID string) (map[string]string, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT key, value FROM tenant_policies WHERE tenant_id = ?`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load tenant policies: %w", err)
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("failed to scan tenant policy: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// Set stores or replaces one override.
func (p *Policies) Set(ctx context.Context, tenantID, key, value string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO tenant_policies (tenant_id, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (tenant_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		tenantID, key, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to set tenant policy: %w", err)
	}
	return nil
}

// Unset removes one override, reverting the tenant to the default.
func (p *Policies) Unset(ctx context.Context, tenantID, key string) error {
	_, err := p.db.ExecContext(ctx, `
		DELETE FROM tenant_policies WHERE tenant_id = ? AND key = ?`, tenantID, key)
	if err != nil {
		return fmt.Errorf("failed to unset tenant policy: %w", err)
	}
	return nil
}
