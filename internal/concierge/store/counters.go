package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Counters tracks fulfilled requests per room and per guest, bucketed by
// the tenant's local calendar day. Quota rules read from it; the engine
// increments it after an auto-response actually places an order.
type Counters struct {
	db *sql.DB
}

// NewCounters wraps a Store for usage counting.
func NewCounters(s *Store) *Counters {
	return &Counters{db: s.db}
}

// Count returns today's usage for one (scope, scope key, target) triple.
// A missing row is zero usage.
func (c *Counters) Count(ctx context.Context, tenantID, scope, scopeKey, targetID, day string) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx, `
		SELECT count FROM usage_counters
		WHERE tenant_id = ? AND scope = ? AND scope_key = ? AND target_id = ? AND window_date = ?`,
		tenantID, scope, scopeKey, targetID, day).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read usage counter: %w", err)
	}
	return n, nil
}

// Increment adds delta to the day's counter, creating the row on first use.
func (c *Counters) Increment(ctx context.Context, tenantID, scope, scopeKey, targetID, day string, delta int) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO usage_counters (tenant_id, scope, scope_key, target_id, window_date, count)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, scope, scope_key, target_id, window_date)
		DO UPDATE SET count = count + excluded.count`,
		tenantID, scope, scopeKey, targetID, day, delta)
	if err != nil {
		return fmt.Errorf("failed to increment usage counter: %w", err)
	}
	return nil
}
