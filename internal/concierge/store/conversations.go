package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/stayflow/concierge/internal/concierge/conversation"
)

// ConversationStore is the SQLite-backed implementation of
// conversation.Store. Updates carry an optimistic version check: a write
// against a stale version affects zero rows and surfaces as
// conversation.ErrVersionConflict.
type ConversationStore struct {
	db *sql.DB
}

// NewConversationStore creates a ConversationStore on the application
// database. The conversations migration must have been applied (guaranteed
// by store.New running all migrations on startup).
func NewConversationStore(s *Store) *ConversationStore {
	return &ConversationStore{db: s.DB()}
}

// Get returns the conversation for a (tenant, phone) pair or
// conversation.ErrNotFound.
func (s *ConversationStore) Get(ctx context.Context, tenantID, guestPhone string) (*conversation.Conversation, error) {
	c := &conversation.Conversation{}
	var lastIntent, lastTopic sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, guest_phone, state, clarification_attempts,
		       last_intent, last_topic, version, created_at, updated_at
		FROM conversations
		WHERE tenant_id = ? AND guest_phone = ?
	`, tenantID, guestPhone).Scan(
		&c.ID, &c.TenantID, &c.GuestPhone, (*string)(&c.State), &c.ClarificationAttempts,
		&lastIntent, &lastTopic, &c.Version, &c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, conversation.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	c.LastIntent = lastIntent.String
	c.LastTopic = lastTopic.String
	return c, nil
}

// GetByID returns the conversation by its id or conversation.ErrNotFound.
func (s *ConversationStore) GetByID(ctx context.Context, id string) (*conversation.Conversation, error) {
	c := &conversation.Conversation{}
	var lastIntent, lastTopic sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, guest_phone, state, clarification_attempts,
		       last_intent, last_topic, version, created_at, updated_at
		FROM conversations
		WHERE id = ?
	`, id).Scan(
		&c.ID, &c.TenantID, &c.GuestPhone, (*string)(&c.State), &c.ClarificationAttempts,
		&lastIntent, &lastTopic, &c.Version, &c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, conversation.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	c.LastIntent = lastIntent.String
	c.LastTopic = lastTopic.String
	return c, nil
}

// Create inserts a new conversation row.
func (s *ConversationStore) Create(ctx context.Context, c *conversation.Conversation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations
			(id, tenant_id, guest_phone, state, clarification_attempts,
			 last_intent, last_topic, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.TenantID, c.GuestPhone, string(c.State), c.ClarificationAttempts,
		nullable(c.LastIntent), nullable(c.LastTopic), c.Version, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	return nil
}

// Update persists the record under the optimistic version check and bumps
// c.Version on success.
func (s *ConversationStore) Update(ctx context.Context, c *conversation.Conversation) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations
		SET state = ?, clarification_attempts = ?, last_intent = ?, last_topic = ?,
		    version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`, string(c.State), c.ClarificationAttempts, nullable(c.LastIntent), nullable(c.LastTopic),
		c.UpdatedAt, c.ID, c.Version)
	if err != nil {
		return fmt.Errorf("failed to update conversation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if affected == 0 {
		return conversation.ErrVersionConflict
	}
	c.Version++
	return nil
}

// nullable maps "" to NULL for optional text columns.
func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
