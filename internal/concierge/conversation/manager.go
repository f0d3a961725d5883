package conversation

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Store is the persistence boundary for conversations. Implementations must
// apply an optimistic version check on Update and return ErrVersionConflict
// when the stored version differs from the one carried by the record.
type Store interface {
	// Get returns the conversation for a (tenant, phone) pair or ErrNotFound.
	Get(ctx context.Context, tenantID, guestPhone string) (*Conversation, error)
	// GetByID returns the conversation by its id or ErrNotFound.
	GetByID(ctx context.Context, id string) (*Conversation, error)
	// Create inserts a new conversation row.
	Create(ctx context.Context, c *Conversation) error
	// Update persists the record if and only if the stored version matches
	// c.Version, then increments c.Version.
	Update(ctx context.Context, c *Conversation) error
}

// Manager is the single component permitted to mutate conversation state.
type Manager struct {
	store Store
}

// NewManager creates a Manager backed by store.
func NewManager(store Store) *Manager {
	return &Manager{store: store}
}

// Load returns the conversation for a guest, creating it in StateIdle on the
// first inbound message.
func (m *Manager) Load(ctx context.Context, tenantID, guestPhone string) (*Conversation, error) {
	c, err := m.store.Get(ctx, tenantID, guestPhone)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	c = &Conversation{
		ID:         uuid.New().String(),
		TenantID:   tenantID,
		GuestPhone: guestPhone,
		State:      StateIdle,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := m.store.Create(ctx, c); err != nil {
		// A concurrent first message may have won the insert race; fall
		// back to reading the winner.
		if existing, getErr := m.store.Get(ctx, tenantID, guestPhone); getErr == nil {
			return existing, nil
		}
		return nil, err
	}
	return c, nil
}

// LoadByID returns an existing conversation by its id. Unlike Load it never
// creates; transfer rows reference conversations that already exist.
func (m *Manager) LoadByID(ctx context.Context, id string) (*Conversation, error) {
	return m.store.GetByID(ctx, id)
}

// Commit applies exactly one state transition and persists it under the
// optimistic version check. On ErrVersionConflict the caller reloads and
// retries once; a repeated conflict is escalated, never guessed through.
func (m *Manager) Commit(ctx context.Context, c *Conversation, to State, intentLabel, topic string) error {
	if err := c.Transition(to, intentLabel, topic); err != nil {
		return err
	}
	c.UpdatedAt = time.Now().UTC()
	return m.store.Update(ctx, c)
}

// AcceptHandoff marks the conversation as owned by a human agent. Called
// when an agent claims the conversation's transfer request.
func (m *Manager) AcceptHandoff(ctx context.Context, c *Conversation) error {
	return m.Commit(ctx, c, StateHandedOff, "", "")
}

// CloseHandoff returns a handed-off or escalated conversation to the idle
// pool once staff finish with it.
func (m *Manager) CloseHandoff(ctx context.Context, c *Conversation) error {
	return m.Commit(ctx, c, StateIdle, "", "")
}
