// Package events publishes the engine's notable moments so operational
// consumers (dashboards, the agent desk, audit pipelines) can react without
// the pipeline knowing about them.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Event types emitted by the engine.
const (
	TypeStateChanged    = "conversation.state_changed"
	TypeRuleViolation   = "rule.violation"
	TypeTransferCreated = "transfer.created"
	TypeDuplicateDrop   = "message.duplicate_dropped"
)

// Event is one published occurrence.
type Event struct {
	Type           string         `json:"type"`
	TenantID       string         `json:"tenant_id"`
	ConversationID string         `json:"conversation_id"`
	At             time.Time      `json:"at"`
	Fields         map[string]any `json:"fields,omitempty"`
}

// Notifier receives engine events. Publish must not block the pipeline.
type Notifier interface {
	Publish(ctx context.Context, ev Event)
}

// LogNotifier writes every event to the structured log. It is the default
// sink when no external consumer is wired.
type LogNotifier struct {
	Log *slog.Logger
}

// Publish implements Notifier.
func (n *LogNotifier) Publish(_ context.Context, ev Event) {
	attrs := []any{
		"type", ev.Type,
		"tenant_id", ev.TenantID,
		"conversation_id", ev.ConversationID,
	}
	for k, v := range ev.Fields {
		attrs = append(attrs, k, v)
	}
	n.Log.Info("event", attrs...)
}

// Bus fans events out to subscriber channels. Delivery is best effort: a
// subscriber that stops draining loses events rather than stalling the
// pipeline.
type Bus struct {
	mu   sync.RWMutex
	subs []chan Event
}

// NewBus returns an empty Bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a new consumer and returns its channel. buffer <= 0
// defaults to 64.
func (b *Bus) Subscribe(buffer int) <-chan Event {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

// Publish implements Notifier.
func (b *Bus) Publish(_ context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Multi publishes to several notifiers in order.
type Multi []Notifier

// Publish implements Notifier.
func (m Multi) Publish(ctx context.Context, ev Event) {
	for _, n := range m {
		n.Publish(ctx, ev)
	}
}
