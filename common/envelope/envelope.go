// Package envelope defines the message envelope consumed from the WhatsApp
// transport collaborator and the outbound event shapes the engine hands back
// to it. The transport POSTs a normalised Inbound envelope for every guest
// message it receives; the engine replies with exactly one outbound action.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"
)

// Inbound is the normalised envelope delivered by the WhatsApp transport for
// a single guest message. It is immutable once created and consumed exactly
// once per orchestrator run.
type Inbound struct {
	// TenantID identifies the hotel property the guest is messaging.
	TenantID string `json:"tenant_id"`

	// ConversationID identifies the (tenant, phone) conversation. The
	// transport derives it deterministically so webhook retries carry the
	// same ID.
	ConversationID string `json:"conversation_id"`

	// GuestPhone is the guest's phone number in E.164 form.
	GuestPhone string `json:"guest_phone"`

	// Text is the raw message body as typed by the guest.
	Text string `json:"text"`

	// Timestamp is the UTC time the transport received the message.
	Timestamp time.Time `json:"timestamp"`

	// RawSource carries the transport's own delivery identifier, kept only
	// for traceability in logs and handoff context.
	RawSource string `json:"raw_source,omitempty"`
}

// Validate checks that an Inbound envelope is structurally valid.
// It returns a descriptive error on the first violated invariant, or nil if
// the envelope may be safely dispatched to the pipeline.
func (in *Inbound) Validate() error {
	if in == nil {
		return fmt.Errorf("envelope must not be nil")
	}
	if in.TenantID == "" {
		return fmt.Errorf("tenant_id must not be empty")
	}
	if in.ConversationID == "" {
		return fmt.Errorf("conversation_id must not be empty")
	}
	if in.GuestPhone == "" {
		return fmt.Errorf("guest_phone must not be empty")
	}
	if in.Timestamp.IsZero() {
		return fmt.Errorf("timestamp must not be zero")
	}
	return nil
}

// Parse decodes a JSON-encoded Inbound envelope and validates it.
// It is the canonical entry point for deserialising transport deliveries.
func Parse(data []byte) (*Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("envelope parse: %w", err)
	}
	if err := in.Validate(); err != nil {
		return nil, fmt.Errorf("envelope validate: %w", err)
	}
	return &in, nil
}

// Reply is the outbound response-text event sent to the WhatsApp delivery
// collaborator when the engine auto-responds or asks a clarifying question.
type Reply struct {
	TenantID       string    `json:"tenant_id"`
	ConversationID string    `json:"conversation_id"`
	GuestPhone     string    `json:"guest_phone"`
	Text           string    `json:"text"`
	TS             time.Time `json:"ts"`
}
