// Package transfer decides when a conversation must leave the automated
// engine and be handed to a human agent, and manages the queue of open
// transfer requests.
//
// Trigger precedence is fixed: an explicit guest request beats everything
// except a detected emergency, and both beat rule- or confidence-driven
// escalation. Whatever the trigger, the produced request carries enough
// handoff context for the receiving agent to take over without re-asking
// the guest.
package transfer

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/stayflow/concierge/internal/concierge/intent"
)

// ErrTransferOpen is returned by Queue.Create when the conversation already
// has an open transfer — at most one exists at a time.
var ErrTransferOpen = errors.New("transfer: conversation already has an open transfer")

// ErrAlreadyAccepted is returned by Queue.Accept to the loser of an
// acceptance race; the agent is redirected back to the queue.
var ErrAlreadyAccepted = errors.New("transfer: request already accepted by another agent")

// Reason classifies why the handoff happened.
type Reason string

const (
	// ReasonUserRequested means the guest explicitly asked for a human.
	ReasonUserRequested Reason = "user_requested"
	// ReasonEmergencyHandoff means an emergency keyword matched.
	ReasonEmergencyHandoff Reason = "emergency_handoff"
	// ReasonComplexityLimit means clarification attempts were exhausted.
	ReasonComplexityLimit Reason = "complexity_limit"
	// ReasonQualityAssurance means confidence fell below the hard floor for
	// a chargeable or safety-relevant action.
	ReasonQualityAssurance Reason = "quality_assurance"
	// ReasonSpecialistRequired means a denying rule asked for human follow-up.
	ReasonSpecialistRequired Reason = "specialist_required"
	// ReasonSystemEscalation means the pipeline itself failed (deadline,
	// repeated state conflict) and refused to leave the guest unanswered.
	ReasonSystemEscalation Reason = "system_escalation"
)

// Priority orders the agent queue. Higher is more urgent; ties are served
// FIFO by request creation time.
type Priority int

const (
	PriorityNormal    Priority = 1
	PriorityHigh      Priority = 2
	PriorityEmergency Priority = 3
)

// Status of a transfer request. Superseded and closed requests are terminal
// and never mutated again.
type Status string

const (
	StatusOpen     Status = "open"
	StatusAccepted Status = "accepted"
	StatusClosed   Status = "closed"
)

// Turn is one prior exchange included in the handoff context.
type Turn struct {
	Role string `json:"role"` // "guest" or "assistant"
	Text string `json:"text"`
}

// HandoffContext is the structured summary shown to the receiving agent.
type HandoffContext struct {
	// Turns are the last few exchanges, oldest first.
	Turns []Turn `json:"turns,omitempty"`
	// Intent is the detected intent label of the triggering turn.
	Intent string `json:"intent,omitempty"`
	// Confidence is the classifier's certainty for that intent.
	Confidence float64 `json:"confidence,omitempty"`
	// MatchedRuleID is the business rule involved, when any.
	MatchedRuleID int64 `json:"matched_rule_id,omitempty"`
	// RuleMessage is the guest-facing message of the matched rule.
	RuleMessage string `json:"rule_message,omitempty"`
}

// Request is one handoff from the engine to a human agent.
type Request struct {
	ID              string                 `json:"id"`
	ConversationID  string                 `json:"conversation_id"`
	TenantID        string                 `json:"tenant_id"`
	Reason          Reason                 `json:"reason"`
	Priority        Priority               `json:"priority"`
	DetectionMethod intent.DetectionMethod `json:"detection_method,omitempty"`
	// TriggerPhrase is the text fragment that fired a keyword or pattern
	// trigger; empty for model- or rule-driven transfers.
	TriggerPhrase string         `json:"trigger_phrase,omitempty"`
	Context       HandoffContext `json:"context"`
	Status        Status         `json:"status"`
	// AssignedAgent is set when an agent accepts the request.
	AssignedAgent string `json:"assigned_agent,omitempty"`
	// Version backs the optimistic acceptance check.
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewRequest builds an open Request with a fresh ID.
func NewRequest(conversationID, tenantID string, reason Reason, priority Priority, method intent.DetectionMethod) *Request {
	now := time.Now().UTC()
	return &Request{
		ID:              uuid.New().String(),
		ConversationID:  conversationID,
		TenantID:        tenantID,
		Reason:          reason,
		Priority:        priority,
		DetectionMethod: method,
		Status:          StatusOpen,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}
