// Package rules evaluates the tenant's configured business rules against a
// resolved guest intent.
//
// Rules are owned by the external rules-CRUD collaborator; this package only
// holds read-only, versioned snapshots of them (refreshed atomically by the
// Fetcher) and answers one question per turn: may the bot act on this intent
// automatically, must it be denied, or does it need staff confirmation?
//
// Evaluation is deterministic: priority descending, ties broken by ascending
// rule ID, and a rule only applies when the classification confidence meets
// the rule's own minimum.
package rules

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrSnapshotUnavailable is returned when no rules snapshot has ever been
// fetched for a tenant. Callers degrade to conservative defaults (deny
// chargeable and time-gated actions) rather than fail open.
var ErrSnapshotUnavailable = errors.New("rules: snapshot unavailable")

// ErrMalformedPayload marks a rule whose structured payload failed schema
// validation. The evaluation-level handling depends on the rule type: hard
// limits deny, advisory rules allow with a warning.
var ErrMalformedPayload = errors.New("rules: malformed rule payload")

// Scope selects which kind of target a rule governs.
type Scope string

const (
	ScopeService     Scope = "service"
	ScopeRequestItem Scope = "request_item"
)

// Type identifies the predicate encoded in a rule's payload.
type Type string

const (
	// TypeTimeWindow allows the action only inside a daily open window.
	TypeTimeWindow Type = "time_window"
	// TypeMaxPerRoom caps how often a room may receive the item per day.
	TypeMaxPerRoom Type = "max_per_room"
	// TypeMaxPerGuest caps how often a guest may receive the item per day.
	TypeMaxPerGuest Type = "max_per_guest"
	// TypeRequiresBooking restricts the action to guests with an active stay.
	TypeRequiresBooking Type = "requires_active_booking"
	// TypeRestrictedHours denies the action inside a daily blackout window.
	TypeRestrictedHours Type = "restricted_hours"
)

// hardLimit reports whether a rule type is a hard limit: a malformed payload
// on a hard limit denies the action (safety-first), anything else allows
// with a warning flag.
func (t Type) hardLimit() bool {
	switch t {
	case TypeMaxPerRoom, TypeMaxPerGuest, TypeRequiresBooking, TypeRestrictedHours:
		return true
	default:
		return false
	}
}

// Rule is one configured business constraint, as served by the rules-CRUD
// API. The engine never mutates rules.
type Rule struct {
	ID       int64 `json:"id"`
	Scope    Scope `json:"scope"`
	// TargetID is the service or request-item the rule governs.
	TargetID string `json:"target_id"`
	Type     Type   `json:"rule_type"`
	// Key is the operator-facing name of the constraint (e.g. "kitchen_hours").
	Key string `json:"rule_key"`
	// Value is the structured predicate payload, validated against the
	// schema for Type before evaluation.
	Value json.RawMessage `json:"rule_value"`
	// Priority orders evaluation; higher runs first.
	Priority int `json:"priority"`
	// MinConfidence gates applicability: the rule is skipped entirely when
	// the classification confidence is below it.
	MinConfidence float64 `json:"min_confidence_score"`
	// ValidationMessage is the guest-facing text sent when this rule denies.
	ValidationMessage string `json:"validation_message"`
	Active            bool   `json:"is_active"`
	// RequiresFollowUp marks denials that staff should pick up; the transfer
	// decision turns them into a handoff.
	RequiresFollowUp bool `json:"requires_follow_up"`
}

// Snapshot is a read-only, versioned view of one tenant's active rules.
// Snapshots are immutable after construction and shared across workers.
type Snapshot struct {
	TenantID  string
	Version   string
	Rules     []Rule
	FetchedAt time.Time
}

// Outcome is the terminal result of a rule evaluation.
type Outcome string

const (
	Allowed              Outcome = "allowed"
	Denied               Outcome = "denied"
	RequiresConfirmation Outcome = "requires_confirmation"
)

// Evaluation is created once per evaluation call and not persisted.
type Evaluation struct {
	Outcome Outcome
	// Matched is the rule that produced a Denied or RequiresConfirmation
	// outcome; nil otherwise.
	Matched *Rule
	// Explanation is the guest-facing message for denials/confirmations.
	Explanation string
	// Unconstrained is true when no rule was applicable at all (none
	// configured for the target, or every rule skipped on confidence).
	// Allowed+Unconstrained is a weaker signal than a rule-backed Allowed
	// and makes the ambiguity path more cautious for chargeable intents.
	Unconstrained bool
	// Warnings lists non-fatal evaluation problems (e.g. malformed payloads
	// on advisory rules) for the audit trail.
	Warnings []string
}
