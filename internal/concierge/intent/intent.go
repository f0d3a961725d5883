// Package intent turns a normalized guest message into a structured intent
// classification.
//
// The primary path calls an external LLM service; a deterministic
// keyword/pattern matcher backs it so the pipeline never blocks on the LLM.
// All provider calls are bounded by a timeout, a small retry budget, and a
// circuit breaker — when the breaker is open, classification goes straight
// to the fallback matcher.
//
// Security invariants:
//   - The classifier only proposes intents; it never performs actions.
//   - The LLM is shown the intent catalogue and temporal context only; it
//     never sees business-rule payloads or other guests' conversations.
package intent

import (
	"context"
	"errors"
	"time"
)

// ErrRateLimit is returned by a Provider when the upstream LLM API reports a
// rate-limiting condition (e.g. HTTP 429 Too Many Requests).
var ErrRateLimit = errors.New("intent: upstream rate limit exceeded")

// ErrMalformedOutput is returned by a Provider when the LLM returns a
// structurally valid HTTP response whose body cannot be interpreted as a
// Classification (JSON parse failure, unexpected schema).
var ErrMalformedOutput = errors.New("intent: malformed response from LLM")

// DetectionMethod records which mechanism produced a classification.
type DetectionMethod string

const (
	// MethodLLM means the external language model produced the result.
	MethodLLM DetectionMethod = "llm"
	// MethodPattern means the deterministic fallback matcher produced it.
	MethodPattern DetectionMethod = "pattern"
	// MethodKeyword means a fixed keyword list matched (emergency terms).
	MethodKeyword DetectionMethod = "keyword"
)

// FallbackConfidence is the fixed confidence assigned to fallback-matcher
// classifications. It sits below the default ambiguity threshold so
// pattern-derived intents for gated actions always receive extra scrutiny.
const FallbackConfidence = 0.4

// Intent labels recognised by the engine. The catalogue is intentionally
// closed: the LLM may only pick from this list, anything else is rejected
// as malformed output.
const (
	IntentRoomService  = "room_service.order"
	IntentRequestItem  = "housekeeping.request_item"
	IntentMaintenance  = "maintenance.report"
	IntentConciergeQA  = "concierge.question"
	IntentBookingQA    = "booking.question"
	IntentSmalltalk    = "smalltalk"
	IntentHumanRequest = "human.request"
	IntentEmergency    = "emergency"
	IntentUnknown      = "unknown"
)

// Trait describes the risk attributes of an intent label. The ambiguity
// detector and transfer decision consult these when deciding how much
// confidence an action needs.
type Trait struct {
	// Chargeable means acting on the intent can put money on the guest folio.
	Chargeable bool
	// RuleGated means business rules may constrain the action.
	RuleGated bool
	// SafetyRelevant means a wrong automated answer carries physical risk.
	SafetyRelevant bool
}

// Catalogue maps every known intent label to its traits.
var Catalogue = map[string]Trait{
	IntentRoomService:  {Chargeable: true, RuleGated: true},
	IntentRequestItem:  {RuleGated: true},
	IntentMaintenance:  {SafetyRelevant: true},
	IntentConciergeQA:  {},
	IntentBookingQA:    {},
	IntentSmalltalk:    {},
	IntentHumanRequest: {},
	IntentEmergency:    {SafetyRelevant: true},
	IntentUnknown:      {},
}

// Known reports whether label is part of the closed intent catalogue.
func Known(label string) bool {
	_, ok := Catalogue[label]
	return ok
}

// TraitOf returns the traits for label, zero traits for unknown labels.
func TraitOf(label string) Trait {
	return Catalogue[label]
}

// Alternative is a competing intent the model considered close to the top
// choice. Alternatives are ranked by descending confidence.
type Alternative struct {
	Intent     string  `json:"intent"`
	Confidence float64 `json:"confidence"`
}

// Classification is the structured output of one classification call.
// It lives only for the duration of the conversation turn; the orchestrator
// persists just the intent label as the conversation's last intent.
type Classification struct {
	// Intent is the top intent label from the catalogue.
	Intent string `json:"intent"`

	// TargetID is the service or request-item identifier the intent acts on
	// (e.g. "towels", "room-service-dinner"). Empty when not applicable.
	TargetID string `json:"target_id,omitempty"`

	// Entities holds extracted slots (quantity, time, item...).
	Entities map[string]string `json:"entities,omitempty"`

	// Confidence is the model's certainty in [0,1].
	Confidence float64 `json:"confidence"`

	// Alternatives lists competing intents within the near-tie margin of the
	// top choice. Non-empty alternatives signal ambiguity downstream.
	Alternatives []Alternative `json:"alternatives,omitempty"`

	// Method records which mechanism produced this classification.
	Method DetectionMethod `json:"method"`
}

// HistoryMessage is a single prior turn injected into the LLM context window
// so the model has continuity across messages.
type HistoryMessage struct {
	// Role is "guest" or "assistant".
	Role string
	// Content is the message text.
	Content string
}

// Request is the input to a single classification call.
type Request struct {
	// Text is the normalized guest message.
	Text string

	// Language is the detected BCP 47 language tag, empty when unknown.
	Language string

	// StayPhase is the guest's resolved stay phase, passed to the model so
	// "tomorrow" and "my room" resolve sensibly.
	StayPhase string

	// LocalTime is the tenant-local time of the message.
	LocalTime time.Time

	// History contains the last few turns of the conversation, oldest first.
	History []HistoryMessage

	// AlternativeMargin is the tenant's near-tie margin for surfacing
	// competing intents. Zero keeps the classifier's configured margin.
	AlternativeMargin float64
}

// Provider classifies guest messages into structured intents.
//
// Implementations must be safe for concurrent use. When a provider is
// unavailable (network error, timeout), it returns a descriptive error and
// the Classifier degrades to the deterministic fallback matcher.
type Provider interface {
	Classify(ctx context.Context, req Request) (*Classification, error)
}
