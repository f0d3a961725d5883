package transfer

import (
	"regexp"
	"strings"

	"github.com/stayflow/concierge/internal/concierge/intent"
	"github.com/stayflow/concierge/internal/concierge/rules"
)

// humanRequestPatterns catch explicit asks for a person even when the
// classifier labelled the turn otherwise. The keyword scan runs on the
// normalized text and wins over the model's label.
var humanRequestPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(speak|talk|chat)\s+(to|with)\s+(a\s+)?(human|person|someone|staff|agent|manager|reception)\b`),
	regexp.MustCompile(`(?i)\b(real|actual)\s+(person|human)\b`),
	regexp.MustCompile(`(?i)\bcall\s+(the\s+)?(front\s+desk|reception|manager)\b`),
	regexp.MustCompile(`(?i)\bno\s+more\s+bot\b`),
}

// emergencyPattern mirrors the safety net of the intent fallback: any hit
// forces an emergency handoff regardless of what the classifier said.
var emergencyPattern = regexp.MustCompile(`(?i)\b(fire|smoke|gas\s+leak|flood(ing)?|ambulance|heart\s+attack|can'?t\s+breathe|cannot\s+breathe|intruder|break.?in|bleeding|unconscious|emergency)\b`)

// Policy holds the tenant-tunable knobs of the decision.
type Policy struct {
	// HardFloor is the confidence below which chargeable or safety
	// relevant intents are never acted on automatically.
	HardFloor float64
	// MaxClarifications bounds how many times the engine may ask the
	// guest to rephrase before giving up.
	MaxClarifications int
}

// DefaultPolicy matches the shipped tenant defaults.
func DefaultPolicy() Policy {
	return Policy{HardFloor: 0.3, MaxClarifications: 2}
}

// Input is everything the decision inspects for one guest turn.
type Input struct {
	Text           string
	Classification intent.Classification
	// Evaluation is nil when no business rule was consulted this turn.
	Evaluation *rules.Evaluation
	// Ambiguous reports whether this turn was flagged for clarification.
	Ambiguous bool
	// Topic identifies the subject of this turn; LastTopic is the subject
	// the conversation was already clarifying. The attempt budget only
	// counts when they match, so a topic change earns a fresh budget.
	Topic     string
	LastTopic string
	// ClarificationAttempts is the conversation's current consecutive
	// clarification count, before this turn is handled.
	ClarificationAttempts int
}

// Decide checks the transfer triggers in precedence order and returns the
// handoff request the highest one produces, or nil when the conversation
// can stay automated. The caller fills in conversation identifiers and
// handoff context.
func Decide(tenantID, conversationID string, in Input, pol Policy) *Request {
	text := strings.TrimSpace(in.Text)

	if phrase := emergencyPattern.FindString(text); phrase != "" {
		req := NewRequest(conversationID, tenantID, ReasonEmergencyHandoff, PriorityEmergency, intent.MethodKeyword)
		req.TriggerPhrase = phrase
		return req
	}
	if in.Classification.Intent == intent.IntentEmergency {
		return NewRequest(conversationID, tenantID, ReasonEmergencyHandoff, PriorityEmergency, in.Classification.Method)
	}

	for _, re := range humanRequestPatterns {
		if phrase := re.FindString(text); phrase != "" {
			req := NewRequest(conversationID, tenantID, ReasonUserRequested, PriorityHigh, intent.MethodPattern)
			req.TriggerPhrase = phrase
			return req
		}
	}
	if in.Classification.Intent == intent.IntentHumanRequest {
		return NewRequest(conversationID, tenantID, ReasonUserRequested, PriorityHigh, in.Classification.Method)
	}

	if in.Evaluation != nil && in.Evaluation.Outcome == rules.Denied &&
		in.Evaluation.Matched != nil && in.Evaluation.Matched.RequiresFollowUp {
		req := NewRequest(conversationID, tenantID, ReasonSpecialistRequired, PriorityHigh, in.Classification.Method)
		req.Context.MatchedRuleID = in.Evaluation.Matched.ID
		req.Context.RuleMessage = in.Evaluation.Matched.ValidationMessage
		return req
	}

	if in.Ambiguous && in.Topic == in.LastTopic && in.ClarificationAttempts >= pol.MaxClarifications {
		return NewRequest(conversationID, tenantID, ReasonComplexityLimit, PriorityNormal, in.Classification.Method)
	}

	traits := intent.TraitOf(in.Classification.Intent)
	if in.Classification.Confidence < pol.HardFloor && (traits.Chargeable || traits.SafetyRelevant) {
		return NewRequest(conversationID, tenantID, ReasonQualityAssurance, PriorityNormal, in.Classification.Method)
	}

	return nil
}

// SystemEscalation builds the request the engine files when the pipeline
// itself failed and a human has to pick up the conversation.
func SystemEscalation(tenantID, conversationID string) *Request {
	return NewRequest(conversationID, tenantID, ReasonSystemEscalation, PriorityHigh, "")
}
