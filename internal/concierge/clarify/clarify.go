// Package clarify phrases the question the engine asks when a guest turn is
// too ambiguous to act on. The selector picks the question shape from the
// ambiguity reason: competing intents get a discriminating either/or
// question, a shaky single intent gets a confirmation, and everything else
// gets an open rephrase prompt.
//
// The selector only writes the question. Whether asking is still allowed,
// and what happens when the attempt budget runs out, is the caller's call.
package clarify

import (
	"fmt"

	"github.com/stayflow/concierge/internal/concierge/ambiguity"
	"github.com/stayflow/concierge/internal/concierge/intent"
)

// descriptions phrase each intent as the thing the guest would be doing.
// Used to build either/or questions a guest can answer in one word.
var descriptions = map[string]string{
	intent.IntentRoomService:  "order food or drinks to your room",
	intent.IntentRequestItem:  "have something brought up, like towels or pillows",
	intent.IntentMaintenance:  "report something in the room that needs fixing",
	intent.IntentConciergeQA:  "get a recommendation or local tip",
	intent.IntentBookingQA:    "ask about your reservation",
	intent.IntentSmalltalk:    "just chat",
	intent.IntentHumanRequest: "talk to a member of our team",
}

// Describe returns the guest-facing phrasing of an intent label, empty for
// labels that have none (unknown, emergency).
func Describe(label string) string {
	return descriptions[label]
}

// Question builds the clarification question for a flagged turn.
func Question(c *intent.Classification, verdict ambiguity.Verdict) string {
	switch verdict.Reason {
	case ambiguity.ReasonCompetingIntents:
		if q := eitherOr(c); q != "" {
			return q
		}
		return openPrompt()

	case ambiguity.ReasonFallbackGatedAction, ambiguity.ReasonUnconstrainedHighRisk:
		if desc := Describe(c.Intent); desc != "" {
			return fmt.Sprintf("Just to confirm, would you like to %s?", desc)
		}
		return openPrompt()

	default:
		return openPrompt()
	}
}

// eitherOr builds a discriminating question from the top intent and its
// closest alternative. Empty when either side has no guest-facing phrasing.
func eitherOr(c *intent.Classification) string {
	if len(c.Alternatives) == 0 {
		return ""
	}
	top := Describe(c.Intent)
	alt := Describe(c.Alternatives[0].Intent)
	if top == "" || alt == "" {
		return ""
	}
	return fmt.Sprintf("I want to make sure I get this right. Would you like to %s, or %s?", top, alt)
}

func openPrompt() string {
	return "I'm sorry, I didn't quite catch that. Could you tell me a bit more about what you need?"
}
