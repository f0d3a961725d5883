package engine

import (
	"fmt"

	"github.com/stayflow/concierge/internal/concierge/intent"
	"github.com/stayflow/concierge/internal/concierge/rules"
)

// Responder turns a resolved, allowed intent into the guest-facing reply
// text. The default is template-based; deployments can swap in a generative
// responder without touching the decision pipeline.
type Responder interface {
	Respond(c *intent.Classification, eval *rules.Evaluation) string
}

// templateResponder answers from fixed per-intent templates.
type templateResponder struct{}

// NewTemplateResponder returns the default Responder.
func NewTemplateResponder() Responder {
	return templateResponder{}
}

func (templateResponder) Respond(c *intent.Classification, eval *rules.Evaluation) string {
	switch c.Intent {
	case intent.IntentRoomService:
		return "Your order has been passed to room service. It should be with you shortly."
	case intent.IntentRequestItem:
		item := c.TargetID
		if item == "" {
			item = "your request"
		}
		return fmt.Sprintf("Of course. Housekeeping will bring %s to your room shortly.", item)
	case intent.IntentMaintenance:
		return "Thank you for letting us know. Maintenance has been notified and will look at it as soon as possible."
	case intent.IntentBookingQA:
		return "Let me check your reservation details. The front desk will confirm in a moment."
	case intent.IntentConciergeQA:
		return "Happy to help with that. Our concierge will send you a recommendation right away."
	case intent.IntentSmalltalk:
		return "Thank you! Let me know if there is anything I can do for you."
	default:
		return "Thank you for your message. Is there anything I can help you with?"
	}
}

// confirmationText is the reply when a rule asks the guest to confirm before
// the action is placed.
func confirmationText(eval *rules.Evaluation) string {
	if eval != nil && eval.Matched != nil && eval.Matched.ValidationMessage != "" {
		return eval.Matched.ValidationMessage
	}
	return "Before I place this, can you confirm you'd like to go ahead?"
}

// denialText is the reply for a rule denial. Every configured rule carries a
// guest-facing message; the generic fallback only covers missing ones.
func denialText(eval *rules.Evaluation) string {
	if eval != nil && eval.Explanation != "" {
		return eval.Explanation
	}
	return "I'm sorry, that isn't available right now."
}

// escalationText acknowledges the guest while a transfer request is queued.
func escalationText(emergency bool) string {
	if emergency {
		return "Our staff has been alerted and is on the way. If you are in immediate danger, please also call the local emergency number."
	}
	return "I'm connecting you with a member of our team. Someone will be with you shortly."
}
