// Package ambiguity decides whether a classification is trustworthy enough
// to act on. The detector is pure: given the same classification and policy
// it always returns the same verdict, and it performs no I/O.
package ambiguity

import (
	"github.com/stayflow/concierge/internal/concierge/intent"
)

// Reason codes explaining why a classification was flagged ambiguous.
type Reason string

const (
	// ReasonLowConfidence means the top score fell below the tenant threshold.
	ReasonLowConfidence Reason = "low_confidence"
	// ReasonCompetingIntents means near-tied alternatives exist.
	ReasonCompetingIntents Reason = "competing_intents"
	// ReasonFallbackGatedAction means the deterministic fallback classified
	// an intent that is chargeable or business-rule gated — pattern matching
	// alone is not enough evidence to act on those.
	ReasonFallbackGatedAction Reason = "fallback_gated_action"
	// ReasonUnconstrainedHighRisk means no business rule constrained a
	// chargeable action, so the engine demands extra confidence before
	// acting without a guard rail.
	ReasonUnconstrainedHighRisk Reason = "unconstrained_high_risk"
)

// DefaultThreshold is the global confidence threshold below which a
// classification is ambiguous. Tenants can override it.
const DefaultThreshold = 0.6

// DefaultUnconstrainedMarkup is added to the effective threshold for
// chargeable intents that no business rule constrained.
const DefaultUnconstrainedMarkup = 0.2

// Policy carries the tenant-tunable knobs for ambiguity detection.
type Policy struct {
	// Threshold is the global confidence threshold. Zero uses DefaultThreshold.
	Threshold float64
	// UnconstrainedMarkup raises the bar for unconstrained chargeable
	// intents. Zero uses DefaultUnconstrainedMarkup.
	UnconstrainedMarkup float64
}

func (p Policy) threshold() float64 {
	if p.Threshold <= 0 {
		return DefaultThreshold
	}
	return p.Threshold
}

func (p Policy) markup() float64 {
	if p.UnconstrainedMarkup <= 0 {
		return DefaultUnconstrainedMarkup
	}
	return p.UnconstrainedMarkup
}

// Verdict is the detector's output.
type Verdict struct {
	Ambiguous bool
	Reason    Reason
}

// Detect flags classifications that are too uncertain to act on.
//
// unconstrained is the rules engine's signal that no applicable rule
// constrained the action. Absence of rules is not blanket allowance, so
// for chargeable intents it raises the effective confidence bar.
//
// Emergencies are never ambiguous: they bypass confidence gating entirely
// and are handled by the transfer decision.
func Detect(c *intent.Classification, pol Policy, unconstrained bool) Verdict {
	if c.Intent == intent.IntentEmergency {
		return Verdict{}
	}

	trait := intent.TraitOf(c.Intent)
	gated := trait.Chargeable || trait.RuleGated

	threshold := pol.threshold()
	if unconstrained && trait.Chargeable {
		threshold += pol.markup()
		if c.Confidence < threshold {
			return Verdict{Ambiguous: true, Reason: ReasonUnconstrainedHighRisk}
		}
	}

	switch {
	case c.Confidence < pol.threshold():
		return Verdict{Ambiguous: true, Reason: ReasonLowConfidence}
	case len(c.Alternatives) > 0:
		return Verdict{Ambiguous: true, Reason: ReasonCompetingIntents}
	case c.Method == intent.MethodPattern && gated:
		return Verdict{Ambiguous: true, Reason: ReasonFallbackGatedAction}
	default:
		return Verdict{}
	}
}
