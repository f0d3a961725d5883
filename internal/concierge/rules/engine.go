package rules

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/stayflow/concierge/internal/concierge/observability"
)

// Engine evaluates a tenant's rule snapshot against one resolved intent.
// It holds no per-turn state and is safe for concurrent use.
type Engine struct {
	usage UsageCounter
}

// NewEngine creates an Engine. usage backs the quota predicates.
func NewEngine(usage UsageCounter) *Engine {
	return &Engine{usage: usage}
}

// Evaluate runs the snapshot's rules for (scope, targetID) against the
// turn's facts.
//
// Evaluation contract:
//   - Only active rules matching scope and target participate.
//   - Rules run in priority-descending order, ties broken by ascending ID,
//     so results are reproducible regardless of storage order.
//   - A rule whose MinConfidence exceeds the classification confidence is
//     skipped entirely — its predicate is not evaluated.
//   - The first rule whose predicate fails terminates evaluation with
//     Denied and that rule's validation message.
//   - A passing predicate that asks for confirmation terminates with
//     RequiresConfirmation.
//   - If no rule was applicable at all, the result is Allowed with
//     Unconstrained=true: absence of constraints is not an endorsement, and
//     the ambiguity path treats it with extra caution for chargeable intents.
//
// Malformed payloads follow the safety-first policy: hard-limit rule types
// deny, advisory types allow with a warning recorded on the Evaluation.
func (e *Engine) Evaluate(ctx context.Context, snap *Snapshot, scope Scope, targetID string, confidence float64, facts Facts) (Evaluation, error) {
	if snap == nil {
		return Evaluation{}, ErrSnapshotUnavailable
	}
	log := observability.WithTrace(ctx)

	matched := make([]Rule, 0, len(snap.Rules))
	for _, r := range snap.Rules {
		if r.Active && r.Scope == scope && r.TargetID == targetID {
			matched = append(matched, r)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Priority != matched[j].Priority {
			return matched[i].Priority > matched[j].Priority
		}
		return matched[i].ID < matched[j].ID
	})

	eval := Evaluation{Outcome: Allowed, Unconstrained: true}
	for i := range matched {
		r := matched[i]
		if confidence < r.MinConfidence {
			// Below the rule's own gate: skipped, not passed.
			continue
		}

		if err := validatePayload(r); err != nil {
			log.Warn("rules: malformed rule payload", "rule_id", r.ID, "rule_key", r.Key, "err", err)
			if r.Type.hardLimit() {
				eval.Outcome = Denied
				eval.Matched = &matched[i]
				eval.Explanation = r.ValidationMessage
				eval.Unconstrained = false
				return eval, nil
			}
			eval.Warnings = append(eval.Warnings, fmt.Sprintf("rule %d (%s): malformed payload ignored", r.ID, r.Key))
			continue
		}

		res, err := evaluatePredicate(ctx, r, snap.TenantID, facts, e.usage)
		if err != nil {
			if errors.Is(err, ErrMalformedPayload) {
				// Payload decoded by the schema but not by the struct: same
				// policy as schema failure.
				log.Warn("rules: rule payload rejected at evaluation", "rule_id", r.ID, "err", err)
				if r.Type.hardLimit() {
					eval.Outcome = Denied
					eval.Matched = &matched[i]
					eval.Explanation = r.ValidationMessage
					eval.Unconstrained = false
					return eval, nil
				}
				eval.Warnings = append(eval.Warnings, fmt.Sprintf("rule %d (%s): payload rejected", r.ID, r.Key))
				continue
			}
			// Infrastructure failure (e.g. usage counter store): fail closed
			// for hard limits, warn otherwise.
			log.Error("rules: predicate evaluation failed", "rule_id", r.ID, "err", err)
			if r.Type.hardLimit() {
				eval.Outcome = Denied
				eval.Matched = &matched[i]
				eval.Explanation = r.ValidationMessage
				eval.Unconstrained = false
				return eval, nil
			}
			eval.Warnings = append(eval.Warnings, fmt.Sprintf("rule %d (%s): evaluation error", r.ID, r.Key))
			continue
		}

		if res.indeterminate {
			// Temporal context is unknown: the conservative default denies
			// time-gated actions rather than guessing the hotel clock.
			eval.Outcome = Denied
			eval.Matched = &matched[i]
			eval.Explanation = r.ValidationMessage
			eval.Unconstrained = false
			return eval, nil
		}

		eval.Unconstrained = false
		if !res.passed {
			eval.Outcome = Denied
			eval.Matched = &matched[i]
			eval.Explanation = r.ValidationMessage
			return eval, nil
		}
		if res.confirm {
			eval.Outcome = RequiresConfirmation
			eval.Matched = &matched[i]
			eval.Explanation = r.ValidationMessage
			return eval, nil
		}
	}

	return eval, nil
}
