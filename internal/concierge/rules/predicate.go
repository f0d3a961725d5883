package rules

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemasFS embed.FS

// payloadSchemas maps each rule type to its compiled JSON Schema. Built once
// at package init; the schema files are part of the binary.
var payloadSchemas = func() map[Type]*jsonschema.Schema {
	files := map[Type]string{
		TypeTimeWindow:      "schemas/time_window.json",
		TypeMaxPerRoom:      "schemas/quota.json",
		TypeMaxPerGuest:     "schemas/quota.json",
		TypeRequiresBooking: "schemas/requires_booking.json",
		TypeRestrictedHours: "schemas/restricted_hours.json",
	}

	out := make(map[Type]*jsonschema.Schema, len(files))
	for typ, path := range files {
		data, err := schemasFS.ReadFile(path)
		if err != nil {
			panic(fmt.Sprintf("rules: missing embedded schema %s: %v", path, err))
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(path, bytes.NewReader(data)); err != nil {
			panic(fmt.Sprintf("rules: add schema resource %s: %v", path, err))
		}
		schema, err := compiler.Compile(path)
		if err != nil {
			panic(fmt.Sprintf("rules: compile schema %s: %v", path, err))
		}
		out[typ] = schema
	}
	return out
}()

// validatePayload checks a rule's raw payload against the schema for its
// type. Unknown rule types are malformed by definition.
func validatePayload(r Rule) error {
	schema, ok := payloadSchemas[r.Type]
	if !ok {
		return fmt.Errorf("%w: unknown rule type %q (rule %d)", ErrMalformedPayload, r.Type, r.ID)
	}

	var v any
	if err := json.Unmarshal(r.Value, &v); err != nil {
		return fmt.Errorf("%w: rule %d: %v", ErrMalformedPayload, r.ID, err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("%w: rule %d: %v", ErrMalformedPayload, r.ID, err)
	}
	return nil
}

// --- payload structs (decoded only after schema validation) ---

type timeWindowPayload struct {
	Open  string `json:"open"`
	Close string `json:"close"`
}

type quotaPayload struct {
	Max           int `json:"max"`
	ConfirmWithin int `json:"confirm_within"`
}

type requiresBookingPayload struct {
	Required *bool `json:"required"`
}

type restrictedHoursPayload struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// predicateResult is the outcome of evaluating a single rule's predicate.
type predicateResult struct {
	// passed is true when the rule does not object to the action.
	passed bool
	// confirm is true when the rule wants staff confirmation instead of a
	// plain allow (quota near its limit).
	confirm bool
	// indeterminate is true when the predicate could not be decided (e.g.
	// time-window rule with an indeterminate temporal context).
	indeterminate bool
}

// Facts carries the per-turn inputs the predicates read. It is assembled by
// the orchestrator from the temporal context and classification.
type Facts struct {
	// LocalTime is the tenant-local time of the message.
	LocalTime time.Time
	// TimeIndeterminate is true when the temporal context could not be
	// resolved; time predicates then defer to the conservative default.
	TimeIndeterminate bool
	// HasActiveBooking reports whether the guest holds an active stay.
	HasActiveBooking bool
	// RoomNumber is the guest's room, empty without an active booking.
	RoomNumber string
	// GuestPhone identifies the guest for per-guest quotas.
	GuestPhone string
	// Quantity is how many units the guest asked for (defaults to 1).
	Quantity int
}

// UsageCounter reports and advances per-room / per-guest usage counts for
// quota predicates. Implementations are backed by the engine's database.
type UsageCounter interface {
	// Count returns the current usage for the scope key and target within
	// the tenant-local day.
	Count(ctx context.Context, tenantID, scope, scopeKey, targetID string, day string) (int, error)
}

// evaluatePredicate runs one validated rule against the turn's facts.
func evaluatePredicate(ctx context.Context, r Rule, tenantID string, facts Facts, usage UsageCounter) (predicateResult, error) {
	switch r.Type {
	case TypeTimeWindow:
		var p timeWindowPayload
		if err := json.Unmarshal(r.Value, &p); err != nil {
			return predicateResult{}, fmt.Errorf("%w: rule %d: %v", ErrMalformedPayload, r.ID, err)
		}
		if facts.TimeIndeterminate {
			return predicateResult{indeterminate: true}, nil
		}
		return predicateResult{passed: withinWindow(facts.LocalTime, p.Open, p.Close)}, nil

	case TypeRestrictedHours:
		var p restrictedHoursPayload
		if err := json.Unmarshal(r.Value, &p); err != nil {
			return predicateResult{}, fmt.Errorf("%w: rule %d: %v", ErrMalformedPayload, r.ID, err)
		}
		if facts.TimeIndeterminate {
			return predicateResult{indeterminate: true}, nil
		}
		// Restricted hours are a blackout: inside the window fails.
		return predicateResult{passed: !withinWindow(facts.LocalTime, p.Start, p.End)}, nil

	case TypeRequiresBooking:
		var p requiresBookingPayload
		if err := json.Unmarshal(r.Value, &p); err != nil {
			return predicateResult{}, fmt.Errorf("%w: rule %d: %v", ErrMalformedPayload, r.ID, err)
		}
		if p.Required != nil && !*p.Required {
			return predicateResult{passed: true}, nil
		}
		return predicateResult{passed: facts.HasActiveBooking}, nil

	case TypeMaxPerRoom, TypeMaxPerGuest:
		var p quotaPayload
		if err := json.Unmarshal(r.Value, &p); err != nil {
			return predicateResult{}, fmt.Errorf("%w: rule %d: %v", ErrMalformedPayload, r.ID, err)
		}
		scope, scopeKey := "room", facts.RoomNumber
		if r.Type == TypeMaxPerGuest {
			scope, scopeKey = "guest", facts.GuestPhone
		}
		if scopeKey == "" {
			// No room on file: the quota cannot be attributed, so the safe
			// reading of a hard limit is to fail the predicate.
			return predicateResult{}, nil
		}

		day := facts.LocalTime.Format("2006-01-02")
		current, err := usage.Count(ctx, tenantID, scope, scopeKey, r.TargetID, day)
		if err != nil {
			return predicateResult{}, fmt.Errorf("rules: usage count for rule %d: %w", r.ID, err)
		}

		qty := facts.Quantity
		if qty <= 0 {
			qty = 1
		}
		switch {
		case current+qty > p.Max:
			return predicateResult{}, nil // over the cap — deny
		case p.ConfirmWithin > 0 && p.Max-(current+qty) < p.ConfirmWithin:
			return predicateResult{passed: true, confirm: true}, nil
		default:
			return predicateResult{passed: true}, nil
		}

	default:
		return predicateResult{}, fmt.Errorf("%w: unknown rule type %q (rule %d)", ErrMalformedPayload, r.Type, r.ID)
	}
}

// withinWindow reports whether the clock time of t falls inside [open,
// close). Windows that cross midnight (e.g. 22:00–07:00) wrap.
func withinWindow(t time.Time, open, close string) bool {
	minutes := t.Hour()*60 + t.Minute()
	o := clockMinutes(open)
	c := clockMinutes(close)
	if o <= c {
		return minutes >= o && minutes < c
	}
	return minutes >= o || minutes < c
}

// clockMinutes parses "HH:MM" into minutes since midnight. Inputs are schema
// validated before this runs.
func clockMinutes(s string) int {
	var h, m int
	fmt.Sscanf(s, "%d:%d", &h, &m)
	return h*60 + m
}
