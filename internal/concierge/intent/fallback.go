package intent

import (
	"regexp"
	"strings"
)

// fallbackRule is one deterministic pattern the matcher tries in order.
// The first matching rule wins.
type fallbackRule struct {
	intent   string
	target   string
	keywords []string
	patterns []*regexp.Regexp
}

// fallbackRules is evaluated top to bottom, so safety-relevant intents come
// first and generic catch-alls last.
var fallbackRules = []fallbackRule{
	{
		intent: IntentEmergency,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\b(fire|smoke|gas leak|flood(ing)?|intruder|can'?t breathe|heart attack|unconscious)\b`),
			regexp.MustCompile(`(?i)\bemergenc`),
		},
	},
	{
		intent: IntentHumanRequest,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\b(speak|talk)\s+(to|with)\s+(a\s+)?(human|person|someone|staff|agent|manager|reception)\b`),
			regexp.MustCompile(`(?i)\breal person\b`),
			regexp.MustCompile(`(?i)\bfront desk\b`),
		},
	},
	{
		intent:   IntentRoomService,
		target:   "room-service",
		keywords: []string{"room service", "order food", "breakfast", "dinner", "lunch", "burger", "pizza", "menu", "hungry", "bottle of"},
	},
	{
		intent:   IntentRequestItem,
		target:   "", // filled from the matched item keyword
		keywords: []string{"towel", "towels", "pillow", "blanket", "toothbrush", "soap", "shampoo", "hanger", "iron", "adapter", "charger"},
	},
	{
		intent:   IntentMaintenance,
		keywords: []string{"broken", "leaking", "not working", "doesn't work", "won't turn on", "clogged", "no hot water", "ac is", "air conditioning"},
	},
	{
		intent:   IntentBookingQA,
		keywords: []string{"check-in", "check in", "check-out", "check out", "checkout", "late checkout", "my booking", "my reservation", "extend my stay"},
	},
	{
		intent:   IntentConciergeQA,
		keywords: []string{"wifi", "wi-fi", "password", "pool", "gym", "spa", "parking", "restaurant nearby", "taxi", "airport", "directions"},
	},
	{
		intent:   IntentSmalltalk,
		keywords: []string{"hello", "hi ", "hey", "good morning", "good evening", "thank you", "thanks", "bye"},
	},
}

// FallbackMatcher is the deterministic keyword/pattern classifier used when
// the LLM provider is unavailable, throttled, or behind an open circuit
// breaker. It is stateless and safe for concurrent use.
type FallbackMatcher struct{}

// NewFallbackMatcher returns the deterministic fallback Provider.
func NewFallbackMatcher() *FallbackMatcher {
	return &FallbackMatcher{}
}

// Match classifies text with fixed low confidence and Method=pattern, except
// emergency matches which are reported as Method=keyword so the transfer
// decision can honour them unconditionally.
//
// Match never fails: unrecognised input yields IntentUnknown.
func (m *FallbackMatcher) Match(text string) *Classification {
	lowered := strings.ToLower(text)

	for _, rule := range fallbackRules {
		phrase, ok := rule.matches(lowered)
		if !ok {
			continue
		}

		c := &Classification{
			Intent:     rule.intent,
			TargetID:   rule.target,
			Confidence: FallbackConfidence,
			Method:     MethodPattern,
		}
		if rule.intent == IntentEmergency {
			c.Method = MethodKeyword
			c.Confidence = 1.0
			c.Entities = map[string]string{"trigger": phrase}
		}
		if rule.intent == IntentRequestItem && rule.target == "" {
			c.TargetID = itemTarget(phrase)
			c.Entities = map[string]string{"item": c.TargetID}
		}
		return c
	}

	return &Classification{
		Intent:     IntentUnknown,
		Confidence: FallbackConfidence,
		Method:     MethodPattern,
	}
}

// matches reports whether the rule applies to lowered text, returning the
// matched phrase for traceability.
func (r fallbackRule) matches(lowered string) (string, bool) {
	for _, re := range r.patterns {
		if m := re.FindString(lowered); m != "" {
			return m, true
		}
	}
	for _, kw := range r.keywords {
		if strings.Contains(lowered, kw) {
			return strings.TrimSpace(kw), true
		}
	}
	return "", false
}

// itemTarget maps a matched item keyword onto the request-item identifier
// used by the rules snapshot (singular form).
func itemTarget(keyword string) string {
	switch keyword {
	case "towels":
		return "towel"
	default:
		return keyword
	}
}
