package intent_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stayflow/concierge/internal/concierge/intent"
)

// scriptedProvider returns its queued responses/errors in order, repeating
// the last entry once the script runs out.
type scriptedProvider struct {
	responses []*intent.Classification
	errs      []error
	calls     int
}

func (p *scriptedProvider) Classify(_ context.Context, _ intent.Request) (*intent.Classification, error) {
	i := p.calls
	p.calls++
	if i >= len(p.errs) {
		i = len(p.errs) - 1
	}
	return p.responses[i], p.errs[i]
}

func newClassifier(p intent.Provider) *intent.Classifier {
	return intent.NewClassifier(p, nil, nil, intent.ClassifierConfig{})
}

func TestClassify_PassesThroughValidResponse(t *testing.T) {
	p := &scriptedProvider{
		responses: []*intent.Classification{{
			Intent:     intent.IntentRequestItem,
			TargetID:   "towel",
			Confidence: 0.92,
		}},
		errs: []error{nil},
	}

	got := newClassifier(p).Classify(context.Background(), "t:+1", intent.Request{Text: "extra towels please"})
	if got.Intent != intent.IntentRequestItem || got.Confidence != 0.92 {
		t.Errorf("got %+v, want request-item @0.92", got)
	}
	if got.Method != intent.MethodLLM {
		t.Errorf("Method = %q, want llm", got.Method)
	}
}

func TestClassify_ProviderErrorFallsBack(t *testing.T) {
	// Two timeouts in a row (the full retry budget) must yield the
	// deterministic fallback with the fixed low confidence.
	p := &scriptedProvider{
		responses: []*intent.Classification{nil, nil},
		errs:      []error{errors.New("timeout"), errors.New("timeout")},
	}

	got := newClassifier(p).Classify(context.Background(), "t:+1", intent.Request{Text: "bring towels to my room"})
	if got.Method != intent.MethodPattern {
		t.Fatalf("Method = %q, want pattern fallback", got.Method)
	}
	if got.Confidence != intent.FallbackConfidence {
		t.Errorf("Confidence = %v, want %v", got.Confidence, intent.FallbackConfidence)
	}
	if got.Intent != intent.IntentRequestItem {
		t.Errorf("Intent = %q, want request-item from keyword match", got.Intent)
	}
	if p.calls != 2 {
		t.Errorf("provider called %d times, want 2 (retry budget)", p.calls)
	}
}

func TestClassify_RetriesOnceThenSucceeds(t *testing.T) {
	p := &scriptedProvider{
		responses: []*intent.Classification{nil, {Intent: intent.IntentSmalltalk, Confidence: 0.9}},
		errs:      []error{errors.New("transient"), nil},
	}

	got := newClassifier(p).Classify(context.Background(), "t:+1", intent.Request{Text: "hello"})
	if got.Intent != intent.IntentSmalltalk {
		t.Errorf("Intent = %q, want smalltalk after retry", got.Intent)
	}
	if p.calls != 2 {
		t.Errorf("provider called %d times, want 2", p.calls)
	}
}

func TestClassify_MalformedOutputNotRetried(t *testing.T) {
	p := &scriptedProvider{
		responses: []*intent.Classification{nil, nil},
		errs:      []error{intent.ErrMalformedOutput, intent.ErrMalformedOutput},
	}

	got := newClassifier(p).Classify(context.Background(), "t:+1", intent.Request{Text: "hello"})
	if p.calls != 1 {
		t.Errorf("provider called %d times, want 1 (malformed output is not retried)", p.calls)
	}
	if got.Method != intent.MethodPattern {
		t.Errorf("Method = %q, want pattern fallback", got.Method)
	}
}

func TestClassify_UnknownLabelRejected(t *testing.T) {
	p := &scriptedProvider{
		responses: []*intent.Classification{{Intent: "spa.book_treatment", Confidence: 0.99}},
		errs:      []error{nil},
	}

	got := newClassifier(p).Classify(context.Background(), "t:+1", intent.Request{Text: "good morning"})
	if got.Intent == "spa.book_treatment" {
		t.Fatal("labels outside the catalogue must not pass through")
	}
	if got.Method != intent.MethodPattern {
		t.Errorf("Method = %q, want pattern fallback", got.Method)
	}
}

func TestClassify_AlternativesPrunedByMargin(t *testing.T) {
	p := &scriptedProvider{
		responses: []*intent.Classification{{
			Intent:     intent.IntentRoomService,
			Confidence: 0.6,
			Alternatives: []intent.Alternative{
				{Intent: intent.IntentRequestItem, Confidence: 0.55}, // within 0.1 margin — kept
				{Intent: intent.IntentConciergeQA, Confidence: 0.2},  // far behind — dropped
				{Intent: "made.up", Confidence: 0.59},                // unknown label — dropped
			},
		}},
		errs: []error{nil},
	}

	got := newClassifier(p).Classify(context.Background(), "t:+1", intent.Request{Text: "can I get some food"})
	if len(got.Alternatives) != 1 {
		t.Fatalf("Alternatives = %+v, want exactly the near-tied request-item", got.Alternatives)
	}
	if got.Alternatives[0].Intent != intent.IntentRequestItem {
		t.Errorf("kept alternative = %q, want request-item", got.Alternatives[0].Intent)
	}
}

func TestClassify_RequestMarginOverridesDefault(t *testing.T) {
	resp := func() *intent.Classification {
		return &intent.Classification{
			Intent:     intent.IntentRoomService,
			Confidence: 0.6,
			Alternatives: []intent.Alternative{
				{Intent: intent.IntentRequestItem, Confidence: 0.35},
			},
		}
	}

	// 0.25 behind the winner: outside the default 0.1 margin.
	p := &scriptedProvider{responses: []*intent.Classification{resp()}, errs: []error{nil}}
	got := newClassifier(p).Classify(context.Background(), "t:+1", intent.Request{Text: "can I get some food"})
	if len(got.Alternatives) != 0 {
		t.Fatalf("Alternatives = %+v, want none under the default margin", got.Alternatives)
	}

	// A tenant with a wider margin keeps the same alternative.
	p = &scriptedProvider{responses: []*intent.Classification{resp()}, errs: []error{nil}}
	got = newClassifier(p).Classify(context.Background(), "t:+1", intent.Request{
		Text:              "can I get some food",
		AlternativeMargin: 0.3,
	})
	if len(got.Alternatives) != 1 || got.Alternatives[0].Intent != intent.IntentRequestItem {
		t.Fatalf("Alternatives = %+v, want the near-tied request-item under a 0.3 margin", got.Alternatives)
	}
}

func TestClassify_ConfidenceClamped(t *testing.T) {
	p := &scriptedProvider{
		responses: []*intent.Classification{{Intent: intent.IntentSmalltalk, Confidence: 1.7}},
		errs:      []error{nil},
	}

	got := newClassifier(p).Classify(context.Background(), "t:+1", intent.Request{Text: "hi there"})
	if got.Confidence != 1.0 {
		t.Errorf("Confidence = %v, want clamped to 1.0", got.Confidence)
	}
}

func TestClassify_OpenBreakerSkipsProvider(t *testing.T) {
	p := &scriptedProvider{
		responses: []*intent.Classification{nil},
		errs:      []error{errors.New("down")},
	}
	breaker := intent.NewBreaker(1, time.Hour)
	cl := intent.NewClassifier(p, breaker, nil, intent.ClassifierConfig{})

	// First call fails and opens the breaker.
	cl.Classify(context.Background(), "t:+1", intent.Request{Text: "hello"})
	if !breaker.Open() {
		t.Fatal("breaker should be open after the failure threshold")
	}

	calls := p.calls
	got := cl.Classify(context.Background(), "t:+1", intent.Request{Text: "there is a fire"})
	if p.calls != calls {
		t.Error("provider must not be called while the breaker is open")
	}
	// Safety triggers still work through the fallback path.
	if got.Intent != intent.IntentEmergency {
		t.Errorf("Intent = %q, want emergency via fallback", got.Intent)
	}
}

func TestClassify_RateLimitedGuestUsesFallback(t *testing.T) {
	p := &scriptedProvider{
		responses: []*intent.Classification{{Intent: intent.IntentSmalltalk, Confidence: 0.9}},
		errs:      []error{nil},
	}
	limiter := intent.NewRateLimiter(1, time.Minute)
	cl := intent.NewClassifier(p, nil, limiter, intent.ClassifierConfig{})

	cl.Classify(context.Background(), "t:+1", intent.Request{Text: "hello"})
	got := cl.Classify(context.Background(), "t:+1", intent.Request{Text: "what's the wifi password"})
	if p.calls != 1 {
		t.Errorf("provider called %d times, want 1 (second call rate-limited)", p.calls)
	}
	if got.Method != intent.MethodPattern {
		t.Errorf("Method = %q, want pattern fallback for rate-limited guest", got.Method)
	}
}
