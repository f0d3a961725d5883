package intent

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/stayflow/concierge/common/retry"
	"github.com/stayflow/concierge/internal/concierge/observability"
)

// DefaultAlternativeMargin is the score distance within which a competing
// intent is considered a near-tie and surfaced as an alternative.
const DefaultAlternativeMargin = 0.1

// ClassifierConfig tunes the Classifier wrapper.
type ClassifierConfig struct {
	// CallTimeout bounds one complete classification (all retry attempts).
	// Defaults to 5 s.
	CallTimeout time.Duration

	// MaxAttempts is the LLM retry budget per message. Defaults to 2.
	MaxAttempts int

	// AlternativeMargin is the near-tie margin for surfacing alternatives.
	// Defaults to DefaultAlternativeMargin.
	AlternativeMargin float64
}

// Classifier wraps the LLM Provider with the guard rails the pipeline
// depends on:
//
//  1. A circuit breaker and per-guest rate limiter in front of the provider.
//  2. Retry with exponential backoff (bounded, never more than two attempts).
//  3. Output validation: intent labels outside the closed catalogue are
//     rejected as malformed, confidences are clamped into [0,1].
//  4. Near-tie pruning: alternatives further than the margin from the top
//     score are dropped.
//  5. A deterministic fallback, so Classify never fails and never blocks
//     past its timeout: on any provider problem the keyword/pattern matcher
//     answers with FallbackConfidence and Method=pattern.
type Classifier struct {
	provider Provider
	fallback *FallbackMatcher
	breaker  *Breaker
	limiter  *RateLimiter
	cfg      ClassifierConfig
}

// NewClassifier returns a Classifier backed by provider. limiter and breaker
// may be nil, in which case defaults are constructed. A nil provider yields
// a fallback-only classifier.
func NewClassifier(provider Provider, breaker *Breaker, limiter *RateLimiter, cfg ClassifierConfig) *Classifier {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 2
	}
	if cfg.AlternativeMargin <= 0 {
		cfg.AlternativeMargin = DefaultAlternativeMargin
	}
	if breaker == nil {
		breaker = NewBreaker(0, 0)
	}
	if limiter == nil {
		limiter = NewRateLimiter(0, 0)
	}
	return &Classifier{
		provider: provider,
		fallback: NewFallbackMatcher(),
		breaker:  breaker,
		limiter:  limiter,
		cfg:      cfg,
	}
}

// Classify produces a Classification for the guest message. It never returns
// an error: every failure path degrades to the deterministic fallback so the
// conversation is never stalled by the LLM.
//
// guestKey identifies the guest for rate limiting (tenantID + phone).
func (c *Classifier) Classify(ctx context.Context, guestKey string, req Request) *Classification {
	log := observability.WithTrace(ctx)

	// No provider configured: fallback-only deployment.
	if c.provider == nil {
		return c.fallback.Match(req.Text)
	}

	// The fallback matcher sees emergencies and human requests too, so a
	// throttled or broken LLM never hides a safety trigger.
	if !c.limiter.Allow(guestKey) {
		log.Debug("intent: guest over LLM rate limit, using fallback", "guest", guestKey)
		return c.fallback.Match(req.Text)
	}
	if !c.breaker.Allow() {
		log.Debug("intent: circuit breaker open, using fallback")
		return c.fallback.Match(req.Text)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	var resp *Classification
	err := retry.Do(callCtx, retry.Config{
		MaxAttempts:  c.cfg.MaxAttempts,
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     time.Second,
		ShouldRetry: func(err error) bool {
			// Rate-limited and malformed responses will not improve on an
			// immediate retry of the identical request.
			return !errors.Is(err, ErrRateLimit) && !errors.Is(err, ErrMalformedOutput)
		},
	}, func() error {
		var callErr error
		resp, callErr = c.provider.Classify(callCtx, req)
		return callErr
	})
	if err != nil {
		c.breaker.Failure()
		log.Warn("intent: LLM classification failed, using fallback", "err", err)
		return c.fallback.Match(req.Text)
	}
	c.breaker.Success()

	margin := c.cfg.AlternativeMargin
	if req.AlternativeMargin > 0 {
		margin = req.AlternativeMargin
	}
	return c.sanitise(resp, req.Text, margin, log)
}

// sanitise validates and prunes raw provider output. Malformed labels are
// downgraded to the fallback classification rather than trusted.
func (c *Classifier) sanitise(resp *Classification, text string, margin float64, log *slog.Logger) *Classification {
	if resp == nil || !Known(resp.Intent) {
		label := ""
		if resp != nil {
			label = resp.Intent
		}
		log.Warn("intent: LLM produced unknown label, using fallback", "label", label)
		return c.fallback.Match(text)
	}

	resp.Confidence = clamp01(resp.Confidence)
	resp.Method = MethodLLM

	// Keep only known, near-tied alternatives, ranked by confidence.
	kept := resp.Alternatives[:0]
	for _, alt := range resp.Alternatives {
		if !Known(alt.Intent) || alt.Intent == resp.Intent {
			continue
		}
		alt.Confidence = clamp01(alt.Confidence)
		if resp.Confidence-alt.Confidence < margin {
			kept = append(kept, alt)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].Confidence > kept[j].Confidence })
	resp.Alternatives = kept

	return resp
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	default:
		return f
	}
}
