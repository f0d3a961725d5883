// Package config resolves the engine's tunable policy knobs: embedded YAML
// defaults, optionally overridden per tenant through the policy store.
package config

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// Duration is a time.Duration that unmarshals from YAML strings like "10s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", node.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a plain time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Policy is the resolved knob set for one tenant.
type Policy struct {
	Ambiguity struct {
		Threshold           float64 `yaml:"threshold"`
		UnconstrainedMarkup float64 `yaml:"unconstrained_markup"`
		AlternativeMargin   float64 `yaml:"alternative_margin"`
	} `yaml:"ambiguity"`
	Clarification struct {
		MaxAttempts int `yaml:"max_attempts"`
	} `yaml:"clarification"`
	Transfer struct {
		HardFloor float64 `yaml:"hard_floor"`
	} `yaml:"transfer"`
	Pipeline struct {
		Timeout Duration `yaml:"timeout"`
	} `yaml:"pipeline"`
	Dedup struct {
		TTL Duration `yaml:"ttl"`
	} `yaml:"dedup"`
}

// Defaults returns the embedded default policy. The embedded file is part
// of the binary, so a parse failure is a build defect and panics.
func Defaults() Policy {
	var p Policy
	if err := yaml.Unmarshal(defaultsYAML, &p); err != nil {
		panic(fmt.Sprintf("config: embedded defaults are invalid: %v", err))
	}
	return p
}

// OverrideSource lists a tenant's policy overrides as flat dotted keys,
// e.g. "ambiguity.threshold" -> "0.7".
type OverrideSource interface {
	ForTenant(ctx context.Context, tenantID string) (map[string]string, error)
}

// Resolver merges tenant overrides onto the defaults, with a short cache so
// the hot path does not hit the database every turn.
type Resolver struct {
	source OverrideSource
	log    *slog.Logger
	ttl    time.Duration

	mu    sync.Mutex
	cache map[string]cachedPolicy
}

type cachedPolicy struct {
	policy    Policy
	expiresAt time.Time
}

// NewResolver builds a Resolver. A nil source serves defaults for everyone.
func NewResolver(source OverrideSource, log *slog.Logger) *Resolver {
	return &Resolver{
		source: source,
		log:    log,
		ttl:    time.Minute,
		cache:  map[string]cachedPolicy{},
	}
}

// For returns the tenant's effective policy. Override lookup failures are
// logged and the defaults served; policy resolution never blocks a turn.
func (r *Resolver) For(ctx context.Context, tenantID string) Policy {
	r.mu.Lock()
	if c, ok := r.cache[tenantID]; ok && time.Now().Before(c.expiresAt) {
		r.mu.Unlock()
		return c.policy
	}
	r.mu.Unlock()

	p := Defaults()
	if r.source != nil {
		overrides, err := r.source.ForTenant(ctx, tenantID)
		if err != nil {
			r.log.Warn("failed to load tenant policy overrides, using defaults",
				"tenant_id", tenantID, "error", err)
			return p
		}
		for key, value := range overrides {
			if err := apply(&p, key, value); err != nil {
				r.log.Warn("ignoring invalid tenant policy override",
					"tenant_id", tenantID, "key", key, "error", err)
			}
		}
	}

	r.mu.Lock()
	r.cache[tenantID] = cachedPolicy{policy: p, expiresAt: time.Now().Add(r.ttl)}
	r.mu.Unlock()
	return p
}

// Invalidate drops the tenant's cached policy after an admin change.
func (r *Resolver) Invalidate(tenantID string) {
	r.mu.Lock()
	delete(r.cache, tenantID)
	r.mu.Unlock()
}

func apply(p *Policy, key, value string) error {
	switch key {
	case "ambiguity.threshold":
		return setFloat(&p.Ambiguity.Threshold, value, 0, 1)
	case "ambiguity.unconstrained_markup":
		return setFloat(&p.Ambiguity.UnconstrainedMarkup, value, 0, 1)
	case "ambiguity.alternative_margin":
		return setFloat(&p.Ambiguity.AlternativeMargin, value, 0, 1)
	case "clarification.max_attempts":
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 || n > 10 {
			return fmt.Errorf("config: invalid attempt count %q", value)
		}
		p.Clarification.MaxAttempts = n
		return nil
	case "transfer.hard_floor":
		return setFloat(&p.Transfer.HardFloor, value, 0, 1)
	case "pipeline.timeout":
		d, err := time.ParseDuration(value)
		if err != nil || d <= 0 {
			return fmt.Errorf("config: invalid duration %q", value)
		}
		p.Pipeline.Timeout = Duration(d)
		return nil
	case "dedup.ttl":
		d, err := time.ParseDuration(value)
		if err != nil || d <= 0 {
			return fmt.Errorf("config: invalid duration %q", value)
		}
		p.Dedup.TTL = Duration(d)
		return nil
	default:
		return fmt.Errorf("config: unknown policy key %q", key)
	}
}

func setFloat(dst *float64, value string, lo, hi float64) error {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil || f < lo || f > hi {
		return fmt.Errorf("config: value %q out of range [%v, %v]", value, lo, hi)
	}
	*dst = f
	return nil
}
