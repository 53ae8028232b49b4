package fallback

import (
	"github.com/upb/llm-fallback-gateway/services/breaker"
)

// Policy is the merged fallback configuration applied to one orchestrated
// call: the process-wide defaults overlaid with any per-call override.
type Policy struct {
	// Enabled turns the whole fallback layer on or off. When false,
	// calls go straight to the requested backend.
	Enabled bool `json:"enabled"`

	// MaxAttempts bounds the total number of backends tried for one
	// logical request, the original included.
	MaxAttempts int `json:"max_attempts"`

	// NotifyOnFallback publishes a FallbackUsed event when a request
	// succeeds on a substitute backend.
	NotifyOnFallback bool `json:"notify_on_fallback"`

	// Breaker holds the circuit breaker thresholds.
	Breaker breaker.Config `json:"circuit_breaker"`
}

// DefaultPolicy returns the built-in fallback policy.
func DefaultPolicy() Policy {
	return Policy{
		Enabled:          true,
		MaxAttempts:      3,
		NotifyOnFallback: true,
		Breaker:          breaker.DefaultConfig(),
	}
}

// PolicyOverride is a partial Policy supplied per call. Nil fields keep
// the global value, so an override can adjust a single knob.
type PolicyOverride struct {
	Enabled          *bool                   `json:"enabled,omitempty"`
	MaxAttempts      *int                    `json:"max_attempts,omitempty"`
	NotifyOnFallback *bool                   `json:"notify_on_fallback,omitempty"`
	Breaker          *breaker.ConfigOverride `json:"circuit_breaker,omitempty"`
}

// Merge applies the override field-by-field and returns the merged policy.
// MaxAttempts is clamped to at least 1 so the merged policy always permits
// the original attempt.
func (p Policy) Merge(o *PolicyOverride) Policy {
	if o != nil {
		if o.Enabled != nil {
			p.Enabled = *o.Enabled
		}
		if o.MaxAttempts != nil {
			p.MaxAttempts = *o.MaxAttempts
		}
		if o.NotifyOnFallback != nil {
			p.NotifyOnFallback = *o.NotifyOnFallback
		}
		if o.Breaker != nil {
			p.Breaker = p.Breaker.Merge(*o.Breaker)
		}
	}
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	return p
}
