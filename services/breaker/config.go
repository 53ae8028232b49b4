package breaker

import "time"

// Config holds the circuit breaker thresholds applied to each backend.
type Config struct {
	// FailureThreshold is the number of consecutive failures in Closed
	// state that opens the circuit.
	FailureThreshold int `json:"failure_threshold"`

	// OpenTimeout is how long an Open circuit rejects calls before the
	// next caller is allowed to transition it to HalfOpen.
	OpenTimeout time.Duration `json:"open_timeout"`

	// MaxHalfOpenProbes limits concurrent probe calls in HalfOpen state.
	MaxHalfOpenProbes int `json:"max_half_open_probes"`

	// HalfOpenSuccessThreshold is the number of consecutive probe
	// successes required to close a HalfOpen circuit.
	HalfOpenSuccessThreshold int `json:"half_open_success_threshold"`
}

// DefaultConfig returns the default breaker thresholds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:         5,
		OpenTimeout:              30 * time.Second,
		MaxHalfOpenProbes:        1,
		HalfOpenSuccessThreshold: 2,
	}
}

// ConfigOverride is a partial Config. Nil fields keep the current value,
// so an override can adjust a single threshold without restating the rest.
type ConfigOverride struct {
	FailureThreshold         *int           `json:"failure_threshold,omitempty"`
	OpenTimeout              *time.Duration `json:"open_timeout,omitempty"`
	MaxHalfOpenProbes        *int           `json:"max_half_open_probes,omitempty"`
	HalfOpenSuccessThreshold *int           `json:"half_open_success_threshold,omitempty"`
}

// Merge applies the override field-by-field and returns the result.
func (c Config) Merge(o ConfigOverride) Config {
	if o.FailureThreshold != nil {
		c.FailureThreshold = *o.FailureThreshold
	}
	if o.OpenTimeout != nil {
		c.OpenTimeout = *o.OpenTimeout
	}
	if o.MaxHalfOpenProbes != nil {
		c.MaxHalfOpenProbes = *o.MaxHalfOpenProbes
	}
	if o.HalfOpenSuccessThreshold != nil {
		c.HalfOpenSuccessThreshold = *o.HalfOpenSuccessThreshold
	}
	return c
}
