package workflow

import "time"

// EnginePolicy holds engine-wide limits. config.EngineConfig produces one.
type EnginePolicy struct {
	// Retry is the global retry policy; definition and phase overrides are
	// merged over it.
	Retry RetryConfig
	// DefaultTimeout bounds a single agent call when the phase sets none.
	DefaultTimeout time.Duration
	// SessionTimeout bounds a whole Run. Zero disables it.
	SessionTimeout time.Duration
	// MaxConcurrentAgents caps parallel group members running at once.
	MaxConcurrentAgents int
	// CircuitBreaker configures per-agent breakers.
	CircuitBreaker CircuitBreakerConfig
	// EscalationEnabled turns escalation rules on.
	EscalationEnabled bool
}

// DefaultEnginePolicy returns the defaults used when no config is loaded.
func DefaultEnginePolicy() EnginePolicy {
	return EnginePolicy{
		Retry:               DefaultRetryConfig(),
		DefaultTimeout:      5 * time.Minute,
		SessionTimeout:      time.Hour,
		MaxConcurrentAgents: 3,
		CircuitBreaker:      DefaultCircuitBreakerConfig(),
		EscalationEnabled:   true,
	}
}

func (p EnginePolicy) normalize() EnginePolicy {
	p.Retry = p.Retry.normalize()
	if p.DefaultTimeout <= 0 {
		p.DefaultTimeout = 5 * time.Minute
	}
	if p.MaxConcurrentAgents <= 0 {
		p.MaxConcurrentAgents = 1
	}
	return p
}
