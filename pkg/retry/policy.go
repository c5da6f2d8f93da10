package retry

import (
	"math"
	"math/rand/v2"
	"time"
)

// Policy holds configuration for capped exponential backoff.
type Policy struct {
	// MaxAttempts is the maximum number of attempts (including the first).
	// Default: 5
	MaxAttempts int `mapstructure:"max_attempts" validate:"gte=0"`

	// InitialBackoff is the delay after the first failure.
	// Default: 100ms
	InitialBackoff time.Duration `mapstructure:"initial_backoff" validate:"gte=0"`

	// MaxBackoff caps the delay.
	// Default: 5s
	MaxBackoff time.Duration `mapstructure:"max_backoff" validate:"gte=0"`

	// BackoffMultiplier is the multiplier applied to backoff after each attempt.
	// Default: 2.0
	BackoffMultiplier float64 `mapstructure:"backoff_multiplier" validate:"gte=1"`

	// JitterFraction is the fraction of backoff to randomize (0.0 to 1.0).
	// Default: 0.1 (10% jitter)
	JitterFraction float64 `mapstructure:"jitter_fraction" validate:"gte=0,lte=1"`
}

// DefaultPolicy returns the policy used for transient store faults.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:       5,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFraction:    0.1,
	}
}

// DefaultJobBackoff returns the policy that spaces out job retries.
// MaxAttempts is unused here; the job's own MaxRetries governs the budget.
func DefaultJobBackoff() Policy {
	return Policy{
		InitialBackoff:    5 * time.Second,
		MaxBackoff:        10 * time.Minute,
		BackoffMultiplier: 2.0,
		JitterFraction:    0.2,
	}
}

// Delay returns the wait before retry number attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.BackoffMultiplier
	if mult < 1 {
		mult = 1
	}

	backoff := float64(p.InitialBackoff) * math.Pow(mult, float64(attempt-1))
	if p.MaxBackoff > 0 && backoff > float64(p.MaxBackoff) {
		backoff = float64(p.MaxBackoff)
	}

	jitter := backoff * p.JitterFraction * (rand.Float64()*2 - 1)
	d := time.Duration(backoff + jitter)
	if d < 0 {
		d = time.Duration(backoff)
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	return d
}

// Next honours hint when the failing party supplied one and falls back to
// Delay otherwise.
func (p Policy) Next(attempt int, hint time.Duration) time.Duration {
	if hint > 0 {
		return hint
	}
	return p.Delay(attempt)
}
