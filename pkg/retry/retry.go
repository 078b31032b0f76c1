package retry

import (
	"math/rand"
	"sync"
	"time"
)

// Policy holds exponential backoff configuration
type Policy struct {
	InitialDelay   time.Duration `yaml:"initial_delay"`   // Delay before the first retry
	MaxDelay       time.Duration `yaml:"max_delay"`       // Cap for the un-jittered delay
	Multiplier     float64       `yaml:"multiplier"`      // Growth factor between attempts (typically 2.0)
	JitterFraction float64       `yaml:"jitter_fraction"` // Uniform ±fraction applied to each delay
}

// DefaultPolicy returns the signaling reconnect policy
func DefaultPolicy() Policy {
	return Policy{
		InitialDelay:   1 * time.Second,
		MaxDelay:       30 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.3,
	}
}

// Backoff tracks the delay sequence of consecutive failures.
// It never gives up; callers stop scheduling when they no longer want retries.
type Backoff struct {
	policy Policy

	mu      sync.Mutex
	current time.Duration
	attempt int
	random  func() float64
}

// NewBackoff creates a backoff starting at the policy's initial delay
func NewBackoff(policy Policy) *Backoff {
	if policy.Multiplier < 1 {
		policy.Multiplier = 1
	}
	if policy.JitterFraction < 0 {
		policy.JitterFraction = 0
	}
	if policy.JitterFraction > 1 {
		policy.JitterFraction = 1
	}
	if policy.MaxDelay < policy.InitialDelay {
		policy.MaxDelay = policy.InitialDelay
	}
	return &Backoff{
		policy:  policy,
		current: policy.InitialDelay,
		random:  rand.Float64,
	}
}

// Next returns the delay to wait before the next attempt and advances the sequence
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	base := b.current
	if base > b.policy.MaxDelay {
		base = b.policy.MaxDelay
	}

	b.current = time.Duration(float64(b.current) * b.policy.Multiplier)
	if b.current > b.policy.MaxDelay {
		b.current = b.policy.MaxDelay
	}
	b.attempt++

	return applyJitter(base, b.policy.JitterFraction, b.random())
}

// Peek returns the un-jittered base of the next delay without advancing
func (b *Backoff) Peek() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current > b.policy.MaxDelay {
		return b.policy.MaxDelay
	}
	return b.current
}

// Attempt returns the number of delays handed out since the last reset
func (b *Backoff) Attempt() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempt
}

// Reset returns the sequence to the initial delay after a successful attempt
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = b.policy.InitialDelay
	b.attempt = 0
}

// Policy returns the normalized policy
func (b *Backoff) Policy() Policy {
	return b.policy
}

// applyJitter spreads base uniformly over [base*(1-f), base*(1+f)] using r in [0,1)
func applyJitter(base time.Duration, fraction, r float64) time.Duration {
	if fraction == 0 {
		return base
	}
	factor := 1 + fraction*(2*r-1)
	return time.Duration(float64(base) * factor)
}
