// Package backoff computes reconnection delays with exponential growth
// and optional jitter.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Policy describes a retry schedule. The zero value is unusable; use
// DefaultPolicy or fill every field.
type Policy struct {
	InitialDelay time.Duration // Delay before the first retry
	MaxDelay     time.Duration // Ceiling for computed delays
	Factor       float64       // Multiplier applied per attempt
	Jitter       bool          // Randomize delays to avoid retry storms
	MaxAttempts  int           // Attempts before giving up (0 = unlimited)

	// Rand overrides the jitter source. Tests inject a deterministic
	// function; nil uses math/rand/v2.
	Rand func() float64
}

// DefaultPolicy returns the standard reconnection schedule.
func DefaultPolicy() Policy {
	return Policy{
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Factor:       1.5,
		Jitter:       true,
		MaxAttempts:  10,
	}
}

// Delay returns the wait before the given attempt (1-based):
// min(MaxDelay, InitialDelay * Factor^(attempt-1)), jittered by a
// uniform factor in [0.5, 1.0] when enabled.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := float64(p.InitialDelay) * math.Pow(p.Factor, float64(attempt-1))
	if max := float64(p.MaxDelay); d > max {
		d = max
	}

	if p.Jitter {
		r := p.Rand
		if r == nil {
			r = rand.Float64
		}
		d *= 0.5 + 0.5*r()
	}

	return time.Duration(d)
}

// Exhausted reports whether the given number of consecutive failed
// attempts has reached the ceiling.
func (p Policy) Exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}
