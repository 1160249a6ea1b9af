// Package retry centralizes the backoff policy applied to every stage retry.
package retry

import (
	"math"
	"math/rand/v2"
	"time"
)

// Policy computes retry delays as base × 2^attempt, capped, with optional
// symmetric jitter. Attempt is the zero-based retry index: the first retry
// waits base.
type Policy struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter float64
	// Rand returns a value in [0,1). Nil uses math/rand/v2.
	Rand func() float64
}

// NewPolicy builds a policy from second-granularity settings.
func NewPolicy(baseSeconds, capSeconds int, jitter float64) Policy {
	return Policy{
		Base:   time.Duration(baseSeconds) * time.Second,
		Cap:    time.Duration(capSeconds) * time.Second,
		Jitter: jitter,
	}
}

// Delay returns the wait before retry number attempt. base overrides the
// policy base when positive, which lets a stage record carry its own
// retry_delay_seconds.
func (p Policy) Delay(attempt int, base time.Duration) time.Duration {
	if base <= 0 {
		base = p.Base
	}
	if base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(base) * math.Pow(2, float64(attempt))
	if p.Cap > 0 && delay > float64(p.Cap) {
		delay = float64(p.Cap)
	}
	if p.Jitter > 0 {
		r := rand.Float64
		if p.Rand != nil {
			r = p.Rand
		}
		delay += delay * p.Jitter * (2*r() - 1)
	}
	if p.Cap > 0 && delay > float64(p.Cap) {
		delay = float64(p.Cap)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay).Round(time.Second)
}

// DelaySeconds is Delay expressed in whole seconds, the unit queue enqueue
// options use.
func (p Policy) DelaySeconds(attempt int, baseSeconds int) int {
	return int(p.Delay(attempt, time.Duration(baseSeconds)*time.Second) / time.Second)
}
