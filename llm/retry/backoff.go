// Package retry provides the backoff policy used by the unified client.
package retry

import (
	"math"
	"math/rand"
	"time"
)

// Policy configures exponential backoff between retry attempts.
type Policy struct {
	MaxRetries   int           // attempts after the first call (0 disables retry)
	InitialDelay time.Duration // base delay before the first retry
	MaxDelay     time.Duration // delay ceiling
	Multiplier   float64       // exponential growth factor
	JitterFrac   float64       // ± fraction of the computed delay
}

// DefaultPolicy matches the client contract: base 1s, cap 60s, ±30% jitter.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxRetries:   3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		JitterFrac:   0.3,
	}
}

// Delay computes the backoff before retry number attempt (1-based). When the
// upstream suggested a delay (rate limit Retry-After), that wins over the
// exponential schedule.
func (p *Policy) Delay(attempt int, suggested time.Duration) time.Duration {
	if suggested > 0 {
		return suggested
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if p.JitterFrac > 0 {
		jitter := delay * p.JitterFrac
		delay += (rand.Float64()*2 - 1) * jitter
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// Sanitize fills zero/invalid fields with defaults so a partially specified
// policy still behaves sensibly.
func (p *Policy) Sanitize() *Policy {
	out := *p
	if out.MaxRetries < 0 {
		out.MaxRetries = 0
	}
	if out.InitialDelay <= 0 {
		out.InitialDelay = 1 * time.Second
	}
	if out.MaxDelay <= 0 {
		out.MaxDelay = 60 * time.Second
	}
	if out.Multiplier < 1.0 {
		out.Multiplier = 2.0
	}
	if out.JitterFrac < 0 || out.JitterFrac > 1 {
		out.JitterFrac = 0.3
	}
	return &out
}
