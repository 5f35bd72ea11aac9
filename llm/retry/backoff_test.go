package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestPolicy_SuggestedDelayWins(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, 42*time.Second, p.Delay(1, 42*time.Second))
}

func TestPolicy_ExponentialGrowth(t *testing.T) {
	p := &Policy{MaxRetries: 5, InitialDelay: time.Second, MaxDelay: time.Minute, Multiplier: 2.0}

	assert.Equal(t, 1*time.Second, p.Delay(1, 0))
	assert.Equal(t, 2*time.Second, p.Delay(2, 0))
	assert.Equal(t, 4*time.Second, p.Delay(3, 0))
}

func TestPolicy_CapsAtMaxDelay(t *testing.T) {
	p := &Policy{MaxRetries: 20, InitialDelay: time.Second, MaxDelay: 60 * time.Second, Multiplier: 2.0}
	assert.Equal(t, 60*time.Second, p.Delay(20, 0))
}

func TestPolicy_JitterStaysWithinBounds(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		attempt := rapid.IntRange(1, 10).Draw(t, "attempt")
		p := DefaultPolicy()

		d := p.Delay(attempt, 0)

		base := float64(p.InitialDelay) * pow(p.Multiplier, attempt-1)
		if base > float64(p.MaxDelay) {
			base = float64(p.MaxDelay)
		}
		lo := time.Duration(base * (1 - p.JitterFrac))
		hi := time.Duration(base * (1 + p.JitterFrac))
		if d < lo || d > hi {
			t.Fatalf("delay %v outside [%v, %v] for attempt %d", d, lo, hi, attempt)
		}
	})
}

func TestPolicy_SanitizeFillsDefaults(t *testing.T) {
	p := (&Policy{MaxRetries: -1, Multiplier: 0.5, JitterFrac: 2}).Sanitize()

	assert.Equal(t, 0, p.MaxRetries)
	assert.Equal(t, time.Second, p.InitialDelay)
	assert.Equal(t, 60*time.Second, p.MaxDelay)
	assert.Equal(t, 2.0, p.Multiplier)
	assert.Equal(t, 0.3, p.JitterFrac)
}

func pow(base float64, exp int) float64 {
	out := 1.0
	for i := 0; i < exp; i++ {
		out *= base
	}
	return out
}
