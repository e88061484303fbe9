package connection

import (
	"math"
	"time"
)

// ReconnectPolicy computes retry delays with capped exponential backoff.
//
// The delay before retry n (0-based) is min(BaseInterval*Multiplier^n, Cap).
// MaxAttempts bounds the number of automatic retries between successful
// opens; zero disables automatic retries.
type ReconnectPolicy struct {
	BaseInterval time.Duration
	Multiplier   float64
	Cap          time.Duration
	MaxAttempts  int

	attempt int
}

// DefaultReconnectPolicy returns 1s, 2s, 4s, 8s, 16s then stops.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		BaseInterval: time.Second,
		Multiplier:   2,
		Cap:          30 * time.Second,
		MaxAttempts:  5,
	}
}

// Interval returns the delay for attempt n without consuming it.
func (p *ReconnectPolicy) Interval(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}

	d := float64(p.BaseInterval) * math.Pow(mult, float64(n))
	if p.Cap > 0 && d > float64(p.Cap) {
		return p.Cap
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Next consumes one attempt and returns its delay. ok is false once the
// attempt cap is reached; the counter is left unchanged in that case.
func (p *ReconnectPolicy) Next() (time.Duration, bool) {
	if p.Exhausted() {
		return 0, false
	}
	d := p.Interval(p.attempt)
	p.attempt++
	return d, true
}

// Exhausted reports whether no automatic attempts remain.
func (p *ReconnectPolicy) Exhausted() bool {
	return p.attempt >= p.MaxAttempts
}

// Attempt returns the number of attempts consumed since the last Reset.
func (p *ReconnectPolicy) Attempt() int {
	return p.attempt
}

// Reset clears the attempt counter after a successful open or explicit
// disconnect.
func (p *ReconnectPolicy) Reset() {
	p.attempt = 0
}
