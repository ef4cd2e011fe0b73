package upstream

import (
	"math"
	"time"
)

// RetryPolicy bounds the retry loop of a single fetch.
type RetryPolicy struct {
	// MaxAttempts counts the first attempt.
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	// Jitter is the +/- fraction applied to each computed delay.
	Jitter float64
	// MaxRetryAfter is the longest server Retry-After hint we are willing to
	// wait; longer hints end the fetch with a rate-limited error.
	MaxRetryAfter time.Duration
}

// DefaultRetryPolicy: 3 attempts, 500ms doubling to 10s, 10% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   3,
		BaseDelay:     500 * time.Millisecond,
		Multiplier:    2,
		MaxDelay:      10 * time.Second,
		Jitter:        0.1,
		MaxRetryAfter: 5 * time.Minute,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts < 1 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		p.Jitter = d.Jitter
	}
	if p.MaxRetryAfter <= 0 {
		p.MaxRetryAfter = d.MaxRetryAfter
	}
	return p
}

// Backoff returns the delay before retry number n (n >= 1 is the attempt
// that just failed). rnd must return values in [0, 1).
func (p RetryPolicy) Backoff(n int, rnd func() float64) time.Duration {
	if n < 1 {
		n = 1
	}
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(n-1))
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter > 0 && rnd != nil {
		d *= 1 + p.Jitter*(2*rnd()-1)
	}
	return time.Duration(d)
}
