// internal/callback/retry.go
package callback

import (
	"math"
	"time"
)

// RetryPolicy is an exponential backoff with a bounded number of attempts.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 8,
		BaseDelay:   30 * time.Second,
		MaxDelay:    30 * time.Minute,
		Multiplier:  2,
	}
}

// Backoff returns the wait before attempt number retry (1-based).
func (p RetryPolicy) Backoff(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.BaseDelay) * math.Pow(mult, float64(retry-1))
	if p.MaxDelay > 0 && (d > float64(p.MaxDelay) || math.IsInf(d, 0)) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Exhausted reports whether retryCount failed attempts use up the budget.
func (p RetryPolicy) Exhausted(retryCount int) bool {
	return p.MaxAttempts > 0 && retryCount >= p.MaxAttempts
}
