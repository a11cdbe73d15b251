package resilience

import (
	"math/rand"
	"time"
)

// RetryPolicy controls how transient failures are retried. Delays grow
// exponentially from BaseDelay up to MaxDelay, with optional jitter to avoid
// synchronized retry storms.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, first call included.
	MaxAttempts int
	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration
	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration
	// Jitter, between 0 and 1, is the fraction of the delay randomized.
	Jitter float64
}

// DefaultRetryPolicy retries twice with a 500ms base and 25% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Jitter:      0.25,
	}
}

// Delay returns the backoff before retry attempt n (1-based: attempt 1 is the
// first retry). The exponential delay is base * 2^(n-1), capped at MaxDelay,
// then jittered by up to ±Jitter of itself.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			delay = p.MaxDelay
			break
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if p.Jitter > 0 {
		spread := float64(delay) * p.Jitter
		delay += time.Duration((rand.Float64()*2 - 1) * spread)
		if delay < 0 {
			delay = 0
		}
	}
	return delay
}

// Attempts returns MaxAttempts clamped so a tool that must not be retried
// (non-idempotent) runs at most maxForTool times.
func (p RetryPolicy) Attempts(idempotent bool) int {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	// Non-idempotent tools are retried at most once.
	if !idempotent && attempts > 2 {
		attempts = 2
	}
	return attempts
}
