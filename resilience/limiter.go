package resilience

import (
	"sync"
	"time"
)

// LimiterConfig holds the token bucket tunables.
type LimiterConfig struct {
	// Capacity is the maximum number of tokens the bucket holds.
	Capacity float64
	// RefillRate is the number of tokens added per second.
	RefillRate float64
}

// DefaultLimiterConfig allows short bursts of 10 calls refilled at 5/s.
func DefaultLimiterConfig() LimiterConfig {
	return LimiterConfig{Capacity: 10, RefillRate: 5}
}

// LimiterSnapshot is a point-in-time copy of bucket state for health reporting.
type LimiterSnapshot struct {
	Tool            string  `json:"tool"`
	Capacity        float64 `json:"capacity"`
	RefillRate      float64 `json:"refill_rate"`
	TokensAvailable float64 `json:"tokens_available"`
}

// TokenBucket is a lazily-refilled token bucket rate limiter, one per tool.
// Refill happens on access rather than on a timer, so an idle bucket costs
// nothing. Safe for concurrent use.
type TokenBucket struct {
	mu           sync.Mutex
	tool         string
	capacity     float64
	refillRate   float64
	tokens       float64
	lastRefillAt time.Time

	now func() time.Time
}

// NewTokenBucket creates a full bucket for the named tool.
func NewTokenBucket(tool string, cfg LimiterConfig) *TokenBucket {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1
	}
	if cfg.RefillRate <= 0 {
		cfg.RefillRate = 1
	}
	tb := &TokenBucket{
		tool:       tool,
		capacity:   cfg.Capacity,
		refillRate: cfg.RefillRate,
		tokens:     cfg.Capacity,
		now:        time.Now,
	}
	tb.lastRefillAt = tb.now()
	return tb
}

// TryTake attempts to consume one token. It returns false without blocking if
// no token is available.
func (tb *TokenBucket) TryTake() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	if tb.tokens < 1 {
		return false
	}
	tb.tokens--
	return true
}

// refill credits tokens for the time elapsed since the last refill. Caller
// holds mu.
func (tb *TokenBucket) refill() {
	now := tb.now()
	elapsed := now.Sub(tb.lastRefillAt).Seconds()
	if elapsed <= 0 {
		return
	}
	tb.tokens += elapsed * tb.refillRate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefillAt = now
}

// Snapshot returns a copy of the bucket state for health reporting.
func (tb *TokenBucket) Snapshot() LimiterSnapshot {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	return LimiterSnapshot{
		Tool:            tb.tool,
		Capacity:        tb.capacity,
		RefillRate:      tb.refillRate,
		TokensAvailable: tb.tokens,
	}
}
