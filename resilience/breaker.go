// Package resilience provides the failure-isolation primitives the execution
// engine composes around every tool call: a per-tool circuit breaker, a token
// bucket rate limiter, and a retry policy with exponential backoff and jitter.
package resilience

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrCircuitOpen is the sentinel matched by errors.Is for breaker fast-fails.
var ErrCircuitOpen = errors.New("circuit open")

// ErrRateLimited is the sentinel matched by errors.Is for limiter fast-fails.
var ErrRateLimited = errors.New("rate limit exceeded")

// State is the circuit breaker state machine position.
type State string

const (
	// StateClosed admits all calls; failures are counted.
	StateClosed State = "closed"
	// StateOpen rejects all calls until the cooldown elapses.
	StateOpen State = "open"
	// StateHalfOpen admits exactly one trial call to probe recovery.
	StateHalfOpen State = "half-open"
)

// CircuitOpenError is returned when a call is rejected because the breaker is
// open. No underlying call is made.
type CircuitOpenError struct {
	Tool          string
	CooldownUntil time.Time
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s until %s", e.Tool, e.CooldownUntil.Format(time.RFC3339))
}

func (e *CircuitOpenError) Unwrap() error { return ErrCircuitOpen }

// RateLimitError is returned when the token bucket has no tokens available.
// No underlying call is made and the breaker is unaffected.
type RateLimitError struct {
	Tool string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s", e.Tool)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// BreakerConfig holds the tunables for a circuit breaker. All thresholds and
// durations are configuration, not constants.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// circuit.
	FailureThreshold int
	// BaseCooldown is the open-state cooldown after the first trip. Each
	// subsequent trip doubles the cooldown up to MaxCooldown.
	BaseCooldown time.Duration
	// MaxCooldown caps the exponential cooldown growth.
	MaxCooldown time.Duration
}

// DefaultBreakerConfig returns conservative defaults suitable for flaky
// network-backed tools.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 3,
		BaseCooldown:     30 * time.Second,
		MaxCooldown:      10 * time.Minute,
	}
}

// Snapshot is a point-in-time copy of breaker state for health reporting and
// persistence across restarts.
type Snapshot struct {
	Tool                string    `json:"tool"`
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	OpenedAt            time.Time `json:"opened_at,omitempty"`
	CooldownUntil       time.Time `json:"cooldown_until,omitempty"`
	TripCount           int       `json:"trip_count"`
}

// Breaker is a per-tool circuit breaker. All transitions are serialized under
// an internal mutex; it is safe for concurrent callers.
//
// The half-open state admits exactly one trial call: the first Allow after the
// cooldown elapses claims the trial slot, concurrent callers keep failing with
// CircuitOpenError until the trial reports back via OnSuccess or OnFailure.
type Breaker struct {
	mu   sync.Mutex
	tool string
	cfg  BreakerConfig

	state               State
	consecutiveFailures int
	openedAt            time.Time
	cooldownUntil       time.Time
	tripCount           int
	trialInFlight       bool

	now func() time.Time
}

// NewBreaker creates a closed breaker for the named tool.
func NewBreaker(tool string, cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.BaseCooldown <= 0 {
		cfg.BaseCooldown = 30 * time.Second
	}
	if cfg.MaxCooldown < cfg.BaseCooldown {
		cfg.MaxCooldown = cfg.BaseCooldown
	}
	return &Breaker{
		tool:  tool,
		cfg:   cfg,
		state: StateClosed,
		now:   time.Now,
	}
}

// Restore rehydrates breaker state from a persisted snapshot so open-circuit
// cooldowns survive a process restart. Snapshots whose cooldown already
// elapsed restore as closed.
func (b *Breaker) Restore(snap Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if snap.State == StateOpen && b.now().Before(snap.CooldownUntil) {
		b.state = StateOpen
		b.consecutiveFailures = snap.ConsecutiveFailures
		b.openedAt = snap.OpenedAt
		b.cooldownUntil = snap.CooldownUntil
		b.tripCount = snap.TripCount
		return
	}
	b.state = StateClosed
	b.consecutiveFailures = 0
	b.tripCount = snap.TripCount
}

// Allow reports whether a call may proceed. In the open state it fails with
// *CircuitOpenError until the cooldown elapses, then transitions to half-open
// and admits a single trial call.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Before(b.cooldownUntil) {
			return &CircuitOpenError{Tool: b.tool, CooldownUntil: b.cooldownUntil}
		}
		b.state = StateHalfOpen
		b.trialInFlight = true
		return nil
	case StateHalfOpen:
		if b.trialInFlight {
			return &CircuitOpenError{Tool: b.tool, CooldownUntil: b.cooldownUntil}
		}
		b.trialInFlight = true
		return nil
	}
	return nil
}

// OnSuccess records a successful call: the failure counter resets and a
// half-open breaker closes.
func (b *Breaker) OnSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0
	if b.state == StateHalfOpen {
		b.state = StateClosed
		b.tripCount = 0
	}
	b.trialInFlight = false
}

// OnFailure records a failed call. Reaching the failure threshold trips the
// breaker open; a failed half-open trial reopens immediately with a larger
// cooldown. The cooldown doubles per trip up to the configured cap.
func (b *Breaker) OnFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures++

	if b.state == StateHalfOpen {
		b.trialInFlight = false
		b.trip()
		return
	}
	if b.state == StateClosed && b.consecutiveFailures >= b.cfg.FailureThreshold {
		b.trip()
	}
}

// trip transitions to open with an exponentially grown cooldown. Caller holds mu.
func (b *Breaker) trip() {
	b.tripCount++
	cooldown := b.cfg.BaseCooldown
	for i := 1; i < b.tripCount; i++ {
		cooldown *= 2
		if cooldown >= b.cfg.MaxCooldown {
			cooldown = b.cfg.MaxCooldown
			break
		}
	}
	now := b.now()
	b.state = StateOpen
	b.openedAt = now
	b.cooldownUntil = now.Add(cooldown)
}

// State returns the current state, transitioning open to half-open is left to
// Allow so reads here are side-effect free.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a copy of the breaker state for health reporting.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Snapshot{
		Tool:                b.tool,
		State:               b.state,
		ConsecutiveFailures: b.consecutiveFailures,
		OpenedAt:            b.openedAt,
		CooldownUntil:       b.cooldownUntil,
		TripCount:           b.tripCount,
	}
}
