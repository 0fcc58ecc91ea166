package llm

import (
	"sync"
	"time"
)

// BreakerState mirrors internal/circuit/breaker.go's state names, re-keyed
// from trade P&L to consecutive transport failures per spec §4.3 point 4.
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half_open"
)

// BreakerConfig configures the per-remote-service circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           // K consecutive failures to trip
	CooldownPeriod   time.Duration // T seconds the breaker stays open
}

// DefaultBreakerConfig mirrors the teacher's own defaults in spirit.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, CooldownPeriod: 30 * time.Second}
}

// Breaker is a consecutive-transport-failure circuit breaker, one per
// remote service name (e.g. per LLM provider). Grounded on
// internal/circuit/breaker.go's state machine shape (closed/open/half-open,
// mutex-guarded counters, OnTrip/OnReset callbacks) but triggers on
// transport failures instead of realized PnL.
type Breaker struct {
	mu sync.Mutex

	service   string
	cfg       BreakerConfig
	state     BreakerState
	failures  int
	openedAt  time.Time
	probeInFlight bool

	OnTrip  func(service string)
	OnReset func(service string)
}

// NewBreaker constructs a closed breaker for the named service.
func NewBreaker(service string, cfg BreakerConfig) *Breaker {
	return &Breaker{service: service, cfg: cfg, state: StateClosed}
}

// Allow reports whether a call may proceed, transitioning open->half-open
// once the cooldown elapses. When it returns false the caller must
// short-circuit to a HOLD (spec §4.3: "short-circuits decide to a HOLD").
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(b.openedAt) >= b.cfg.CooldownPeriod {
			b.state = StateHalfOpen
			b.probeInFlight = true
			return true
		}
		return false
	case StateHalfOpen:
		if b.probeInFlight {
			return false // only one probe admitted at a time
		}
		b.probeInFlight = true
		return true
	}
	return false
}

// RecordSuccess closes the breaker (from half-open) or keeps it closed,
// resetting the failure counter.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	wasOpen := b.state != StateClosed
	b.state = StateClosed
	b.failures = 0
	b.probeInFlight = false
	b.mu.Unlock()

	if wasOpen && b.OnReset != nil {
		b.OnReset(b.service)
	}
}

// RecordFailure increments the failure count and trips the breaker once the
// threshold is reached; a half-open probe failure re-opens immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	trip := false
	if b.state == StateHalfOpen {
		trip = true
	} else {
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			trip = true
		}
	}
	if trip {
		b.state = StateOpen
		b.openedAt = time.Now()
		b.probeInFlight = false
	}
	b.mu.Unlock()

	if trip && b.OnTrip != nil {
		b.OnTrip(b.service)
	}
}

// State returns the current breaker state (for diagnostics/events).
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ForceReset returns the breaker to closed, clearing counters.
func (b *Breaker) ForceReset() {
	b.mu.Lock()
	b.state = StateClosed
	b.failures = 0
	b.probeInFlight = false
	b.mu.Unlock()
}
