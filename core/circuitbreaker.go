package core

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// BreakerState is the state of a CircuitBreaker.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// ErrCircuitOpen is returned by Allow while the breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerConfig configures a CircuitBreaker.
type BreakerConfig struct {
	// MaxFailures consecutive failures open the breaker.
	MaxFailures uint32
	// Cooldown is how long the breaker stays open before a trial call is allowed.
	Cooldown time.Duration
}

// Validate checks the configuration.
func (c BreakerConfig) Validate() error {
	if c.MaxFailures == 0 {
		return errors.New("max failures must be greater than 0")
	}
	if c.Cooldown <= 0 {
		return errors.New("cooldown must be greater than 0")
	}
	return nil
}

// DefaultBreakerConfig is used by sinks that do not configure one.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{MaxFailures: 5, Cooldown: 30 * time.Second}
}

// CircuitBreaker stops a pipeline stage from hammering a sink that keeps
// failing. Only one trial call is let through while half open.
type CircuitBreaker struct {
	cfg BreakerConfig
	now func() time.Time

	mu       sync.Mutex
	state    BreakerState
	failures uint32
	openedAt time.Time
	probing  bool
}

// NewCircuitBreaker validates cfg and returns a closed breaker.
func NewCircuitBreaker(cfg BreakerConfig) (*CircuitBreaker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid circuit breaker config: %w", err)
	}
	return &CircuitBreaker{cfg: cfg, now: time.Now, state: BreakerClosed}, nil
}

// WithClock replaces the time source.
func (cb *CircuitBreaker) WithClock(now func() time.Time) *CircuitBreaker {
	cb.now = now
	return cb
}

// Allow returns nil if a call may proceed.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerOpen:
		if cb.now().Sub(cb.openedAt) < cb.cfg.Cooldown {
			return ErrCircuitOpen
		}
		cb.state = BreakerHalfOpen
		cb.probing = true
		return nil
	case BreakerHalfOpen:
		if cb.probing {
			return ErrCircuitOpen
		}
		cb.probing = true
		return nil
	default:
		return nil
	}
}

// RecordSuccess closes the breaker.
func (cb *CircuitBreaker) RecordSuccess() (oldState, newState BreakerState) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	oldState = cb.state
	cb.state = BreakerClosed
	cb.failures = 0
	cb.probing = false
	return oldState, cb.state
}

// RecordFailure counts a failure and opens the breaker when the limit is hit
// or a half-open trial call failed.
func (cb *CircuitBreaker) RecordFailure() (oldState, newState BreakerState) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	oldState = cb.state
	cb.failures++
	cb.probing = false
	if cb.state == BreakerHalfOpen || cb.failures >= cb.cfg.MaxFailures {
		cb.state = BreakerOpen
		cb.openedAt = cb.now()
	}
	return oldState, cb.state
}

// State returns the current state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
