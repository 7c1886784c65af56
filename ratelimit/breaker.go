package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

// ErrCircuitOpen is returned while the breaker short-circuits calls to a failing store.
// It wraps ErrStoreUnavailable so limiters fail open.
var ErrCircuitOpen = fmt.Errorf("%w: circuit open", ErrStoreUnavailable)

// BreakerState is the state of a circuit breaker
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds circuit breaker settings
type BreakerConfig struct {
	// Disabled turns the breaker off; every call reaches the store.
	Disabled bool `json:"disabled" yaml:"disabled"`
	// MaxFailures is the number of consecutive failures that opens the circuit.
	MaxFailures int `json:"max_failures" yaml:"max_failures" validate:"gte=0"`
	// Cooldown is how long the circuit stays open before a trial call.
	Cooldown time.Duration `json:"cooldown" yaml:"cooldown"`
}

// Breaker defaults
const (
	DefaultBreakerMaxFailures = 5
	DefaultBreakerCooldown    = 30 * time.Second
)

// CircuitBreaker stops calling a store after repeated failures. While open it
// rejects calls at once. After Cooldown one trial call is let through: success
// closes the circuit, failure opens it again.
type CircuitBreaker struct {
	config BreakerConfig
	now    func() time.Time

	mu            sync.Mutex
	state         BreakerState
	failures      int
	trial         bool
	lastStateTime time.Time
	onStateChange func(from, to BreakerState)
}

// NewCircuitBreaker creates a closed breaker. Zero values take the defaults.
func NewCircuitBreaker(config BreakerConfig) *CircuitBreaker {
	if config.MaxFailures <= 0 {
		config.MaxFailures = DefaultBreakerMaxFailures
	}
	if config.Cooldown <= 0 {
		config.Cooldown = DefaultBreakerCooldown
	}
	return &CircuitBreaker{
		config:        config,
		now:           time.Now,
		state:         BreakerClosed,
		lastStateTime: time.Now(),
	}
}

// Allow reports whether a call may proceed. In half-open only one trial is in
// flight at a time.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if cb.now().Sub(cb.lastStateTime) < cb.config.Cooldown {
			return false
		}
		cb.setState(BreakerHalfOpen)
		cb.trial = true
		return true
	case BreakerHalfOpen:
		if cb.trial {
			return false
		}
		cb.trial = true
		return true
	default:
		return false
	}
}

// RecordSuccess closes the circuit and clears the failure count
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.trial = false
	cb.setState(BreakerClosed)
}

// RecordFailure counts a failure and opens the circuit at the threshold
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.trial = false

	switch cb.state {
	case BreakerClosed:
		if cb.failures >= cb.config.MaxFailures {
			cb.setState(BreakerOpen)
		}
	case BreakerHalfOpen:
		cb.setState(BreakerOpen)
	}
}

// Release ends a trial call without counting it either way
func (cb *CircuitBreaker) Release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.trial = false
}

// State returns the current state
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// SetOnStateChange sets a callback run on every transition. It is called with
// the breaker lock held and must not call back into the breaker.
func (cb *CircuitBreaker) SetOnStateChange(callback func(from, to BreakerState)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = callback
}

// setState changes the state. Caller holds mu.
func (cb *CircuitBreaker) setState(next BreakerState) {
	if cb.state == next {
		return
	}
	prev := cb.state
	cb.state = next
	cb.lastStateTime = cb.now()
	if cb.onStateChange != nil {
		cb.onStateChange(prev, next)
	}
}
