// Package circuitbreaker keeps a Closed/Open/HalfOpen breaker per paywall
// backend so that a gateway which keeps failing stops receiving calls for a
// while.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned to callers when a backend's circuit is open.
var ErrCircuitOpen = errors.New("circuit open for backend")

// State represents the state of the circuit breaker.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

const (
	defaultFailureThreshold         = 5                // Consecutive failures that open the circuit
	defaultOpenStateTimeout         = 30 * time.Second // Time before Open becomes HalfOpen
	defaultHalfOpenSuccessThreshold = 2                // Successes in HalfOpen that close the circuit
)

// Config tunes the breaker. Zero fields take the defaults.
type Config struct {
	FailureThreshold         int
	OpenStateTimeout         time.Duration
	HalfOpenSuccessThreshold int
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = defaultFailureThreshold
	}
	if c.OpenStateTimeout <= 0 {
		c.OpenStateTimeout = defaultOpenStateTimeout
	}
	if c.HalfOpenSuccessThreshold <= 0 {
		c.HalfOpenSuccessThreshold = defaultHalfOpenSuccessThreshold
	}
	return c
}

// backendState holds the current state for a single backend.
type backendState struct {
	state                State
	consecutiveFailures  int
	consecutiveSuccesses int // Used in HalfOpen state
	lastFailureTime      time.Time
	openUntil            time.Time
}

// CircuitBreaker tracks backend health. It is safe for concurrent use.
type CircuitBreaker struct {
	mu       sync.Mutex
	backends map[string]*backendState
	cfg      Config
	now      func() time.Time
}

// NewCircuitBreaker creates a new CircuitBreaker with default settings.
func NewCircuitBreaker() *CircuitBreaker {
	return NewCircuitBreakerWithConfig(Config{})
}

// NewCircuitBreakerWithConfig creates a CircuitBreaker with custom settings.
func NewCircuitBreakerWithConfig(cfg Config) *CircuitBreaker {
	return &CircuitBreaker{
		backends: make(map[string]*backendState),
		cfg:      cfg.withDefaults(),
		now:      time.Now,
	}
}

// WithClock replaces the time source. Used by tests.
func (cb *CircuitBreaker) WithClock(now func() time.Time) *CircuitBreaker {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.now = now
	return cb
}

// caller holds cb.mu.
func (cb *CircuitBreaker) stateFor(backend string) *backendState {
	bs, exists := cb.backends[backend]
	if !exists {
		bs = &backendState{state: Closed}
		cb.backends[backend] = bs
	}
	return bs
}

// AllowRequest reports whether a gateway call to backend may proceed.
// An Open circuit whose timeout expired moves to HalfOpen and lets calls through.
func (cb *CircuitBreaker) AllowRequest(backend string) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	bs := cb.stateFor(backend)
	switch bs.state {
	case Closed, HalfOpen:
		return true
	case Open:
		if cb.now().After(bs.openUntil) {
			bs.state = HalfOpen
			bs.consecutiveSuccesses = 0
			return true
		}
		return false
	default:
		bs.state = Closed
		return true
	}
}

// RecordFailure records a gateway failure for backend.
func (cb *CircuitBreaker) RecordFailure(backend string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	bs := cb.stateFor(backend)
	now := cb.now()
	bs.lastFailureTime = now

	switch bs.state {
	case Closed:
		bs.consecutiveFailures++
		if bs.consecutiveFailures >= cb.cfg.FailureThreshold {
			bs.state = Open
			bs.openUntil = now.Add(cb.cfg.OpenStateTimeout)
		}
	case HalfOpen:
		// A single failure while probing re-opens the circuit.
		bs.state = Open
		bs.openUntil = now.Add(cb.cfg.OpenStateTimeout)
		bs.consecutiveFailures = 0
		bs.consecutiveSuccesses = 0
	case Open:
	}
}

// RecordSuccess records a successful gateway call for backend.
func (cb *CircuitBreaker) RecordSuccess(backend string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	bs := cb.stateFor(backend)
	switch bs.state {
	case Closed:
		bs.consecutiveFailures = 0
	case HalfOpen:
		bs.consecutiveSuccesses++
		if bs.consecutiveSuccesses >= cb.cfg.HalfOpenSuccessThreshold {
			bs.state = Closed
			bs.consecutiveFailures = 0
			bs.consecutiveSuccesses = 0
		}
	case Open:
	}
}

// GetState returns the circuit state of backend without transitioning it.
func (cb *CircuitBreaker) GetState(backend string) State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	bs, exists := cb.backends[backend]
	if !exists {
		return Closed
	}
	return bs.state
}

// Snapshot returns the state of every backend seen so far.
func (cb *CircuitBreaker) Snapshot() map[string]State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	out := make(map[string]State, len(cb.backends))
	for backend, bs := range cb.backends {
		out[backend] = bs.state
	}
	return out
}
