package concurrency

import (
	"sync"
	"time"
)

// BreakerState represents the state of the circuit breaker
type BreakerState int32

const (
	// StateClosed allows operations through
	StateClosed BreakerState = iota

	// StateOpen blocks operations until the reset timeout elapses
	StateOpen

	// StateHalfOpen probes whether the downstream has recovered
	StateHalfOpen
)

// String returns the string representation of the breaker state
func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// halfOpenSuccesses is how many consecutive successes in half-open state
// close the circuit again.
const halfOpenSuccesses = 5

// CircuitBreaker sheds load during sustained failure. Consecutive failures
// past the threshold open the circuit; after the reset timeout it half-opens
// and a run of successes closes it.
type CircuitBreaker struct {
	mu               sync.Mutex
	state            BreakerState
	failures         int64
	successes        int64
	failureThreshold int64
	resetTimeout     time.Duration
	lastFailure      time.Time
}

// NewCircuitBreaker creates a circuit breaker with the given threshold and
// reset timeout. Non-positive values fall back to 10 failures and 30s.
func NewCircuitBreaker(failureThreshold int64, resetTimeout time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 10
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	return &CircuitBreaker{
		state:            StateClosed,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
	}
}

// IsOpen reports whether operations are currently blocked. An open circuit
// whose reset timeout elapsed transitions to half-open and admits probes.
func (cb *CircuitBreaker) IsOpen() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateOpen {
		return false
	}
	if !cb.lastFailure.IsZero() && time.Since(cb.lastFailure) > cb.resetTimeout {
		cb.state = StateHalfOpen
		cb.successes = 0
		return false
	}
	return true
}

// RecordSuccess records a successful operation
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	if cb.state == StateHalfOpen {
		cb.successes++
		if cb.successes >= halfOpenSuccesses {
			cb.state = StateClosed
			cb.successes = 0
		}
	}
}

// RecordFailure records a failed operation
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.successes = 0
	cb.lastFailure = time.Now()
	cb.failures++

	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.failureThreshold {
			cb.state = StateOpen
		}
	case StateHalfOpen:
		// Any failure while probing reopens the circuit
		cb.state = StateOpen
	}
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// GetConsecutiveFailures returns the current consecutive failure count
func (cb *CircuitBreaker) GetConsecutiveFailures() int64 {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Reset returns the circuit breaker to the closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failures = 0
	cb.successes = 0
	cb.lastFailure = time.Time{}
}
