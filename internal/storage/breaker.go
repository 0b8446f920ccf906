package storage

import (
	"sync"
	"time"
)

// BreakerState is the circuit breaker's current state.
type BreakerState string

const (
	// BreakerClosed passes all calls through.
	BreakerClosed BreakerState = "closed"

	// BreakerOpen short-circuits all calls until the cooldown elapses.
	BreakerOpen BreakerState = "open"

	// BreakerHalfOpen allows trial calls; enough consecutive successes
	// close the breaker again, any failure reopens it.
	BreakerHalfOpen BreakerState = "half_open"
)

// CircuitBreaker guards the shared store against write storms. It is the
// standard three-state breaker: N consecutive failures open it, a cooldown
// moves it to half-open, M consecutive trial successes close it.
// Safe for concurrent use.
type CircuitBreaker struct {
	mu sync.Mutex

	state            BreakerState
	consecutiveFails int
	trialSuccesses   int
	openedAt         time.Time

	failureThreshold int
	successThreshold int
	cooldown         time.Duration
	now              func() time.Time
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(failureThreshold, successThreshold int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		state:            BreakerClosed,
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		cooldown:         cooldown,
		now:              time.Now,
	}
}

// Allow reports whether a call may proceed. While open it returns false
// until the cooldown elapses, at which point the breaker moves to half-open
// and allows trial calls.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed, BreakerHalfOpen:
		return true
	case BreakerOpen:
		if cb.now().Sub(cb.openedAt) >= cb.cooldown {
			cb.state = BreakerHalfOpen
			cb.trialSuccesses = 0
			return true
		}
		return false
	}
	return false
}

// RecordSuccess notes a successful call. In half-open state, enough
// consecutive successes close the breaker.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		cb.consecutiveFails = 0
	case BreakerHalfOpen:
		cb.trialSuccesses++
		if cb.trialSuccesses >= cb.successThreshold {
			cb.state = BreakerClosed
			cb.consecutiveFails = 0
			cb.trialSuccesses = 0
		}
	}
}

// RecordFailure notes a failed call. In closed state, reaching the failure
// threshold opens the breaker; in half-open state any failure reopens it.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		cb.consecutiveFails++
		if cb.consecutiveFails >= cb.failureThreshold {
			cb.state = BreakerOpen
			cb.openedAt = cb.now()
		}
	case BreakerHalfOpen:
		cb.state = BreakerOpen
		cb.openedAt = cb.now()
		cb.trialSuccesses = 0
	}
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
