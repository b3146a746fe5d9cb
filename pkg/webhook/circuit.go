package webhook

import (
	"sync"
	"time"
)

// CircuitState represents the current state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed allows requests to pass through.
	CircuitClosed CircuitState = iota
	// CircuitOpen blocks all requests until the open timeout elapses.
	CircuitOpen
	// CircuitHalfOpen allows a single trial request to probe recovery.
	CircuitHalfOpen
)

// String returns the string representation of the circuit state.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitConfig configures a per-endpoint circuit breaker.
type CircuitConfig struct {
	// FailureThreshold is the number of consecutive failures before the
	// breaker opens. Defaults to 5.
	FailureThreshold int
	// OpenTimeout is how long the breaker stays open before allowing a
	// trial call. Defaults to 60 seconds.
	OpenTimeout time.Duration
	// ResponseTimeThreshold marks technically-successful calls slower than
	// this as degraded in the metrics. It never trips the breaker.
	// Defaults to 30 seconds.
	ResponseTimeThreshold time.Duration
}

func (c CircuitConfig) withDefaults() CircuitConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 60 * time.Second
	}
	if c.ResponseTimeThreshold <= 0 {
		c.ResponseTimeThreshold = 30 * time.Second
	}
	return c
}

// CircuitMetrics provides visibility into breaker state for monitoring.
type CircuitMetrics struct {
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastTransition      time.Time `json:"last_transition"`
	TotalCalls          int64     `json:"total_calls"`
	TotalFailures       int64     `json:"total_failures"`
	SlowCalls           int64     `json:"slow_calls"`
}

// CircuitBreaker tracks the health of a single endpoint URL and gates
// whether delivery attempts are allowed. Safe for concurrent use; all state
// transitions happen under one mutex so attempts against the same endpoint
// serialize through it.
type CircuitBreaker struct {
	mu  sync.Mutex
	cfg CircuitConfig

	state               CircuitState
	consecutiveFailures int
	openedAt            time.Time
	lastTransition      time.Time
	trialInFlight       bool

	totalCalls    int64
	totalFailures int64
	slowCalls     int64
}

// NewCircuitBreaker creates a breaker with the given configuration.
// Zero-valued fields fall back to the documented defaults.
func NewCircuitBreaker(cfg CircuitConfig) *CircuitBreaker {
	return &CircuitBreaker{
		cfg:            cfg.withDefaults(),
		state:          CircuitClosed,
		lastTransition: time.Now(),
	}
}

// Allow checks if a request may proceed. When the breaker is open and the
// open timeout has elapsed, the breaker moves to half-open and admits exactly
// one trial call; further calls are rejected until the trial resolves.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true

	case CircuitOpen:
		if time.Since(cb.openedAt) >= cb.cfg.OpenTimeout {
			cb.transition(CircuitHalfOpen)
			cb.trialInFlight = true
			return true
		}
		return false

	case CircuitHalfOpen:
		if !cb.trialInFlight {
			cb.trialInFlight = true
			return true
		}
		return false

	default:
		return false
	}
}

// RecordSuccess records a successful call. A success on the half-open trial
// closes the breaker and resets the failure metrics. Calls slower than the
// response-time threshold are counted as degraded.
func (cb *CircuitBreaker) RecordSuccess(responseTime time.Duration) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalCalls++
	if responseTime > cb.cfg.ResponseTimeThreshold {
		cb.slowCalls++
	}

	switch cb.state {
	case CircuitClosed:
		cb.consecutiveFailures = 0

	case CircuitHalfOpen:
		cb.transition(CircuitClosed)
		cb.consecutiveFailures = 0
		cb.trialInFlight = false
	}
}

// RecordFailure records a failed call. Crossing the failure threshold opens
// the breaker; a failure on the half-open trial reopens it and restarts the
// open timer.
func (cb *CircuitBreaker) RecordFailure(responseTime time.Duration) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalCalls++
	cb.totalFailures++
	if responseTime > cb.cfg.ResponseTimeThreshold {
		cb.slowCalls++
	}

	switch cb.state {
	case CircuitClosed:
		cb.consecutiveFailures++
		if cb.consecutiveFailures >= cb.cfg.FailureThreshold {
			cb.transition(CircuitOpen)
			cb.openedAt = time.Now()
		}

	case CircuitHalfOpen:
		cb.transition(CircuitOpen)
		cb.openedAt = time.Now()
		cb.consecutiveFailures = cb.cfg.FailureThreshold
		cb.trialInFlight = false
	}
}

// ForceOpen opens the breaker immediately, bypassing the transition logic.
// Intended for operational control.
func (cb *CircuitBreaker) ForceOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.transition(CircuitOpen)
	cb.openedAt = time.Now()
	cb.trialInFlight = false
}

// ForceClose closes the breaker and resets the failure counters, bypassing
// the transition logic. Intended for operational control.
func (cb *CircuitBreaker) ForceClose() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.transition(CircuitClosed)
	cb.consecutiveFailures = 0
	cb.trialInFlight = false
}

// State returns the current state, accounting for the automatic open to
// half-open transition that would occur on the next Allow call.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && time.Since(cb.openedAt) >= cb.cfg.OpenTimeout {
		return CircuitHalfOpen
	}
	return cb.state
}

// Metrics returns a snapshot of the breaker's counters and state.
func (cb *CircuitBreaker) Metrics() CircuitMetrics {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return CircuitMetrics{
		State:               cb.state.String(),
		ConsecutiveFailures: cb.consecutiveFailures,
		LastTransition:      cb.lastTransition,
		TotalCalls:          cb.totalCalls,
		TotalFailures:       cb.totalFailures,
		SlowCalls:           cb.slowCalls,
	}
}

// transition switches state and stamps the transition time. Callers must hold
// the mutex.
func (cb *CircuitBreaker) transition(to CircuitState) {
	if cb.state == to {
		return
	}
	cb.state = to
	cb.lastTransition = time.Now()
}
