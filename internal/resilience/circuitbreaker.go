// Package resilience provides the per-provider circuit breaker and the health
// monitor used by the orchestrator and the providers command.
package resilience

import (
	"fmt"
	"sync"
	"time"

	"tradebridge/internal/errors"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState string

const (
	CircuitClosed   CircuitState = "CLOSED"
	CircuitOpen     CircuitState = "OPEN"
	CircuitHalfOpen CircuitState = "HALF_OPEN" // one trial call allowed through
)

// BreakerConfig holds circuit breaker configuration.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	// Zero disables the breaker.
	FailureThreshold int
	// SuccessThreshold is the number of half-open successes needed to close again.
	SuccessThreshold int
	// Cooldown is how long an open circuit rejects calls before going half-open.
	Cooldown time.Duration
}

// DefaultBreakerConfig returns the defaults used when configuration is silent.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 3,
		SuccessThreshold: 1,
		Cooldown:         2 * time.Minute,
	}
}

// CircuitBreaker trips after consecutive failures of one provider so later
// rounds stop paying for calls that are bound to fail.
type CircuitBreaker struct {
	name   string
	config BreakerConfig
	now    func() time.Time

	mu              sync.Mutex
	state           CircuitState
	failures        int
	successes       int
	openedAt        time.Time
	lastStateChange time.Time

	totalCalls    int64
	totalFailures int64
	totalRejected int64
}

// NewCircuitBreaker creates a closed circuit breaker.
func NewCircuitBreaker(name string, config BreakerConfig) *CircuitBreaker {
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	return &CircuitBreaker{
		name:            name,
		config:          config,
		now:             time.Now,
		state:           CircuitClosed,
		lastStateChange: time.Now(),
	}
}

// Allow reports whether a call may proceed. The returned error wraps
// errors.ErrCircuitOpen.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.config.FailureThreshold <= 0 {
		return nil
	}

	switch cb.state {
	case CircuitOpen:
		if cb.now().Sub(cb.openedAt) >= cb.config.Cooldown {
			cb.transitionTo(CircuitHalfOpen)
			return nil
		}
		cb.totalRejected++
		return fmt.Errorf("%s: %w", cb.name, errors.ErrCircuitOpen)
	default:
		return nil
	}
}

// Record feeds the outcome of a call that Allow let through.
func (cb *CircuitBreaker) Record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalCalls++
	if err == nil {
		switch cb.state {
		case CircuitHalfOpen:
			cb.successes++
			if cb.successes >= cb.config.SuccessThreshold {
				cb.transitionTo(CircuitClosed)
			}
		case CircuitClosed:
			cb.failures = 0
		}
		return
	}

	cb.totalFailures++
	if cb.config.FailureThreshold <= 0 {
		return
	}
	switch cb.state {
	case CircuitClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.transitionTo(CircuitOpen)
		}
	case CircuitHalfOpen:
		cb.transitionTo(CircuitOpen)
	}
}

func (cb *CircuitBreaker) transitionTo(state CircuitState) {
	cb.state = state
	cb.lastStateChange = cb.now()
	if state == CircuitOpen {
		cb.openedAt = cb.lastStateChange
	}
	cb.failures = 0
	cb.successes = 0
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Name returns the circuit breaker name.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Stats returns circuit breaker statistics.
func (cb *CircuitBreaker) Stats() BreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return BreakerStats{
		Name:            cb.name,
		State:           cb.state,
		TotalCalls:      cb.totalCalls,
		TotalFailures:   cb.totalFailures,
		TotalRejected:   cb.totalRejected,
		CurrentFailures: cb.failures,
		LastStateChange: cb.lastStateChange,
	}
}

// BreakerStats holds circuit breaker statistics.
type BreakerStats struct {
	Name            string       `json:"name"`
	State           CircuitState `json:"state"`
	TotalCalls      int64        `json:"total_calls"`
	TotalFailures   int64        `json:"total_failures"`
	TotalRejected   int64        `json:"total_rejected"`
	CurrentFailures int          `json:"current_failures"`
	LastStateChange time.Time    `json:"last_state_change"`
}

// FailureRate returns the failure rate as a percentage.
func (s BreakerStats) FailureRate() float64 {
	if s.TotalCalls == 0 {
		return 0
	}
	return float64(s.TotalFailures) / float64(s.TotalCalls) * 100
}
