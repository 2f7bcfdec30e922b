package circuitbreaker

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// State represents the state of a circuit breaker
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreaker fails calls fast after repeated failures of a remote
// dependency and probes it again once the timeout has passed.
type CircuitBreaker struct {
	name             string
	maxFailures      uint32
	timeout          time.Duration
	halfOpenMaxCalls uint32
	isFailure        func(error) bool
	now              func() time.Time

	mu              sync.Mutex
	state           State
	failures        uint32
	lastFailureTime time.Time
	halfOpenCalls   uint32
	successCount    uint32
	requestCount    uint32

	logger *logrus.Logger
}

// Option customises a CircuitBreaker.
type Option func(*CircuitBreaker)

// WithFailurePredicate decides which errors count against the circuit.
// Errors it rejects are returned to the caller without tripping anything.
func WithFailurePredicate(fn func(error) bool) Option {
	return func(cb *CircuitBreaker) { cb.isFailure = fn }
}

// WithHalfOpenCalls sets how many probe calls must succeed to close again.
func WithHalfOpenCalls(n uint32) Option {
	return func(cb *CircuitBreaker) {
		if n > 0 {
			cb.halfOpenMaxCalls = n
		}
	}
}

// NewWithLogger creates a new circuit breaker with a custom logger
func NewWithLogger(name string, maxFailures uint32, timeout time.Duration, logger *logrus.Logger, opts ...Option) *CircuitBreaker {
	if maxFailures == 0 {
		maxFailures = 1
	}
	cb := &CircuitBreaker{
		name:             name,
		maxFailures:      maxFailures,
		timeout:          timeout,
		halfOpenMaxCalls: 1,
		isFailure:        func(err error) bool { return err != nil },
		now:              time.Now,
		state:            StateClosed,
		logger:           logger,
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

// Execute runs fn if the circuit allows it. When the circuit is open it
// returns a *CircuitBreakerError without calling fn.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.beforeRequest(); err != nil {
		return err
	}

	err := fn(ctx)
	cb.afterRequest(err)
	return err
}

func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.advanceLocked()

	switch cb.state {
	case StateOpen:
		return &CircuitBreakerError{Name: cb.name, State: cb.state}
	case StateHalfOpen:
		if cb.halfOpenCalls >= cb.halfOpenMaxCalls {
			return &CircuitBreakerError{Name: cb.name, State: cb.state}
		}
		cb.halfOpenCalls++
	}
	cb.requestCount++
	return nil
}

func (cb *CircuitBreaker) afterRequest(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil && !stderrors.Is(err, context.Canceled) && cb.isFailure(err) {
		cb.onFailureLocked()
		return
	}
	cb.onSuccessLocked()
}

func (cb *CircuitBreaker) onSuccessLocked() {
	cb.successCount++

	switch cb.state {
	case StateHalfOpen:
		if cb.successCount >= cb.halfOpenMaxCalls {
			cb.resetLocked()
			cb.logger.WithFields(logrus.Fields{
				"circuit_breaker": cb.name,
				"state":           StateClosed.String(),
			}).Info("Circuit breaker closed after successful recovery")
		}
	case StateClosed:
		cb.failures = 0
	}
}

func (cb *CircuitBreaker) onFailureLocked() {
	cb.failures++
	cb.lastFailureTime = cb.now()

	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.maxFailures {
			cb.tripLocked()
		}
	case StateHalfOpen:
		cb.tripLocked()
	}
}

// advanceLocked moves an open circuit to half-open once the timeout passed.
func (cb *CircuitBreaker) advanceLocked() {
	if cb.state != StateOpen || cb.now().Sub(cb.lastFailureTime) < cb.timeout {
		return
	}
	cb.state = StateHalfOpen
	cb.halfOpenCalls = 0
	cb.successCount = 0
	cb.logger.WithFields(logrus.Fields{
		"circuit_breaker": cb.name,
		"state":           StateHalfOpen.String(),
	}).Info("Circuit breaker transitioned to half-open")
}

func (cb *CircuitBreaker) tripLocked() {
	cb.state = StateOpen
	cb.logger.WithFields(logrus.Fields{
		"circuit_breaker": cb.name,
		"failures":        cb.failures,
		"state":           StateOpen.String(),
	}).Warn("Circuit breaker opened due to failures")
}

func (cb *CircuitBreaker) resetLocked() {
	cb.state = StateClosed
	cb.failures = 0
	cb.successCount = 0
	cb.halfOpenCalls = 0
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.advanceLocked()
	return cb.state
}

// GetStats returns statistics about the circuit breaker
func (cb *CircuitBreaker) GetStats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return Stats{
		Name:            cb.name,
		State:           cb.state,
		Failures:        cb.failures,
		Requests:        cb.requestCount,
		Successes:       cb.successCount,
		LastFailureTime: cb.lastFailureTime,
	}
}

// Stats represents circuit breaker statistics
type Stats struct {
	Name            string    `json:"name"`
	State           State     `json:"state"`
	Failures        uint32    `json:"failures"`
	Requests        uint32    `json:"requests"`
	Successes       uint32    `json:"successes"`
	LastFailureTime time.Time `json:"last_failure_time"`
}

// CircuitBreakerError represents an error when the circuit breaker is open
type CircuitBreakerError struct {
	Name  string
	State State
}

func (e *CircuitBreakerError) Error() string {
	return fmt.Sprintf("circuit breaker '%s' is %s", e.Name, e.State)
}

// IsCircuitBreakerError checks if an error is a circuit breaker error
func IsCircuitBreakerError(err error) bool {
	var cbErr *CircuitBreakerError
	return stderrors.As(err, &cbErr)
}
