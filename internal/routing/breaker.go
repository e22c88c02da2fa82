package routing

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rand/refinery/internal/budget"
)

// CircuitState represents the current state of a circuit breaker.
type CircuitState int

const (
	// StateClosed allows all calls through.
	StateClosed CircuitState = iota

	// StateOpen rejects all calls until the recovery timeout elapses.
	StateOpen

	// StateHalfOpen lets a single probe through.
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when a tier's circuit is rejecting calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerConfig configures a circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening.
	// Default: 5
	FailureThreshold int

	// RecoveryTimeout is how long to wait before probing again.
	// Default: 30 seconds
	RecoveryTimeout time.Duration

	// SuccessThreshold is the number of consecutive half-open successes
	// needed to close. Default: 1
	SuccessThreshold int

	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

// CircuitBreaker fails fast while a tier's endpoint is unhealthy.
type CircuitBreaker struct {
	config BreakerConfig

	mu               sync.Mutex
	state            CircuitState
	failureCount     int
	successCount     int
	lastFailureTime  time.Time
	halfOpenInFlight bool

	metrics BreakerMetrics
}

// BreakerMetrics contains circuit breaker statistics.
type BreakerMetrics struct {
	State           string `json:"state"`
	TotalCalls      int64  `json:"total_calls"`
	TotalFailures   int64  `json:"total_failures"`
	TotalRejections int64  `json:"total_rejections"`
}

// NewCircuitBreaker creates a breaker, filling in defaults.
func NewCircuitBreaker(config BreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 30 * time.Second
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &CircuitBreaker{config: config}
}

// Call executes fn if the circuit allows it. Context cancellation is not
// counted as a failure.
func (cb *CircuitBreaker) Call(fn func() error) error {
	if !cb.allow() {
		return ErrCircuitOpen
	}

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch {
	case err == nil:
		cb.onSuccessLocked()
	case errors.Is(err, context.Canceled):
		cb.halfOpenInFlight = false
	default:
		cb.onFailureLocked()
	}
	return err
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.config.Now().Sub(cb.lastFailureTime) >= cb.config.RecoveryTimeout {
		cb.state = StateHalfOpen
	}
	return cb.state
}

// Metrics returns a copy of the breaker counters.
func (cb *CircuitBreaker) Metrics() BreakerMetrics {
	state := cb.State()
	cb.mu.Lock()
	defer cb.mu.Unlock()
	m := cb.metrics
	m.State = state.String()
	return m
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.metrics.TotalCalls++
		return true

	case StateOpen:
		if cb.config.Now().Sub(cb.lastFailureTime) >= cb.config.RecoveryTimeout {
			cb.state = StateHalfOpen
			cb.halfOpenInFlight = true
			cb.metrics.TotalCalls++
			return true
		}

	case StateHalfOpen:
		if !cb.halfOpenInFlight {
			cb.halfOpenInFlight = true
			cb.metrics.TotalCalls++
			return true
		}
	}

	cb.metrics.TotalRejections++
	return false
}

func (cb *CircuitBreaker) onSuccessLocked() {
	switch cb.state {
	case StateClosed:
		cb.failureCount = 0
	case StateHalfOpen:
		cb.successCount++
		cb.halfOpenInFlight = false
		if cb.successCount >= cb.config.SuccessThreshold {
			cb.state = StateClosed
			cb.failureCount = 0
			cb.successCount = 0
		}
	}
}

func (cb *CircuitBreaker) onFailureLocked() {
	cb.metrics.TotalFailures++
	cb.lastFailureTime = cb.config.Now()

	switch cb.state {
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.config.FailureThreshold {
			cb.state = StateOpen
		}
	case StateHalfOpen:
		cb.halfOpenInFlight = false
		cb.successCount = 0
		cb.state = StateOpen
	}
}

// breakerSet holds one breaker per tier.
type breakerSet map[budget.Tier]*CircuitBreaker

func newBreakerSet(deep, rote BreakerConfig) breakerSet {
	return breakerSet{
		budget.TierDeep: NewCircuitBreaker(deep),
		budget.TierRote: NewCircuitBreaker(rote),
	}
}
