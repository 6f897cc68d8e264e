// Package resilience guards backend connect attempts with a circuit breaker.
//
// When a backend keeps refusing connections, every fetch that needs a new
// connection would otherwise hold a capacity slot for a full connect timeout.
// The breaker fails those attempts immediately while the backend recovers.
//
// State transitions:
//
//	Closed (normal) -> Open (failing) -> HalfOpen (probing) -> Closed
//	                     ^                    |
//	                     +--------------------+ (if a probe fails)
package resilience

import (
	"context"
	"sync"
	"time"
)

// CircuitState represents the state of the circuit breaker.
type CircuitState int

const (
	// CircuitClosed is the normal operating state - connects pass through.
	CircuitClosed CircuitState = iota
	// CircuitOpen means the circuit is tripped - connects fail immediately.
	CircuitOpen
	// CircuitHalfOpen means a limited number of probe connects are allowed.
	CircuitHalfOpen
)

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

// CircuitBreakerConfig configures the circuit breaker behavior.
// A zero FailureThreshold disables the breaker for a backend.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive connect failures before
	// opening the circuit.
	FailureThreshold int `toml:"failure_threshold"`
	// SuccessThreshold is the number of successful probes in half-open state
	// before closing the circuit.
	SuccessThreshold int `toml:"success_threshold"`
	// Cooldown is how long the circuit stays open before probing.
	Cooldown time.Duration `toml:"cooldown"`
	// MaxHalfOpenRequests is the maximum number of probes in half-open state.
	MaxHalfOpenRequests int `toml:"max_half_open"`
}

// DefaultCircuitBreakerConfig returns sensible defaults for backend connects.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:    5,
		SuccessThreshold:    1,
		Cooldown:            5 * time.Second,
		MaxHalfOpenRequests: 1,
	}
}

// Enabled reports whether the configuration asks for a breaker.
func (c CircuitBreakerConfig) Enabled() bool {
	return c.FailureThreshold > 0
}

// CircuitBreaker implements the circuit breaker pattern.
type CircuitBreaker struct {
	mu     sync.Mutex
	config CircuitBreakerConfig
	name   string

	state CircuitState

	failureCount         int
	successCount         int
	halfOpenRequestCount int

	lastFailureTime time.Time
	lastStateChange time.Time
	openedAt        time.Time

	// now is overridden in tests.
	now func() time.Time
}

// NewCircuitBreaker creates a circuit breaker for the named backend.
// Zero fields take their defaults.
func NewCircuitBreaker(name string, cfg CircuitBreakerConfig) *CircuitBreaker {
	def := DefaultCircuitBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.MaxHalfOpenRequests <= 0 {
		cfg.MaxHalfOpenRequests = def.MaxHalfOpenRequests
	}

	cb := &CircuitBreaker{
		config: cfg,
		name:   name,
		state:  CircuitClosed,
		now:    time.Now,
	}
	cb.lastStateChange = cb.now()
	BreakerState.With(name).Set(int64(CircuitClosed))
	return cb
}

// Name returns the backend this breaker guards.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// State returns the current circuit state. An open circuit whose cooldown
// has elapsed reports half-open; the transition itself happens in Allow.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitOpen && cb.now().Sub(cb.openedAt) >= cb.config.Cooldown {
		return CircuitHalfOpen
	}
	return cb.state
}

// IsOpen returns true if the circuit is currently rejecting connects.
func (cb *CircuitBreaker) IsOpen() bool {
	return cb.State() == CircuitOpen
}

// Allow checks if a connect attempt may proceed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if cb.now().Sub(cb.openedAt) >= cb.config.Cooldown {
			cb.transitionTo(CircuitHalfOpen)
			cb.halfOpenRequestCount = 1
			return true
		}
		return false
	case CircuitHalfOpen:
		if cb.halfOpenRequestCount < cb.config.MaxHalfOpenRequests {
			cb.halfOpenRequestCount++
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess records a successful connect.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		cb.failureCount = 0
	case CircuitHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.config.SuccessThreshold {
			cb.transitionTo(CircuitClosed)
		}
	case CircuitOpen:
		log.WithField("backend", cb.name).Warn("connect success recorded while circuit open")
	}
}

// RecordFailure records a failed connect.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailureTime = cb.now()

	switch cb.state {
	case CircuitClosed:
		cb.failureCount++
		if cb.failureCount >= cb.config.FailureThreshold {
			cb.transitionTo(CircuitOpen)
		}
	case CircuitHalfOpen:
		cb.transitionTo(CircuitOpen)
	}
}

// transitionTo changes the circuit state. Must be called with the lock held.
func (cb *CircuitBreaker) transitionTo(newState CircuitState) {
	if cb.state == newState {
		return
	}

	oldState := cb.state
	cb.state = newState
	cb.lastStateChange = cb.now()

	switch newState {
	case CircuitClosed:
		cb.failureCount = 0
		cb.successCount = 0
	case CircuitOpen:
		cb.openedAt = cb.lastStateChange
		cb.successCount = 0
		BreakerTrips.With(cb.name).Inc()
	case CircuitHalfOpen:
		cb.successCount = 0
		cb.halfOpenRequestCount = 0
	}
	BreakerState.With(cb.name).Set(int64(newState))

	log.WithField("backend", cb.name).
		WithField("from", oldState.String()).
		WithField("to", newState.String()).
		Info("connect circuit state transition")
}

// ExecuteWithContext runs fn if the circuit allows it and records the result.
// Returns ErrCircuitOpen without calling fn when the circuit rejects.
// A cancelled context is not counted as a backend failure.
func (cb *CircuitBreaker) ExecuteWithContext(ctx context.Context, fn func(context.Context) error) error {
	if !cb.Allow() {
		BreakerRejections.With(cb.name).Inc()
		return ErrCircuitOpen
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	if err := fn(ctx); err != nil {
		if ctx.Err() == context.Canceled {
			return err
		}
		cb.RecordFailure()
		return err
	}

	cb.RecordSuccess()
	return nil
}

// CircuitBreakerStats holds statistics for a circuit breaker.
type CircuitBreakerStats struct {
	Name            string
	State           CircuitState
	FailureCount    int
	LastFailureTime time.Time
	LastStateChange time.Time
}

// Stats returns current circuit breaker statistics.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	state := cb.State()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	return CircuitBreakerStats{
		Name:            cb.name,
		State:           state,
		FailureCount:    cb.failureCount,
		LastFailureTime: cb.lastFailureTime,
		LastStateChange: cb.lastStateChange,
	}
}
