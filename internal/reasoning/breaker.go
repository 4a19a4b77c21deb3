package reasoning

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/quantgraph/quantgraph/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // normal operation
	CircuitOpen                         // failing, rejecting calls
	CircuitHalfOpen                     // testing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures circuit breaker behavior.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before half-open.
	Cooldown time.Duration
	// HalfOpenMax is the number of test requests allowed while half-open.
	HalfOpenMax int
}

// DefaultBreakerConfig returns the advisor transport defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, Cooldown: 30 * time.Second, HalfOpenMax: 1}
}

type breaker struct {
	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	lastFailure         time.Time
	halfOpenAttempts    int
	config              BreakerConfig
}

// BreakerRegistry manages per-endpoint circuit breakers for the advisor
// transport.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*breaker
	config   BreakerConfig
}

// NewBreakerRegistry creates a registry with the given config.
func NewBreakerRegistry(config BreakerConfig) *BreakerRegistry {
	return &BreakerRegistry{breakers: make(map[string]*breaker), config: config}
}

// Allow checks whether a request to the endpoint may proceed. Returns
// nil if allowed, or a CIRCUIT_OPEN error.
func (r *BreakerRegistry) Allow(endpoint string) error {
	cb := r.getOrCreate(endpoint)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return nil
	case CircuitOpen:
		if time.Since(cb.lastFailure) >= cb.config.Cooldown {
			cb.state = CircuitHalfOpen
			cb.halfOpenAttempts = 1 // this request is the first test
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit open for %q: %d consecutive failures", endpoint, cb.consecutiveFailures).
			WithDetails(map[string]any{
				"endpoint":             endpoint,
				"consecutive_failures": cb.consecutiveFailures,
				"cooldown_remaining":   (cb.config.Cooldown - time.Since(cb.lastFailure)).String(),
			})
	case CircuitHalfOpen:
		if cb.halfOpenAttempts >= cb.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit half-open for %q: max test requests reached", endpoint)
		}
		cb.halfOpenAttempts++
		return nil
	}
	return nil
}

// RecordSuccess closes the circuit for the endpoint.
func (r *BreakerRegistry) RecordSuccess(endpoint string) {
	cb := r.getOrCreate(endpoint)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutiveFailures = 0
	cb.halfOpenAttempts = 0
	cb.state = CircuitClosed
}

// RecordFailure records a failed call; returns the resulting state.
func (r *BreakerRegistry) RecordFailure(endpoint string) CircuitState {
	cb := r.getOrCreate(endpoint)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	cb.lastFailure = time.Now()
	if cb.state == CircuitHalfOpen || cb.consecutiveFailures >= cb.config.FailureThreshold {
		cb.state = CircuitOpen
		return CircuitOpen
	}
	return cb.state
}

// State returns the endpoint's current state, applying the automatic
// open-to-half-open transition after the cooldown.
func (r *BreakerRegistry) State(endpoint string) CircuitState {
	cb := r.getOrCreate(endpoint)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitOpen && time.Since(cb.lastFailure) >= cb.config.Cooldown {
		cb.state = CircuitHalfOpen
		cb.halfOpenAttempts = 0
	}
	return cb.state
}

func (r *BreakerRegistry) getOrCreate(endpoint string) *breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[endpoint]
	if !ok {
		cb = &breaker{state: CircuitClosed, config: r.config}
		r.breakers[endpoint] = cb
	}
	return cb
}

// Backoff computes the delay before retry attempt n (0-based):
// exponential doubling from base with up to 25% jitter, capped at max.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			delay = max
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/4 + 1))
	if delay+jitter > max {
		return max
	}
	return delay + jitter
}

// WaitBackoff sleeps for the delay or returns early on cancellation.
func WaitBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
