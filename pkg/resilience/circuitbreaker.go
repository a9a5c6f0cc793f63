// Package resilience provides the fault-tolerance primitives logsearch wraps
// its optional backends in: a circuit breaker for Redis, Postgres and Kafka
// calls, exponential-backoff retry for connects and segment merges, and a
// context-based timeout wrapper for searches.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned without calling the guarded function while the
// breaker is open, or half-open with its probe already in flight.
var ErrCircuitOpen = errors.New("circuit breaker is open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
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

// CircuitBreakerConfig controls when a breaker trips and how it recovers.
// Zero fields take the defaults: 5 consecutive failures, 30s open, one
// half-open probe.
type CircuitBreakerConfig struct {
	FailureThreshold    int
	ResetTimeout        time.Duration
	HalfOpenMaxRequests int
	// IsFailure decides whether an error counts against the backend. By
	// default every error does except a cancelled context, which says more
	// about the caller than about the backend.
	IsFailure func(error) bool
	// OnStateChange is called with the breaker's name and new state on every
	// transition. It runs with the breaker locked and must not call back
	// into it.
	OnStateChange func(name string, to State)
}

func defaultIsFailure(err error) bool {
	return !errors.Is(err, context.Canceled)
}

// CircuitBreaker counts consecutive failures of one backend. Past the
// threshold it opens and fails calls fast; after ResetTimeout it lets a
// limited number of probes through and closes again on the first success.
type CircuitBreaker struct {
	name   string
	cfg    CircuitBreakerConfig
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probes   int
	// epoch changes on every transition, so a call that started under an
	// earlier state cannot move the breaker when it finishes.
	epoch uint64
}

func NewCircuitBreaker(name string, cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxRequests <= 0 {
		cfg.HalfOpenMaxRequests = 1
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = defaultIsFailure
	}
	return &CircuitBreaker{
		name:   name,
		cfg:    cfg,
		logger: slog.Default().With("component", "circuit-breaker", "name", name),
		now:    time.Now,
	}
}

// Execute runs fn unless the breaker refuses the call, and records its
// outcome. fn's error is returned as is.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	epoch, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn()
	cb.record(epoch, err)
	return err
}

// GetState returns the current state, moving an expired open breaker to
// half-open first.
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.expire()
	return cb.state
}

func (cb *CircuitBreaker) Name() string { return cb.name }

// Reset closes the breaker and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transition(StateClosed)
	cb.logger.Info("circuit manually reset")
}

func (cb *CircuitBreaker) admit() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.expire()
	switch cb.state {
	case StateOpen:
		wait := cb.cfg.ResetTimeout - cb.now().Sub(cb.openedAt)
		return 0, fmt.Errorf("%w: %s (retry in %v)", ErrCircuitOpen, cb.name, wait.Round(time.Millisecond))
	case StateHalfOpen:
		if cb.probes >= cb.cfg.HalfOpenMaxRequests {
			return 0, fmt.Errorf("%w: %s (probe in flight)", ErrCircuitOpen, cb.name)
		}
		cb.probes++
	}
	return cb.epoch, nil
}

func (cb *CircuitBreaker) record(epoch uint64, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if epoch != cb.epoch {
		return
	}
	failed := err != nil && cb.cfg.IsFailure(err)
	switch cb.state {
	case StateClosed:
		if !failed {
			cb.failures = 0
			return
		}
		cb.failures++
		if cb.failures >= cb.cfg.FailureThreshold {
			cb.logger.Warn("circuit opened", "consecutive_failures", cb.failures, "error", err)
			cb.transition(StateOpen)
		}
	case StateHalfOpen:
		if failed {
			cb.logger.Warn("circuit re-opened, probe failed", "error", err)
			cb.transition(StateOpen)
			return
		}
		cb.logger.Info("circuit closed, backend recovered")
		cb.transition(StateClosed)
	}
}

// expire must be called with mu held.
func (cb *CircuitBreaker) expire() {
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		cb.logger.Info("circuit half-open", "after", cb.cfg.ResetTimeout)
		cb.transition(StateHalfOpen)
	}
}

func (cb *CircuitBreaker) transition(to State) {
	cb.failures = 0
	cb.probes = 0
	cb.epoch++
	if to == StateOpen {
		cb.openedAt = cb.now()
	}
	if cb.state == to {
		return
	}
	cb.state = to
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.name, to)
	}
}
