// Package resilience keeps a flaky upstream from dragging the coaching
// pipeline down with it.
//
// [CircuitBreaker] is a three-state breaker (closed, open, half-open) placed
// in front of each LLM, TTS, or avatar backend. [FallbackGroup] chains
// several backends of the same kind behind per-entry breakers so a tripped
// primary is bypassed in favour of the next healthy one. [Retry] and
// [RetryWithResult] implement the shared backoff policy for transient
// upstream errors.
//
// Everything here is safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker
// rejects calls. The coaching pipeline treats it like any other upstream
// failure: rule-based feedback continues, the LLM round is skipped.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// State is the breaker's operating mode.
type State int

const (
	// StateClosed forwards every call and counts consecutive failures.
	StateClosed State = iota

	// StateOpen rejects every call with [ErrCircuitOpen] until the reset
	// timeout has elapsed since the trip.
	StateOpen

	// StateHalfOpen admits a bounded number of probe calls. Enough
	// successes close the breaker; a single failure re-opens it.
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
	}
	return "unknown"
}

// CircuitBreakerConfig tunes one breaker. Zero fields take the defaults
// noted per field.
type CircuitBreakerConfig struct {
	// Name labels the breaker in logs, usually the upstream provider name.
	Name string

	// MaxFailures is how many consecutive failures trip the breaker while
	// closed. Default 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before admitting
	// probes. Default 30s.
	ResetTimeout time.Duration

	// HalfOpenMax bounds the probe calls admitted while half-open; that
	// many successes close the breaker. Default 3.
	HalfOpenMax int
}

// CircuitBreaker is the three-state breaker. The zero value is not usable;
// construct with [NewCircuitBreaker].
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int

	mu         sync.Mutex
	state      State
	failures   int // consecutive, closed state only
	openedAt   time.Time
	probes     int // calls admitted this half-open round
	probeFails int
}

// NewCircuitBreaker builds a closed breaker from cfg, filling defaults for
// zero fields.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	return &CircuitBreaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMax,
	}
}

// Execute runs fn if the breaker admits the call and feeds the outcome back
// into the state machine. While open it returns [ErrCircuitOpen] without
// running fn.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probing, admit := cb.admit()
	if !admit {
		return ErrCircuitOpen
	}

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err != nil {
		cb.onFailure(probing)
	} else {
		cb.onSuccess(probing)
	}
	return err
}

// admit decides whether a call may proceed, transitioning open → half-open
// when the reset timeout has elapsed. probing reports whether the admitted
// call counts against the half-open budget.
func (cb *CircuitBreaker) admit() (probing, admit bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if time.Since(cb.openedAt) < cb.resetTimeout {
			return false, false
		}
		cb.state = StateHalfOpen
		cb.probes = 0
		cb.probeFails = 0
		slog.Info("breaker half-open, probing upstream", "breaker", cb.name)
	}

	if cb.state == StateHalfOpen {
		if cb.probes >= cb.halfOpenMax {
			// Probe budget spent; wait for the in-flight probes to settle.
			return false, false
		}
		cb.probes++
		return true, true
	}
	return false, true
}

// onFailure and onSuccess run with cb.mu held.

func (cb *CircuitBreaker) onFailure(probing bool) {
	if probing {
		cb.probeFails++
		cb.trip()
		slog.Warn("breaker re-opened, probe failed", "breaker", cb.name)
		return
	}
	cb.failures++
	if cb.failures >= cb.maxFailures {
		cb.trip()
		slog.Warn("breaker opened", "breaker", cb.name, "failures", cb.failures)
	}
}

func (cb *CircuitBreaker) onSuccess(probing bool) {
	if !probing {
		cb.failures = 0
		return
	}
	if cb.probes-cb.probeFails >= cb.halfOpenMax {
		cb.toClosed()
		slog.Info("breaker closed, upstream recovered", "breaker", cb.name)
	}
}

func (cb *CircuitBreaker) trip() {
	cb.state = StateOpen
	cb.failures = cb.maxFailures
	cb.openedAt = time.Now()
}

func (cb *CircuitBreaker) toClosed() {
	cb.state = StateClosed
	cb.failures = 0
	cb.probes = 0
	cb.probeFails = 0
}

// State reports the breaker's mode. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the stored state flips on the next
// [CircuitBreaker.Execute].
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && time.Since(cb.openedAt) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed and clears all counters, e.g. after an
// operator swaps the upstream's credentials.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.toClosed()
	slog.Info("breaker reset", "breaker", cb.name)
}
