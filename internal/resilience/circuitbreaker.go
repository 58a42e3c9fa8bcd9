// Package resilience keeps the voice pipeline answering when a speech or
// generation backend degrades.
//
// [CircuitBreaker] is a three-state breaker (closed → open → half-open)
// wrapped around a single provider: once a transcription or synthesis
// backend fails often enough, further calls are rejected outright instead of
// each one waiting out a network timeout. [FallbackGroup] layers breakers
// over an ordered list of providers, so a tripped Deepgram is bypassed in
// favour of a local Whisper without the caller noticing.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker
// is open and the reset timeout has not yet elapsed.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call; this is the healthy state.
	StateClosed State = iota

	// StateOpen rejects every call with [ErrCircuitOpen]. Entered after too
	// many consecutive failures, left when the reset timeout elapses.
	StateOpen

	// StateHalfOpen lets a bounded number of probe calls through to test
	// whether the backend recovered. Probes all succeeding closes the
	// breaker; any probe failing re-opens it.
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

// CircuitBreakerConfig tunes a [CircuitBreaker]. The zero value selects the
// defaults noted per field.
type CircuitBreakerConfig struct {
	// Name labels the guarded provider in log output.
	Name string

	// MaxFailures is the consecutive-failure count that trips the breaker
	// open. Default 5.
	MaxFailures int

	// ResetTimeout is how long a tripped breaker rejects calls before
	// probing the backend again. Default 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of probe calls the half-open state admits
	// before deciding. Default 3.
	HalfOpenMax int

	// Logger receives state-transition messages. Defaults to
	// [slog.Default].
	Logger *slog.Logger

	// Clock drives the reset timeout; tests inject a mock.
	Clock clock.Clock
}

// CircuitBreaker guards one provider with the three-state breaker pattern.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int
	logger       *slog.Logger
	clk          clock.Clock

	mu         sync.Mutex
	state      State
	failures   int // consecutive failures while closed
	openedAt   time.Time
	probes     int // calls admitted this half-open round
	probeFails int
}

// NewCircuitBreaker constructs a breaker in the closed state.
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
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &CircuitBreaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMax,
		logger:       cfg.Logger,
		clk:          cfg.Clock,
	}
}

// Execute runs fn if the breaker admits the call and settles the breaker on
// its result. Open breakers reject with [ErrCircuitOpen] without invoking
// fn; fn's own error is passed through otherwise.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, err := cb.admit()
	if err != nil {
		return err
	}

	callErr := fn()
	cb.settle(callErr, probe)
	return callErr
}

// admit decides whether a call may proceed, transitioning open → half-open
// when the reset timeout has elapsed. probe reports whether the admitted
// call counts against the half-open budget.
func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.clk.Since(cb.openedAt) < cb.resetTimeout {
			return false, ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.probes = 0
		cb.probeFails = 0
		cb.logger.Info("circuit breaker probing backend", "name", cb.name)

	case StateHalfOpen:
		if cb.probes >= cb.halfOpenMax {
			// Probe budget spent; earlier probes decide the outcome.
			return false, ErrCircuitOpen
		}
	}

	if cb.state == StateHalfOpen {
		cb.probes++
		return true, nil
	}
	return false, nil
}

// settle folds one call result into the breaker state.
func (cb *CircuitBreaker) settle(callErr error, probe bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if callErr == nil {
		if !probe {
			cb.failures = 0
			return
		}
		if cb.probes-cb.probeFails >= cb.halfOpenMax {
			cb.state = StateClosed
			cb.failures = 0
			cb.probes = 0
			cb.probeFails = 0
			cb.logger.Info("circuit breaker closed, backend recovered", "name", cb.name)
		}
		return
	}

	cb.openedAt = cb.clk.Now()
	if probe {
		// One failed probe ends the round; back to rejecting.
		cb.probeFails++
		cb.state = StateOpen
		cb.failures = cb.maxFailures
		cb.logger.Warn("circuit breaker re-opened, backend still failing", "name", cb.name)
		return
	}

	cb.failures++
	if cb.failures >= cb.maxFailures {
		cb.state = StateOpen
		cb.logger.Warn("circuit breaker opened",
			"name", cb.name, "consecutive_failures", cb.failures)
	}
}

// State reports the breaker's current state. An open breaker whose reset
// timeout has elapsed reports half-open; the stored transition happens on
// the next [CircuitBreaker.Execute].
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.clk.Since(cb.openedAt) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker back to closed and clears all counters, for
// operator intervention after a known-fixed outage.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.failures = 0
	cb.probes = 0
	cb.probeFails = 0
	cb.logger.Info("circuit breaker reset", "name", cb.name)
}
