// Package resilience provides reliability patterns for external service calls.
package resilience

import (
	"errors"
	"sync"
	"time"

	"github.com/Strob0t/EventForge/internal/config"
)

// ErrCircuitOpen is returned when the circuit breaker is open and rejecting calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the circuit's current disposition, exposed for health reporting.
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
	}
	return "unknown"
}

// Breaker implements a circuit breaker for protecting handler execution.
// It tracks consecutive failures and opens the circuit when a threshold is
// reached, preventing further calls until a timeout elapses. In half-open,
// at most halfOpenMax probe calls run concurrently; the rest are rejected
// until a probe settles the circuit one way or the other.
type Breaker struct {
	mu          sync.Mutex
	state       State
	failures    int
	probes      int
	maxFailures int
	halfOpenMax int
	timeout     time.Duration
	openedAt    time.Time
	now         func() time.Time // for testing
}

// NewBreaker creates a circuit breaker that opens after maxFailures
// consecutive failures and stays open for the given timeout before
// transitioning to half-open.
func NewBreaker(cfg config.Breaker) *Breaker {
	halfOpen := cfg.HalfOpenMax
	if halfOpen < 1 {
		halfOpen = 1
	}
	return &Breaker{
		maxFailures: cfg.MaxFailures,
		halfOpenMax: halfOpen,
		timeout:     cfg.Timeout,
		now:         time.Now,
	}
}

// Execute runs fn if the circuit admits the call.
// Returns ErrCircuitOpen if the circuit is open or the half-open probe
// budget is exhausted.
func (b *Breaker) Execute(fn func() error) error {
	probe, ok := b.allowRequest()
	if !ok {
		return ErrCircuitOpen
	}

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()

	if probe {
		b.probes--
	}
	if err != nil {
		b.onFailure()
		return err
	}

	b.onSuccess()
	return nil
}

// State returns the circuit's current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.timeout {
		return StateHalfOpen
	}
	return b.state
}

// allowRequest reports whether the call may proceed and whether it
// counts against the half-open probe budget.
func (b *Breaker) allowRequest() (probe, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return false, true
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.timeout {
			b.state = StateHalfOpen
			b.probes = 1
			return true, true
		}
		return false, false
	case StateHalfOpen:
		if b.probes >= b.halfOpenMax {
			return false, false
		}
		b.probes++
		return true, true
	}
	return false, false
}

// onFailure must be called with b.mu held.
func (b *Breaker) onFailure() {
	b.failures++
	if b.state == StateHalfOpen || b.failures >= b.maxFailures {
		b.state = StateOpen
		b.openedAt = b.now()
		b.probes = 0
	}
}

// onSuccess must be called with b.mu held.
func (b *Breaker) onSuccess() {
	b.failures = 0
	b.state = StateClosed
	b.probes = 0
}
