package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/Strob0t/EventForge/internal/config"
)

var errTest = errors.New("service unavailable")

func testBreaker(maxFailures int, timeout time.Duration, halfOpenMax int) *Breaker {
	return NewBreaker(config.Breaker{
		MaxFailures: maxFailures,
		Timeout:     timeout,
		HalfOpenMax: halfOpenMax,
	})
}

func TestClosedStateAllowsCalls(t *testing.T) {
	b := testBreaker(3, time.Second, 1)
	called := false
	err := b.Execute(func() error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !called {
		t.Fatal("expected fn to be called")
	}
}

func TestOpensAfterMaxFailures(t *testing.T) {
	b := testBreaker(3, time.Second, 1)

	for i := 0; i < 3; i++ {
		_ = b.Execute(func() error { return errTest })
	}

	if got := b.State(); got != StateOpen {
		t.Fatalf("state = %v, want open", got)
	}
	err := b.Execute(func() error { return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestTransitionsToHalfOpenAfterTimeout(t *testing.T) {
	now := time.Now()
	b := testBreaker(2, time.Second, 1)
	b.now = func() time.Time { return now }

	// Trip the breaker
	for i := 0; i < 2; i++ {
		_ = b.Execute(func() error { return errTest })
	}

	// Still open
	err := b.Execute(func() error { return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}

	// Advance past timeout
	now = now.Add(2 * time.Second)

	// Half-open admits a probe
	called := false
	err = b.Execute(func() error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("expected no error in half-open, got %v", err)
	}
	if !called {
		t.Fatal("expected fn to be called in half-open")
	}

	// Success closes the circuit
	if got := b.State(); got != StateClosed {
		t.Fatalf("state = %v, want closed after half-open success", got)
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	now := time.Now()
	b := testBreaker(2, time.Second, 1)
	b.now = func() time.Time { return now }

	// Trip the breaker
	for i := 0; i < 2; i++ {
		_ = b.Execute(func() error { return errTest })
	}

	// Advance past timeout to reach half-open
	now = now.Add(2 * time.Second)

	// Fail in half-open, reopening the circuit
	_ = b.Execute(func() error { return errTest })

	if got := b.State(); got != StateOpen {
		t.Fatalf("state = %v, want open after half-open failure", got)
	}

	err := b.Execute(func() error { return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen after reopen, got %v", err)
	}
}

func TestHalfOpenProbeBudget(t *testing.T) {
	now := time.Now()
	b := testBreaker(1, time.Second, 1)
	b.now = func() time.Time { return now }

	_ = b.Execute(func() error { return errTest })
	now = now.Add(2 * time.Second)

	// Hold the single probe slot open and verify a concurrent caller
	// is rejected while the probe is in flight.
	probeRunning := make(chan struct{})
	probeDone := make(chan struct{})
	go func() {
		_ = b.Execute(func() error {
			close(probeRunning)
			<-probeDone
			return nil
		})
	}()

	<-probeRunning
	err := b.Execute(func() error { return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen while probe in flight, got %v", err)
	}
	close(probeDone)
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b := testBreaker(3, time.Second, 1)

	// Two failures
	_ = b.Execute(func() error { return errTest })
	_ = b.Execute(func() error { return errTest })

	// One success resets
	_ = b.Execute(func() error { return nil })

	// Two more failures should not trip (only 2, need 3)
	_ = b.Execute(func() error { return errTest })
	_ = b.Execute(func() error { return errTest })

	// Still closed
	called := false
	err := b.Execute(func() error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !called {
		t.Fatal("expected fn to be called")
	}
}
