package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

var errBackendDown = errors.New("transcription backend unreachable")

// testBreaker builds a breaker on a mock clock: MaxFailures 3,
// ResetTimeout 10s, HalfOpenMax 2.
func testBreaker(t *testing.T) (*CircuitBreaker, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "deepgram",
		MaxFailures:  3,
		ResetTimeout: 10 * time.Second,
		HalfOpenMax:  2,
		Clock:        clk,
	})
	return cb, clk
}

// trip drives the breaker into the open state.
func trip(t *testing.T, cb *CircuitBreaker) {
	t.Helper()
	for range 3 {
		_ = cb.Execute(func() error { return errBackendDown })
	}
	if cb.State() != StateOpen {
		t.Fatalf("expected open after consecutive failures, got %v", cb.State())
	}
}

func TestNewCircuitBreaker_Defaults(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "whisper"})
	if cb.maxFailures != 5 {
		t.Errorf("default MaxFailures: got %d, want 5", cb.maxFailures)
	}
	if cb.resetTimeout != 30*time.Second {
		t.Errorf("default ResetTimeout: got %v, want 30s", cb.resetTimeout)
	}
	if cb.halfOpenMax != 3 {
		t.Errorf("default HalfOpenMax: got %d, want 3", cb.halfOpenMax)
	}
	if cb.State() != StateClosed {
		t.Errorf("new breaker: got %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_ClosedForwardsCalls(t *testing.T) {
	cb, _ := testBreaker(t)

	calls := 0
	for range 10 {
		if err := cb.Execute(func() error { calls++; return nil }); err != nil {
			t.Fatalf("closed breaker rejected a call: %v", err)
		}
	}
	if calls != 10 {
		t.Errorf("expected 10 forwarded calls, got %d", calls)
	}
	if cb.State() != StateClosed {
		t.Errorf("breaker left closed state: %v", cb.State())
	}
}

func TestCircuitBreaker_TripsAfterConsecutiveFailures(t *testing.T) {
	cb, _ := testBreaker(t)

	for i := range 3 {
		err := cb.Execute(func() error { return errBackendDown })
		if !errors.Is(err, errBackendDown) {
			t.Fatalf("call %d: expected the backend error through, got %v", i, err)
		}
	}

	// Tripped: the next call must be rejected without reaching the backend.
	reached := false
	err := cb.Execute(func() error { reached = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if reached {
		t.Error("open breaker still forwarded the call")
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb, _ := testBreaker(t)

	// Two failures, then a success: the streak restarts, so two more
	// failures must not trip a MaxFailures-3 breaker.
	_ = cb.Execute(func() error { return errBackendDown })
	_ = cb.Execute(func() error { return errBackendDown })
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("success call: %v", err)
	}
	_ = cb.Execute(func() error { return errBackendDown })
	_ = cb.Execute(func() error { return errBackendDown })

	if cb.State() != StateClosed {
		t.Errorf("non-consecutive failures tripped the breaker: %v", cb.State())
	}
}

func TestCircuitBreaker_OpenToHalfOpenAfterTimeout(t *testing.T) {
	cb, clk := testBreaker(t)
	trip(t, cb)

	clk.Add(9 * time.Second)
	if cb.State() != StateOpen {
		t.Fatalf("before the reset timeout: got %v, want open", cb.State())
	}

	clk.Add(1 * time.Second)
	if cb.State() != StateHalfOpen {
		t.Fatalf("after the reset timeout: got %v, want half-open", cb.State())
	}

	// The first admitted call is a probe, not a rejection.
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Errorf("probe call rejected: %v", err)
	}
}

func TestCircuitBreaker_ClosesAfterSuccessfulProbes(t *testing.T) {
	cb, clk := testBreaker(t)
	trip(t, cb)
	clk.Add(10 * time.Second)

	for i := range 2 {
		if err := cb.Execute(func() error { return nil }); err != nil {
			t.Fatalf("probe %d: %v", i, err)
		}
	}
	if cb.State() != StateClosed {
		t.Errorf("after HalfOpenMax successful probes: got %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_ReopensOnProbeFailure(t *testing.T) {
	cb, clk := testBreaker(t)
	trip(t, cb)
	clk.Add(10 * time.Second)

	err := cb.Execute(func() error { return errBackendDown })
	if !errors.Is(err, errBackendDown) {
		t.Fatalf("probe: expected the backend error through, got %v", err)
	}
	if cb.State() != StateOpen {
		t.Fatalf("failed probe: got %v, want open", cb.State())
	}

	// The re-opened breaker waits out a fresh timeout.
	if err := cb.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen right after re-open, got %v", err)
	}
	clk.Add(10 * time.Second)
	if cb.State() != StateHalfOpen {
		t.Errorf("after the fresh timeout: got %v, want half-open", cb.State())
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb, _ := testBreaker(t)
	trip(t, cb)

	cb.Reset()
	if cb.State() != StateClosed {
		t.Fatalf("after Reset: got %v, want closed", cb.State())
	}
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Errorf("reset breaker rejected a call: %v", err)
	}
}

func TestState_String(t *testing.T) {
	cases := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, c := range cases {
		if got := c.state.String(); got != c.want {
			t.Errorf("State(%d).String(): got %q, want %q", c.state, got, c.want)
		}
	}
}
