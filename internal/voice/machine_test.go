package voice

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mntsk/kaiwa/internal/order"
	"github.com/mntsk/kaiwa/internal/playback"
)

// transitionRecorder collects machine transitions with a blocking gate per
// transition so tests can step the loop deterministically.
type transitionRecorder struct {
	mu    sync.Mutex
	steps []string
	done  chan struct{}
}

func newRecorder() *transitionRecorder {
	return &transitionRecorder{done: make(chan struct{}, 64)}
}

func (r *transitionRecorder) hook(from, to State, ev Event) {
	r.mu.Lock()
	r.steps = append(r.steps, from.String()+"->"+to.String())
	r.mu.Unlock()
	r.done <- struct{}{}
}

// waitSteps blocks until n transition ticks have been processed.
func (r *transitionRecorder) waitSteps(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.done:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for machine tick %d", i)
		}
	}
}

// ─── TestMachineLifecycle ────────────────────────────────────────────────────

func TestMachineLifecycle(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	m := NewMachine(WithAlwaysListen(true), WithHook(rec.hook))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	events := []Event{
		EventStartListening{},
		EventWakeDetected{Transcript: "こんにちはバディ"},
		EventUtteranceReady{},
		EventFirstUnitReady{},
		EventTurnComplete{},
	}
	for _, ev := range events {
		m.Raise(ev)
	}
	rec.waitSteps(t, len(events))

	// Always-listen re-arms after the turn.
	if got := m.State(); got != StateListening {
		t.Fatalf("state = %v, want listening", got)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	want := []string{
		"idle->listening",
		"listening->recording",
		"recording->processing",
		"processing->speaking",
		"speaking->listening",
	}
	for i := range want {
		if rec.steps[i] != want[i] {
			t.Fatalf("step %d = %s, want %s (all: %v)", i, rec.steps[i], want[i], rec.steps)
		}
	}
}

// ─── TestCancelDuringSpeakingClearsBuffers ───────────────────────────────────

// A cancel during speaking with pending buffered results must clear both
// ordered delivery buffers and settle the state within one machine tick.
func TestCancelDuringSpeakingClearsBuffers(t *testing.T) {
	t.Parallel()

	serverBuf := order.New[int]()
	clientBuf := order.New[playback.Unit]()

	// Two results wait behind a gap on each side.
	serverBuf.Offer(1, 1)
	serverBuf.Offer(2, 2)
	clientBuf.Offer(1, playback.Unit{SpeakableText: "b"})
	clientBuf.Offer(2, playback.Unit{SpeakableText: "c"})

	rec := newRecorder()
	m := NewMachine(
		WithHook(func(from, to State, ev Event) {
			if _, isCancel := ev.(EventCancel); isCancel {
				serverBuf.Close()
				clientBuf.Close()
			}
		}),
		WithHook(rec.hook),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	// Drive to speaking, then cancel.
	for _, ev := range []Event{EventTap{}, EventUtteranceReady{}, EventFirstUnitReady{}} {
		m.Raise(ev)
	}
	rec.waitSteps(t, 3)
	if got := m.State(); got != StateSpeaking {
		t.Fatalf("state = %v, want speaking", got)
	}

	m.Raise(EventCancel{})
	rec.waitSteps(t, 1)

	if got := m.State(); got != StateIdle {
		t.Fatalf("state after cancel = %v, want idle", got)
	}
	if serverBuf.Len() != 0 || clientBuf.Len() != 0 {
		t.Fatalf("buffers not cleared: server=%d client=%d", serverBuf.Len(), clientBuf.Len())
	}
}

// ─── TestRaiseNeverBlocks ────────────────────────────────────────────────────

func TestRaiseNeverBlocks(t *testing.T) {
	t.Parallel()

	// No Run loop: the queue fills and further events are dropped, but Raise
	// must still return.
	m := NewMachine()
	done := make(chan struct{})
	go func() {
		for i := 0; i < eventBuf*2; i++ {
			m.Raise(EventTap{})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Raise blocked on a full queue")
	}
}
