package voice

import (
	"context"
	"log/slog"
	"sync"
)

// eventBuf is the depth of the machine's event queue. Events beyond it are
// dropped rather than blocking the raiser; the machine loop is fast enough
// that this only happens if the loop is not running.
const eventBuf = 64

// TransitionHook is invoked by the machine loop after every state change,
// before the next event is consumed. It runs on the machine's single writer
// goroutine, so hooks see a consistent state and must not block for long.
type TransitionHook func(from, to State, ev Event)

// Machine owns the voice session state. It is the only writer: components
// raise events via Raise and the single Run loop applies them through the
// pure Transition function, then notifies hooks. This serialisation is what
// prevents races between capture, wake detection, playback and user taps.
type Machine struct {
	logger       *slog.Logger
	alwaysListen bool
	hooks        []TransitionHook

	events chan Event

	mu    sync.RWMutex
	state State
}

// MachineOption is a functional option for configuring a Machine.
type MachineOption func(*Machine)

// WithAlwaysListen enables always-listen mode: after each turn completes or
// is cancelled, the machine re-arms wake-word listening instead of going
// idle.
func WithAlwaysListen(enabled bool) MachineOption {
	return func(m *Machine) { m.alwaysListen = enabled }
}

// WithHook registers a transition hook. Hooks run in registration order on
// the machine goroutine.
func WithHook(h TransitionHook) MachineOption {
	return func(m *Machine) { m.hooks = append(m.hooks, h) }
}

// WithMachineLogger sets the machine's logger.
func WithMachineLogger(l *slog.Logger) MachineOption {
	return func(m *Machine) { m.logger = l }
}

// NewMachine constructs a Machine in the idle state. Run must be started for
// events to take effect.
func NewMachine(opts ...MachineOption) *Machine {
	m := &Machine{
		logger: slog.Default(),
		events: make(chan Event, eventBuf),
		state:  StateIdle,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// State returns the current session state. Safe to call from any goroutine.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// AlwaysListen reports whether always-listen mode is enabled.
func (m *Machine) AlwaysListen() bool {
	return m.alwaysListen
}

// Raise queues an event for the machine loop. It never blocks; if the queue
// is full the event is dropped with a warning.
func (m *Machine) Raise(ev Event) {
	select {
	case m.events <- ev:
	default:
		m.logger.Warn("voice machine: event queue full, dropping event", "event", ev)
	}
}

// Run is the single writer loop. It applies events until ctx is cancelled.
// Exactly one Run must be active per Machine.
func (m *Machine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-m.events:
			m.apply(ev)
		}
	}
}

// apply performs one state-machine tick: compute the next state, commit it,
// and notify hooks.
func (m *Machine) apply(ev Event) {
	m.mu.Lock()
	from := m.state
	to := Transition(from, ev, m.alwaysListen)
	m.state = to
	m.mu.Unlock()

	if from != to {
		m.logger.Debug("voice state transition", "from", from, "to", to)
	}
	for _, h := range m.hooks {
		h(from, to, ev)
	}
}
