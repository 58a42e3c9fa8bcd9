// Package voice implements the client-side voice interaction lifecycle: the
// per-turn state machine, and the capture component that owns the microphone
// stream and detects utterance boundaries by silence.
package voice

// State is the voice session state. Exactly one component (the Machine) ever
// writes it; everything else reads it or raises events.
type State int

const (
	// StateIdle means no capture or playback is active.
	StateIdle State = iota

	// StateListening means the wake-word listener is armed.
	StateListening

	// StateRecording means an utterance is being captured.
	StateRecording

	// StateProcessing means the utterance was sent and the first result from
	// the backend is awaited.
	StateProcessing

	// StateSpeaking means playback of the reply is in progress.
	StateSpeaking
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateRecording:
		return "recording"
	case StateProcessing:
		return "processing"
	case StateSpeaking:
		return "speaking"
	default:
		return "unknown"
	}
}

// Event is the closed set of inputs the state machine reacts to. Components
// never mutate session state directly; they raise one of these.
type Event interface {
	isEvent()
}

// EventStartListening arms the wake-word listener (explicit start request or
// auto-start configuration).
type EventStartListening struct{}

// EventWakeDetected reports that the wake-word listener matched the trigger
// phrase. Transcript carries the partial transcript that fired, so the
// capture path can skip re-transcribing the wake phrase.
type EventWakeDetected struct {
	Transcript string
}

// EventTap is the user's single tap/click. Its meaning depends on the current
// state: start recording from idle or listening, stop-and-send from
// recording, cancel from processing or speaking.
type EventTap struct{}

// EventUtteranceReady reports that the capture component closed an utterance
// (silence timeout after sufficient voice activity, or a forced stop).
type EventUtteranceReady struct{}

// EventUtteranceDiscarded reports that a capture attempt failed the minimum
// duration or activity thresholds and was dropped.
type EventUtteranceDiscarded struct{}

// EventFirstUnitReady reports that the first playable unit of the reply is
// available.
type EventFirstUnitReady struct{}

// EventTurnComplete reports that the delivery buffer drained and the playback
// engine finished the last unit.
type EventTurnComplete struct{}

// EventCancel is an explicit cancellation: stop everything and return to
// rest. Accepted in every state.
type EventCancel struct{}

// EventError reports a turn-fatal error (capture failure, transcription
// failure, dropped transport). Fatal marks errors that must not auto re-arm
// listening, such as a denied microphone permission.
type EventError struct {
	Err   error
	Fatal bool
}

func (EventStartListening) isEvent()     {}
func (EventWakeDetected) isEvent()       {}
func (EventTap) isEvent()                {}
func (EventUtteranceReady) isEvent()     {}
func (EventUtteranceDiscarded) isEvent() {}
func (EventFirstUnitReady) isEvent()     {}
func (EventTurnComplete) isEvent()       {}
func (EventCancel) isEvent()             {}
func (EventError) isEvent()              {}

// restState is where the machine settles after a turn ends or is cancelled:
// listening when always-listen mode re-arms the wake word, idle otherwise.
func restState(alwaysListen bool) State {
	if alwaysListen {
		return StateListening
	}
	return StateIdle
}

// Transition is the pure, total transition function. Every (state, event)
// pair yields exactly one next state; combinations with no defined effect
// keep the current state.
func Transition(s State, ev Event, alwaysListen bool) State {
	switch ev := ev.(type) {
	case EventCancel:
		return restState(alwaysListen)

	case EventError:
		if ev.Fatal {
			return StateIdle
		}
		return restState(alwaysListen)

	case EventStartListening:
		if s == StateIdle {
			return StateListening
		}
		return s

	case EventWakeDetected:
		if s == StateListening {
			return StateRecording
		}
		return s

	case EventTap:
		switch s {
		case StateIdle, StateListening:
			return StateRecording
		case StateRecording:
			return StateProcessing
		case StateProcessing, StateSpeaking:
			return restState(alwaysListen)
		}
		return s

	case EventUtteranceReady:
		if s == StateRecording {
			return StateProcessing
		}
		return s

	case EventUtteranceDiscarded:
		if s == StateRecording {
			return restState(alwaysListen)
		}
		return s

	case EventFirstUnitReady:
		if s == StateProcessing {
			return StateSpeaking
		}
		return s

	case EventTurnComplete:
		if s == StateSpeaking {
			return restState(alwaysListen)
		}
		return s
	}
	return s
}
