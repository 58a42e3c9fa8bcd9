package voice

import "testing"

var allStates = []State{StateIdle, StateListening, StateRecording, StateProcessing, StateSpeaking}

var allEvents = []Event{
	EventStartListening{},
	EventWakeDetected{},
	EventTap{},
	EventUtteranceReady{},
	EventUtteranceDiscarded{},
	EventFirstUnitReady{},
	EventTurnComplete{},
	EventCancel{},
	EventError{},
	EventError{Fatal: true},
}

// ─── TestTransitionTotalAndDeterministic ─────────────────────────────────────

func TestTransitionTotalAndDeterministic(t *testing.T) {
	t.Parallel()

	for _, s := range allStates {
		for _, ev := range allEvents {
			for _, al := range []bool{false, true} {
				first := Transition(s, ev, al)
				second := Transition(s, ev, al)
				if first != second {
					t.Errorf("Transition(%v, %T, %v) nondeterministic: %v then %v", s, ev, al, first, second)
				}
				valid := false
				for _, c := range allStates {
					if first == c {
						valid = true
					}
				}
				if !valid {
					t.Errorf("Transition(%v, %T, %v) = %v, not a defined state", s, ev, al, first)
				}
			}
		}
	}
}

// ─── TestCancelAcceptedInAllStates ───────────────────────────────────────────

func TestCancelAcceptedInAllStates(t *testing.T) {
	t.Parallel()

	for _, s := range allStates {
		if got := Transition(s, EventCancel{}, false); got != StateIdle {
			t.Errorf("cancel from %v (no always-listen) = %v, want idle", s, got)
		}
		if got := Transition(s, EventCancel{}, true); got != StateListening {
			t.Errorf("cancel from %v (always-listen) = %v, want listening", s, got)
		}
	}
}

// ─── TestTransitionTable ─────────────────────────────────────────────────────

func TestTransitionTable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		from         State
		ev           Event
		alwaysListen bool
		want         State
	}{
		{name: "start listening", from: StateIdle, ev: EventStartListening{}, want: StateListening},
		{name: "wake word", from: StateListening, ev: EventWakeDetected{}, want: StateRecording},
		{name: "manual tap while listening", from: StateListening, ev: EventTap{}, want: StateRecording},
		{name: "push to talk from idle", from: StateIdle, ev: EventTap{}, want: StateRecording},
		{name: "utterance ready", from: StateRecording, ev: EventUtteranceReady{}, want: StateProcessing},
		{name: "tap stops and sends", from: StateRecording, ev: EventTap{}, want: StateProcessing},
		{name: "short recording discarded to idle", from: StateRecording, ev: EventUtteranceDiscarded{}, want: StateIdle},
		{name: "short recording discarded to listening", from: StateRecording, ev: EventUtteranceDiscarded{}, alwaysListen: true, want: StateListening},
		{name: "first unit starts speaking", from: StateProcessing, ev: EventFirstUnitReady{}, want: StateSpeaking},
		{name: "turn complete to idle", from: StateSpeaking, ev: EventTurnComplete{}, want: StateIdle},
		{name: "turn complete re-arms", from: StateSpeaking, ev: EventTurnComplete{}, alwaysListen: true, want: StateListening},
		{name: "tap during speaking cancels", from: StateSpeaking, ev: EventTap{}, want: StateIdle},
		{name: "tap during processing cancels", from: StateProcessing, ev: EventTap{}, alwaysListen: true, want: StateListening},
		{name: "fatal error ignores always-listen", from: StateListening, ev: EventError{Fatal: true}, alwaysListen: true, want: StateIdle},
		{name: "transient error re-arms", from: StateProcessing, ev: EventError{}, alwaysListen: true, want: StateListening},
		{name: "wake word ignored outside listening", from: StateSpeaking, ev: EventWakeDetected{}, want: StateSpeaking},
		{name: "late first unit ignored", from: StateIdle, ev: EventFirstUnitReady{}, want: StateIdle},
		{name: "duplicate start ignored", from: StateRecording, ev: EventStartListening{}, want: StateRecording},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Transition(tt.from, tt.ev, tt.alwaysListen); got != tt.want {
				t.Errorf("Transition(%v, %T) = %v, want %v", tt.from, tt.ev, got, tt.want)
			}
		})
	}
}
