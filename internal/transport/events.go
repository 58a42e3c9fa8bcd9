// Package transport carries the voice pipeline's wire protocol over a single
// duplex WebSocket connection.
//
// Server to client is an event stream: each event carries a type
// discriminator and a payload; audio and tts_text events additionally carry
// the sequence index used for reassembly, since network delivery may reorder
// or interleave them. Client to server carries raw binary audio frames plus a
// small set of JSON control messages.
//
// Events and controls are closed sum types: decoding yields one of the known
// concrete types or an error, so handlers switch exhaustively instead of
// duck-typing on a string field.
package transport

import (
	"encoding/json"
	"fmt"
)

// ─── server → client events ──────────────────────────────────────────────────

// EventType is the wire discriminator for server-to-client events.
type EventType string

const (
	EventTypeTranscription EventType = "transcription"
	EventTypeText          EventType = "text"
	EventTypeAudio         EventType = "audio"
	EventTypeTTSText       EventType = "tts_text"
	EventTypeDone          EventType = "done"
	EventTypeError         EventType = "error"
)

// Event is the closed set of server-to-client events.
type Event interface {
	eventType() EventType
}

// TranscriptionEvent reports the recognized user utterance.
type TranscriptionEvent struct {
	// TurnID labels the turn this event belongs to. A client that abandoned
	// a turn uses it to discard results still in flight for that turn.
	TurnID string `json:"turn_id,omitempty"`

	Text     string `json:"text"`
	Language string `json:"language,omitempty"`
	Emotion  string `json:"emotion,omitempty"`
}

// TextEvent streams one increment of the generated reply text, for display
// while synthesis is still running.
type TextEvent struct {
	TurnID string `json:"turn_id,omitempty"`
	Text   string `json:"text"`
}

// AudioEvent delivers one synthesised segment's audio.
type AudioEvent struct {
	TurnID        string `json:"turn_id,omitempty"`
	SequenceIndex int    `json:"sequence_index"`
	Audio         []byte `json:"audio,omitempty"` // base64 on the wire
	SampleRate    int    `json:"sample_rate,omitempty"`

	// Failed marks a no-op result for this index so the client keeps its
	// reassembly gap-free without waiting.
	Failed bool `json:"failed,omitempty"`
}

// TTSTextEvent delivers one segment as speakable text with prosody hints,
// for the client-side speech fallback path.
type TTSTextEvent struct {
	TurnID        string  `json:"turn_id,omitempty"`
	SequenceIndex int     `json:"sequence_index"`
	Text          string  `json:"text"`
	Pitch         float64 `json:"pitch,omitempty"`
	Rate          float64 `json:"rate,omitempty"`
}

// DoneEvent ends the turn's event stream. TotalSegments tells the client how
// many sequence indices to expect, so it can detect completion even when the
// last result arrived early.
type DoneEvent struct {
	TurnID        string `json:"turn_id,omitempty"`
	TotalSegments int    `json:"total_segments"`
}

// ErrorEvent reports a turn-level failure.
type ErrorEvent struct {
	TurnID  string `json:"turn_id,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (TranscriptionEvent) eventType() EventType { return EventTypeTranscription }
func (TextEvent) eventType() EventType          { return EventTypeText }
func (AudioEvent) eventType() EventType         { return EventTypeAudio }
func (TTSTextEvent) eventType() EventType       { return EventTypeTTSText }
func (DoneEvent) eventType() EventType          { return EventTypeDone }
func (ErrorEvent) eventType() EventType         { return EventTypeError }

// EventTurnID returns the turn an event is labelled with, or "" for events
// sent before turn labelling was negotiated.
func EventTurnID(ev Event) string {
	switch e := ev.(type) {
	case TranscriptionEvent:
		return e.TurnID
	case TextEvent:
		return e.TurnID
	case AudioEvent:
		return e.TurnID
	case TTSTextEvent:
		return e.TurnID
	case DoneEvent:
		return e.TurnID
	case ErrorEvent:
		return e.TurnID
	}
	return ""
}

// envelope is the generic wire form of an event or control message.
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// EncodeEvent serialises an event into its wire form.
func EncodeEvent(ev Event) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("transport: marshal %s payload: %w", ev.eventType(), err)
	}
	return json.Marshal(envelope{Type: string(ev.eventType()), Payload: payload})
}

// DecodeEvent parses a wire message into one of the concrete event types.
// Unknown types are an error; the protocol is closed.
func DecodeEvent(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("transport: decode event envelope: %w", err)
	}

	var (
		ev  Event
		err error
	)
	switch EventType(env.Type) {
	case EventTypeTranscription:
		var e TranscriptionEvent
		err = json.Unmarshal(env.Payload, &e)
		ev = e
	case EventTypeText:
		var e TextEvent
		err = json.Unmarshal(env.Payload, &e)
		ev = e
	case EventTypeAudio:
		var e AudioEvent
		err = json.Unmarshal(env.Payload, &e)
		ev = e
	case EventTypeTTSText:
		var e TTSTextEvent
		err = json.Unmarshal(env.Payload, &e)
		ev = e
	case EventTypeDone:
		var e DoneEvent
		err = json.Unmarshal(env.Payload, &e)
		ev = e
	case EventTypeError:
		var e ErrorEvent
		err = json.Unmarshal(env.Payload, &e)
		ev = e
	default:
		return nil, fmt.Errorf("transport: unknown event type %q", env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("transport: decode %s payload: %w", env.Type, err)
	}
	return ev, nil
}

// ─── client → server controls ────────────────────────────────────────────────

// ControlType is the wire discriminator for client-to-server control
// messages. Audio frames are not controls: they travel as binary WebSocket
// messages.
type ControlType string

const (
	ControlTypeFinish                ControlType = "finish"
	ControlTypeWake                  ControlType = "wake"
	ControlTypeSetLanguage           ControlType = "set_language"
	ControlTypeReconnectWithLanguage ControlType = "reconnect_with_language"
)

// Control is the closed set of client-to-server control messages.
type Control interface {
	controlType() ControlType
}

// FinishControl flushes and ends the current utterance. TurnID is the
// client's label for the turn about to be played back; the server stamps it
// onto every event the turn produces, so the client can discard results that
// arrive after it abandoned the turn.
type FinishControl struct {
	TurnID string `json:"turn_id,omitempty"`
}

// WakeControl starts a turn directly from a wake-word transcript that
// already carries the spoken command, skipping the recording phase.
type WakeControl struct {
	TurnID   string `json:"turn_id,omitempty"`
	Text     string `json:"text"`
	Language string `json:"language,omitempty"`
}

// SetLanguageControl changes the session language for subsequent turns.
type SetLanguageControl struct {
	Language string `json:"language"`
}

// ReconnectWithLanguageControl asks the server to tear down and reopen its
// recognition leg with a new language, mid-session.
type ReconnectWithLanguageControl struct {
	Language string `json:"language"`
}

func (FinishControl) controlType() ControlType                { return ControlTypeFinish }
func (WakeControl) controlType() ControlType                  { return ControlTypeWake }
func (SetLanguageControl) controlType() ControlType           { return ControlTypeSetLanguage }
func (ReconnectWithLanguageControl) controlType() ControlType { return ControlTypeReconnectWithLanguage }

// EncodeControl serialises a control message into its wire form.
func EncodeControl(c Control) ([]byte, error) {
	payload, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("transport: marshal %s payload: %w", c.controlType(), err)
	}
	return json.Marshal(envelope{Type: string(c.controlType()), Payload: payload})
}

// DecodeControl parses a wire message into one of the concrete control
// types.
func DecodeControl(data []byte) (Control, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("transport: decode control envelope: %w", err)
	}

	var (
		c   Control
		err error
	)
	switch ControlType(env.Type) {
	case ControlTypeFinish:
		var m FinishControl
		if len(env.Payload) > 0 {
			err = json.Unmarshal(env.Payload, &m)
		}
		c = m
	case ControlTypeWake:
		var m WakeControl
		err = json.Unmarshal(env.Payload, &m)
		c = m
	case ControlTypeSetLanguage:
		var m SetLanguageControl
		err = json.Unmarshal(env.Payload, &m)
		c = m
	case ControlTypeReconnectWithLanguage:
		var m ReconnectWithLanguageControl
		err = json.Unmarshal(env.Payload, &m)
		c = m
	default:
		return nil, fmt.Errorf("transport: unknown control type %q", env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("transport: decode %s payload: %w", env.Type, err)
	}
	return c, nil
}
