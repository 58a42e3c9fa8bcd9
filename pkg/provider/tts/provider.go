// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., ElevenLabs, a
// self-hosted Coqui server, or client-side speech) and presents a uniform
// per-segment interface. The primary entry point is Synthesize, which converts
// one sentence-sized text segment into audio (or into speech directives for
// client-side synthesis). Segments are synthesised independently so the
// pipeline can start speaking the first sentence while later ones are still
// being generated.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// Request describes one segment to synthesise.
type Request struct {
	// Text is the segment to speak. It has already been stripped of markup
	// and emoji; providers receive plain speakable text.
	Text string

	// Language is a BCP-47 tag (e.g., "en-US", "ja") hinting pronunciation.
	// Empty means provider default.
	Language string

	// Voice selects the voice profile. A zero value means provider default.
	Voice VoiceProfile
}

// Result is the outcome of synthesising one segment. Exactly one of Audio or
// SpeakableText is populated: cloud providers return PCM audio, while
// client-side providers return the text plus prosody hints and let the
// playback surface drive its own speech engine.
type Result struct {
	// Audio is raw little-endian 16-bit PCM, mono. Empty when the provider
	// delegates synthesis to the playback surface.
	Audio []byte

	// SampleRate is the sample rate of Audio in Hz. Zero when Audio is empty.
	SampleRate int

	// SpeakableText carries the segment text for client-side synthesis,
	// together with the Pitch and Rate hints below. Empty when Audio is set.
	SpeakableText string

	// Pitch is the relative pitch for client-side synthesis (1.0 = default).
	Pitch float64

	// Rate is the relative speaking rate for client-side synthesis
	// (1.0 = default).
	Rate float64
}

// Provider is the abstraction over any TTS backend.
//
// Implementations must be safe for concurrent use; the synthesis scheduler may
// issue the first segment of a response concurrently with a queued one.
type Provider interface {
	// Synthesize converts one text segment into audio or speech directives.
	// It blocks until synthesis completes or ctx is cancelled.
	//
	// Returns a non-nil error if synthesis fails; callers treat a failed
	// segment as skippable and continue with the next one.
	Synthesize(ctx context.Context, req Request) (Result, error)

	// ListVoices returns all voice profiles available from this provider.
	//
	// Returns an error if the provider cannot be reached or if ctx is
	// cancelled before the list is retrieved.
	ListVoices(ctx context.Context) ([]VoiceProfile, error)
}
