package stt

import "time"

// Transcript represents a speech-to-text result from an STT provider.
// Both partial (interim) and final transcripts use this type. A Transcript is
// immutable once produced.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates whether this is a final (authoritative) or partial
	// (interim) transcript.
	IsFinal bool

	// Confidence is the overall confidence score (0.0–1.0). May be zero if
	// the provider does not report confidence.
	Confidence float64

	// Language is the detected BCP-47 language tag, when the provider
	// performs language identification. Empty otherwise.
	Language string

	// Emotion is the detected affect tag (e.g., "neutral", "happy"), when
	// the provider performs affect analysis. Empty otherwise.
	Emotion string

	// Timestamp marks when the utterance started, relative to session start.
	Timestamp time.Duration

	// Duration is the length of the utterance.
	Duration time.Duration
}

// KeywordBoost represents a keyword to boost in STT recognition. Used to
// improve recognition of wake phrases and domain proper nouns.
type KeywordBoost struct {
	// Keyword is the text to boost (e.g., "バディ").
	Keyword string

	// Boost is the intensity of the boost (provider-specific scale).
	Boost float64
}
