package tts

// VoiceProfile describes a TTS voice configuration for the assistant.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// Pitch adjusts relative pitch (0.5–2.0, 1.0 = default).
	Pitch float64

	// Rate adjusts speaking rate (0.5–2.0, 1.0 = default).
	Rate float64

	// Metadata holds provider-specific voice attributes (gender, age, accent, etc.).
	Metadata map[string]string
}
