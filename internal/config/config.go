// Package config provides the configuration schema, loader, provider
// registry, and file watcher for the Kaiwa voice assistant server.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// LogLevel controls log verbosity for the Kaiwa server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Duration wraps [time.Duration] with YAML support for human-readable values
// such as "800ms" or "15s".
type Duration time.Duration

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped [time.Duration].
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration structure for Kaiwa.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Voice      VoiceConfig      `yaml:"voice"`
	Generation GenerationConfig `yaml:"generation"`
	Capture    CaptureConfig    `yaml:"capture"`
	Synthesis  SynthesisConfig  `yaml:"synthesis"`
	Wake       WakeConfig       `yaml:"wake"`
}

// ServerConfig holds network and logging settings for the Kaiwa server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// Language is the default BCP-47 tag for new sessions (e.g., "ja-JP").
	// Sessions renegotiate it from detected transcripts or client controls.
	Language string `yaml:"language"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProvidersConfig declares which provider implementation to use for each
// pipeline stage. Each field selects a named provider registered in the
// [Registry].
type ProvidersConfig struct {
	LLM ProviderEntry `yaml:"llm"`
	STT ProviderEntry `yaml:"stt"`
	TTS ProviderEntry `yaml:"tts"`
}

// ProviderEntry is the common configuration block shared by all provider
// types. The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai",
	// "deepgram", "elevenlabs").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o",
	// "nova-2").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by
	// the standard fields above. Values may be strings, numbers, booleans,
	// or nested maps.
	Options map[string]any `yaml:"options"`

	// Fallbacks lists additional backends of the same kind, tried in order
	// when the primary fails or its circuit breaker is open. Fallback
	// entries must not themselves carry fallbacks.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`
}

// VoiceConfig specifies the synthesis voice for the assistant.
type VoiceConfig struct {
	// Provider is the TTS provider name (e.g., "elevenlabs", "coqui").
	Provider string `yaml:"provider"`

	// VoiceID is the provider-specific voice identifier.
	VoiceID string `yaml:"voice_id"`

	// Pitch adjusts voice pitch in the range [0.5, 2.0]. 0 means the
	// provider default (1.0).
	Pitch float64 `yaml:"pitch"`

	// Rate adjusts speaking rate in the range [0.5, 2.0]. 0 means the
	// provider default (1.0).
	Rate float64 `yaml:"rate"`
}

// GenerationConfig tunes the response-generation stage.
type GenerationConfig struct {
	// SystemPrompt is injected before the conversation history on every
	// request.
	SystemPrompt string `yaml:"system_prompt"`

	// Temperature controls output randomness in [0.0, 2.0]. Zero uses the
	// provider default.
	Temperature float64 `yaml:"temperature"`

	// MaxTokens caps completion length. Zero uses the provider default.
	MaxTokens int `yaml:"max_tokens"`

	// HistoryLimit bounds the conversation history to the most recent n
	// messages. Zero keeps everything.
	HistoryLimit int `yaml:"history_limit"`
}

// CaptureConfig tunes utterance capture and silence detection.
type CaptureConfig struct {
	// OnsetThreshold is the RMS loudness (0.0 to 1.0) that opens an
	// utterance.
	OnsetThreshold float64 `yaml:"onset_threshold"`

	// SilenceThreshold is the RMS loudness below which a frame counts as
	// silence. Must not exceed OnsetThreshold; the gap between the two is
	// the hysteresis band.
	SilenceThreshold float64 `yaml:"silence_threshold"`

	// SilenceTimeout closes the utterance after this much continuous
	// silence.
	SilenceTimeout Duration `yaml:"silence_timeout"`

	// MinVoiceDuration discards utterances with less voiced audio than
	// this, filtering coughs and bumps.
	MinVoiceDuration Duration `yaml:"min_voice_duration"`

	// MaxUtterance force-closes an utterance after this total duration.
	MaxUtterance Duration `yaml:"max_utterance"`

	// AlwaysListen re-arms capture after each spoken reply instead of
	// returning to idle.
	AlwaysListen bool `yaml:"always_listen"`
}

// SynthesisConfig tunes the per-segment synthesis scheduler.
type SynthesisConfig struct {
	// MinSpacing is the minimum delay between consecutive queued synthesis
	// requests, protecting provider rate limits.
	MinSpacing Duration `yaml:"min_spacing"`

	// Timeout is the hard per-segment synthesis timeout after which the
	// segment is delivered as a silent no-op.
	Timeout Duration `yaml:"timeout"`
}

// WakeConfig tunes hands-free wake phrase detection.
type WakeConfig struct {
	// Enabled turns the wake-word listener on.
	Enabled bool `yaml:"enabled"`

	// Phrases lists accepted wake phrases (e.g., "バディ", "buddy").
	Phrases []string `yaml:"phrases"`

	// FuzzyThreshold is the minimum Jaro-Winkler similarity (0.0 to 1.0]
	// for a fuzzy phrase match. Zero uses the built-in default.
	FuzzyThreshold float64 `yaml:"fuzzy_threshold"`
}
