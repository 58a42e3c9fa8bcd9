package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt": {"deepgram", "whisper"},
	"tts": {"elevenlabs", "coqui", "local"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and
// [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Provider name validation, warn for unknown provider names.
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)

	errs = append(errs, validateFallbacks("llm", cfg.Providers.LLM)...)
	errs = append(errs, validateFallbacks("stt", cfg.Providers.STT)...)
	errs = append(errs, validateFallbacks("tts", cfg.Providers.TTS)...)

	if cfg.Providers.LLM.Name == "" {
		slog.Warn("no LLM provider configured; the assistant will not be able to generate responses")
	}
	if cfg.Providers.STT.Name == "" {
		slog.Warn("no STT provider configured; spoken input cannot be transcribed")
	}

	// Voice
	if cfg.Voice.Pitch != 0 && (cfg.Voice.Pitch < 0.5 || cfg.Voice.Pitch > 2.0) {
		errs = append(errs, fmt.Errorf("voice.pitch %.2f is out of range [0.5, 2.0]", cfg.Voice.Pitch))
	}
	if cfg.Voice.Rate != 0 && (cfg.Voice.Rate < 0.5 || cfg.Voice.Rate > 2.0) {
		errs = append(errs, fmt.Errorf("voice.rate %.2f is out of range [0.5, 2.0]", cfg.Voice.Rate))
	}
	if cfg.Voice.Provider != "" && cfg.Providers.TTS.Name != "" && cfg.Voice.Provider != cfg.Providers.TTS.Name {
		slog.Warn("voice provider does not match configured TTS provider",
			"voice_provider", cfg.Voice.Provider,
			"tts_provider", cfg.Providers.TTS.Name,
		)
	}

	// Generation
	if cfg.Generation.Temperature < 0 || cfg.Generation.Temperature > 2.0 {
		errs = append(errs, fmt.Errorf("generation.temperature %.2f is out of range [0.0, 2.0]", cfg.Generation.Temperature))
	}
	if cfg.Generation.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("generation.max_tokens %d must not be negative", cfg.Generation.MaxTokens))
	}

	// Capture
	if cfg.Capture.OnsetThreshold < 0 || cfg.Capture.OnsetThreshold > 1.0 {
		errs = append(errs, fmt.Errorf("capture.onset_threshold %.3f is out of range [0.0, 1.0]", cfg.Capture.OnsetThreshold))
	}
	if cfg.Capture.SilenceThreshold < 0 || cfg.Capture.SilenceThreshold > 1.0 {
		errs = append(errs, fmt.Errorf("capture.silence_threshold %.3f is out of range [0.0, 1.0]", cfg.Capture.SilenceThreshold))
	}
	if cfg.Capture.SilenceThreshold > cfg.Capture.OnsetThreshold && cfg.Capture.OnsetThreshold != 0 {
		errs = append(errs, fmt.Errorf("capture.silence_threshold %.3f must not exceed capture.onset_threshold %.3f",
			cfg.Capture.SilenceThreshold, cfg.Capture.OnsetThreshold))
	}
	if cfg.Capture.SilenceTimeout < 0 {
		errs = append(errs, errors.New("capture.silence_timeout must not be negative"))
	}
	if cfg.Capture.MaxUtterance < 0 {
		errs = append(errs, errors.New("capture.max_utterance must not be negative"))
	}

	// Synthesis
	if cfg.Synthesis.MinSpacing < 0 {
		errs = append(errs, errors.New("synthesis.min_spacing must not be negative"))
	}
	if cfg.Synthesis.Timeout < 0 {
		errs = append(errs, errors.New("synthesis.timeout must not be negative"))
	}

	// Wake
	if cfg.Wake.Enabled && len(cfg.Wake.Phrases) == 0 {
		errs = append(errs, errors.New("wake.enabled requires at least one entry in wake.phrases"))
	}
	if cfg.Wake.FuzzyThreshold < 0 || cfg.Wake.FuzzyThreshold > 1.0 {
		errs = append(errs, fmt.Errorf("wake.fuzzy_threshold %.2f is out of range [0.0, 1.0]", cfg.Wake.FuzzyThreshold))
	}
	for i, p := range cfg.Wake.Phrases {
		if p == "" {
			errs = append(errs, fmt.Errorf("wake.phrases[%d] is empty", i))
		}
	}

	return errors.Join(errs...)
}

// validateFallbacks checks the fallback entries of one provider slot.
// Fallbacks on an unconfigured primary are rejected, as is nesting.
func validateFallbacks(kind string, entry ProviderEntry) []error {
	if len(entry.Fallbacks) == 0 {
		return nil
	}
	var errs []error
	if entry.Name == "" {
		errs = append(errs, fmt.Errorf("providers.%s.fallbacks requires a primary provider name", kind))
	}
	for i, fb := range entry.Fallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.%s.fallbacks[%d] has no name", kind, i))
			continue
		}
		validateProviderName(kind, fb.Name)
		if len(fb.Fallbacks) > 0 {
			errs = append(errs, fmt.Errorf("providers.%s.fallbacks[%d] (%s) must not nest further fallbacks", kind, i, fb.Name))
		}
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
