package config

import (
	"testing"
	"time"
)

func baseConfig() *Config {
	return &Config{
		Server: ServerConfig{ListenAddr: ":8080", LogLevel: LogInfo},
		Voice:  VoiceConfig{Provider: "elevenlabs", VoiceID: "v1"},
		Generation: GenerationConfig{
			SystemPrompt: "be helpful",
			Temperature:  0.7,
		},
		Capture: CaptureConfig{
			OnsetThreshold:   0.02,
			SilenceThreshold: 0.012,
			SilenceTimeout:   Duration(800 * time.Millisecond),
		},
		Wake: WakeConfig{Enabled: true, Phrases: []string{"buddy"}},
	}
}

func TestDiffNoChanges(t *testing.T) {
	t.Parallel()

	old, new := baseConfig(), baseConfig()
	if d := Diff(old, new); d.Any() {
		t.Errorf("Diff of identical configs = %+v, want no changes", d)
	}
}

func TestDiff(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
		check  func(*testing.T, ConfigDiff)
	}{
		{
			name:   "log level",
			mutate: func(c *Config) { c.Server.LogLevel = LogDebug },
			check: func(t *testing.T, d ConfigDiff) {
				if !d.LogLevelChanged || d.NewLogLevel != LogDebug {
					t.Errorf("diff = %+v, want log level change to debug", d)
				}
			},
		},
		{
			name:   "voice id",
			mutate: func(c *Config) { c.Voice.VoiceID = "v2" },
			check: func(t *testing.T, d ConfigDiff) {
				if !d.VoiceChanged {
					t.Errorf("diff = %+v, want voice change", d)
				}
			},
		},
		{
			name:   "system prompt",
			mutate: func(c *Config) { c.Generation.SystemPrompt = "be terse" },
			check: func(t *testing.T, d ConfigDiff) {
				if !d.GenerationChanged {
					t.Errorf("diff = %+v, want generation change", d)
				}
			},
		},
		{
			name:   "silence timeout",
			mutate: func(c *Config) { c.Capture.SilenceTimeout = Duration(time.Second) },
			check: func(t *testing.T, d ConfigDiff) {
				if !d.CaptureChanged {
					t.Errorf("diff = %+v, want capture change", d)
				}
			},
		},
		{
			name:   "wake phrases",
			mutate: func(c *Config) { c.Wake.Phrases = []string{"buddy", "バディ"} },
			check: func(t *testing.T, d ConfigDiff) {
				if !d.WakeChanged {
					t.Errorf("diff = %+v, want wake change", d)
				}
			},
		},
		{
			name:   "fuzzy threshold",
			mutate: func(c *Config) { c.Wake.FuzzyThreshold = 0.95 },
			check: func(t *testing.T, d ConfigDiff) {
				if !d.WakeChanged {
					t.Errorf("diff = %+v, want wake change", d)
				}
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			old, new := baseConfig(), baseConfig()
			tc.mutate(new)
			d := Diff(old, new)
			if !d.Any() {
				t.Fatal("Diff reported no changes")
			}
			tc.check(t, d)
		})
	}
}

func TestDiffIgnoresProviderChanges(t *testing.T) {
	t.Parallel()

	// Provider swaps require a restart and must not appear as hot-reloadable.
	old, new := baseConfig(), baseConfig()
	new.Providers.LLM.Name = "ollama"
	if d := Diff(old, new); d.Any() {
		t.Errorf("provider change reported as hot-reloadable: %+v", d)
	}
}
