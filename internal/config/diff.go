package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; provider and
// network changes require a restart and are deliberately absent.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// VoiceChanged is true when the synthesis voice profile changed. New
	// turns pick it up; in-flight turns keep the old voice.
	VoiceChanged bool

	// GenerationChanged is true when the system prompt or sampling
	// parameters changed.
	GenerationChanged bool

	// CaptureChanged is true when any silence-detection threshold changed.
	CaptureChanged bool

	// WakeChanged is true when wake phrases or the fuzzy threshold changed.
	WakeChanged bool
}

// Any reports whether the diff contains at least one change.
func (d ConfigDiff) Any() bool {
	return d.LogLevelChanged || d.VoiceChanged || d.GenerationChanged || d.CaptureChanged || d.WakeChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Voice != new.Voice {
		d.VoiceChanged = true
	}
	if old.Generation != new.Generation {
		d.GenerationChanged = true
	}
	if old.Capture != new.Capture {
		d.CaptureChanged = true
	}
	if old.Wake.Enabled != new.Wake.Enabled ||
		old.Wake.FuzzyThreshold != new.Wake.FuzzyThreshold ||
		!slices.Equal(old.Wake.Phrases, new.Wake.Phrases) {
		d.WakeChanged = true
	}

	return d
}
