// Package local provides a TTS provider that performs no synthesis of its
// own. It returns each segment as speakable text with pitch and rate hints so
// the playback surface can drive its own speech engine (e.g., a browser's
// speech synthesis API). This is the no-network fallback path when no cloud
// TTS provider is configured.
package local

import (
	"context"
	"errors"
	"strings"

	"github.com/mntsk/kaiwa/pkg/provider/tts"
)

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

// Provider implements tts.Provider by delegating synthesis to the playback
// surface. It is stateless and safe for concurrent use.
type Provider struct {
	defaultVoice tts.VoiceProfile
}

// Option is a functional option for configuring a local Provider.
type Option func(*Provider)

// WithDefaultVoice sets the voice profile applied when a request carries a
// zero-value voice.
func WithDefaultVoice(voice tts.VoiceProfile) Option {
	return func(p *Provider) {
		p.defaultVoice = voice
	}
}

// New creates a new local Provider.
func New(opts ...Option) *Provider {
	p := &Provider{
		defaultVoice: tts.VoiceProfile{
			ID:       "default",
			Name:     "Default",
			Provider: "local",
			Pitch:    1,
			Rate:     1,
		},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Synthesize returns the segment text unchanged along with the voice's pitch
// and rate hints. The context is only checked for cancellation.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (tts.Result, error) {
	if err := ctx.Err(); err != nil {
		return tts.Result{}, err
	}
	if strings.TrimSpace(req.Text) == "" {
		return tts.Result{}, errors.New("local: text must not be empty")
	}

	voice := req.Voice
	if voice.ID == "" {
		voice = p.defaultVoice
	}
	pitch := voice.Pitch
	if pitch == 0 {
		pitch = 1
	}
	rate := voice.Rate
	if rate == 0 {
		rate = 1
	}

	return tts.Result{
		SpeakableText: req.Text,
		Pitch:         pitch,
		Rate:          rate,
	}, nil
}

// ListVoices returns the single configured default voice.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return []tts.VoiceProfile{p.defaultVoice}, nil
}
