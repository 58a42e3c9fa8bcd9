// Package whisper provides an STT provider backed by an OpenAI-compatible
// transcription endpoint (the hosted Whisper API or any server speaking the
// same protocol, selected via base URL).
//
// Whisper is a batch engine: Transcribe submits one complete utterance and is
// the primary entry point. StartStream simulates streaming by buffering
// incoming PCM audio, applying an energy-based silence detector to segment
// utterances, and submitting each completed utterance as a one-shot request.
// Because no true low-latency partials exist, the session emits a partial and
// a final carrying the same text as each utterance is committed.
package whisper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/mntsk/kaiwa/pkg/audio"
	"github.com/mntsk/kaiwa/pkg/provider/stt"
)

const (
	defaultModel             = "whisper-1"
	defaultLanguage          = "en"
	defaultSampleRate        = 16000
	defaultSilenceWindowMs   = 500
	defaultMaxBufferDuration = 10 * time.Second
	defaultSilenceRMS        = 0.01
)

var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the transcription model (e.g., "whisper-1"). Defaults to
// "whisper-1".
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the default ISO-639-1 language hint (e.g., "ja", "en").
// Defaults to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// WithBaseURL points the provider at an alternative OpenAI-compatible server
// (e.g., a local whisper server).
func WithBaseURL(url string) Option {
	return func(p *Provider) {
		p.baseURL = url
	}
}

// WithSilenceWindow sets the consecutive-silence duration that triggers a
// flush of the accumulated speech buffer in the streaming simulation.
// Defaults to 500 ms.
func WithSilenceWindow(d time.Duration) Option {
	return func(p *Provider) {
		p.silenceWindow = d
	}
}

// WithSilenceRMS sets the normalised RMS loudness below which a chunk counts
// as silence in the streaming simulation. Defaults to 0.01.
func WithSilenceRMS(threshold float64) Option {
	return func(p *Provider) {
		p.silenceRMS = threshold
	}
}

// Provider implements stt.Provider against an OpenAI-compatible transcription
// endpoint. Multiple sessions may be open simultaneously; each maintains its
// own buffer and goroutine.
type Provider struct {
	client        oai.Client
	model         string
	language      string
	baseURL       string
	silenceWindow time.Duration
	silenceRMS    float64
	maxBuffer     time.Duration
}

// New creates a new Provider. apiKey must be non-empty unless a base URL
// pointing at an unauthenticated local server is configured.
func New(apiKey string, opts ...Option) (*Provider, error) {
	p := &Provider{
		model:         defaultModel,
		language:      defaultLanguage,
		silenceWindow: time.Duration(defaultSilenceWindowMs) * time.Millisecond,
		silenceRMS:    defaultSilenceRMS,
		maxBuffer:     defaultMaxBufferDuration,
	}
	for _, o := range opts {
		o(p)
	}
	if apiKey == "" && p.baseURL == "" {
		return nil, errors.New("whisper: apiKey must not be empty")
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if p.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(p.baseURL))
	}
	p.client = oai.NewClient(reqOpts...)
	return p, nil
}

// Transcribe submits one complete PCM utterance for recognition.
func (p *Provider) Transcribe(ctx context.Context, pcm []byte, cfg stt.StreamConfig) (stt.Transcript, error) {
	if len(pcm) == 0 {
		return stt.Transcript{}, errors.New("whisper: empty audio")
	}

	sr := cfg.SampleRate
	if sr <= 0 {
		sr = defaultSampleRate
	}
	ch := cfg.Channels
	if ch <= 0 {
		ch = 1
	}
	lang := isoLanguage(cfg.Language)
	if lang == "" {
		lang = p.language
	}

	wav := encodeWAV(pcm, sr, ch)
	resp, err := p.client.Audio.Transcriptions.New(ctx, oai.AudioTranscriptionNewParams{
		Model:    oai.AudioModel(p.model),
		File:     oai.File(bytes.NewReader(wav), "utterance.wav", "audio/wav"),
		Language: oai.String(lang),
	})
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: transcribe: %w", err)
	}

	return stt.Transcript{
		Text:     resp.Text,
		IsFinal:  true,
		Language: lang,
	}, nil
}

// StartStream opens a simulated streaming session. The returned SessionHandle
// buffers audio and flushes an utterance whenever the silence window elapses
// or the buffer reaches its maximum duration.
//
// Returns an error only if the context is already cancelled; no network
// request is made until the first flush.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: context already cancelled: %w", err)
	}

	sr := cfg.SampleRate
	if sr <= 0 {
		sr = defaultSampleRate
	}
	ch := cfg.Channels
	if ch <= 0 {
		ch = 1
	}
	streamCfg := cfg
	streamCfg.SampleRate = sr
	streamCfg.Channels = ch

	s := &session{
		provider: p,
		cfg:      streamCfg,
		audioCh:  make(chan []byte, 256),
		partials: make(chan stt.Transcript, 64),
		finals:   make(chan stt.Transcript, 64),
		done:     make(chan struct{}),
	}

	s.wg.Add(1)
	go s.processLoop(ctx)

	return s, nil
}

// ---- session ----------------------------------------------------------------

// session simulates a streaming transcription session over a batch engine.
// All buffering and silence-detection state is confined to the processLoop
// goroutine to avoid data races.
type session struct {
	provider *Provider
	cfg      stt.StreamConfig

	audioCh  chan []byte
	partials chan stt.Transcript
	finals   chan stt.Transcript

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// SendAudio queues a chunk of raw 16-bit little-endian PCM for silence
// analysis and buffering. Calling SendAudio after Close returns an error.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return errors.New("whisper: session is closed")
	default:
	}
	select {
	case s.audioCh <- chunk:
		return nil
	case <-s.done:
		return errors.New("whisper: session is closed")
	}
}

// Partials returns the channel of interim transcripts. Each partial is
// emitted simultaneously with its corresponding final and carries identical
// text.
func (s *session) Partials() <-chan stt.Transcript { return s.partials }

// Finals returns the channel of authoritative transcripts.
func (s *session) Finals() <-chan stt.Transcript { return s.finals }

// SetKeywords always returns stt.ErrNotSupported; the Whisper protocol has no
// keyword-boosting API. The session remains usable after this call.
func (s *session) SetKeywords([]stt.KeywordBoost) error {
	return fmt.Errorf("whisper: %w", stt.ErrNotSupported)
}

// Close flushes any pending speech audio and releases the session. Safe to
// call more than once.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
	return nil
}

// processLoop drains audioCh, segments speech on silence windows, and submits
// each completed utterance for transcription.
func (s *session) processLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)

	var (
		buf         []byte
		silence     time.Duration
		sawSpeech   bool
		bytesPerSec = s.cfg.SampleRate * s.cfg.Channels * 2
	)

	flush := func() {
		if !sawSpeech || len(buf) == 0 {
			buf = buf[:0]
			silence = 0
			sawSpeech = false
			return
		}
		t, err := s.provider.Transcribe(ctx, buf, s.cfg)
		buf = buf[:0]
		silence = 0
		sawSpeech = false
		if err != nil || t.Text == "" {
			return
		}
		partial := t
		partial.IsFinal = false
		select {
		case s.partials <- partial:
		default:
		}
		select {
		case s.finals <- t:
		case <-s.done:
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			flush()
			return
		case chunk := <-s.audioCh:
			chunkDur := time.Duration(len(chunk)) * time.Second / time.Duration(bytesPerSec)
			if audio.RMS(chunk) >= s.provider.silenceRMS {
				sawSpeech = true
				silence = 0
				buf = append(buf, chunk...)
			} else if sawSpeech {
				silence += chunkDur
				buf = append(buf, chunk...)
				if silence >= s.provider.silenceWindow {
					flush()
				}
			}

			bufDur := time.Duration(len(buf)) * time.Second / time.Duration(bytesPerSec)
			if bufDur >= s.provider.maxBuffer {
				flush()
			}
		}
	}
}

// isoLanguage reduces a BCP-47 tag to the ISO-639-1 code Whisper expects
// ("ja-JP" → "ja"). Empty input returns empty.
func isoLanguage(tag string) string {
	for i := 0; i < len(tag); i++ {
		if tag[i] == '-' || tag[i] == '_' {
			return tag[:i]
		}
	}
	return tag
}
