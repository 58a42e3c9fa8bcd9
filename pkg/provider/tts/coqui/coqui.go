// Package coqui provides a TTS provider backed by a self-hosted Coqui TTS
// server via its REST API. It implements the tts.Provider interface.
//
// Two API modes are supported:
//
//   - APIModeStandard (default): targets the standard Coqui TTS server
//     (ghcr.io/coqui-ai/tts-cpu). Synthesis is performed via GET /api/tts with
//     URL query parameters.
//
//   - APIModeXTTS: targets the Coqui XTTS v2 API server. Synthesis is
//     performed via POST /tts_to_audio/ with a JSON body; voice catalogue is
//     retrieved from GET /studio_speakers.
//
// Both servers return a complete WAV file per utterance, which maps directly
// onto the per-segment synthesis model: one HTTP call per sentence.
package coqui

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/mntsk/kaiwa/pkg/provider/tts"
)

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

const (
	defaultLanguage = "en"
	defaultTimeout  = 30 * time.Second

	ttsEndpoint            = "/tts_to_audio/"
	studioSpeakersEndpoint = "/studio_speakers"
	apiTTSEndpoint         = "/api/tts"
)

// APIMode selects which Coqui server API the provider will target.
type APIMode string

const (
	// APIModeXTTS targets the Coqui XTTS v2 API server (/tts_to_audio/).
	APIModeXTTS APIMode = "xtts"

	// APIModeStandard targets the standard Coqui TTS server (/api/tts).
	// This is the default mode.
	APIModeStandard APIMode = "standard"
)

// Option is a functional option for configuring a Coqui Provider.
type Option func(*Provider)

// WithLanguage sets the language code sent to the TTS server (e.g., "en",
// "de", "ja"). Defaults to "en" if not set. A non-empty Request.Language
// takes precedence per call.
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// WithTimeout sets the per-request HTTP timeout for calls to the TTS server.
// Defaults to 30 s if not set.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// WithAPIMode selects the server API variant. Defaults to APIModeStandard.
func WithAPIMode(mode APIMode) Option {
	return func(p *Provider) {
		p.apiMode = mode
	}
}

// WithHTTPClient replaces the HTTP client used for all requests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// Provider implements tts.Provider backed by a Coqui TTS server.
type Provider struct {
	serverURL  string
	language   string
	apiMode    APIMode
	httpClient *http.Client
}

// New creates a new Coqui Provider targeting the server at serverURL
// (e.g., "http://localhost:5002").
func New(serverURL string, opts ...Option) *Provider {
	p := &Provider{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   defaultLanguage,
		apiMode:    APIModeStandard,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// xttsRequest is the JSON payload for the XTTS /tts_to_audio/ endpoint.
type xttsRequest struct {
	Text       string `json:"text"`
	SpeakerWav string `json:"speaker_wav"`
	Language   string `json:"language"`
}

// Synthesize performs one HTTP synthesis call and returns the decoded PCM.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (tts.Result, error) {
	if strings.TrimSpace(req.Text) == "" {
		return tts.Result{}, errors.New("coqui: text must not be empty")
	}

	lang := p.language
	if req.Language != "" {
		lang = languageCode(req.Language)
	}

	var (
		wav []byte
		err error
	)
	switch p.apiMode {
	case APIModeXTTS:
		wav, err = p.synthesizeXTTS(ctx, req.Text, req.Voice.ID, lang)
	default:
		wav, err = p.synthesizeStandard(ctx, req.Text, req.Voice.ID, lang)
	}
	if err != nil {
		return tts.Result{}, err
	}

	pcm, sampleRate, err := decodeWAV(wav)
	if err != nil {
		return tts.Result{}, fmt.Errorf("coqui: decode response audio: %w", err)
	}
	return tts.Result{Audio: pcm, SampleRate: sampleRate}, nil
}

// synthesizeStandard calls GET /api/tts on a standard Coqui TTS server.
func (p *Provider) synthesizeStandard(ctx context.Context, text, speakerID, lang string) ([]byte, error) {
	q := url.Values{}
	q.Set("text", text)
	if speakerID != "" {
		q.Set("speaker_id", speakerID)
	}
	if lang != "" {
		q.Set("language_id", lang)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+apiTTSEndpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("coqui: create request: %w", err)
	}
	return p.doAudioRequest(httpReq)
}

// synthesizeXTTS calls POST /tts_to_audio/ on an XTTS v2 API server.
func (p *Provider) synthesizeXTTS(ctx context.Context, text, speakerID, lang string) ([]byte, error) {
	payload, err := json.Marshal(xttsRequest{
		Text:       text,
		SpeakerWav: speakerID,
		Language:   lang,
	})
	if err != nil {
		return nil, fmt.Errorf("coqui: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+ttsEndpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("coqui: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return p.doAudioRequest(httpReq)
}

func (p *Provider) doAudioRequest(httpReq *http.Request) ([]byte, error) {
	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("coqui: synthesis request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("coqui: synthesis failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("coqui: read audio: %w", err)
	}
	return wav, nil
}

// ListVoices retrieves the server's voice catalogue. In XTTS mode this queries
// /studio_speakers; in standard mode the server exposes no catalogue endpoint
// and an empty list is returned.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	if p.apiMode != APIModeXTTS {
		return nil, nil
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+studioSpeakersEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("coqui: create speakers request: %w", err)
	}
	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("coqui: speakers request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coqui: speakers request failed with status %d", resp.StatusCode)
	}

	var speakers map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&speakers); err != nil {
		return nil, fmt.Errorf("coqui: decode speakers response: %w", err)
	}

	names := make([]string, 0, len(speakers))
	for name := range speakers {
		names = append(names, name)
	}
	sort.Strings(names)

	profiles := make([]tts.VoiceProfile, 0, len(names))
	for _, name := range names {
		profiles = append(profiles, tts.VoiceProfile{
			ID:       name,
			Name:     name,
			Provider: "coqui",
			Pitch:    1,
			Rate:     1,
		})
	}
	return profiles, nil
}

// languageCode reduces a BCP-47 tag to the two-letter code Coqui expects.
func languageCode(tag string) string {
	if i := strings.IndexAny(tag, "-_"); i > 0 {
		return strings.ToLower(tag[:i])
	}
	return strings.ToLower(tag)
}

// decodeWAV extracts the PCM body and sample rate from a RIFF/WAVE file.
// Only 16-bit PCM is supported, which is what both Coqui servers emit.
func decodeWAV(data []byte) (pcm []byte, sampleRate int, err error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, errors.New("not a RIFF/WAVE file")
	}

	pos := 12
	for pos+8 <= len(data) {
		chunkID := string(data[pos : pos+4])
		chunkLen := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8
		if body+chunkLen > len(data) {
			return nil, 0, errors.New("truncated chunk")
		}
		switch chunkID {
		case "fmt ":
			if chunkLen < 16 {
				return nil, 0, errors.New("short fmt chunk")
			}
			format := binary.LittleEndian.Uint16(data[body : body+2])
			bits := binary.LittleEndian.Uint16(data[body+14 : body+16])
			if format != 1 || bits != 16 {
				return nil, 0, fmt.Errorf("unsupported format %d/%d-bit", format, bits)
			}
			sampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
		case "data":
			pcm = data[body : body+chunkLen]
		}
		// Chunks are word-aligned.
		pos = body + chunkLen + chunkLen%2
	}

	if sampleRate == 0 || pcm == nil {
		return nil, 0, errors.New("missing fmt or data chunk")
	}
	return pcm, sampleRate, nil
}
