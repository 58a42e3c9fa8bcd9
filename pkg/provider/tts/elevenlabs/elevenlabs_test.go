package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mntsk/kaiwa/pkg/provider/tts"
)

func TestNewRequiresAPIKey(t *testing.T) {
	t.Parallel()

	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty API key")
	}
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.model != defaultModel {
		t.Errorf("model = %q, want %q", p.model, defaultModel)
	}
}

func TestSynthesize(t *testing.T) {
	t.Parallel()

	wantPCM := []byte{0x10, 0x20, 0x30, 0x40}
	var gotPath, gotKey, gotFormat string
	var gotBody synthesisRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("xi-api-key")
		gotFormat = r.URL.Query().Get("output_format")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Write(wantPCM)
	}))
	defer srv.Close()

	p, err := New("secret", WithBaseURL(srv.URL), WithOutputFormat("pcm_24000"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := p.Synthesize(context.Background(), tts.Request{
		Text:     "Hello there.",
		Language: "en-US",
		Voice:    tts.VoiceProfile{ID: "voice-1", Rate: 1.2},
	})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if !bytes.Equal(res.Audio, wantPCM) {
		t.Errorf("audio = %v, want %v", res.Audio, wantPCM)
	}
	if res.SampleRate != 24000 {
		t.Errorf("sample rate = %d, want 24000", res.SampleRate)
	}
	if gotPath != "/text-to-speech/voice-1" {
		t.Errorf("path = %q", gotPath)
	}
	if gotKey != "secret" {
		t.Errorf("api key header = %q", gotKey)
	}
	if gotFormat != "pcm_24000" {
		t.Errorf("output_format = %q", gotFormat)
	}
	if gotBody.Text != "Hello there." {
		t.Errorf("text = %q", gotBody.Text)
	}
	if gotBody.LanguageCode != "en" {
		t.Errorf("language_code = %q, want en", gotBody.LanguageCode)
	}
	if gotBody.VoiceSettings.Speed != 1.2 {
		t.Errorf("speed = %v, want 1.2", gotBody.VoiceSettings.Speed)
	}
}

func TestSynthesizeValidation(t *testing.T) {
	t.Parallel()

	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tests := []struct {
		name string
		req  tts.Request
	}{
		{name: "missing voice", req: tts.Request{Text: "hi"}},
		{name: "empty text", req: tts.Request{Text: " ", Voice: tts.VoiceProfile{ID: "v"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := p.Synthesize(context.Background(), tt.req); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestSynthesizeServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail":"quota exceeded"}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p, err := New("key", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = p.Synthesize(context.Background(), tts.Request{
		Text:  "hi",
		Voice: tts.VoiceProfile{ID: "v"},
	})
	if err == nil {
		t.Fatal("expected error for 429 response")
	}
	if !strings.Contains(err.Error(), "status 429") {
		t.Errorf("error = %v, want status 429 mention", err)
	}
}

func TestListVoices(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/voices" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"voices": []map[string]any{
				{
					"voice_id": "v1",
					"name":     "Rachel",
					"category": "premade",
					"labels":   map[string]string{"accent": "american"},
				},
			},
		})
	}))
	defer srv.Close()

	p, err := New("key", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	voices, err := p.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("ListVoices: %v", err)
	}
	if len(voices) != 1 {
		t.Fatalf("got %d voices, want 1", len(voices))
	}
	v := voices[0]
	if v.ID != "v1" || v.Name != "Rachel" || v.Provider != "elevenlabs" {
		t.Errorf("unexpected profile: %+v", v)
	}
	if v.Metadata["accent"] != "american" || v.Metadata["category"] != "premade" {
		t.Errorf("unexpected metadata: %v", v.Metadata)
	}
}

func TestSampleRateFromFormat(t *testing.T) {
	t.Parallel()

	tests := []struct {
		format string
		want   int
	}{
		{"pcm_16000", 16000},
		{"pcm_24000", 24000},
		{"pcm_44100", 44100},
		{"mp3_44100_128", 16000},
		{"", 16000},
	}
	for _, tt := range tests {
		if got := sampleRateFromFormat(tt.format); got != tt.want {
			t.Errorf("sampleRateFromFormat(%q) = %d, want %d", tt.format, got, tt.want)
		}
	}
}
