package turn

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mntsk/kaiwa/internal/transport"
	"github.com/mntsk/kaiwa/pkg/provider/llm"
	llmmock "github.com/mntsk/kaiwa/pkg/provider/llm/mock"
	"github.com/mntsk/kaiwa/pkg/provider/stt"
	sttmock "github.com/mntsk/kaiwa/pkg/provider/stt/mock"
	"github.com/mntsk/kaiwa/pkg/provider/tts"
	ttsmock "github.com/mntsk/kaiwa/pkg/provider/tts/mock"
)

// recordingSink collects delivered events for later inspection. Safe for
// concurrent use; the pipeline delivers from two goroutines.
type recordingSink struct {
	mu     sync.Mutex
	events []transport.Event
}

func (s *recordingSink) sink(_ context.Context, ev transport.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) all() []transport.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]transport.Event, len(s.events))
	copy(out, s.events)
	return out
}

// deliveryEvents filters the audio and tts_text events in arrival order.
func deliveryEvents(events []transport.Event) []transport.Event {
	var out []transport.Event
	for _, ev := range events {
		switch ev.(type) {
		case transport.AudioEvent, transport.TTSTextEvent:
			out = append(out, ev)
		}
	}
	return out
}

func sequenceIndex(t *testing.T, ev transport.Event) int {
	t.Helper()
	switch e := ev.(type) {
	case transport.AudioEvent:
		return e.SequenceIndex
	case transport.TTSTextEvent:
		return e.SequenceIndex
	}
	t.Fatalf("event %T carries no sequence index", ev)
	return -1
}

func newTestPipeline(sttP *sttmock.Provider, llmP *llmmock.Provider, ttsP *ttsmock.Provider, opts ...PipelineOption) *Pipeline {
	base := []PipelineOption{
		WithVoice(tts.VoiceProfile{ID: "v1", Provider: "mock"}),
		// No artificial spacing so tests on the wall clock stay fast.
		WithSynthesisSpacing(time.Nanosecond),
	}
	return NewPipeline(sttP, llmP, ttsP, append(base, opts...)...)
}

func TestRunDeliversFullTurn(t *testing.T) {
	t.Parallel()

	sttP := &sttmock.Provider{
		TranscribeResult: stt.Transcript{Text: "こんにちは", IsFinal: true, Language: "ja-JP"},
	}
	llmP := &llmmock.Provider{
		StreamChunks: []llm.Chunk{
			{Text: "今日は"},
			{Text: "晴れです。"},
			{Text: "よい一日を。"},
			{FinishReason: "stop"},
		},
	}
	ttsP := &ttsmock.Provider{
		Result: tts.Result{Audio: []byte{1, 2, 3}, SampleRate: 16000},
	}
	p := newTestPipeline(sttP, llmP, ttsP)
	rec := &recordingSink{}

	outcome, err := p.Run(context.Background(), []byte{0, 0}, Config{Language: "ja-JP", SampleRate: 16000, Channels: 1}, nil, rec.sink)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.Reply != "今日は晴れです。よい一日を。" {
		t.Errorf("reply = %q", outcome.Reply)
	}
	if outcome.TotalSegments != 2 {
		t.Errorf("total segments = %d, want 2", outcome.TotalSegments)
	}

	events := rec.all()
	if len(events) == 0 {
		t.Fatal("no events delivered")
	}

	tr, ok := events[0].(transport.TranscriptionEvent)
	if !ok {
		t.Fatalf("first event = %T, want TranscriptionEvent", events[0])
	}
	if tr.Text != "こんにちは" || tr.Language != "ja-JP" {
		t.Errorf("transcription event = %+v", tr)
	}

	var text strings.Builder
	for _, ev := range events {
		if te, ok := ev.(transport.TextEvent); ok {
			text.WriteString(te.Text)
		}
	}
	if text.String() != outcome.Reply {
		t.Errorf("streamed text = %q, want %q", text.String(), outcome.Reply)
	}

	delivered := deliveryEvents(events)
	if len(delivered) != 2 {
		t.Fatalf("delivery events = %d, want 2", len(delivered))
	}
	for i, ev := range delivered {
		if got := sequenceIndex(t, ev); got != i {
			t.Errorf("delivery %d has sequence index %d", i, got)
		}
		ae, ok := ev.(transport.AudioEvent)
		if !ok {
			t.Fatalf("delivery %d = %T, want AudioEvent", i, ev)
		}
		if ae.SampleRate != 16000 || len(ae.Audio) == 0 {
			t.Errorf("delivery %d = %+v", i, ae)
		}
	}

	last := events[len(events)-1]
	done, ok := last.(transport.DoneEvent)
	if !ok {
		t.Fatalf("last event = %T, want DoneEvent", last)
	}
	if done.TotalSegments != 2 {
		t.Errorf("done total = %d, want 2", done.TotalSegments)
	}
}

func TestRunWithPreTranscriptSkipsRecognition(t *testing.T) {
	t.Parallel()

	sttP := &sttmock.Provider{}
	llmP := &llmmock.Provider{
		StreamChunks: []llm.Chunk{{Text: "はい。"}, {FinishReason: "stop"}},
	}
	ttsP := &ttsmock.Provider{Result: tts.Result{Audio: []byte{9}, SampleRate: 16000}}
	p := newTestPipeline(sttP, llmP, ttsP)
	rec := &recordingSink{}

	pre := stt.Transcript{Text: "バディ、天気は", IsFinal: true, Language: "ja-JP"}
	outcome, err := p.Run(context.Background(), nil, Config{Language: "ja-JP"}, &pre, rec.sink)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(sttP.TranscribeCalls) != 0 {
		t.Errorf("Transcribe called %d times, want 0", len(sttP.TranscribeCalls))
	}
	if outcome.Transcript.Text != pre.Text {
		t.Errorf("outcome transcript = %q, want %q", outcome.Transcript.Text, pre.Text)
	}
}

func TestRunTranscriptionFailureAbortsTurn(t *testing.T) {
	t.Parallel()

	sttP := &sttmock.Provider{TranscribeErr: errors.New("upstream 500")}
	llmP := &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "never"}}}
	ttsP := &ttsmock.Provider{}
	p := newTestPipeline(sttP, llmP, ttsP)
	rec := &recordingSink{}

	_, err := p.Run(context.Background(), []byte{0}, Config{}, nil, rec.sink)
	if err == nil {
		t.Fatal("Run should fail on transcription error")
	}

	events := rec.all()
	if len(events) != 1 {
		t.Fatalf("events = %d, want only the error event", len(events))
	}
	ee, ok := events[0].(transport.ErrorEvent)
	if !ok {
		t.Fatalf("event = %T, want ErrorEvent", events[0])
	}
	if ee.Code != CodeTranscriptionFailed {
		t.Errorf("error code = %q, want %q", ee.Code, CodeTranscriptionFailed)
	}
	if llmP.StreamCallCount() != 0 {
		t.Error("generation should not start after failed transcription")
	}
}

func TestRunGenerationStartFailure(t *testing.T) {
	t.Parallel()

	sttP := &sttmock.Provider{TranscribeResult: stt.Transcript{Text: "hi", IsFinal: true}}
	llmP := &llmmock.Provider{StreamErr: errors.New("bad credentials")}
	ttsP := &ttsmock.Provider{}
	p := newTestPipeline(sttP, llmP, ttsP)
	rec := &recordingSink{}

	_, err := p.Run(context.Background(), []byte{0}, Config{}, nil, rec.sink)
	if err == nil {
		t.Fatal("Run should fail when the stream cannot start")
	}

	events := rec.all()
	last := events[len(events)-1]
	ee, ok := last.(transport.ErrorEvent)
	if !ok {
		t.Fatalf("last event = %T, want ErrorEvent", last)
	}
	if ee.Code != CodeGenerationFailed {
		t.Errorf("error code = %q, want %q", ee.Code, CodeGenerationFailed)
	}
}

func TestRunMidStreamGenerationErrorKeepsPartial(t *testing.T) {
	t.Parallel()

	sttP := &sttmock.Provider{TranscribeResult: stt.Transcript{Text: "hi", IsFinal: true}}
	llmP := &llmmock.Provider{
		StreamChunks: []llm.Chunk{
			{Text: "First sentence. And then"},
			{FinishReason: "error", Text: "rate limited"},
		},
	}
	ttsP := &ttsmock.Provider{Result: tts.Result{Audio: []byte{7}, SampleRate: 16000}}
	p := newTestPipeline(sttP, llmP, ttsP)
	rec := &recordingSink{}

	if _, err := p.Run(context.Background(), []byte{0}, Config{}, nil, rec.sink); err != nil {
		t.Fatalf("Run: %v", err)
	}

	events := rec.all()
	var sawError, sawAudio bool
	for _, ev := range events {
		switch e := ev.(type) {
		case transport.ErrorEvent:
			if e.Code == CodeGenerationFailed {
				sawError = true
			}
		case transport.AudioEvent:
			sawAudio = true
		}
	}
	if !sawError {
		t.Error("missing generation_failed error event")
	}
	if !sawAudio {
		t.Error("the sentence cut before the failure should still be synthesized")
	}

	// A failed exchange is not committed to history.
	if h := p.History(); len(h) != 0 {
		t.Errorf("history = %d messages, want 0", len(h))
	}
}

func TestRunSynthesisFailureReleasesIndex(t *testing.T) {
	t.Parallel()

	sttP := &sttmock.Provider{TranscribeResult: stt.Transcript{Text: "hi", IsFinal: true}}
	llmP := &llmmock.Provider{
		StreamChunks: []llm.Chunk{
			{Text: "One. Two. Three. "},
			{FinishReason: "stop"},
		},
	}
	ttsP := &ttsmock.Provider{
		Errs:   []error{nil, errors.New("synthesis backend down")},
		Result: tts.Result{Audio: []byte{5}, SampleRate: 16000},
	}
	p := newTestPipeline(sttP, llmP, ttsP)
	rec := &recordingSink{}

	outcome, err := p.Run(context.Background(), []byte{0}, Config{}, nil, rec.sink)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.TotalSegments != 3 {
		t.Fatalf("total segments = %d, want 3", outcome.TotalSegments)
	}

	delivered := deliveryEvents(rec.all())
	if len(delivered) != 3 {
		t.Fatalf("delivery events = %d, want 3", len(delivered))
	}
	for i, ev := range delivered {
		if got := sequenceIndex(t, ev); got != i {
			t.Errorf("delivery %d has sequence index %d", i, got)
		}
	}
	failed, ok := delivered[1].(transport.AudioEvent)
	if !ok || !failed.Failed {
		t.Errorf("delivery 1 = %#v, want failed audio event", delivered[1])
	}
	if len(failed.Audio) != 0 {
		t.Error("failed event should carry no audio")
	}
}

func TestRunSpeechDirectiveDelivery(t *testing.T) {
	t.Parallel()

	sttP := &sttmock.Provider{TranscribeResult: stt.Transcript{Text: "hi", IsFinal: true}}
	llmP := &llmmock.Provider{
		StreamChunks: []llm.Chunk{{Text: "Sure thing. "}, {FinishReason: "stop"}},
	}
	ttsP := &ttsmock.Provider{
		Result: tts.Result{SpeakableText: "Sure thing.", Pitch: 1.1, Rate: 0.9},
	}
	p := newTestPipeline(sttP, llmP, ttsP)
	rec := &recordingSink{}

	if _, err := p.Run(context.Background(), []byte{0}, Config{}, nil, rec.sink); err != nil {
		t.Fatalf("Run: %v", err)
	}

	delivered := deliveryEvents(rec.all())
	if len(delivered) != 1 {
		t.Fatalf("delivery events = %d, want 1", len(delivered))
	}
	tte, ok := delivered[0].(transport.TTSTextEvent)
	if !ok {
		t.Fatalf("delivery = %T, want TTSTextEvent", delivered[0])
	}
	if tte.Text != "Sure thing." || tte.Pitch != 1.1 || tte.Rate != 0.9 {
		t.Errorf("tts_text event = %+v", tte)
	}
}

func TestRunCancelStopsDelivery(t *testing.T) {
	t.Parallel()

	sttP := &sttmock.Provider{TranscribeResult: stt.Transcript{Text: "hi", IsFinal: true}}
	llmP := &llmmock.Provider{
		StreamChunks: []llm.Chunk{{Text: "Blocked. "}, {FinishReason: "stop"}},
	}
	release := make(chan struct{})
	ttsP := &ttsmock.Provider{
		SynthesizeFn: func(ctx context.Context, _ tts.Request) (tts.Result, error) {
			select {
			case <-release:
				return tts.Result{Audio: []byte{1}}, nil
			case <-ctx.Done():
				return tts.Result{}, ctx.Err()
			}
		},
	}
	p := newTestPipeline(sttP, llmP, ttsP)
	rec := &recordingSink{}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := p.Run(ctx, []byte{0}, Config{}, nil, rec.sink)
		errCh <- err
	}()

	// Wait until synthesis for segment 0 is in flight, then cancel.
	deadline := time.After(2 * time.Second)
	for ttsP.SynthesizeCallCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("synthesis never started")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	close(release)

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	for _, ev := range rec.all() {
		if _, ok := ev.(transport.DoneEvent); ok {
			t.Error("cancelled turn must not emit a done event")
		}
	}
}

func TestRunAccumulatesHistory(t *testing.T) {
	t.Parallel()

	sttP := &sttmock.Provider{TranscribeResult: stt.Transcript{Text: "first question", IsFinal: true}}
	llmP := &llmmock.Provider{
		StreamChunks: []llm.Chunk{{Text: "First answer. "}, {FinishReason: "stop"}},
	}
	ttsP := &ttsmock.Provider{Result: tts.Result{Audio: []byte{1}, SampleRate: 16000}}
	p := newTestPipeline(sttP, llmP, ttsP, WithSystemPrompt("you are concise"))
	rec := &recordingSink{}

	if _, err := p.Run(context.Background(), []byte{0}, Config{}, nil, rec.sink); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if _, err := p.Run(context.Background(), []byte{0}, Config{}, nil, rec.sink); err != nil {
		t.Fatalf("second Run: %v", err)
	}

	if got := len(p.History()); got != 4 {
		t.Fatalf("history length = %d, want 4", got)
	}

	second := llmP.StreamCalls[1].Req
	if second.SystemPrompt != "you are concise" {
		t.Errorf("system prompt = %q", second.SystemPrompt)
	}
	// History plus the new user message.
	if len(second.Messages) != 3 {
		t.Fatalf("second request messages = %d, want 3", len(second.Messages))
	}
	if second.Messages[0].Role != "user" || second.Messages[1].Role != "assistant" {
		t.Errorf("history roles = %q, %q", second.Messages[0].Role, second.Messages[1].Role)
	}
}

func TestHistoryLimitTrimsOldest(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(&sttmock.Provider{}, &llmmock.Provider{}, &ttsmock.Provider{}, WithHistoryLimit(2))
	p.remember("q1", "a1")
	p.remember("q2", "a2")

	h := p.History()
	if len(h) != 2 {
		t.Fatalf("history length = %d, want 2", len(h))
	}
	if h[0].Content != "q2" || h[1].Content != "a2" {
		t.Errorf("history = %+v, want most recent exchange", h)
	}
}
