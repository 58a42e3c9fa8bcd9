// Package turn runs one conversational turn end to end: transcription of the
// captured utterance, streamed response generation, incremental sentence
// segmentation, scheduled speech synthesis, and in-order event delivery to
// the connected client.
//
// The pipeline streams aggressively. Generation chunks are forwarded to the
// client as they arrive, sentences are cut and handed to the synthesis
// scheduler before the response is complete, and synthesized clips are
// released strictly by sentence index through an ordered buffer so the client
// hears the reply in reading order no matter how synthesis completes.
package turn

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mntsk/kaiwa/internal/observe"
	"github.com/mntsk/kaiwa/internal/order"
	"github.com/mntsk/kaiwa/internal/segment"
	"github.com/mntsk/kaiwa/internal/synth"
	"github.com/mntsk/kaiwa/internal/transport"
	"github.com/mntsk/kaiwa/pkg/provider/llm"
	"github.com/mntsk/kaiwa/pkg/provider/stt"
	"github.com/mntsk/kaiwa/pkg/provider/tts"
)

// Error codes carried by [transport.ErrorEvent].
const (
	// CodeTranscriptionFailed aborts the turn before any response text is
	// produced.
	CodeTranscriptionFailed = "transcription_failed"

	// CodeGenerationFailed aborts generation; text and audio already
	// delivered stay valid on the client.
	CodeGenerationFailed = "generation_failed"
)

// EventSink delivers pipeline events to the client in call order.
type EventSink func(ctx context.Context, ev transport.Event) error

// Config carries the per-turn parameters a session negotiates with its
// client.
type Config struct {
	// TurnID is the client's label for this turn, stamped onto every event
	// the turn emits. Empty generates a fresh one.
	TurnID string

	// Language is the BCP-47 tag used for both recognition and synthesis.
	// Empty lets the STT provider auto-detect.
	Language string

	// SampleRate and Channels describe the captured utterance PCM.
	SampleRate int
	Channels   int
}

// Outcome summarises a completed turn for the session layer.
type Outcome struct {
	// Transcript is the recognition result the turn was built on.
	Transcript stt.Transcript

	// Reply is the full generated response text.
	Reply string

	// TotalSegments is the number of sentence indices delivered.
	TotalSegments int
}

// Pipeline owns the providers and conversation history shared by consecutive
// turns of one session.
type Pipeline struct {
	sttP stt.Provider
	llmP llm.Provider
	ttsP tts.Provider

	voice        tts.VoiceProfile
	systemPrompt string
	temperature  float64
	maxTokens    int
	historyLimit int

	minSpacing   time.Duration
	synthTimeout time.Duration

	metrics *observe.Metrics
	logger  *slog.Logger

	mu      sync.Mutex
	history []llm.Message
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithVoice sets the synthesis voice profile.
func WithVoice(v tts.VoiceProfile) PipelineOption {
	return func(p *Pipeline) { p.voice = v }
}

// WithSystemPrompt sets the instruction injected before the conversation
// history on every generation request.
func WithSystemPrompt(prompt string) PipelineOption {
	return func(p *Pipeline) { p.systemPrompt = prompt }
}

// WithTemperature sets the generation temperature. Zero uses the provider
// default.
func WithTemperature(t float64) PipelineOption {
	return func(p *Pipeline) { p.temperature = t }
}

// WithMaxTokens caps the generated completion length.
func WithMaxTokens(n int) PipelineOption {
	return func(p *Pipeline) { p.maxTokens = n }
}

// WithHistoryLimit bounds the conversation history to the most recent n
// messages. Zero keeps everything.
func WithHistoryLimit(n int) PipelineOption {
	return func(p *Pipeline) { p.historyLimit = n }
}

// WithSynthesisSpacing sets the minimum delay between queued synthesis
// requests.
func WithSynthesisSpacing(d time.Duration) PipelineOption {
	return func(p *Pipeline) { p.minSpacing = d }
}

// WithSynthesisTimeout sets the hard per-segment synthesis timeout.
func WithSynthesisTimeout(d time.Duration) PipelineOption {
	return func(p *Pipeline) { p.synthTimeout = d }
}

// WithMetrics sets the metrics instance. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) PipelineOption {
	return func(p *Pipeline) { p.metrics = m }
}

// WithPipelineLogger sets the logger used for turn progress and failures.
func WithPipelineLogger(l *slog.Logger) PipelineOption {
	return func(p *Pipeline) { p.logger = l }
}

// NewPipeline constructs a Pipeline around the three providers.
func NewPipeline(sttP stt.Provider, llmP llm.Provider, ttsP tts.Provider, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		sttP:   sttP,
		llmP:   llmP,
		ttsP:   ttsP,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p
}

// Run executes one turn: it transcribes utterance (unless pre already holds a
// final transcript, as after a wake-word handoff), streams the generated
// reply through sink as text events, and delivers one audio or tts_text event
// per sentence index in strict order, closing with a done event.
//
// A failed transcription aborts the turn with a transcription_failed error
// event. A generation failure mid-stream emits a generation_failed error
// event; segments already cut are still synthesized and delivered. Individual
// synthesis failures never abort the turn: their index is delivered as a
// failed audio event so the client advances past the gap.
//
// Cancelling ctx stops generation and synthesis; events already delivered
// stay with the client.
func (p *Pipeline) Run(ctx context.Context, utterance []byte, cfg Config, pre *stt.Transcript, sink EventSink) (*Outcome, error) {
	turnID := cfg.TurnID
	if turnID == "" {
		turnID = uuid.NewString()
	}
	ctx, span := observe.StartSpan(ctx, "turn.run")
	defer span.End()
	logger := observe.Logger(ctx).With("turn_id", turnID)
	start := time.Now()

	tr, err := p.transcribe(ctx, utterance, cfg, pre)
	if err != nil {
		logger.Error("transcription failed, aborting turn", "err", err)
		_ = sink(ctx, transport.ErrorEvent{TurnID: turnID, Code: CodeTranscriptionFailed, Message: err.Error()})
		return nil, fmt.Errorf("turn: transcribe: %w", err)
	}
	if err := sink(ctx, transport.TranscriptionEvent{
		TurnID:   turnID,
		Text:     tr.Text,
		Language: tr.Language,
		Emotion:  tr.Emotion,
	}); err != nil {
		return nil, fmt.Errorf("turn: send transcription: %w", err)
	}

	language := cfg.Language
	if tr.Language != "" {
		language = tr.Language
	}

	llmStart := time.Now()
	chunks, err := p.llmP.StreamCompletion(ctx, p.completionRequest(tr.Text))
	if err != nil {
		logger.Error("generation failed to start, aborting turn", "err", err)
		_ = sink(ctx, transport.ErrorEvent{TurnID: turnID, Code: CodeGenerationFailed, Message: err.Error()})
		return nil, fmt.Errorf("turn: stream completion: %w", err)
	}

	seg := segment.New()
	buf := order.New[synth.Result](order.WithLogger(logger))
	synthOpts := append(p.synthOptions(),
		synth.WithLanguage(language),
		synth.WithLogger(logger),
	)
	sched := synth.New(&instrumentedTTS{inner: p.ttsP, metrics: p.metrics}, p.voice,
		func(r synth.Result) { buf.Offer(r.Index, r) },
		synthOpts...,
	)
	defer sched.Close()
	defer buf.Close()

	g, gctx := errgroup.WithContext(ctx)

	// A cancelled turn must unblock the delivery drain below.
	stop := context.AfterFunc(gctx, func() {
		sched.Close()
		buf.Close()
	})
	defer stop()

	var (
		reply   strings.Builder
		total   int
		firstAt time.Time
		genErr  error
	)

	g.Go(func() error {
		defer func() {
			for _, s := range seg.Flush() {
				sched.Schedule(s)
			}
			total = seg.NextIndex()
			buf.Finish(total)
		}()
		for chunk := range chunks {
			if chunk.FinishReason == "error" {
				genErr = fmt.Errorf("turn: generation: %s", chunk.Text)
				logger.Warn("generation failed mid-stream", "err", chunk.Text)
				return sink(gctx, transport.ErrorEvent{TurnID: turnID, Code: CodeGenerationFailed, Message: chunk.Text})
			}
			if chunk.Text == "" {
				continue
			}
			reply.WriteString(chunk.Text)
			if err := sink(gctx, transport.TextEvent{TurnID: turnID, Text: chunk.Text}); err != nil {
				return err
			}
			for _, s := range seg.Push(chunk.Text) {
				sched.Schedule(s)
			}
		}
		p.metrics.LLMDuration.Record(gctx, time.Since(llmStart).Seconds())
		return nil
	})

	g.Go(func() error {
		for item := range buf.Out() {
			if firstAt.IsZero() {
				firstAt = time.Now()
			}
			if err := sink(gctx, p.deliveryEvent(gctx, item.Value, turnID)); err != nil {
				return err
			}
		}
		if gctx.Err() != nil {
			return gctx.Err()
		}
		return sink(gctx, transport.DoneEvent{TurnID: turnID, TotalSegments: total})
	})

	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			p.metrics.TurnCancellations.Add(context.WithoutCancel(ctx), 1)
			logger.Info("turn cancelled", "elapsed", time.Since(start))
			return nil, ctx.Err()
		}
		return nil, err
	}
	sched.Wait()

	if genErr == nil {
		p.remember(tr.Text, reply.String())
	}

	var firstAudio time.Duration
	if !firstAt.IsZero() {
		firstAudio = firstAt.Sub(start)
	}
	p.metrics.RecordTurn(ctx, time.Since(start), firstAudio)
	logger.Info("turn complete",
		"segments", total,
		"elapsed", time.Since(start),
		"first_audio", firstAudio,
	)

	return &Outcome{Transcript: tr, Reply: reply.String(), TotalSegments: total}, nil
}

// transcribe resolves the turn's transcript, calling the STT provider unless
// a final transcript was already produced upstream.
func (p *Pipeline) transcribe(ctx context.Context, utterance []byte, cfg Config, pre *stt.Transcript) (stt.Transcript, error) {
	if pre != nil {
		return *pre, nil
	}
	start := time.Now()
	tr, err := p.sttP.Transcribe(ctx, utterance, stt.StreamConfig{
		SampleRate: cfg.SampleRate,
		Channels:   cfg.Channels,
		Language:   cfg.Language,
	})
	p.metrics.RecordProviderCall(ctx, "stt", "primary", time.Since(start), err)
	if err != nil {
		return stt.Transcript{}, err
	}
	return tr, nil
}

// deliveryEvent converts one synthesis result into its wire event. Results
// carrying PCM become audio events; client-side speech directives become
// tts_text events; failed results become failed audio events so the client
// advances past the gap.
func (p *Pipeline) deliveryEvent(ctx context.Context, r synth.Result, turnID string) transport.Event {
	if r.Failed {
		p.metrics.SynthesisFailures.Add(ctx, 1)
		return transport.AudioEvent{TurnID: turnID, SequenceIndex: r.Index, Failed: true}
	}
	if len(r.Audio) > 0 {
		return transport.AudioEvent{
			TurnID:        turnID,
			SequenceIndex: r.Index,
			Audio:         r.Audio,
			SampleRate:    r.SampleRate,
		}
	}
	return transport.TTSTextEvent{
		TurnID:        turnID,
		SequenceIndex: r.Index,
		Text:          r.SpeakableText,
		Pitch:         r.Pitch,
		Rate:          r.Rate,
	}
}

// completionRequest snapshots the history plus the new user message.
func (p *Pipeline) completionRequest(userText string) llm.CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	messages := make([]llm.Message, 0, len(p.history)+1)
	messages = append(messages, p.history...)
	messages = append(messages, llm.Message{Role: "user", Content: userText})
	return llm.CompletionRequest{
		Messages:     messages,
		SystemPrompt: p.systemPrompt,
		Temperature:  p.temperature,
		MaxTokens:    p.maxTokens,
	}
}

// remember appends the completed exchange to the history, trimming the oldest
// messages past the configured limit.
func (p *Pipeline) remember(userText, reply string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.history = append(p.history,
		llm.Message{Role: "user", Content: userText},
		llm.Message{Role: "assistant", Content: reply},
	)
	if p.historyLimit > 0 && len(p.history) > p.historyLimit {
		p.history = p.history[len(p.history)-p.historyLimit:]
	}
}

// History returns a copy of the current conversation history.
func (p *Pipeline) History() []llm.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]llm.Message, len(p.history))
	copy(out, p.history)
	return out
}

// instrumentedTTS wraps a synthesis provider to record per-request latency
// and error counts.
type instrumentedTTS struct {
	inner   tts.Provider
	metrics *observe.Metrics
}

var _ tts.Provider = (*instrumentedTTS)(nil)

func (i *instrumentedTTS) Synthesize(ctx context.Context, req tts.Request) (tts.Result, error) {
	start := time.Now()
	res, err := i.inner.Synthesize(ctx, req)
	i.metrics.RecordProviderCall(ctx, "tts", req.Voice.Provider, time.Since(start), err)
	return res, err
}

func (i *instrumentedTTS) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	return i.inner.ListVoices(ctx)
}

// synthOptions translates the pipeline's synthesis knobs into scheduler
// options, keeping the scheduler's defaults for unset values.
func (p *Pipeline) synthOptions() []synth.Option {
	var opts []synth.Option
	if p.minSpacing > 0 {
		opts = append(opts, synth.WithMinSpacing(p.minSpacing))
	}
	if p.synthTimeout > 0 {
		opts = append(opts, synth.WithTimeout(p.synthTimeout))
	}
	return opts
}
