// Package client wires the device-side subsystems into a running voice loop.
//
// The Loop owns the full client lifecycle: it connects to the server, arms
// the wake-word listener (or waits for a tap), captures one utterance by
// silence detection, streams it up, and reassembles the reply events into
// ordered playback. The voice state machine tracks every step so a UI can
// render the session, and cancellation from any state tears the current turn
// down without ending the session.
//
// For testing, inject a mock dialer, audio source, and player; when not
// provided, the Loop dials the real websocket transport.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/mntsk/kaiwa/internal/observe"
	"github.com/mntsk/kaiwa/internal/order"
	"github.com/mntsk/kaiwa/internal/playback"
	"github.com/mntsk/kaiwa/internal/transport"
	"github.com/mntsk/kaiwa/internal/voice"
	"github.com/mntsk/kaiwa/internal/wake"
	"github.com/mntsk/kaiwa/pkg/audio"
	"github.com/mntsk/kaiwa/pkg/provider/stt"
)

// Default reconnection parameters.
const (
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second

	// frameDuration is the slice size utterances are streamed up in.
	frameDuration = 100 * time.Millisecond
)

// errServerClosed signals that the server dropped the connection mid-session.
var errServerClosed = errors.New("client: server connection closed")

// Conn is the client's view of an open server connection. *transport.Client
// satisfies it; tests supply an in-memory implementation.
type Conn interface {
	SendFrame(ctx context.Context, pcm []byte) error
	SendControl(ctx context.Context, ctrl transport.Control) error
	Events() <-chan transport.Event
	Close() error
}

// Dialer opens a connection to the voice server.
type Dialer func(ctx context.Context, url string) (Conn, error)

// Config tunes the client loop.
type Config struct {
	// ServerURL is the websocket endpoint (ws:// or wss://, path /ws).
	ServerURL string

	// Language is the starting BCP-47 tag for the session. Renegotiated from
	// wake-phase language mismatches and server transcripts.
	Language string

	// AlwaysListen re-arms wake-word listening after each turn and retries
	// dropped connections instead of going idle.
	AlwaysListen bool

	// WakePhrases enables the wake-word listener when non-empty; with no
	// phrases, recording starts on Tap only.
	WakePhrases []string

	// FuzzyThreshold is the wake listener's minimum Jaro-Winkler similarity.
	// Zero keeps the listener default.
	FuzzyThreshold float64

	// Capture tunes silence detection. A zero value selects
	// [voice.DefaultCaptureConfig].
	Capture voice.CaptureConfig

	// SampleRate and Channels describe the source's PCM format.
	// Defaults: 16000 Hz mono.
	SampleRate int
	Channels   int

	// RetryBackoff is the initial reconnect delay, doubling up to MaxBackoff.
	RetryBackoff time.Duration
	MaxBackoff   time.Duration
}

// Loop drives one device's voice session against the server.
type Loop struct {
	cfg    Config
	sttP   stt.Provider
	src    audio.Source
	player playback.Player

	machine *voice.Machine
	dial    Dialer
	clk     clock.Clock
	logger  *slog.Logger
	metrics *observe.Metrics
	onCue   func()

	onTranscription func(text, language string)
	onText          func(text string)

	taps chan struct{}

	mu         sync.Mutex
	language   string
	capture    *voice.Capture
	turnCancel context.CancelFunc
}

// Option is a functional option for configuring a Loop.
type Option func(*Loop)

// WithDialer replaces the websocket dialer. Tests use this to run the loop
// against an in-memory connection.
func WithDialer(d Dialer) Option {
	return func(l *Loop) { l.dial = d }
}

// WithClock injects the clock used for retry backoff and capture timing.
func WithClock(c clock.Clock) Option {
	return func(l *Loop) { l.clk = c }
}

// WithLogger sets the loop's logger.
func WithLogger(lg *slog.Logger) Option {
	return func(l *Loop) { l.logger = lg }
}

// WithMetrics sets the metrics instance. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(l *Loop) { l.metrics = m }
}

// WithCue registers the audible wake cue.
func WithCue(fn func()) Option {
	return func(l *Loop) { l.onCue = fn }
}

// WithOnTranscription registers a callback for recognized utterances, for
// display surfaces.
func WithOnTranscription(fn func(text, language string)) Option {
	return func(l *Loop) { l.onTranscription = fn }
}

// WithOnText registers a callback for streamed reply text increments.
func WithOnText(fn func(text string)) Option {
	return func(l *Loop) { l.onText = fn }
}

// New constructs a Loop. src is the open microphone stream; the Loop takes
// ownership and closes it when Run returns. sttP is only used for wake-word
// listening and may be nil when no wake phrases are configured.
func New(cfg Config, sttP stt.Provider, src audio.Source, player playback.Player, opts ...Option) (*Loop, error) {
	if src == nil {
		return nil, errors.New("client: audio source is required")
	}
	if player == nil {
		return nil, errors.New("client: player is required")
	}
	if len(cfg.WakePhrases) > 0 && sttP == nil {
		return nil, errors.New("client: wake phrases require an stt provider")
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels == 0 {
		cfg.Channels = 1
	}
	if cfg.Capture == (voice.CaptureConfig{}) {
		cfg.Capture = voice.DefaultCaptureConfig()
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}

	l := &Loop{
		cfg:      cfg,
		sttP:     sttP,
		src:      src,
		player:   player,
		machine:  voice.NewMachine(voice.WithAlwaysListen(cfg.AlwaysListen)),
		clk:      clock.New(),
		logger:   slog.Default(),
		taps:     make(chan struct{}, 1),
		language: cfg.Language,
	}
	for _, o := range opts {
		o(l)
	}
	if l.metrics == nil {
		l.metrics = observe.DefaultMetrics()
	}
	if l.dial == nil {
		l.dial = func(ctx context.Context, url string) (Conn, error) {
			return transport.Dial(ctx, url, transport.WithClientLogger(l.logger))
		}
	}
	return l, nil
}

// Machine exposes the session state machine for UI surfaces and tests.
func (l *Loop) Machine() *voice.Machine {
	return l.machine
}

// Tap is the user's single tap. Its effect depends on the session state:
// start recording from idle or listening, stop-and-send while recording,
// cancel while processing or speaking.
func (l *Loop) Tap() {
	st := l.machine.State()
	l.machine.Raise(voice.EventTap{})

	switch st {
	case voice.StateIdle, voice.StateListening:
		select {
		case l.taps <- struct{}{}:
		default:
		}
	case voice.StateRecording:
		if c := l.activeCapture(); c != nil {
			c.ForceStop()
		}
	case voice.StateProcessing, voice.StateSpeaking:
		l.cancelTurn()
	}
}

// Cancel aborts whatever the session is doing and returns it to rest.
// While recording it forces a stop-and-send; in every other state it stops
// playback, clears the reassembly buffer, and discards in-flight results.
func (l *Loop) Cancel() {
	if l.machine.State() == voice.StateRecording {
		l.machine.Raise(voice.EventCancel{})
		if c := l.activeCapture(); c != nil {
			c.ForceStop()
		}
		return
	}
	l.machine.Raise(voice.EventCancel{})
	l.cancelTurn()
}

// Run connects to the server and drives the session until ctx is cancelled
// or the loop hits a non-recoverable error. In always-listen mode, dropped
// connections are retried with exponential backoff; otherwise the first drop
// ends the loop.
func (l *Loop) Run(ctx context.Context) error {
	defer l.src.Close()

	go l.machine.Run(ctx)

	backoff := l.cfg.RetryBackoff
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		conn, err := l.dial(ctx, l.cfg.ServerURL)
		if err != nil {
			if !l.cfg.AlwaysListen {
				return fmt.Errorf("client: connect: %w", err)
			}
			l.machine.Raise(voice.EventError{Err: err})
			l.logger.Warn("connect failed, retrying", "err", err, "backoff", backoff)
			if err := l.sleep(ctx, backoff); err != nil {
				return err
			}
			backoff = min(backoff*2, l.cfg.MaxBackoff)
			continue
		}
		backoff = l.cfg.RetryBackoff

		err = l.session(ctx, conn)
		conn.Close()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !l.cfg.AlwaysListen || !errors.Is(err, errServerClosed) {
			return err
		}
		l.machine.Raise(voice.EventError{Err: err})
		l.logger.Warn("connection dropped, retrying", "backoff", backoff)
		if err := l.sleep(ctx, backoff); err != nil {
			return err
		}
		backoff = min(backoff*2, l.cfg.MaxBackoff)
	}
}

// session runs turns over one connection until it drops or ctx is cancelled.
func (l *Loop) session(ctx context.Context, conn Conn) error {
	if l.wakeEnabled() {
		l.machine.Raise(voice.EventStartListening{})
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if l.wakeEnabled() {
			det, err := l.listenForWake(ctx, conn)
			if err != nil {
				return err
			}
			// A wake transcript that already carries the command skips the
			// recording phase: the server runs the turn straight from the
			// text.
			if cmd := det.Command(); cmd != "" {
				turnID := uuid.NewString()
				l.machine.Raise(voice.EventUtteranceReady{})
				if err := conn.SendControl(ctx, transport.WakeControl{
					TurnID:   turnID,
					Text:     cmd,
					Language: l.currentLanguage(),
				}); err != nil {
					return errors.Join(errServerClosed, err)
				}
				if err := l.playTurn(ctx, conn, turnID); err != nil {
					return err
				}
				continue
			}
		} else {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-l.taps:
			}
		}

		u, ok, err := l.record(ctx)
		if err != nil {
			return err
		}
		if !ok {
			l.machine.Raise(voice.EventUtteranceDiscarded{})
			continue
		}
		l.machine.Raise(voice.EventUtteranceReady{})

		turnID := uuid.NewString()
		if err := l.sendUtterance(ctx, conn, u, turnID); err != nil {
			return errors.Join(errServerClosed, err)
		}
		if err := l.playTurn(ctx, conn, turnID); err != nil {
			return err
		}
	}
}

// listenForWake blocks until the wake phrase fires and returns the detection.
// A language mismatch renegotiates the session language with the server and
// re-arms the listener instead of returning.
func (l *Loop) listenForWake(ctx context.Context, conn Conn) (wake.Detection, error) {
	for {
		opts := []wake.Option{
			wake.WithLanguage(l.currentLanguage()),
			wake.WithAudioFormat(l.cfg.SampleRate, l.cfg.Channels),
			wake.WithLogger(l.logger),
		}
		if l.cfg.FuzzyThreshold > 0 {
			opts = append(opts, wake.WithFuzzyThreshold(l.cfg.FuzzyThreshold))
		}
		if l.onCue != nil {
			opts = append(opts, wake.WithCue(l.onCue))
		}
		listener, err := wake.New(l.sttP, l.cfg.WakePhrases, opts...)
		if err != nil {
			return wake.Detection{}, err
		}

		det, err := listener.Run(ctx, l.src)
		var mismatch *wake.LanguageMismatchError
		switch {
		case err == nil:
			l.machine.Raise(voice.EventWakeDetected{Transcript: det.Transcript})
			return det, nil
		case errors.As(err, &mismatch):
			l.logger.Info("language renegotiated during wake listening",
				"from", mismatch.Configured, "to", mismatch.Detected)
			l.setLanguage(mismatch.Detected)
			if err := conn.SendControl(ctx, transport.ReconnectWithLanguageControl{Language: mismatch.Detected}); err != nil {
				return wake.Detection{}, errors.Join(errServerClosed, err)
			}
		case ctx.Err() != nil:
			return wake.Detection{}, ctx.Err()
		default:
			return wake.Detection{}, fmt.Errorf("client: wake listener: %w", err)
		}
	}
}

// record captures one utterance. ok is false when the attempt was discarded
// below the minimum-voice thresholds. A closed audio source is a fatal error;
// the microphone is gone.
func (l *Loop) record(ctx context.Context) (voice.Utterance, bool, error) {
	capCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	utterances := make(chan voice.Utterance, 1)
	discards := make(chan struct{}, 1)
	rec := voice.NewCapture(l.cfg.Capture,
		func(u voice.Utterance) { utterances <- u },
		func() {
			select {
			case discards <- struct{}{}:
			default:
			}
		},
		voice.WithCaptureLogger(l.logger),
		voice.WithCaptureClock(l.clk),
	)
	l.setCapture(rec)
	defer l.setCapture(nil)

	done := make(chan error, 1)
	go func() { done <- rec.Run(capCtx, l.src) }()

	for {
		select {
		case u := <-utterances:
			cancel()
			<-done
			return u, true, nil
		case <-discards:
			cancel()
			<-done
			return voice.Utterance{}, false, nil
		case err := <-done:
			if ctx.Err() != nil {
				return voice.Utterance{}, false, ctx.Err()
			}
			// Run returned on its own: the source closed. finish() may have
			// emitted a final utterance or discard first.
			select {
			case u := <-utterances:
				return u, true, nil
			case <-discards:
				return voice.Utterance{}, false, nil
			default:
			}
			if err != nil && !errors.Is(err, context.Canceled) {
				l.machine.Raise(voice.EventError{Err: err, Fatal: true})
				return voice.Utterance{}, false, err
			}
			l.machine.Raise(voice.EventError{Err: errors.New("audio source closed"), Fatal: true})
			return voice.Utterance{}, false, errors.New("client: audio source closed")
		}
	}
}

// sendUtterance streams the captured PCM up in fixed-duration frames and
// closes the utterance with a finish control carrying the turn's ID.
func (l *Loop) sendUtterance(ctx context.Context, conn Conn, u voice.Utterance, turnID string) error {
	rate, channels := u.SampleRate, u.Channels
	if rate == 0 {
		rate = l.cfg.SampleRate
	}
	if channels == 0 {
		channels = l.cfg.Channels
	}
	frameBytes := rate * channels * 2 * int(frameDuration/time.Millisecond) / 1000
	if frameBytes <= 0 {
		frameBytes = len(u.Audio)
	}

	for off := 0; off < len(u.Audio); off += frameBytes {
		end := min(off+frameBytes, len(u.Audio))
		if err := conn.SendFrame(ctx, u.Audio[off:end]); err != nil {
			return err
		}
	}
	return conn.SendControl(ctx, transport.FinishControl{TurnID: turnID})
}

// playTurn reassembles one turn's events into ordered playback. Audio and
// tts_text events may arrive out of sequence order; the buffer releases them
// strictly by index to the playback engine. Events labelled with a different
// turn's ID are leftovers from an abandoned turn and are dropped. Returns
// errServerClosed when the connection drops mid-turn.
func (l *Loop) playTurn(ctx context.Context, conn Conn, turnID string) error {
	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	l.setTurnCancel(cancel)
	defer l.setTurnCancel(nil)

	buf := order.New[playback.Unit](order.WithLogger(l.logger))
	defer buf.Close()

	engine := playback.New(l.player,
		playback.WithLogger(l.logger),
		playback.WithOnAdvance(func(index int, playErr error) {
			if playErr != nil && turnCtx.Err() == nil {
				l.metrics.PlaybackErrors.Add(turnCtx, 1)
			}
		}),
	)
	engineDone := make(chan error, 1)
	go func() { engineDone <- engine.Run(turnCtx, buf.Out()) }()

	firstUnit := false
	offer := func(index int, u playback.Unit) {
		if !firstUnit {
			firstUnit = true
			l.machine.Raise(voice.EventFirstUnitReady{})
		}
		buf.Offer(index, u)
	}

	finishTurn := func(result error) error {
		buf.Close()
		<-engineDone
		return result
	}

	for {
		select {
		case <-turnCtx.Done():
			// User cancel or parent shutdown. The engine stops on the same
			// context; pending results are discarded with the buffer.
			err := finishTurn(ctx.Err())
			return err

		case ev, ok := <-conn.Events():
			if !ok {
				l.machine.Raise(voice.EventError{Err: errServerClosed})
				return finishTurn(errServerClosed)
			}
			if id := transport.EventTurnID(ev); id != "" && id != turnID {
				// Leftover from a turn this client already abandoned.
				l.logger.Debug("dropping stale turn event", "turn_id", id)
				continue
			}
			switch e := ev.(type) {
			case transport.TranscriptionEvent:
				if e.Language != "" && e.Language != l.currentLanguage() {
					l.logger.Info("language renegotiated from transcript",
						"from", l.currentLanguage(), "to", e.Language)
					l.setLanguage(e.Language)
				}
				if l.onTranscription != nil {
					l.onTranscription(e.Text, e.Language)
				}

			case transport.TextEvent:
				if l.onText != nil {
					l.onText(e.Text)
				}

			case transport.AudioEvent:
				offer(e.SequenceIndex, playback.Unit{
					Audio:      e.Audio,
					SampleRate: e.SampleRate,
					Failed:     e.Failed,
				})

			case transport.TTSTextEvent:
				offer(e.SequenceIndex, playback.Unit{
					SpeakableText: e.Text,
					Pitch:         e.Pitch,
					Rate:          e.Rate,
				})

			case transport.DoneEvent:
				buf.Finish(e.TotalSegments)
				err := <-engineDone
				if err != nil && turnCtx.Err() == nil {
					return err
				}
				if turnCtx.Err() == nil {
					l.machine.Raise(voice.EventTurnComplete{})
				}
				return nil

			case transport.ErrorEvent:
				l.logger.Warn("turn failed", "code", e.Code, "message", e.Message)
				l.machine.Raise(voice.EventError{Err: fmt.Errorf("server: %s: %s", e.Code, e.Message)})
				// The session survives a failed turn; drain what was started
				// and wait for the next wake or tap.
				return finishTurn(nil)
			}
		}
	}
}

// ─── small accessors ─────────────────────────────────────────────────────────

func (l *Loop) wakeEnabled() bool {
	return len(l.cfg.WakePhrases) > 0
}

func (l *Loop) currentLanguage() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.language
}

func (l *Loop) setLanguage(lang string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.language = lang
}

func (l *Loop) activeCapture() *voice.Capture {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.capture
}

func (l *Loop) setCapture(c *voice.Capture) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.capture = c
}

func (l *Loop) cancelTurn() {
	l.mu.Lock()
	cancel := l.turnCancel
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (l *Loop) setTurnCancel(fn context.CancelFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.turnCancel = fn
}

func (l *Loop) sleep(ctx context.Context, d time.Duration) error {
	t := l.clk.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
