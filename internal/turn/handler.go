package turn

import (
	"bytes"
	"context"
	"log/slog"

	"github.com/mntsk/kaiwa/internal/observe"
	"github.com/mntsk/kaiwa/internal/transport"
	"github.com/mntsk/kaiwa/pkg/provider/stt"
)

// SessionConfig carries the initial negotiation state of a connected client.
type SessionConfig struct {
	// Language is the starting BCP-47 tag for recognition and synthesis.
	Language string

	// SampleRate and Channels describe the PCM frames the client streams.
	// Defaults: 16000 Hz mono.
	SampleRate int
	Channels   int
}

// Handler returns a [transport.Handler] that drives the pipeline from a
// websocket session. The client streams utterance PCM as binary frames and
// closes each utterance with a finish control; the handler then runs one turn
// and pushes its events back over the same connection. A wake control starts
// a turn straight from the client's wake-word transcript instead, skipping
// recognition.
//
// The session language is renegotiated two ways: explicitly through
// set_language and reconnect_with_language controls, and implicitly when a
// final transcript comes back in a different language than configured, so a
// speaker who switches mid-conversation is answered in kind.
func Handler(p *Pipeline, cfg SessionConfig, logger *slog.Logger) transport.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels == 0 {
		cfg.Channels = 1
	}

	return func(ctx context.Context, sess *transport.Session) error {
		p.metrics.ActiveSessions.Add(ctx, 1)
		defer p.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)

		log := logger.With("session_id", sess.ID())
		log.Info("session started", "language", cfg.Language)

		language := cfg.Language
		var utterance bytes.Buffer

		sink := func(ctx context.Context, ev transport.Event) error {
			return sess.Send(ctx, ev)
		}

		for {
			select {
			case <-ctx.Done():
				return ctx.Err()

			case frame, ok := <-sess.Frames():
				if !ok {
					log.Info("session closed")
					return nil
				}
				utterance.Write(frame)

			case ctl, ok := <-sess.Controls():
				if !ok {
					log.Info("session closed")
					return nil
				}
				switch c := ctl.(type) {
				case transport.FinishControl:
					if utterance.Len() == 0 {
						log.Debug("finish with empty utterance, ignoring")
						continue
					}
					pcm := append([]byte(nil), utterance.Bytes()...)
					utterance.Reset()

					outcome, err := p.Run(ctx, pcm, Config{
						TurnID:     c.TurnID,
						Language:   language,
						SampleRate: cfg.SampleRate,
						Channels:   cfg.Channels,
					}, nil, sink)
					if err != nil {
						if ctx.Err() != nil {
							return ctx.Err()
						}
						// The error event already went to the client; the
						// session survives a failed turn.
						log.Warn("turn failed", "err", err)
						continue
					}
					if detected := outcome.Transcript.Language; detected != "" && detected != language {
						log.Info("language renegotiated from transcript",
							"from", language, "to", detected)
						language = detected
					}

				case transport.WakeControl:
					// The client already has the command text from its
					// wake-word recognition leg, so the buffered PCM (if any)
					// is stale and recognition is skipped.
					utterance.Reset()
					turnLang := language
					if c.Language != "" {
						turnLang = c.Language
					}
					outcome, err := p.WakeTurn(ctx, stt.Transcript{
						Text:     c.Text,
						Language: c.Language,
						IsFinal:  true,
					}, Config{
						TurnID:     c.TurnID,
						Language:   turnLang,
						SampleRate: cfg.SampleRate,
						Channels:   cfg.Channels,
					}, sink)
					if err != nil {
						if ctx.Err() != nil {
							return ctx.Err()
						}
						log.Warn("wake turn failed", "err", err)
						continue
					}
					if detected := outcome.Transcript.Language; detected != "" && detected != language {
						log.Info("language renegotiated from transcript",
							"from", language, "to", detected)
						language = detected
					}

				case transport.SetLanguageControl:
					log.Info("language set by client", "from", language, "to", c.Language)
					language = c.Language

				case transport.ReconnectWithLanguageControl:
					// A reconnect discards any partially streamed utterance
					// along with the language switch.
					log.Info("reconnect with language", "from", language, "to", c.Language)
					language = c.Language
					utterance.Reset()
				}
			}
		}
	}
}

// WakeTurn runs one turn after a wake-word detection. The wake transcript is
// authoritative (it came from a streaming final), so recognition is skipped
// and generation starts immediately from the given text.
func (p *Pipeline) WakeTurn(ctx context.Context, transcript stt.Transcript, cfg Config, sink EventSink) (*Outcome, error) {
	ctx, span := observe.StartSpan(ctx, "turn.wake")
	defer span.End()
	return p.Run(ctx, nil, cfg, &transcript, sink)
}
