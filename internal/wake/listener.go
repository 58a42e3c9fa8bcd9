// Package wake implements the wake-word listener: a persistent recognition
// sub-pipeline that runs while the session is listening, watches partial
// transcripts for a trigger phrase, and hands the live audio stream off to
// the capture path on detection so no microphone re-acquisition latency is
// incurred.
package wake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"

	"github.com/mntsk/kaiwa/internal/observe"
	"github.com/mntsk/kaiwa/pkg/audio"
	"github.com/mntsk/kaiwa/pkg/provider/stt"
)

const (
	// defaultFuzzyThreshold is the minimum Jaro-Winkler similarity for a
	// transcript token to count as a wake phrase. Substring matches always
	// win; the fuzzy path catches recognition slips like "buddie" for
	// "buddy".
	defaultFuzzyThreshold = 0.88

	// defaultKeywordBoost is the recognition bias applied to wake phrases
	// when the provider supports keyword boosting.
	defaultKeywordBoost = 2.0
)

// Detection describes a single wake event.
type Detection struct {
	// Phrase is the configured trigger phrase that matched.
	Phrase string

	// Transcript is the transcript text that fired the match. Kept so the
	// capture path can skip re-transcribing the wake phrase.
	Transcript string
}

// Command returns the text that followed the wake phrase, so "buddy, turn
// on the lights" wakes and carries its request in one breath. Anything
// before the phrase is greeting filler and is discarded. It returns ""
// when nothing followed the phrase, or when the phrase only matched
// fuzzily and cannot be located; the caller then records a fresh
// utterance instead.
func (d Detection) Command() string {
	lower := strings.ToLower(d.Transcript)
	phrase := strings.ToLower(d.Phrase)
	i := strings.Index(lower, phrase)
	if i < 0 || i+len(phrase) > len(d.Transcript) {
		return ""
	}
	return strings.TrimFunc(d.Transcript[i+len(phrase):], func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r)
	})
}

// LanguageMismatchError signals that early transcript content strongly
// indicates a different language than the session is configured for. The
// caller should reconnect the recognition stream with the detected language
// rather than letting the rest of the utterance be mis-recognized.
type LanguageMismatchError struct {
	Configured string
	Detected   string
}

func (e *LanguageMismatchError) Error() string {
	return fmt.Sprintf("wake: detected language %q differs from configured %q", e.Detected, e.Configured)
}

// Listener watches a recognition stream for trigger phrases.
//
// A Listener is reusable: each Run opens one streaming session and returns on
// the first wake detection, a language mismatch, or cancellation.
type Listener struct {
	sttP    stt.Provider
	phrases []string

	language       string
	sampleRate     int
	channels       int
	fuzzyThreshold float64
	onCue          func()
	metrics        *observe.Metrics
	logger         *slog.Logger
}

// Option is a functional option for configuring a Listener.
type Option func(*Listener)

// WithLanguage sets the BCP-47 language the recognition stream is opened
// with.
func WithLanguage(lang string) Option {
	return func(l *Listener) { l.language = lang }
}

// WithAudioFormat sets the PCM format of the frames fed to recognition.
// Default is 16 kHz mono.
func WithAudioFormat(sampleRate, channels int) Option {
	return func(l *Listener) {
		l.sampleRate = sampleRate
		l.channels = channels
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler similarity for fuzzy
// matches. Default is 0.88.
func WithFuzzyThreshold(threshold float64) Option {
	return func(l *Listener) { l.fuzzyThreshold = threshold }
}

// WithCue registers the audible-cue hook played on detection, before the
// stream is handed off.
func WithCue(fn func()) Option {
	return func(l *Listener) { l.onCue = fn }
}

// WithLogger sets the listener's logger.
func WithLogger(lg *slog.Logger) Option {
	return func(l *Listener) { l.logger = lg }
}

// WithMetrics sets the metrics instance. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(l *Listener) { l.metrics = m }
}

// New constructs a Listener for the given trigger phrases. At least one
// phrase is required.
func New(sttP stt.Provider, phrases []string, opts ...Option) (*Listener, error) {
	if len(phrases) == 0 {
		return nil, errors.New("wake: at least one trigger phrase is required")
	}
	l := &Listener{
		sttP:           sttP,
		phrases:        phrases,
		sampleRate:     16000,
		channels:       1,
		fuzzyThreshold: defaultFuzzyThreshold,
		logger:         slog.Default(),
	}
	for _, o := range opts {
		o(l)
	}
	if l.metrics == nil {
		l.metrics = observe.DefaultMetrics()
	}
	return l, nil
}

// Run opens a streaming recognition session, feeds it frames from src, and
// blocks until the wake phrase is heard.
//
// On detection it plays the audible cue, tears down the recognition session,
// and returns; src itself stays open and untouched, so the caller hands the
// same stream straight to the capture path. Exactly one Detection is returned
// per Run regardless of how many transcripts repeat the phrase.
//
// A *LanguageMismatchError return means the caller should re-run with the
// detected language. Any other error is a listener teardown (dropped
// recognition connection, cancelled context).
func (l *Listener) Run(ctx context.Context, src audio.Source) (Detection, error) {
	keywords := make([]stt.KeywordBoost, len(l.phrases))
	for i, p := range l.phrases {
		keywords[i] = stt.KeywordBoost{Keyword: p, Boost: defaultKeywordBoost}
	}

	sess, err := l.sttP.StartStream(ctx, stt.StreamConfig{
		SampleRate: l.sampleRate,
		Channels:   l.channels,
		Language:   l.language,
		Keywords:   keywords,
	})
	if err != nil {
		return Detection{}, fmt.Errorf("wake: start recognition stream: %w", err)
	}
	defer sess.Close()

	feedCtx, stopFeed := context.WithCancel(ctx)
	defer stopFeed()
	go l.feed(feedCtx, src, sess)

	for {
		select {
		case <-ctx.Done():
			return Detection{}, ctx.Err()

		case tr, ok := <-sess.Partials():
			if !ok {
				return Detection{}, errors.New("wake: recognition stream closed")
			}
			if det, ok := l.inspect(ctx, tr); ok {
				return det, nil
			}

		case tr, ok := <-sess.Finals():
			if !ok {
				return Detection{}, errors.New("wake: recognition stream closed")
			}
			if mismatch := l.languageMismatch(tr); mismatch != nil {
				return Detection{}, mismatch
			}
			if det, ok := l.inspect(ctx, tr); ok {
				return det, nil
			}
		}
	}
}

// feed pumps audio frames into the recognition session until ctx is
// cancelled or the source closes. Send errors end the pump; the read side
// notices via the closed transcript channels.
func (l *Listener) feed(ctx context.Context, src audio.Source, sess stt.SessionHandle) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-src.Frames():
			if !ok {
				return
			}
			if err := sess.SendAudio(f.Data); err != nil {
				if ctx.Err() == nil {
					l.logger.Warn("wake: audio send failed", "err", err)
				}
				return
			}
		}
	}
}

// inspect tests one transcript against the trigger phrases and fires the cue
// on the first match.
func (l *Listener) inspect(ctx context.Context, tr stt.Transcript) (Detection, bool) {
	phrase, ok := l.match(tr.Text)
	if !ok {
		return Detection{}, false
	}
	l.logger.Info("wake phrase detected", "phrase", phrase, "transcript", tr.Text)
	l.metrics.WakeDetections.Add(ctx, 1, observe.Attr("phrase", phrase))
	if l.onCue != nil {
		l.onCue()
	}
	return Detection{Phrase: phrase, Transcript: tr.Text}, true
}

// match reports the first trigger phrase found in text: case-insensitive
// substring first, then Jaro-Winkler similarity per token for near-misses.
func (l *Listener) match(text string) (string, bool) {
	lower := strings.ToLower(text)
	for _, phrase := range l.phrases {
		p := strings.ToLower(phrase)
		if strings.Contains(lower, p) {
			return phrase, true
		}
		// Jaro-Winkler rewards shared prefixes, so a short fragment like
		// "bud" can outscore a genuine slip. Require near-full length
		// before consulting similarity.
		minLen := len([]rune(p)) - 1
		for _, token := range strings.Fields(lower) {
			if len([]rune(token)) < minLen {
				continue
			}
			if matchr.JaroWinkler(token, p, false) >= l.fuzzyThreshold {
				return phrase, true
			}
		}
	}
	return "", false
}

// languageMismatch checks a final transcript's detected language against the
// configured one. Partial transcripts are too unstable to trust for this.
func (l *Listener) languageMismatch(tr stt.Transcript) error {
	if tr.Language == "" || l.language == "" {
		return nil
	}
	if primarySubtag(tr.Language) == primarySubtag(l.language) {
		return nil
	}
	return &LanguageMismatchError{Configured: l.language, Detected: tr.Language}
}

// primarySubtag reduces a BCP-47 tag to its primary language subtag.
func primarySubtag(tag string) string {
	if i := strings.IndexAny(tag, "-_"); i > 0 {
		return strings.ToLower(tag[:i])
	}
	return strings.ToLower(tag)
}
