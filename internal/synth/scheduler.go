// Package synth schedules speech-synthesis requests for emitted text
// segments.
//
// The first segment of a turn bypasses the queue and is dispatched
// immediately, because time-to-first-audio dominates perceived responsiveness.
// Every later segment goes through a FIFO queue served by a single in-flight
// worker that waits a configured minimum delay between requests to respect
// provider rate limits. Each scheduled segment yields exactly one Result,
// delivered to the sink regardless of completion order; a failed or timed-out
// request yields a no-op Result for its index so the delivery buffer never
// stalls on a gap.
package synth

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/mntsk/kaiwa/internal/segment"
	"github.com/mntsk/kaiwa/pkg/provider/tts"
)

const (
	// defaultMinSpacing is the minimum delay between consecutive queued
	// synthesis requests.
	defaultMinSpacing = 150 * time.Millisecond

	// defaultTimeout is the hard per-request timeout after which a segment
	// is treated as failed rather than hanging the buffer indefinitely.
	defaultTimeout = 15 * time.Second

	// queueDepth bounds the number of segments waiting for the worker.
	queueDepth = 256
)

// Result is the outcome of synthesising one scheduled segment.
type Result struct {
	// Index is the sequence index inherited from the segment.
	Index int

	// Audio is raw PCM when a cloud provider synthesised the segment.
	Audio []byte

	// SampleRate is the sample rate of Audio in Hz.
	SampleRate int

	// SpeakableText, Pitch and Rate carry client-side speech directives when
	// the provider delegates synthesis to the playback surface.
	SpeakableText string
	Pitch         float64
	Rate          float64

	// Failed marks a no-op result: synthesis failed or timed out and the
	// index is released so following segments are not blocked.
	Failed bool
}

// Sink receives each segment's Result as soon as it is available. Results may
// arrive out of index order; the ordered delivery buffer downstream restores
// emission order.
type Sink func(Result)

// Scheduler dispatches synthesis requests for one turn.
//
// Schedule must be called in segment emission order (the segmenter guarantees
// this). Scheduler is safe for concurrent use with Close.
type Scheduler struct {
	provider tts.Provider
	voice    tts.VoiceProfile
	language string
	sink     Sink

	clk        clock.Clock
	minSpacing time.Duration
	timeout    time.Duration
	logger     *slog.Logger

	queue chan segment.Segment

	mu      sync.Mutex
	started bool
	closed  bool

	firstDone chan struct{}
	done      chan struct{}
	wg        sync.WaitGroup
}

// Option is a functional option for configuring a Scheduler.
type Option func(*Scheduler)

// WithClock injects the clock used for spacing and timeout timers. Tests pass
// a mock clock to simulate time deterministically. Default is the wall clock.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clk = c }
}

// WithMinSpacing sets the minimum delay between consecutive queued requests.
func WithMinSpacing(d time.Duration) Option {
	return func(s *Scheduler) { s.minSpacing = d }
}

// WithTimeout sets the hard per-request synthesis timeout.
func WithTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.timeout = d }
}

// WithLanguage sets the language hint passed to the synthesis provider.
func WithLanguage(lang string) Option {
	return func(s *Scheduler) { s.language = lang }
}

// WithLogger sets the logger for synthesis failures and timeouts.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// New constructs a Scheduler for one turn and starts its worker goroutine.
// Callers must call Close when the turn ends or is cancelled.
func New(provider tts.Provider, voice tts.VoiceProfile, sink Sink, opts ...Option) *Scheduler {
	s := &Scheduler{
		provider:   provider,
		voice:      voice,
		sink:       sink,
		clk:        clock.New(),
		minSpacing: defaultMinSpacing,
		timeout:    defaultTimeout,
		logger:     slog.Default(),
		queue:      make(chan segment.Segment, queueDepth),
		firstDone:  make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}

	s.wg.Add(1)
	go s.worker()
	return s
}

// Schedule accepts the next emitted segment. The first segment of the turn is
// dispatched immediately on its own goroutine; later segments are queued for
// the worker, which never starts segment k before segment k-1's request has
// completed or failed. Schedule after Close is a no-op.
func (s *Scheduler) Schedule(seg segment.Segment) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if !s.started {
		s.started = true
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer close(s.firstDone)
			s.dispatch(seg)
		}()
		return
	}
	s.mu.Unlock()

	select {
	case s.queue <- seg:
	case <-s.done:
	}
}

// Close cancels the turn: the worker stops, in-flight requests are abandoned
// and no further results are delivered. Close is idempotent.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.done)
}

// Wait blocks until all dispatch goroutines have exited. Intended for the end
// of a turn (after the segmenter flush) or after Close.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// worker serialises all queued segments: it starts only after the first
// segment's request has completed, dispatches one request at a time, and
// pauses for the minimum spacing before the next request when more work is
// already queued.
func (s *Scheduler) worker() {
	defer s.wg.Done()

	select {
	case <-s.firstDone:
	case <-s.done:
		return
	}

	for {
		select {
		case seg := <-s.queue:
			s.dispatch(seg)
			if len(s.queue) > 0 {
				timer := s.clk.Timer(s.minSpacing)
				select {
				case <-timer.C:
				case <-s.done:
					timer.Stop()
					return
				}
			}
		case <-s.done:
			return
		}
	}
}

// dispatch performs one synthesis request and delivers its Result to the
// sink. Provider errors and timeouts are logged and delivered as no-op
// results; a cancelled turn delivers nothing.
func (s *Scheduler) dispatch(seg segment.Segment) {
	type outcome struct {
		res tts.Result
		err error
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := make(chan outcome, 1)
	go func() {
		res, err := s.provider.Synthesize(ctx, tts.Request{
			Text:     seg.Speakable,
			Language: s.language,
			Voice:    s.voice,
		})
		ch <- outcome{res: res, err: err}
	}()

	timer := s.clk.Timer(s.timeout)
	defer timer.Stop()

	select {
	case o := <-ch:
		if o.err != nil {
			s.logger.Warn("synthesis failed, releasing index as no-op", "index", seg.Index, "err", o.err)
			s.sink(Result{Index: seg.Index, Failed: true})
			return
		}
		s.sink(Result{
			Index:         seg.Index,
			Audio:         o.res.Audio,
			SampleRate:    o.res.SampleRate,
			SpeakableText: o.res.SpeakableText,
			Pitch:         o.res.Pitch,
			Rate:          o.res.Rate,
		})
	case <-timer.C:
		s.logger.Warn("synthesis timed out, releasing index as no-op", "index", seg.Index, "timeout", s.timeout)
		s.sink(Result{Index: seg.Index, Failed: true})
	case <-s.done:
	}
}
