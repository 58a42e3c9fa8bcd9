package voice

import (
	"context"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/mntsk/kaiwa/pkg/audio"
)

// CaptureConfig tunes silence detection. The thresholds are environment
// dependent (microphone gain, room noise) and should come from configuration
// rather than being treated as fixed behavior.
type CaptureConfig struct {
	// OnsetThreshold is the normalized RMS level [0,1] above which a frame
	// counts as speech onset, opening an utterance.
	OnsetThreshold float64

	// SilenceThreshold is the level below which an open utterance's frame
	// counts as silence. Kept below OnsetThreshold for hysteresis so the
	// detector does not flap on levels near the boundary.
	SilenceThreshold float64

	// SilenceTimeout is the sustained-silence window that closes an open
	// utterance.
	SilenceTimeout time.Duration

	// MinVoiceDuration is the accumulated voiced time an utterance needs to
	// be handed off rather than discarded.
	MinVoiceDuration time.Duration

	// MaxUtterance force-closes an utterance that never goes silent.
	MaxUtterance time.Duration
}

// DefaultCaptureConfig returns the baseline tuning.
func DefaultCaptureConfig() CaptureConfig {
	return CaptureConfig{
		OnsetThreshold:   0.02,
		SilenceThreshold: 0.012,
		SilenceTimeout:   800 * time.Millisecond,
		MinVoiceDuration: 300 * time.Millisecond,
		MaxUtterance:     30 * time.Second,
	}
}

// Utterance is one continuous span of captured speech, bounded by detected
// onset and a sustained-silence timeout (or a forced stop).
type Utterance struct {
	// Audio is the raw PCM of the whole utterance, including trailing
	// silence up to the timeout.
	Audio []byte

	// SampleRate and Channels describe Audio's format.
	SampleRate int
	Channels   int

	// Start is when speech onset was detected.
	Start time.Time

	// Voiced is the accumulated duration of frames above the silence
	// threshold.
	Voiced time.Duration
}

// Capture owns the microphone stream while in the recording state and
// demarcates one utterance per continuous-speech period.
//
// Capture holds exclusive ownership of the audio.Source passed to Run for
// Run's whole lifetime; the wake-word listener hands the source over rather
// than the microphone being reopened.
type Capture struct {
	cfg    CaptureConfig
	clk    clock.Clock
	logger *slog.Logger

	onUtterance func(Utterance)
	onDiscard   func()

	force chan struct{}

	// per-utterance state, touched only by the Run goroutine
	active    bool
	buf       []byte
	start     time.Time
	voiced    time.Duration
	lastVoice time.Time
	rate      int
	channels  int
}

// CaptureOption is a functional option for configuring a Capture.
type CaptureOption func(*Capture)

// WithCaptureClock injects the clock used for silence and duration
// measurement. Tests pass a mock clock.
func WithCaptureClock(c clock.Clock) CaptureOption {
	return func(cp *Capture) { cp.clk = c }
}

// WithCaptureLogger sets the capture logger.
func WithCaptureLogger(l *slog.Logger) CaptureOption {
	return func(cp *Capture) { cp.logger = l }
}

// NewCapture constructs a Capture. onUtterance receives each completed
// utterance; onDiscard fires when a capture attempt fails the minimum
// thresholds. Both run on the Run goroutine.
func NewCapture(cfg CaptureConfig, onUtterance func(Utterance), onDiscard func(), opts ...CaptureOption) *Capture {
	c := &Capture{
		cfg:         cfg,
		clk:         clock.New(),
		logger:      slog.Default(),
		onUtterance: onUtterance,
		onDiscard:   onDiscard,
		force:       make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ForceStop closes the current utterance immediately (the user's
// stop-and-send tap), bypassing the silence timeout. If nothing voiced was
// captured the attempt is discarded instead.
func (c *Capture) ForceStop() {
	select {
	case c.force <- struct{}{}:
	default:
	}
}

// Run consumes frames from src until ctx is cancelled or the source closes.
// It does not close src; ownership of the device stays with the caller so
// always-listen mode can re-arm the wake-word listener on the same stream.
func (c *Capture) Run(ctx context.Context, src audio.Source) error {
	frames := src.Frames()
	for {
		select {
		case <-ctx.Done():
			c.reset()
			return ctx.Err()
		case <-c.force:
			c.finish()
		case f, ok := <-frames:
			if !ok {
				c.finish()
				return nil
			}
			c.process(f)
		}
	}
}

// process applies one frame to the detector.
func (c *Capture) process(f audio.Frame) {
	level := audio.RMS(f.Data)
	now := c.clk.Now()

	if !c.active {
		if level < c.cfg.OnsetThreshold {
			return
		}
		c.active = true
		c.start = now
		c.lastVoice = now
		c.buf = append(c.buf[:0], f.Data...)
		c.voiced = f.Duration()
		c.rate = f.SampleRate
		c.channels = f.Channels
		return
	}

	c.buf = append(c.buf, f.Data...)

	if level >= c.cfg.SilenceThreshold {
		c.voiced += f.Duration()
		c.lastVoice = now
	} else if now.Sub(c.lastVoice) >= c.cfg.SilenceTimeout {
		c.finish()
		return
	}

	if c.cfg.MaxUtterance > 0 && now.Sub(c.start) >= c.cfg.MaxUtterance {
		c.finish()
	}
}

// finish closes the open utterance, handing it off when it meets the minimum
// voiced duration and discarding it otherwise. A no-op when idle.
func (c *Capture) finish() {
	if !c.active {
		return
	}
	if c.voiced < c.cfg.MinVoiceDuration {
		c.logger.Debug("utterance discarded below minimum voice duration", "voiced", c.voiced)
		c.reset()
		if c.onDiscard != nil {
			c.onDiscard()
		}
		return
	}

	u := Utterance{
		Audio:      c.buf,
		SampleRate: c.rate,
		Channels:   c.channels,
		Start:      c.start,
		Voiced:     c.voiced,
	}
	c.buf = nil
	c.reset()
	if c.onUtterance != nil {
		c.onUtterance(u)
	}
}

// reset drops per-utterance state without emitting anything.
func (c *Capture) reset() {
	c.active = false
	c.buf = c.buf[:0]
	c.voiced = 0
}
