package audio

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// defaultFrameDuration is the frame size ReaderSource emits when none is
// configured.
const defaultFrameDuration = 100 * time.Millisecond

// ReaderSource adapts an io.Reader of raw little-endian int16 PCM into a
// Source. It is the device abstraction for headless clients: a recording
// pipe, a file, or stdin fed by an external capture tool.
//
// Frames are read at the source's own pace; no realtime pacing is applied.
// The frame channel is closed on EOF, read error, or Close.
type ReaderSource struct {
	frames chan Frame

	closeOnce sync.Once
	done      chan struct{}

	mu  sync.Mutex
	err error
}

// ReaderSourceOption is a functional option for configuring a ReaderSource.
type ReaderSourceOption func(*readerSourceConfig)

type readerSourceConfig struct {
	frameDuration time.Duration
}

// WithFrameDuration sets the duration of each emitted frame.
func WithFrameDuration(d time.Duration) ReaderSourceOption {
	return func(c *readerSourceConfig) { c.frameDuration = d }
}

// NewReaderSource starts reading PCM from r in fixed-size frames of the given
// format. A short final read is emitted as a partial frame.
func NewReaderSource(r io.Reader, sampleRate, channels int, opts ...ReaderSourceOption) (*ReaderSource, error) {
	if sampleRate <= 0 || channels <= 0 {
		return nil, fmt.Errorf("audio: invalid reader source format %dHz/%dch", sampleRate, channels)
	}
	cfg := readerSourceConfig{frameDuration: defaultFrameDuration}
	for _, o := range opts {
		o(&cfg)
	}
	frameBytes := sampleRate * channels * 2 * int(cfg.frameDuration/time.Millisecond) / 1000
	if frameBytes <= 0 {
		return nil, fmt.Errorf("audio: frame duration %v too short for %dHz", cfg.frameDuration, sampleRate)
	}

	s := &ReaderSource{
		frames: make(chan Frame, 16),
		done:   make(chan struct{}),
	}

	go func() {
		defer close(s.frames)
		var elapsed time.Duration
		for {
			buf := make([]byte, frameBytes)
			n, err := io.ReadFull(r, buf)
			if n > 0 {
				f := Frame{
					Data:       buf[:n],
					SampleRate: sampleRate,
					Channels:   channels,
					Timestamp:  elapsed,
				}
				elapsed += f.Duration()
				select {
				case s.frames <- f:
				case <-s.done:
					return
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
					s.setErr(err)
				}
				return
			}
			select {
			case <-s.done:
				return
			default:
			}
		}
	}()

	return s, nil
}

// Frames returns the channel of read frames.
func (s *ReaderSource) Frames() <-chan Frame {
	return s.frames
}

// Close stops the read loop. The underlying reader is not closed; the caller
// owns it.
func (s *ReaderSource) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// Err reports the read error that terminated the stream, if any. EOF is not
// an error.
func (s *ReaderSource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *ReaderSource) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

var _ Source = (*ReaderSource)(nil)
