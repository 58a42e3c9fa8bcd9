// Package audio defines the frame types and input-stream abstractions shared
// by the kaiwa voice pipeline.
//
// The atomic unit of transport is the [Frame]: a fixed-duration slice of
// little-endian int16 PCM captured from a microphone or received over the
// wire. The [Source] interface represents an open audio input device; it is
// exclusively owned by exactly one component at a time (the wake-word
// listener while idle-listening, the capture pipeline while recording) and
// is handed off by value rather than reopened, so no reacquisition latency
// or double-open race can occur.
package audio

import "time"

// Frame represents a single frame of audio data flowing through the pipeline.
// Frames are the atomic unit of audio transport — captured from input
// sources, measured for loudness, streamed to recognition providers, and
// carried over the client→server control channel.
type Frame struct {
	// PCM audio data, little-endian int16.
	Data []byte

	// SampleRate in Hz (e.g., 48000 for device capture, 16000 for STT).
	SampleRate int

	// Channels: 1 for mono (STT input), 2 for stereo device capture.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the playback duration of the frame, derived from its PCM
// length and format. Returns zero for malformed frames.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := len(f.Data) / 2 / f.Channels
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// Source is an open audio input stream delivering PCM frames.
//
// Exactly one component owns a Source at any time. Ownership transfer is
// explicit: the current owner stops reading and passes the Source value to
// the next owner. Close releases the underlying device and closes the
// Frames channel; only the final owner calls it.
type Source interface {
	// Frames returns the channel of captured frames. The channel is closed
	// when the device is closed or fails. All frames share one format.
	Frames() <-chan Frame

	// Close releases the underlying input device. Safe to call more than
	// once; subsequent calls return nil.
	Close() error
}
