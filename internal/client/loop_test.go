package client

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mntsk/kaiwa/internal/playback"
	"github.com/mntsk/kaiwa/internal/transport"
	"github.com/mntsk/kaiwa/internal/voice"
	"github.com/mntsk/kaiwa/pkg/audio"
	"github.com/mntsk/kaiwa/pkg/provider/stt"
	sttmock "github.com/mntsk/kaiwa/pkg/provider/stt/mock"
)

// ─── test doubles ────────────────────────────────────────────────────────────

// fakeSource is an in-memory audio.Source fed by the test. Pushes are dropped
// when the buffer is full so a stalled consumer cannot deadlock a test.
type fakeSource struct {
	mu     sync.Mutex
	frames chan audio.Frame
	closed bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{frames: make(chan audio.Frame, 64)}
}

func (s *fakeSource) Frames() <-chan audio.Frame { return s.frames }

func (s *fakeSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.frames)
	}
	return nil
}

func (s *fakeSource) push(f audio.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.frames <- f:
	default:
	}
}

// fakePlayer records every played unit.
type fakePlayer struct {
	mu     sync.Mutex
	played []playback.Unit
}

func (p *fakePlayer) Play(_ context.Context, u playback.Unit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.played = append(p.played, u)
	return nil
}

func (p *fakePlayer) units() []playback.Unit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]playback.Unit(nil), p.played...)
}

// blockingPlayer blocks every Play until its context is cancelled.
type blockingPlayer struct {
	started chan struct{}
}

func (p *blockingPlayer) Play(ctx context.Context, _ playback.Unit) error {
	select {
	case p.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return ctx.Err()
}

// fakeConn is an in-memory server connection.
type fakeConn struct {
	mu       sync.Mutex
	frames   [][]byte
	controls []transport.Control
	events   chan transport.Event
}

func newFakeConn() *fakeConn {
	return &fakeConn{events: make(chan transport.Event, 64)}
}

func (c *fakeConn) SendFrame(_ context.Context, pcm []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, append([]byte(nil), pcm...))
	return nil
}

func (c *fakeConn) SendControl(_ context.Context, ctrl transport.Control) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.controls = append(c.controls, ctrl)
	return nil
}

func (c *fakeConn) Events() <-chan transport.Event { return c.events }
func (c *fakeConn) Close() error                   { return nil }

func (c *fakeConn) sentControls() []transport.Control {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]transport.Control(nil), c.controls...)
}

func (c *fakeConn) frameCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func (c *fakeConn) countFinish() int {
	n := 0
	for _, ctrl := range c.sentControls() {
		if _, ok := ctrl.(transport.FinishControl); ok {
			n++
		}
	}
	return n
}

// lastTurnID is the turn label of the most recent finish or wake control.
func (c *fakeConn) lastTurnID() string {
	id := ""
	for _, ctrl := range c.sentControls() {
		switch f := ctrl.(type) {
		case transport.FinishControl:
			id = f.TurnID
		case transport.WakeControl:
			id = f.TurnID
		}
	}
	return id
}

// ─── helpers ─────────────────────────────────────────────────────────────────

// loudFrame is 100ms of alternating ±16384 samples, well above any onset
// threshold.
func loudFrame() audio.Frame {
	data := make([]byte, 3200)
	for i := 0; i < len(data); i += 4 {
		binary.LittleEndian.PutUint16(data[i:], 16384)
		binary.LittleEndian.PutUint16(data[i+2:], 0xC000)
	}
	return audio.Frame{Data: data, SampleRate: 16000, Channels: 1}
}

// quietFrame is 100ms of silence.
func quietFrame() audio.Frame {
	return audio.Frame{Data: make([]byte, 3200), SampleRate: 16000, Channels: 1}
}

// testCaptureConfig closes utterances fast so tests stay quick.
func testCaptureConfig() voice.CaptureConfig {
	return voice.CaptureConfig{
		OnsetThreshold:   0.02,
		SilenceThreshold: 0.012,
		SilenceTimeout:   time.Millisecond,
		MinVoiceDuration: 10 * time.Millisecond,
		MaxUtterance:     10 * time.Second,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(2 * time.Millisecond):
		}
	}
}

// speakUntil keeps feeding a voiced burst followed by silence into src until
// cond observes the effect, so the capture component is guaranteed to see a
// real silence gap regardless of goroutine scheduling.
func speakUntil(t *testing.T, src *fakeSource, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		src.push(loudFrame())
		time.Sleep(2 * time.Millisecond)
		src.push(quietFrame())
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out speaking until %s", what)
		case <-time.After(2 * time.Millisecond):
		}
	}
}

// ─── tests ───────────────────────────────────────────────────────────────────

func TestLoopTapRecordAndOrderedPlayback(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	player := &fakePlayer{}
	conn := newFakeConn()

	loop, err := New(Config{
		ServerURL: "ws://test/ws",
		Language:  "ja-JP",
		Capture:   testCaptureConfig(),
	}, nil, src, player,
		WithDialer(func(ctx context.Context, url string) (Conn, error) { return conn, nil }),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- loop.Run(ctx) }()

	loop.Tap()
	speakUntil(t, src, "utterance sent", func() bool { return conn.countFinish() == 1 })
	if conn.frameCount() == 0 {
		t.Fatal("no audio frames reached the server")
	}

	// Deliver the reply out of order; playback must still run 0 then 1.
	conn.events <- transport.TranscriptionEvent{Text: "こんにちは", Language: "ja-JP"}
	conn.events <- transport.TextEvent{Text: "やあ。"}
	conn.events <- transport.AudioEvent{SequenceIndex: 1, Audio: []byte{2}, SampleRate: 22050}
	conn.events <- transport.AudioEvent{SequenceIndex: 0, Audio: []byte{1}, SampleRate: 22050}
	conn.events <- transport.DoneEvent{TotalSegments: 2}

	waitFor(t, "both units played", func() bool { return len(player.units()) == 2 })
	units := player.units()
	if units[0].Audio[0] != 1 || units[1].Audio[0] != 2 {
		t.Fatalf("units played out of order: %v then %v", units[0].Audio, units[1].Audio)
	}

	waitFor(t, "machine back at rest", func() bool { return loop.Machine().State() == voice.StateIdle })

	cancel()
	if err := <-runDone; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v, want context.Canceled", err)
	}
}

func TestLoopSpeechDirectivesPlayed(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	player := &fakePlayer{}
	conn := newFakeConn()

	loop, err := New(Config{
		ServerURL: "ws://test/ws",
		Capture:   testCaptureConfig(),
	}, nil, src, player,
		WithDialer(func(ctx context.Context, url string) (Conn, error) { return conn, nil }),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	loop.Tap()
	speakUntil(t, src, "utterance sent", func() bool { return conn.countFinish() == 1 })

	conn.events <- transport.TTSTextEvent{SequenceIndex: 0, Text: "Hello there.", Pitch: 1.1, Rate: 0.9}
	conn.events <- transport.DoneEvent{TotalSegments: 1}

	waitFor(t, "directive played", func() bool { return len(player.units()) == 1 })
	u := player.units()[0]
	if u.SpeakableText != "Hello there." || u.Pitch != 1.1 || u.Rate != 0.9 {
		t.Fatalf("unexpected directive unit: %+v", u)
	}
}

func TestLoopWakeDetectionStartsRecording(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	player := &fakePlayer{}
	conn := newFakeConn()
	sess := &sttmock.Session{
		PartialsCh: make(chan stt.Transcript, 4),
		FinalsCh:   make(chan stt.Transcript, 4),
	}

	cueFired := make(chan struct{}, 1)
	loop, err := New(Config{
		ServerURL:   "ws://test/ws",
		Language:    "en-US",
		WakePhrases: []string{"buddy"},
		Capture:     testCaptureConfig(),
	}, &sttmock.Provider{Session: sess}, src, player,
		WithDialer(func(ctx context.Context, url string) (Conn, error) { return conn, nil }),
		WithCue(func() {
			select {
			case cueFired <- struct{}{}:
			default:
			}
		}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	// The partial sits in the buffered channel until the listener picks it up.
	sess.PartialsCh <- stt.Transcript{Text: "hey buddy"}

	waitFor(t, "recording state", func() bool { return loop.Machine().State() == voice.StateRecording })
	waitFor(t, "wake cue", func() bool {
		select {
		case <-cueFired:
			return true
		default:
			return false
		}
	})

	speakUntil(t, src, "utterance sent", func() bool { return conn.countFinish() == 1 })
}

func TestLoopWakeLanguageMismatchRenegotiates(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	player := &fakePlayer{}
	conn := newFakeConn()
	sess := &sttmock.Session{
		PartialsCh: make(chan stt.Transcript, 4),
		FinalsCh:   make(chan stt.Transcript, 4),
	}
	sttP := &sttmock.Provider{Session: sess}

	loop, err := New(Config{
		ServerURL:   "ws://test/ws",
		Language:    "ja-JP",
		WakePhrases: []string{"buddy"},
		Capture:     testCaptureConfig(),
	}, sttP, src, player,
		WithDialer(func(ctx context.Context, url string) (Conn, error) { return conn, nil }),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	// A final transcript in another language aborts the listener with a
	// mismatch; the loop must renegotiate rather than give up.
	sess.FinalsCh <- stt.Transcript{Text: "well hello", IsFinal: true, Language: "en-US"}

	waitFor(t, "reconnect control", func() bool {
		for _, ctrl := range conn.sentControls() {
			if r, ok := ctrl.(transport.ReconnectWithLanguageControl); ok && r.Language == "en-US" {
				return true
			}
		}
		return false
	})

	// The re-armed listener must carry the detected language. Detection ends
	// the second stream, so the call log is stable once recording starts.
	sess.PartialsCh <- stt.Transcript{Text: "ok buddy"}
	waitFor(t, "recording state", func() bool { return loop.Machine().State() == voice.StateRecording })

	if got := len(sttP.StartStreamCalls); got != 2 {
		t.Fatalf("StartStream called %d times, want 2", got)
	}
	if got := sttP.StartStreamCalls[1].Cfg.Language; got != "en-US" {
		t.Fatalf("re-armed listener language = %q, want en-US", got)
	}
}

func TestLoopErrorEventKeepsSessionAlive(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	player := &fakePlayer{}
	conn := newFakeConn()

	loop, err := New(Config{
		ServerURL: "ws://test/ws",
		Capture:   testCaptureConfig(),
	}, nil, src, player,
		WithDialer(func(ctx context.Context, url string) (Conn, error) { return conn, nil }),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- loop.Run(ctx) }()

	loop.Tap()
	speakUntil(t, src, "first utterance sent", func() bool { return conn.countFinish() == 1 })

	conn.events <- transport.ErrorEvent{Code: "transcription_failed", Message: "unavailable"}

	// The session must survive and accept a second turn.
	waitFor(t, "back at rest", func() bool { return loop.Machine().State() == voice.StateIdle })
	loop.Tap()
	speakUntil(t, src, "second utterance sent", func() bool { return conn.countFinish() == 2 })

	select {
	case err := <-runDone:
		t.Fatalf("Run exited early: %v", err)
	default:
	}
}

func TestLoopServerDropEndsRunWithoutAlwaysListen(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	player := &fakePlayer{}
	conn := newFakeConn()

	loop, err := New(Config{
		ServerURL: "ws://test/ws",
		Capture:   testCaptureConfig(),
	}, nil, src, player,
		WithDialer(func(ctx context.Context, url string) (Conn, error) { return conn, nil }),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- loop.Run(ctx) }()

	loop.Tap()
	speakUntil(t, src, "utterance sent", func() bool { return conn.countFinish() == 1 })

	close(conn.events)

	select {
	case err := <-runDone:
		if !errors.Is(err, errServerClosed) {
			t.Fatalf("Run returned %v, want errServerClosed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after connection drop")
	}
}

func TestLoopAlwaysListenReconnects(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	player := &fakePlayer{}
	conn1 := newFakeConn()
	conn2 := newFakeConn()

	var mu sync.Mutex
	dials := 0
	dialer := func(ctx context.Context, url string) (Conn, error) {
		mu.Lock()
		defer mu.Unlock()
		dials++
		if dials == 1 {
			return conn1, nil
		}
		return conn2, nil
	}

	loop, err := New(Config{
		ServerURL:    "ws://test/ws",
		AlwaysListen: true,
		Capture:      testCaptureConfig(),
		RetryBackoff: time.Millisecond,
	}, nil, src, player, WithDialer(dialer))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	loop.Tap()
	speakUntil(t, src, "utterance sent", func() bool { return conn1.countFinish() == 1 })

	close(conn1.events)

	waitFor(t, "second dial", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return dials >= 2
	})
}

func TestLoopCancelledTurnResultsDontLeakIntoNextTurn(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	player := &fakePlayer{}
	conn := newFakeConn()

	loop, err := New(Config{
		ServerURL: "ws://test/ws",
		Capture:   testCaptureConfig(),
	}, nil, src, player,
		WithDialer(func(ctx context.Context, url string) (Conn, error) { return conn, nil }),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- loop.Run(ctx) }()

	// First turn: one unit plays, then the user cancels mid-reply.
	loop.Tap()
	speakUntil(t, src, "first utterance sent", func() bool { return conn.countFinish() == 1 })
	turn1 := conn.lastTurnID()
	if turn1 == "" {
		t.Fatal("finish control carried no turn ID")
	}

	conn.events <- transport.AudioEvent{TurnID: turn1, SequenceIndex: 0, Audio: []byte{1}, SampleRate: 22050}
	waitFor(t, "first unit played", func() bool { return len(player.units()) == 1 })
	loop.Cancel()
	waitFor(t, "back at rest", func() bool { return loop.Machine().State() == voice.StateIdle })

	// The server keeps flushing the cancelled turn: a late segment and its
	// done marker land in the connection buffer before the next turn.
	conn.events <- transport.AudioEvent{TurnID: turn1, SequenceIndex: 1, Audio: []byte{2}, SampleRate: 22050}
	conn.events <- transport.DoneEvent{TurnID: turn1, TotalSegments: 2}

	// Second turn: the leftovers must be dropped, not reassembled or
	// treated as this turn's completion.
	loop.Tap()
	speakUntil(t, src, "second utterance sent", func() bool { return conn.countFinish() == 2 })
	turn2 := conn.lastTurnID()
	if turn2 == "" || turn2 == turn1 {
		t.Fatalf("second turn ID %q not distinct from first %q", turn2, turn1)
	}

	conn.events <- transport.AudioEvent{TurnID: turn2, SequenceIndex: 0, Audio: []byte{9}, SampleRate: 22050}
	conn.events <- transport.DoneEvent{TurnID: turn2, TotalSegments: 1}

	waitFor(t, "second turn played", func() bool { return len(player.units()) == 2 })
	units := player.units()
	if units[1].Audio[0] != 9 {
		t.Fatalf("second turn played stale audio %v", units[1].Audio)
	}
	waitFor(t, "machine back at rest", func() bool { return loop.Machine().State() == voice.StateIdle })

	select {
	case err := <-runDone:
		t.Fatalf("Run exited: %v", err)
	default:
	}
}

func TestLoopWakeCommandSkipsRecording(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	player := &fakePlayer{}
	conn := newFakeConn()
	sess := &sttmock.Session{
		PartialsCh: make(chan stt.Transcript, 4),
		FinalsCh:   make(chan stt.Transcript, 4),
	}

	loop, err := New(Config{
		ServerURL:   "ws://test/ws",
		Language:    "en-US",
		WakePhrases: []string{"buddy"},
		Capture:     testCaptureConfig(),
	}, &sttmock.Provider{Session: sess}, src, player,
		WithDialer(func(ctx context.Context, url string) (Conn, error) { return conn, nil }),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	// The wake transcript already carries the command, so no recording
	// phase: the loop sends a wake control instead of streaming frames.
	sess.PartialsCh <- stt.Transcript{Text: "buddy, turn on the lights"}

	var wakeCtrl transport.WakeControl
	waitFor(t, "wake control sent", func() bool {
		for _, ctrl := range conn.sentControls() {
			if w, ok := ctrl.(transport.WakeControl); ok {
				wakeCtrl = w
				return true
			}
		}
		return false
	})
	if wakeCtrl.Text != "turn on the lights" {
		t.Fatalf("wake control text = %q, want the command after the phrase", wakeCtrl.Text)
	}
	if wakeCtrl.TurnID == "" {
		t.Fatal("wake control carried no turn ID")
	}
	if got := conn.frameCount(); got != 0 {
		t.Fatalf("%d frames streamed, want none for a wake-command turn", got)
	}

	conn.events <- transport.AudioEvent{TurnID: wakeCtrl.TurnID, SequenceIndex: 0, Audio: []byte{7}, SampleRate: 22050}
	conn.events <- transport.DoneEvent{TurnID: wakeCtrl.TurnID, TotalSegments: 1}

	waitFor(t, "reply played", func() bool { return len(player.units()) == 1 })
	if got := player.units()[0].Audio[0]; got != 7 {
		t.Fatalf("played %d, want 7", got)
	}
}

func TestLoopCancelDuringSpeakingReturnsToRest(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	player := &blockingPlayer{started: make(chan struct{}, 1)}
	conn := newFakeConn()

	loop, err := New(Config{
		ServerURL: "ws://test/ws",
		Capture:   testCaptureConfig(),
	}, nil, src, player,
		WithDialer(func(ctx context.Context, url string) (Conn, error) { return conn, nil }),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- loop.Run(ctx) }()

	loop.Tap()
	speakUntil(t, src, "utterance sent", func() bool { return conn.countFinish() == 1 })

	conn.events <- transport.AudioEvent{SequenceIndex: 0, Audio: []byte{1}, SampleRate: 22050}

	<-player.started
	loop.Cancel()

	waitFor(t, "back at rest", func() bool { return loop.Machine().State() == voice.StateIdle })

	select {
	case err := <-runDone:
		t.Fatalf("Run exited on cancel: %v", err)
	default:
	}
}
