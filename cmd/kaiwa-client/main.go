// Command kaiwa-client is a headless voice client: PCM in, spoken replies
// out. It reads raw little-endian int16 audio from a file or stdin (as
// produced by arecord/sox), drives the wake-word and capture pipeline against
// a kaiwa server, and writes received reply audio to a file or stdout.
//
// With wake disabled, SIGUSR1 acts as the tap: send it to start or stop a
// recording.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mntsk/kaiwa/internal/client"
	"github.com/mntsk/kaiwa/internal/config"
	"github.com/mntsk/kaiwa/internal/playback"
	"github.com/mntsk/kaiwa/internal/voice"
	"github.com/mntsk/kaiwa/pkg/audio"
	"github.com/mntsk/kaiwa/pkg/provider/stt"
	"github.com/mntsk/kaiwa/pkg/provider/stt/deepgram"
	"github.com/mntsk/kaiwa/pkg/provider/stt/whisper"
)

// sttSampleRate and sttChannels are the PCM format recognition providers
// expect; other input formats are converted on the way in.
const (
	sttSampleRate = 16000
	sttChannels   = 1
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	serverURL := flag.String("server", "ws://localhost:8080/ws", "websocket URL of the kaiwa server")
	inPath := flag.String("in", "-", "PCM input: file path or - for stdin")
	outPath := flag.String("out", "-", "PCM output: file path or - for stdout")
	sampleRate := flag.Int("rate", 16000, "input sample rate in Hz")
	channels := flag.Int("channels", 1, "input channel count")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "kaiwa-client: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "kaiwa-client: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slogLevel(cfg.Server.LogLevel),
	}))
	slog.SetDefault(logger)

	// ── Audio in/out ──────────────────────────────────────────────────────────
	in, closeIn, err := openInput(*inPath)
	if err != nil {
		slog.Error("failed to open audio input", "err", err)
		return 1
	}
	defer closeIn()

	out, closeOut, err := openOutput(*outPath)
	if err != nil {
		slog.Error("failed to open audio output", "err", err)
		return 1
	}
	defer closeOut()

	reader, err := audio.NewReaderSource(in, *sampleRate, *channels)
	if err != nil {
		slog.Error("failed to open audio source", "err", err)
		return 1
	}

	// The recognition path wants 16 kHz mono; convert device formats like
	// 48 kHz stereo down on the way in.
	src := audio.Source(reader)
	if *sampleRate != sttSampleRate || *channels != sttChannels {
		slog.Info("converting input audio",
			"from_rate", *sampleRate, "from_channels", *channels,
			"to_rate", sttSampleRate, "to_channels", sttChannels,
		)
		src = audio.Converted(reader, audio.Format{SampleRate: sttSampleRate, Channels: sttChannels})
	}

	// ── Wake-word transcription ───────────────────────────────────────────────
	var sttP stt.Provider
	var wakePhrases []string
	if cfg.Wake.Enabled {
		sttP, err = wakeSTT(cfg)
		if err != nil {
			slog.Error("wake word unavailable", "err", err)
			return 1
		}
		wakePhrases = cfg.Wake.Phrases
	}

	// ── Voice loop ────────────────────────────────────────────────────────────
	loop, err := client.New(client.Config{
		ServerURL:      *serverURL,
		Language:       cfg.Server.Language,
		AlwaysListen:   cfg.Capture.AlwaysListen,
		WakePhrases:    wakePhrases,
		FuzzyThreshold: cfg.Wake.FuzzyThreshold,
		Capture:        captureConfig(cfg),
		SampleRate:     sttSampleRate,
		Channels:       sttChannels,
	}, sttP, src, &pcmWriter{w: out, logger: logger},
		client.WithLogger(logger),
		client.WithCue(func() { fmt.Fprint(os.Stderr, "\a") }),
		client.WithOnTranscription(func(text, language string) {
			slog.Info("you said", "text", text, "language", language)
		}),
		client.WithOnText(func(text string) {
			fmt.Fprint(os.Stderr, text)
		}),
	)
	if err != nil {
		slog.Error("failed to build voice loop", "err", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// SIGUSR1 is the headless tap.
	taps := make(chan os.Signal, 1)
	signal.Notify(taps, syscall.SIGUSR1)
	go func() {
		for range taps {
			loop.Tap()
		}
	}()

	slog.Info("kaiwa-client ready",
		"server", *serverURL,
		"wake", cfg.Wake.Enabled,
		"always_listen", cfg.Capture.AlwaysListen,
	)

	if err := loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("voice loop ended", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// pcmWriter plays reply audio by appending it to an output stream. Speech
// directives (no server-side synthesis) are logged instead of rendered.
type pcmWriter struct {
	w      io.Writer
	logger *slog.Logger
}

func (p *pcmWriter) Play(_ context.Context, u playback.Unit) error {
	if len(u.Audio) == 0 {
		p.logger.Info("speak locally", "text", u.SpeakableText, "pitch", u.Pitch, "rate", u.Rate)
		return nil
	}
	if _, err := p.w.Write(u.Audio); err != nil {
		return fmt.Errorf("write reply audio: %w", err)
	}
	return nil
}

var _ playback.Player = (*pcmWriter)(nil)

// wakeSTT builds the streaming transcription provider the wake-word listener
// runs on. Only providers with a streaming session qualify.
func wakeSTT(cfg *config.Config) (stt.Provider, error) {
	entry := cfg.Providers.STT
	switch entry.Name {
	case "deepgram":
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		return deepgram.New(entry.APIKey, opts...)
	case "whisper":
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, whisper.WithBaseURL(entry.BaseURL))
		}
		return whisper.New(entry.APIKey, opts...)
	case "":
		return nil, errors.New("wake.enabled requires providers.stt")
	default:
		return nil, fmt.Errorf("stt provider %q has no streaming session for wake word", entry.Name)
	}
}

// captureConfig maps the capture config block onto silence-detection tuning,
// keeping component defaults for unset fields.
func captureConfig(cfg *config.Config) voice.CaptureConfig {
	cc := voice.DefaultCaptureConfig()
	if cfg.Capture.OnsetThreshold > 0 {
		cc.OnsetThreshold = cfg.Capture.OnsetThreshold
	}
	if cfg.Capture.SilenceThreshold > 0 {
		cc.SilenceThreshold = cfg.Capture.SilenceThreshold
	}
	if d := cfg.Capture.SilenceTimeout.Std(); d > 0 {
		cc.SilenceTimeout = d
	}
	if d := cfg.Capture.MinVoiceDuration.Std(); d > 0 {
		cc.MinVoiceDuration = d
	}
	if d := cfg.Capture.MaxUtterance.Std(); d > 0 {
		cc.MaxUtterance = d
	}
	return cc
}

func openInput(path string) (io.Reader, func(), error) {
	if path == "-" {
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { f.Close() }, nil
}

func openOutput(path string) (io.Writer, func(), error) {
	if path == "-" {
		return os.Stdout, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { f.Close() }, nil
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
