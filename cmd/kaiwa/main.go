// Command kaiwa is the voice conversation server: websocket in, spoken
// replies out.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mntsk/kaiwa/internal/config"
	"github.com/mntsk/kaiwa/internal/health"
	"github.com/mntsk/kaiwa/internal/observe"
	"github.com/mntsk/kaiwa/internal/resilience"
	"github.com/mntsk/kaiwa/internal/transport"
	"github.com/mntsk/kaiwa/internal/turn"
	"github.com/mntsk/kaiwa/pkg/provider/llm"
	"github.com/mntsk/kaiwa/pkg/provider/llm/anyllm"
	"github.com/mntsk/kaiwa/pkg/provider/llm/openai"
	"github.com/mntsk/kaiwa/pkg/provider/stt"
	"github.com/mntsk/kaiwa/pkg/provider/stt/deepgram"
	"github.com/mntsk/kaiwa/pkg/provider/stt/whisper"
	"github.com/mntsk/kaiwa/pkg/provider/tts"
	"github.com/mntsk/kaiwa/pkg/provider/tts/coqui"
	"github.com/mntsk/kaiwa/pkg/provider/tts/elevenlabs"
	"github.com/mntsk/kaiwa/pkg/provider/tts/local"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "kaiwa: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "kaiwa: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("kaiwa starting",
		"config", *configPath,
		"listen_addr", listenAddr(cfg),
		"log_level", cfg.Server.LogLevel,
		"language", cfg.Server.Language,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "kaiwa"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, cfg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Pipeline ──────────────────────────────────────────────────────────────
	pipeline := turn.NewPipeline(providers.STT, providers.LLM, providers.TTS, pipelineOptions(cfg, metrics, logger)...)

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, next *config.Config) {
		diff := config.Diff(old, next)
		if diff.LogLevelChanged {
			slog.Info("log level changed", "level", diff.NewLogLevel)
			level.Set(slogLevel(diff.NewLogLevel))
		}
		if diff.VoiceChanged || diff.GenerationChanged || diff.CaptureChanged || diff.WakeChanged {
			slog.Warn("config changed in a way that requires a restart to take effect")
		}
	})
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	// ── HTTP server ───────────────────────────────────────────────────────────
	sessionCfg := turn.SessionConfig{Language: cfg.Server.Language}
	wsServer := transport.NewServer(turn.Handler(pipeline, sessionCfg, logger), transport.WithServerLogger(logger))

	healthHandler := health.New(health.Checker{
		Name: "tts",
		Check: func(ctx context.Context) error {
			_, err := providers.TTS.ListVoices(ctx)
			return err
		},
	})

	apiMux := http.NewServeMux()
	healthHandler.Register(apiMux)
	apiMux.Handle("GET /metrics", promhttp.Handler())

	mux := http.NewServeMux()
	// The websocket upgrade hijacks the connection, so it skips the HTTP
	// instrumentation middleware.
	mux.Handle("/ws", wsServer)
	mux.Handle("/", observe.Middleware(metrics)(apiMux))

	srv := &http.Server{
		Addr:              listenAddr(cfg),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server ready — press Ctrl+C to shut down", "addr", srv.Addr)
		if cfg.Server.TLS != nil {
			errCh <- srv.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		} else {
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			return 1
		}
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry, cfg *config.Config) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	// openai goes through the native adapter for its richer streaming surface.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	// anthropic, gemini, deepseek, mistral, groq, llamacpp, llamafile all
	// share the same any-llm pattern: optional APIKey + optional BaseURL.
	for _, providerName := range []string{
		"anthropic", "gemini",
		"deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			p, err := anyllm.New(providerName, entry.Model, opts...)
			if err != nil {
				return nil, err
			}
			return p, nil
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		p, err := anyllm.New("ollama", entry.Model, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		p, err := deepgram.New(entry.APIKey, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, whisper.WithBaseURL(entry.BaseURL))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		p, err := whisper.New(entry.APIKey, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURL(entry.BaseURL))
		}
		if outputFmt := optString(entry.Options, "output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		p, err := elevenlabs.New(entry.APIKey, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []coqui.Option
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if mode := optString(entry.Options, "api_mode"); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		return coqui.New(entry.BaseURL, opts...), nil
	})

	reg.RegisterTTS("local", func(entry config.ProviderEntry) (tts.Provider, error) {
		return local.New(local.WithDefaultVoice(voiceProfile(cfg))), nil
	})
}

// providerSet holds the three backends the turn pipeline runs on.
type providerSet struct {
	LLM llm.Provider
	STT stt.Provider
	TTS tts.Provider
}

// buildProviders instantiates the providers named in cfg using the registry.
// The LLM and STT slots are mandatory; TTS falls back to the local provider
// (client-side speech directives) when not configured. Entries with fallbacks
// are wrapped in a circuit-breaking failover group.
func buildProviders(cfg *config.Config, reg *config.Registry) (*providerSet, error) {
	ps := &providerSet{}

	if cfg.Providers.LLM.Name == "" {
		return nil, errors.New("providers.llm must be configured")
	}
	llmP, err := reg.CreateLLM(cfg.Providers.LLM)
	if err != nil {
		return nil, fmt.Errorf("create llm provider %q: %w", cfg.Providers.LLM.Name, err)
	}
	slog.Info("provider created", "kind", "llm", "name", cfg.Providers.LLM.Name)
	if len(cfg.Providers.LLM.Fallbacks) > 0 {
		fb := resilience.NewLLMFallback(llmP, cfg.Providers.LLM.Name, resilience.FallbackConfig{})
		for _, entry := range cfg.Providers.LLM.Fallbacks {
			p, err := reg.CreateLLM(entry)
			if err != nil {
				return nil, fmt.Errorf("create llm fallback %q: %w", entry.Name, err)
			}
			fb.AddFallback(entry.Name, p)
			slog.Info("fallback registered", "kind", "llm", "name", entry.Name)
		}
		ps.LLM = fb
	} else {
		ps.LLM = llmP
	}

	if cfg.Providers.STT.Name == "" {
		return nil, errors.New("providers.stt must be configured")
	}
	sttP, err := reg.CreateSTT(cfg.Providers.STT)
	if err != nil {
		return nil, fmt.Errorf("create stt provider %q: %w", cfg.Providers.STT.Name, err)
	}
	slog.Info("provider created", "kind", "stt", "name", cfg.Providers.STT.Name)
	if len(cfg.Providers.STT.Fallbacks) > 0 {
		fb := resilience.NewSTTFallback(sttP, cfg.Providers.STT.Name, resilience.FallbackConfig{})
		for _, entry := range cfg.Providers.STT.Fallbacks {
			p, err := reg.CreateSTT(entry)
			if err != nil {
				return nil, fmt.Errorf("create stt fallback %q: %w", entry.Name, err)
			}
			fb.AddFallback(entry.Name, p)
			slog.Info("fallback registered", "kind", "stt", "name", entry.Name)
		}
		ps.STT = fb
	} else {
		ps.STT = sttP
	}

	ttsEntry := cfg.Providers.TTS
	if ttsEntry.Name == "" {
		ttsEntry.Name = "local"
		slog.Info("no TTS provider configured, using client-side speech directives")
	}
	ttsP, err := reg.CreateTTS(ttsEntry)
	if err != nil {
		return nil, fmt.Errorf("create tts provider %q: %w", ttsEntry.Name, err)
	}
	slog.Info("provider created", "kind", "tts", "name", ttsEntry.Name)
	if len(ttsEntry.Fallbacks) > 0 {
		fb := resilience.NewTTSFallback(ttsP, ttsEntry.Name, resilience.FallbackConfig{})
		for _, entry := range ttsEntry.Fallbacks {
			p, err := reg.CreateTTS(entry)
			if err != nil {
				return nil, fmt.Errorf("create tts fallback %q: %w", entry.Name, err)
			}
			fb.AddFallback(entry.Name, p)
			slog.Info("fallback registered", "kind", "tts", "name", entry.Name)
		}
		ps.TTS = fb
	} else {
		ps.TTS = ttsP
	}

	return ps, nil
}

// pipelineOptions maps the generation, voice, and synthesis sections of the
// config onto pipeline options.
func pipelineOptions(cfg *config.Config, metrics *observe.Metrics, logger *slog.Logger) []turn.PipelineOption {
	opts := []turn.PipelineOption{
		turn.WithVoice(voiceProfile(cfg)),
		turn.WithMetrics(metrics),
		turn.WithPipelineLogger(logger),
	}
	if cfg.Generation.SystemPrompt != "" {
		opts = append(opts, turn.WithSystemPrompt(cfg.Generation.SystemPrompt))
	}
	if cfg.Generation.Temperature > 0 {
		opts = append(opts, turn.WithTemperature(cfg.Generation.Temperature))
	}
	if cfg.Generation.MaxTokens > 0 {
		opts = append(opts, turn.WithMaxTokens(cfg.Generation.MaxTokens))
	}
	if cfg.Generation.HistoryLimit > 0 {
		opts = append(opts, turn.WithHistoryLimit(cfg.Generation.HistoryLimit))
	}
	if d := cfg.Synthesis.MinSpacing.Std(); d > 0 {
		opts = append(opts, turn.WithSynthesisSpacing(d))
	}
	if d := cfg.Synthesis.Timeout.Std(); d > 0 {
		opts = append(opts, turn.WithSynthesisTimeout(d))
	}
	return opts
}

// voiceProfile builds the default synthesis voice from the voice config block.
func voiceProfile(cfg *config.Config) tts.VoiceProfile {
	return tts.VoiceProfile{
		ID:       cfg.Voice.VoiceID,
		Provider: cfg.Voice.Provider,
		Pitch:    cfg.Voice.Pitch,
		Rate:     cfg.Voice.Rate,
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          kaiwa — startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	printProvider("Voice", cfg.Voice.Provider, cfg.Voice.VoiceID)
	if cfg.Server.Language != "" {
		fmt.Printf("║  Language        : %-19s ║\n", cfg.Server.Language)
	}
	if cfg.Wake.Enabled {
		fmt.Printf("║  Wake phrases    : %-19d ║\n", len(cfg.Wake.Phrases))
	}
	fmt.Printf("║  Listen addr     : %-19s ║\n", listenAddr(cfg))
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func listenAddr(cfg *config.Config) string {
	if cfg.Server.ListenAddr != "" {
		return cfg.Server.ListenAddr
	}
	return ":8080"
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

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}
