// Command memovoz is the MemoVoz voice-session daemon: it owns the
// microphone, talks to the MemoVoz backend, and serves the WebSocket
// gateway that client apps connect to.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel"

	"github.com/memovoz/memovoz/internal/audio"
	"github.com/memovoz/memovoz/internal/config"
	"github.com/memovoz/memovoz/internal/conversation"
	"github.com/memovoz/memovoz/internal/dispatch"
	"github.com/memovoz/memovoz/internal/feedback"
	"github.com/memovoz/memovoz/internal/gateway"
	"github.com/memovoz/memovoz/internal/health"
	"github.com/memovoz/memovoz/internal/history"
	"github.com/memovoz/memovoz/internal/observe"
	"github.com/memovoz/memovoz/internal/resilience"
	"github.com/memovoz/memovoz/internal/session"
	"github.com/memovoz/memovoz/internal/voicecmd"
	"github.com/memovoz/memovoz/pkg/speech"
	oaitts "github.com/memovoz/memovoz/pkg/speech/openai"
	"github.com/memovoz/memovoz/pkg/speech/whisper"
)

// version is stamped by the build; "dev" for local builds.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// .env is optional; real deployments set the environment directly.
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file loaded", "err", err)
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// ── Load configuration (watched for changes) ──────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		d := config.Diff(old, new)
		if d.LogLevelChanged {
			level.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level updated", "level", d.NewLogLevel)
		}
		if d.SessionChanged || d.RestartRequired {
			slog.Warn("configuration change requires a restart to take effect")
		}
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "memovoz: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "memovoz: %v\n", err)
		}
		return 1
	}
	defer watcher.Stop()

	cfg := watcher.Current()
	level.Set(slogLevel(cfg.Server.LogLevel))

	slog.Info("memovoz starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "memovoz",
		ServiceVersion: version,
	})
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

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Backend client ────────────────────────────────────────────────────────
	apiKey := cfg.Backend.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("MEMOVOZ_API_KEY")
	}
	backend, err := dispatch.New(cfg.Backend.BaseURL,
		dispatch.WithTimeout(cfg.Backend.Timeout),
		dispatch.WithAPIKey(apiKey),
	)
	if err != nil {
		slog.Error("failed to create backend client", "err", err)
		return 1
	}

	// ── Local history ─────────────────────────────────────────────────────────
	// An empty dir gives an in-memory archive so the history surface still
	// works, it just does not survive restarts.
	var histOpts []history.Option
	if cfg.History.Retention > 0 {
		histOpts = append(histOpts, history.WithRetention(cfg.History.Retention))
	}
	store, err := history.Open(cfg.History.Dir, histOpts...)
	if err != nil {
		slog.Warn("local history disabled", "dir", cfg.History.Dir, "err", err)
		store = nil
	} else {
		defer store.Close()
		slog.Info("local history enabled", "dir", cfg.History.Dir, "persistent", cfg.History.Dir != "")
	}

	// ── Whisper model ─────────────────────────────────────────────────────────
	// Loaded up front because it serves double duty: the native capture
	// provider and the transcriber for client-streamed audio.
	var whisperModel *whisper.Model
	if cfg.Providers.Capture.Name == "whisper" {
		path := cfg.Providers.Capture.Model
		if path == "" {
			path = optString(cfg.Providers.Capture.Options, "model_path")
		}
		whisperModel, err = whisper.LoadModel(path)
		if err != nil {
			slog.Warn("whisper model unavailable — falling back to client-side capture", "err", err)
		} else {
			defer whisperModel.Close()
			slog.Info("whisper model loaded", "path", path)
		}
	}

	// ── Gateway hub + remote speech ───────────────────────────────────────────
	hub := gateway.NewHub(metrics)
	remote := gateway.NewRemoteSpeech(hub, remoteTranscriber(whisperModel))

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, whisperModel)

	capturer, player, synth := buildSpeech(cfg, reg, remote)

	// ── Session controller ────────────────────────────────────────────────────
	signaler := feedback.NewSignaler(player, feedback.WithNotifier(hub))

	var bufOpts []conversation.Option
	if cfg.Session.WindowSize > 0 {
		bufOpts = append(bufOpts, conversation.WithWindow(cfg.Session.WindowSize))
	}
	buffer := conversation.NewBuffer(bufOpts...)

	// The breaker keeps a dead backend from costing a full HTTP timeout
	// per turn; the controller's failure backoff handles the rest.
	guarded := resilience.NewBreakerDispatcher(backend, resilience.CircuitBreakerConfig{Name: "backend"})

	sessCfg := session.Config{
		Capturer:       capturer,
		Dispatcher:     guarded,
		Buffer:         buffer,
		Player:         player,
		Synthesizer:    synth,
		Feedback:       signaler,
		Shortcuts:      voicecmd.New(),
		Sink:           hub,
		Metrics:        metrics,
		Locale:         cfg.Session.Locale,
		RearmDelay:     cfg.Session.RearmDelay,
		FailureBackoff: cfg.Session.FailureBackoff,
		OfferDelay:     cfg.Session.OfferDelay,
		StateTimeout:   cfg.Session.StateTimeout,
	}
	if store != nil {
		sessCfg.Archive = store
	}

	controller, err := session.New(sessCfg)
	if err != nil {
		slog.Error("failed to create session controller", "err", err)
		return 1
	}
	defer func() {
		if err := controller.Close(); err != nil {
			slog.Warn("controller close error", "err", err)
		}
	}()

	// ── Gateway server ────────────────────────────────────────────────────────
	checkers := []health.Checker{
		{Name: "backend", Check: backend.Ping},
	}
	if store != nil {
		checkers = append(checkers, health.Checker{
			Name: "history",
			Check: func(ctx context.Context) error {
				_, err := store.Len(ctx)
				return err
			},
		})
	}

	srv, err := gateway.NewServer(gateway.ServerConfig{
		Addr:           cfg.Server.ListenAddr,
		OriginPatterns: cfg.Server.OriginPatterns,
		Session:        controller,
		Hub:            hub,
		Remote:         remote,
		History:        store,
		Metrics:        metrics,
		Checkers:       checkers,
	})
	if err != nil {
		slog.Error("failed to create gateway server", "err", err)
		return 1
	}

	// The greeting plays on whatever output is available at startup; a
	// failure here (no client yet, no local audio) is routine.
	if err := controller.Greet(ctx); err != nil {
		slog.Debug("startup greeting skipped", "err", err)
	}

	slog.Info("server ready — press Ctrl+C to shut down", "addr", cfg.Server.ListenAddr)

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the provider factories that ship with
// memovoz into reg. Each factory receives a config.ProviderEntry and
// constructs the provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry, whisperModel *whisper.Model) {
	// ── Capture ───────────────────────────────────────────────────────────────

	reg.RegisterCapture("whisper", func(entry config.ProviderEntry) (speech.Capturer, error) {
		if whisperModel == nil {
			return nil, errors.New("whisper model not loaded")
		}
		mic := audio.NewMicCapture(optString(entry.Options, "mic_command"))
		var opts []whisper.Option
		micCfg := audio.MicConfig{
			InputFormat: optString(entry.Options, "input_format"),
			InputDevice: optString(entry.Options, "input_device"),
		}
		if micCfg.InputFormat != "" || micCfg.InputDevice != "" {
			opts = append(opts, whisper.WithMicConfig(micCfg))
		}
		return whisper.NewCapturer(mic, whisperModel, opts...), nil
	})

	// ── Synthesis ─────────────────────────────────────────────────────────────

	reg.RegisterSynthesis("openai", func(entry config.ProviderEntry) (speech.Synthesizer, error) {
		apiKey := entry.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		var opts []oaitts.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaitts.WithBaseURL(entry.BaseURL))
		}
		if voice := optString(entry.Options, "voice"); voice != "" {
			opts = append(opts, oaitts.WithVoice(voice))
		}
		return oaitts.New(apiKey, entry.Model, opts...)
	})

	// ── Playback ──────────────────────────────────────────────────────────────

	reg.RegisterPlayback("pcm", func(entry config.ProviderEntry) (speech.Player, error) {
		return audio.NewLocalPlayer(optString(entry.Options, "player_command")), nil
	})
}

// buildSpeech instantiates the configured speech providers. Any capability
// that is not configured, not registered, or fails to build falls back to
// the remote (client-side) implementation; synthesis has no remote fallback
// and may be nil.
func buildSpeech(cfg *config.Config, reg *config.Registry, remote *gateway.RemoteSpeech) (speech.Capturer, speech.Player, speech.Synthesizer) {
	var capturer speech.Capturer = remote
	if name := cfg.Providers.Capture.Name; name != "" {
		p, err := reg.CreateCapture(cfg.Providers.Capture)
		if err != nil {
			slog.Warn("capture provider unavailable — using connected clients", "name", name, "err", err)
		} else {
			group := resilience.NewCapturer(p, name, resilience.FallbackConfig{})
			group.AddFallback("clients", remote)
			capturer = group
			slog.Info("provider created", "kind", "capture", "name", name)
		}
	}

	var player speech.Player = remote
	if name := cfg.Providers.Playback.Name; name != "" {
		p, err := reg.CreatePlayback(cfg.Providers.Playback)
		if err != nil {
			slog.Warn("playback provider unavailable — using connected clients", "name", name, "err", err)
		} else {
			group := resilience.NewPlayer(p, name, resilience.FallbackConfig{})
			group.AddFallback("clients", remote)
			player = group
			slog.Info("provider created", "kind", "playback", "name", name)
		}
	}

	var synth speech.Synthesizer
	if name := cfg.Providers.Synthesis.Name; name != "" {
		p, err := reg.CreateSynthesis(cfg.Providers.Synthesis)
		if err != nil {
			slog.Warn("synthesis provider unavailable — responses without audio stay silent", "name", name, "err", err)
		} else {
			synth = p
			slog.Info("provider created", "kind", "synthesis", "name", name)
		}
	}

	return capturer, player, synth
}

// remoteTranscriber adapts the optional whisper model to the gateway's
// transcriber seam without handing it a typed nil.
func remoteTranscriber(m *whisper.Model) gateway.Transcriber {
	if m == nil {
		return nil
	}
	return m
}

// ── Logger ─────────────────────────────────────────────────────────────────────

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

// ── Helpers ───────────────────────────────────────────────────────────────────

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
