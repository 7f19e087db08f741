package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/harunnryd/elara/pkg/audio"
	"github.com/harunnryd/elara/pkg/config"
	"github.com/harunnryd/elara/pkg/conversation"
	"github.com/harunnryd/elara/pkg/logging"
	"github.com/harunnryd/elara/pkg/metrics"
	"github.com/harunnryd/elara/pkg/mic"
	"github.com/harunnryd/elara/pkg/observers"
	"github.com/harunnryd/elara/pkg/providers/deepgram"
	"github.com/harunnryd/elara/pkg/providers/elevenlabs"
	"github.com/harunnryd/elara/pkg/providers/mock"
	"github.com/harunnryd/elara/pkg/redact"
	"github.com/harunnryd/elara/pkg/resilience"
	"github.com/harunnryd/elara/pkg/runner"
	"github.com/harunnryd/elara/pkg/stt"
	"github.com/harunnryd/elara/pkg/tasks"
	"github.com/harunnryd/elara/pkg/transport"
	"github.com/harunnryd/elara/pkg/tts"
	"github.com/harunnryd/elara/pkg/wakeword"
)

func main() {
	configPath := pflag.String("config", "config.yaml", "path to the config file")
	pflag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "elara:", err)
		os.Exit(1)
	}

	logger := logging.InitLogger(logging.ParseLevel(cfg.LogLevel))
	slog.SetDefault(logger)
	redact.SetEnabled(cfg.Privacy.RedactPII)

	sessionID := uuid.NewString()
	log := logger.With("session_id", sessionID)

	a, err := buildApp(cfg, sessionID, log)
	if err != nil {
		log.Error("startup failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lr := runner.NewLifecycleRunner(a, runner.Hooks{
		OnStart: func() error { return a.start(ctx) },
		OnStop:  a.close,
	}, 10*time.Second)

	if err := lr.Run(ctx); err != nil {
		log.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}

// app owns every long-lived component and wires them together.
type app struct {
	cfg       config.Config
	log       *slog.Logger
	sessionID string

	client      *transport.Client
	queue       *audio.PlaybackQueue
	registry    *tasks.Registry
	ctrl        *conversation.Controller
	session     *stt.Session
	coordinator *tts.Coordinator
	wake        *wakeword.Listener
	async       *metrics.AsyncObserver
}

func buildApp(cfg config.Config, sessionID string, log *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log, sessionID: sessionID}

	a.client = transport.NewClient(transport.Options{
		URL:              cfg.Server.URL,
		BackoffBase:      time.Duration(cfg.Server.BackoffBaseMS) * time.Millisecond,
		BackoffCap:       time.Duration(cfg.Server.BackoffCapMS) * time.Millisecond,
		WriteTimeout:     time.Duration(cfg.Server.WriteTimeoutMS) * time.Millisecond,
		HandshakeTimeout: time.Duration(cfg.Server.HandshakeTimeout) * time.Millisecond,
	}, sessionID, logging.NewComponentLogger(log, "transport"))

	device := audio.NewCommandDevice(cfg.Audio.SampleRate, cfg.Audio.Channels, cfg.Audio.OutputCommand)
	a.queue = audio.NewPlaybackQueue(device, cfg.Audio.QueueCapacity, cfg.Audio.HighWater,
		logging.NewComponentLogger(log, "playback"))

	a.registry = tasks.NewRegistry(context.Background(), logging.NewComponentLogger(log, "tasks"))

	var observer metrics.Observer = metrics.NoopObserver{}
	if cfg.Metrics.Enabled {
		inner := observers.NewMultiObserver(
			observers.NewLoggerObserver(logging.NewComponentLogger(log, "metrics")),
			observers.NewTurnLatencyObserver(logging.NewComponentLogger(log, "latency")),
		)
		a.async = metrics.NewAsyncObserver(inner, cfg.Metrics.Buffer)
		observer = a.async
	}

	lease := mic.NewLease()

	deps := conversation.Deps{
		Backend:  a.client,
		Queue:    a.queue,
		Registry: a.registry,
		Observer: observer,
		Log:      logging.NewComponentLogger(log, "conversation"),
	}

	if cfg.STT.Enabled {
		provider, err := buildSTTProvider(cfg, sessionID)
		if err != nil {
			return nil, err
		}
		source := mic.NewCommandSource(cfg.Audio.SampleRate, 1, cfg.Audio.InputCommand)
		a.session = stt.NewSession(provider, source, lease, stt.Config{
			SessionID:  sessionID,
			SampleRate: cfg.Audio.SampleRate,
		},
			resilience.NewRetryPolicy(cfg.STT.MaxRetries, time.Duration(cfg.STT.RetryBackoffMS)*time.Millisecond),
			resilience.NewCircuitBreaker(3, 30*time.Second),
			logging.NewComponentLogger(log, "stt"))
		deps.STT = a.session
	}

	if cfg.TTS.Enabled {
		provider, err := buildTTSProvider(cfg, sessionID)
		if err != nil {
			return nil, err
		}
		a.coordinator = tts.NewCoordinator(provider, a.queue, tts.Config{
			SessionID:  sessionID,
			SampleRate: cfg.Audio.SampleRate,
			Channels:   cfg.Audio.Channels,
		}, logging.NewComponentLogger(log, "tts"))
		deps.TTS = a.coordinator
	}

	if cfg.Wake.Enabled {
		provider, err := buildSTTProvider(cfg, sessionID)
		if err != nil {
			return nil, err
		}
		source := mic.NewCommandSource(cfg.Audio.SampleRate, 1, cfg.Audio.InputCommand)
		matcher := wakeword.NewMatcher(cfg.Wake.StartPhrase, cfg.Wake.StopPhrase)
		a.wake = wakeword.NewListener(provider, source, lease, matcher, wakeword.Handlers{
			OnStart: func() {
				a.playWakeSound()
				if err := a.ctrl.ToggleSTT(); err != nil {
					a.log.Warn("wake start failed", "error", err)
				}
			},
			OnStop: func() { a.ctrl.StopAll() },
		}, sessionID, cfg.Audio.SampleRate, logging.NewComponentLogger(log, "wakeword"))
		deps.Wake = a.wake
	}

	a.ctrl = conversation.NewController(deps, conversation.Options{
		SessionID:  sessionID,
		AutoSubmit: cfg.STT.AutoSubmit,
		LocalTTS:   cfg.TTS.Enabled,
	})
	a.queue.SetListener(a.ctrl)

	return a, nil
}

func (a *app) start(ctx context.Context) error {
	if err := a.queue.Start(); err != nil {
		return fmt.Errorf("start playback: %w", err)
	}
	a.client.Start(ctx)
	if err := a.ctrl.Start(ctx); err != nil {
		return err
	}

	// Without a wake word the session goes straight to listening.
	if a.session != nil && !a.cfg.Wake.Enabled {
		if err := a.ctrl.ToggleSTT(); err != nil {
			a.log.Warn("transcription unavailable at startup", "error", err)
		}
	}
	a.log.Info("elara ready", "server", a.cfg.Server.URL, "environment", a.cfg.Environment)
	return nil
}

// Drain finishes in-flight work so shutdown loses nothing audible.
func (a *app) Drain() error {
	a.ctrl.StopAll()
	a.client.Stop()
	return a.queue.Close()
}

func (a *app) playWakeSound() {
	if a.cfg.Wake.SoundPath == "" {
		return
	}
	if err := audio.PlayFile(a.cfg.Wake.SoundPath, a.cfg.Audio.SampleRate, a.cfg.Audio.Channels, a.cfg.Audio.OutputCommand); err != nil {
		a.log.Warn("wake sound failed", "path", a.cfg.Wake.SoundPath, "error", err)
	}
}

func (a *app) close() {
	a.ctrl.Close()
	a.registry.Close()
	if a.async != nil {
		a.async.Close()
	}
}

func buildSTTProvider(cfg config.Config, sessionID string) (stt.StreamingSTT, error) {
	settings := cfg.Vendors.STT.Settings
	switch strings.ToLower(cfg.Vendors.STT.Provider) {
	case "deepgram":
		var s deepgram.Config
		if err := config.DecodeSettings(settings, &s); err != nil {
			return nil, fmt.Errorf("vendors.stt.settings: %w", err)
		}
		if err := config.RequireString(s.APIKey, "vendors.stt.settings.api_key"); err != nil {
			return nil, err
		}
		if s.SampleRate == 0 {
			s.SampleRate = cfg.Audio.SampleRate
		}
		s.SessionID = sessionID
		return deepgram.New(s), nil
	case "mock":
		var s mock.STTConfig
		if err := config.DecodeSettings(settings, &s); err != nil {
			return nil, fmt.Errorf("vendors.stt.settings: %w", err)
		}
		s.SessionID = sessionID
		return mock.NewSTT(s), nil
	default:
		return nil, fmt.Errorf("unknown stt provider %q", cfg.Vendors.STT.Provider)
	}
}

func buildTTSProvider(cfg config.Config, sessionID string) (tts.StreamingTTS, error) {
	settings := cfg.Vendors.TTS.Settings
	switch strings.ToLower(cfg.Vendors.TTS.Provider) {
	case "elevenlabs":
		var s elevenlabs.Config
		if err := config.DecodeSettings(settings, &s); err != nil {
			return nil, fmt.Errorf("vendors.tts.settings: %w", err)
		}
		if err := config.RequireString(s.APIKey, "vendors.tts.settings.api_key"); err != nil {
			return nil, err
		}
		if err := config.RequireString(s.VoiceID, "vendors.tts.settings.voice_id"); err != nil {
			return nil, err
		}
		if s.SampleRate == 0 {
			s.SampleRate = cfg.Audio.SampleRate
		}
		s.SessionID = sessionID
		return elevenlabs.New(s), nil
	case "mock":
		var s mock.TTSConfig
		if err := config.DecodeSettings(settings, &s); err != nil {
			return nil, fmt.Errorf("vendors.tts.settings: %w", err)
		}
		s.SessionID = sessionID
		if s.SampleRate == 0 {
			s.SampleRate = cfg.Audio.SampleRate
		}
		return mock.NewTTS(s), nil
	default:
		return nil, fmt.Errorf("unknown tts provider %q", cfg.Vendors.TTS.Provider)
	}
}
