// Package app is the composition root: it builds every component from
// configuration and owns their lifetimes.
package app

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"clinscribe/internal/config"
	"clinscribe/internal/events"
	"clinscribe/internal/genai"
	"clinscribe/internal/observability"
	"clinscribe/internal/observability/logging"
	"clinscribe/internal/observability/metrics"
	"clinscribe/internal/service/audio"
	"clinscribe/internal/service/notes"
	"clinscribe/internal/service/session"
	"clinscribe/internal/service/speaker"
	"clinscribe/internal/service/stt"
	"clinscribe/internal/service/stt/generative"
	"clinscribe/internal/service/stt/google"
	"clinscribe/internal/service/stt/local"
	"clinscribe/internal/service/stt/mock"
	"clinscribe/internal/service/transcription"
	"clinscribe/internal/storage"
	"clinscribe/internal/storage/sqlite"
)

// Options select the capture source and optional overrides.
type Options struct {
	// InputFile is tailed with a FileCapture. Empty means an in-memory
	// Recorder that the caller writes audio into.
	InputFile string
	// Offline skips backend construction, for commands that only read or
	// edit stored sessions.
	Offline bool
	// Store replaces the sqlite store.
	Store storage.Store
}

// Application holds process-wide state for the engine.
type Application struct {
	StartupTime time.Time
	Logger      zerolog.Logger
	Cfg         *config.Config

	Registry      *prometheus.Registry
	Metrics       *metrics.Metrics
	Store         storage.Store
	Capture       audio.Capture
	Bus           *events.Bus
	Publisher     *events.Publisher
	Transcription *transcription.Orchestrator
	Sessions      *session.Manager

	diagnostics *observability.Server
	closers     []func() error
	detach      func()
}

type tapper interface {
	Tap() (<-chan []byte, func())
}

// New builds the application from cfg.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Application, error) {
	logging.Init(logging.Config{
		Level:      cfg.Observability.LogLevel,
		Format:     cfg.Observability.LogFormat,
		TimeFormat: time.RFC3339,
	})
	a := &Application{
		Cfg:    cfg,
		Logger: logging.WithComponent("application"),
	}

	a.Registry = prometheus.NewRegistry()
	a.Metrics = metrics.New(a.Registry)

	a.Store = opts.Store
	if a.Store == nil {
		path := cfg.Storage.Path
		if path == "" {
			path = sqlite.DefaultPath()
		}
		st, err := sqlite.Open(path)
		if err != nil {
			return nil, err
		}
		a.Store = st
		a.Logger.Debug().Str("path", path).Msg("Session store opened")
	}
	a.closers = append(a.closers, a.Store.Close)

	audioCfg := captureConfig(cfg.STT)
	if opts.InputFile != "" {
		a.Capture = audio.NewFileCapture(opts.InputFile, audioCfg, logging.WithComponent("capture"))
	} else {
		a.Capture = audio.NewRecorder(audioCfg)
	}

	client := genai.New(cfg.Generative.BaseURL, cfg.Generative.APIKey, 2*time.Minute)

	a.Transcription = transcription.New(
		transcription.Config{Timeout: cfg.STT.Timeout},
		speaker.New(speaker.DefaultConfig()),
		a.Metrics,
		logging.WithComponent("transcription"),
	)
	if !opts.Offline {
		a.registerBackends(ctx, client)
	}

	a.Bus = events.NewBus()
	a.Publisher = events.New(&events.Config{
		Enabled:     cfg.Kafka.Enabled,
		Brokers:     cfg.Kafka.Brokers,
		TopicPrefix: cfg.Kafka.TopicPrefix,
		Principal:   cfg.Kafka.Principal,
	}, a.Metrics, logging.WithComponent("publisher"))
	a.detach = a.Publisher.Attach(a.Bus)

	var docs notes.Generator = notes.FallbackGenerator{}
	if client.Configured() {
		docs = notes.NewModelGenerator(client, notes.ModelConfig{
			Model:       cfg.Generative.NotesModel,
			MaxAttempts: cfg.Generative.MaxAttempts,
			Temperature: 0.2,
		}, a.Metrics, logging.WithComponent("documentation"))
	}

	a.Sessions = session.New(session.Config{
		ChunkInterval:   cfg.Session.ChunkInterval,
		PersistInterval: cfg.Session.PersistInterval,
		MinChunkBytes:   cfg.Session.MinChunkBytes,
		ChunkFraction:   cfg.Session.ChunkFraction,
		IncrementalDocs: cfg.Session.IncrementalDocs,
		LiveEnabled:     cfg.Session.LiveEnabled,
		MimeType:        audioCfg.MimeType,
	}, a.Store, a.Capture, a.Transcription, docs, a.Bus, a.Metrics, logging.WithComponent("session"))

	if cfg.Observability.MetricsAddr != "" {
		a.diagnostics = observability.NewServer(cfg.Observability.MetricsAddr, a.Registry, a.Ready)
	}

	a.Logger.Info().
		Strs("backends", cfg.STT.Backends).
		Bool("offline", opts.Offline).
		Msg("clinscribe application created")
	return a, nil
}

// registerBackends builds the configured backends. Earlier names get higher
// priority; backends that cannot be built are skipped.
func (a *Application) registerBackends(ctx context.Context, client *genai.Client) {
	cfg := a.Cfg
	for i, name := range cfg.STT.Backends {
		priority := len(cfg.STT.Backends) - i
		log := logging.WithBackend(a.Logger, name)

		var b stt.Backend
		switch name {
		case google.Name:
			opts := []google.Option{google.WithLogger(logging.WithBackend(logging.WithComponent("stt"), name))}
			if t, ok := a.Capture.(tapper); ok {
				opts = append(opts, google.WithFeed(t.Tap))
			}
			g, err := google.New(ctx, google.Config{
				LanguageCode:          cfg.STT.LanguageCode,
				SampleRateHz:          cfg.STT.SampleRateHz,
				InterimResults:        cfg.STT.InterimResults,
				AudioEncoding:         cfg.STT.AudioEncoding,
				LongRunningAfterBytes: cfg.Google.LongRunningAfterBytes,
			}, opts...)
			if err != nil {
				log.Warn().Err(err).Msg("Google Speech client unavailable, skipping backend")
				continue
			}
			a.closers = append(a.closers, g.Close)
			b = g
		case local.Name:
			b = local.New(local.Config{
				WhisperBinary: cfg.Local.WhisperBinary,
				FFmpegBinary:  cfg.Local.FFmpegBinary,
				ModelPath:     cfg.Local.ModelPath,
				Threads:       cfg.Local.Threads,
				Language:      cfg.STT.LanguageCode,
			})
		case generative.Name:
			b = generative.New(client, generative.Config{
				Model:    cfg.Generative.TranscribeModel,
				Language: cfg.STT.LanguageCode,
			})
		case mock.Name:
			b = mock.New(mock.DefaultConfig())
		default:
			log.Warn().Msg("Unknown transcription backend, skipping")
			continue
		}

		a.Transcription.Register(b, priority)
		log.Info().Int("priority", priority).Bool("supported", b.IsSupported()).Msg("Transcription backend registered")
	}
}

// Ready reports whether any transcription backend is usable.
func (a *Application) Ready() bool {
	for _, b := range a.Transcription.Backends() {
		if b.Available {
			return true
		}
	}
	return false
}

// Start performs startup work before the first session.
func (a *Application) Start() error {
	a.StartupTime = time.Now().UTC()
	if a.diagnostics != nil {
		a.diagnostics.Start()
	}
	a.Logger.Info().
		Time("startupTime", a.StartupTime).
		Bool("ready", a.Ready()).
		Msg("clinscribe starting")
	return nil
}

// Shutdown releases the active session and every component. It does not
// persist an unfinished session; call Sessions.Stop first for that.
func (a *Application) Shutdown(ctx context.Context) error {
	a.Logger.Info().Msg("clinscribe shutting down")

	a.Sessions.Close()
	if a.detach != nil {
		a.detach()
	}

	var errs []error
	if a.diagnostics != nil {
		errs = append(errs, a.diagnostics.Shutdown(ctx))
	}
	errs = append(errs, a.Publisher.Close())
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}

// captureConfig derives the capture format from the recognition encoding.
func captureConfig(cfg config.STTConfig) audio.Config {
	c := audio.DefaultConfig()
	switch cfg.AudioEncoding {
	case "OGG_OPUS":
		c.MimeType = "audio/ogg;codecs=opus"
	case "LINEAR16":
		c.MimeType = "audio/wav"
		c.BytesPerSecond = cfg.SampleRateHz * 2
	case "FLAC":
		c.MimeType = "audio/flac"
		c.BytesPerSecond = cfg.SampleRateHz
	case "MP3":
		c.MimeType = "audio/mpeg"
		c.BytesPerSecond = 16000
	}
	if c.BytesPerSecond <= 0 {
		c.BytesPerSecond = audio.DefaultConfig().BytesPerSecond
	}
	return c
}
