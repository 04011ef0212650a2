package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"ai-speech-stream-service/internal/config"
	"ai-speech-stream-service/internal/events"
	"ai-speech-stream-service/internal/observability/logging"
	"ai-speech-stream-service/internal/observability/metrics"
	"ai-speech-stream-service/internal/service/convert"
	"ai-speech-stream-service/internal/service/dedup"
	"ai-speech-stream-service/internal/service/phrase"
	"ai-speech-stream-service/internal/service/quality"
	"ai-speech-stream-service/internal/service/registry"
	"ai-speech-stream-service/internal/service/stream"
	"ai-speech-stream-service/internal/service/stt"
	"ai-speech-stream-service/internal/service/stt/google"
	"ai-speech-stream-service/internal/service/stt/mock"
	"ai-speech-stream-service/internal/service/window"
)

const serviceName = "ai-speech-stream-service"

// Application holds process-wide state for the service.
type Application struct {
	StartupTime time.Time
	Logger      zerolog.Logger
	Cfg         *config.Config

	Engine    stt.Engine
	Converter convert.Converter
	Phrases   *phrase.Dictionary
	Publisher *events.Publisher
	Redis     *events.RedisSink
	Registry  *registry.Registry
}

// New constructs a new Application from the provided configuration.
func New(cfg *config.Config) *Application {
	a := &Application{
		Cfg: cfg,
	}
	a.setupLogger()

	appLogger := a.Logger.With().
		Str("method", "New").
		Logger()

	appLogger.Info().Msg("AI Speech Stream service application created")
	return a
}

// setupLogger configures zerolog for the service. ZEROLOG_LOG_LEVEL and
// ENV=dev override the configured level and format.
func (a *Application) setupLogger() {
	lc := logging.Config{
		Level:      a.Cfg.Observability.LogLevel,
		Format:     a.Cfg.Observability.LogFormat,
		TimeFormat: time.RFC3339,
	}
	if envLevel := os.Getenv("ZEROLOG_LOG_LEVEL"); envLevel != "" {
		lc.Level = strings.ToLower(envLevel)
	}
	if os.Getenv("ENV") == "dev" {
		lc.Format = "console"
	}
	logging.Init(lc)

	a.Logger = logging.WithComponent("application").With().
		Str("service", serviceName).
		Logger()

	a.Logger.Info().
		Str("logLevel", zerolog.GlobalLevel().String()).
		Str("logFormat", lc.Format).
		Str("environment", os.Getenv("ENV")).
		Msg("Logger setup completed")
}

// Start builds the engine, converter, phrase dictionary, event sinks and
// the session registry. Sessions created later inherit ctx.
func (a *Application) Start(ctx context.Context) error {
	startLogger := a.Logger.With().
		Str("method", "Start").
		Logger()

	a.StartupTime = time.Now().UTC()
	cfg := a.Cfg

	engine, err := NewEngine(ctx, cfg.STT)
	if err != nil {
		return fmt.Errorf("create transcription engine: %w", err)
	}
	a.Engine = engine
	a.Converter = NewConverter(cfg.Converter, cfg.STT.SampleRateHz)

	if cfg.Phrases.DictionaryFile != "" {
		dict, err := phrase.Load(cfg.Phrases.DictionaryFile)
		if err != nil {
			return fmt.Errorf("load phrase dictionary: %w", err)
		}
		a.Phrases = dict
	} else {
		a.Phrases = phrase.New("")
	}

	a.Publisher = events.New(&events.Config{
		Enabled:          cfg.Kafka.Enabled,
		Brokers:          cfg.Kafka.Brokers,
		TopicTranscripts: cfg.Kafka.TopicTranscripts,
		TopicEvents:      cfg.Kafka.TopicEvents,
		Principal:        cfg.Kafka.Principal,
	})
	a.Redis = events.NewRedisSink(events.RedisConfig{
		Enabled:       cfg.Redis.Enabled,
		Addr:          cfg.Redis.Addr,
		Password:      cfg.Redis.Password,
		DB:            cfg.Redis.DB,
		ChannelPrefix: cfg.Redis.ChannelPrefix,
	})

	a.Registry = registry.New(ctx, registry.Config{
		MaxSessions: cfg.Session.MaxSessions,
		StopTimeout: cfg.Session.StopTimeout,
		Session:     SessionConfig(cfg),
	}, stream.Deps{
		Engine:    a.Engine,
		Converter: a.Converter,
		Phrases:   a.Phrases,
		Sink:      events.Multi{a.Publisher, a.Redis},
		Metrics:   metrics.DefaultMetrics,
	})

	startLogger.Info().
		Time("startupTime", a.StartupTime).
		Str("sttProvider", a.Engine.Name()).
		Str("converter", cfg.Converter.Kind).
		Int("phrases", a.Phrases.Len()).
		Int("maxSessions", cfg.Session.MaxSessions).
		Msg("AI Speech Stream service starting")

	return nil
}

// Ready reports whether the service can accept sessions.
func (a *Application) Ready() error {
	if a.Registry == nil {
		return errors.New("application not started")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := a.Redis.Ping(ctx); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	return nil
}

// Shutdown stops every session, flushes the sinks and releases the engine.
func (a *Application) Shutdown(ctx context.Context) {
	shutdownLogger := a.Logger.With().
		Str("method", "Shutdown").
		Logger()

	shutdownLogger.Info().Msg("AI Speech Stream service shutting down")

	if a.Registry != nil {
		if err := a.Registry.StopAll(ctx); err != nil {
			shutdownLogger.Warn().Err(err).Msg("Sessions did not stop in time")
		}
	}
	if a.Phrases != nil && a.Cfg.Phrases.DictionaryFile != "" {
		if err := a.Phrases.Save(); err != nil {
			shutdownLogger.Warn().Err(err).Msg("Failed to save phrase dictionary")
		}
	}

	var closers []io.Closer
	if a.Publisher != nil {
		closers = append(closers, a.Publisher)
	}
	if a.Redis != nil {
		closers = append(closers, a.Redis)
	}
	if c, ok := a.Engine.(io.Closer); ok {
		closers = append(closers, c)
	}
	for _, c := range closers {
		if err := c.Close(); err != nil {
			shutdownLogger.Warn().Err(err).Msg("Close failed")
		}
	}
}

// NewEngine builds the configured transcription engine.
func NewEngine(ctx context.Context, cfg config.STTConfig) (stt.Engine, error) {
	switch strings.ToLower(cfg.Provider) {
	case google.ProviderName:
		gc := google.DefaultConfig()
		gc.LanguageCode = cfg.LanguageCode
		gc.SampleRateHz = cfg.SampleRateHz
		gc.AudioEncoding = cfg.AudioEncoding
		gc.Model = cfg.Model
		gc.EnhancedModel = cfg.EnhancedModel
		return google.New(ctx, gc)
	case mock.ProviderName, "":
		return mock.New(mock.Config{
			MinSpeechBytes: cfg.MinSpeechBytes,
			Latency:        cfg.MockLatency,
		}), nil
	default:
		return nil, fmt.Errorf("unknown stt provider %q", cfg.Provider)
	}
}

// NewConverter builds the configured container converter.
func NewConverter(cfg config.ConverterConfig, sampleRateHz int) convert.Converter {
	if strings.ToLower(cfg.Kind) == "ffmpeg" {
		return convert.NewFFmpeg(convert.FFmpegConfig{
			Path:       cfg.FFmpegPath,
			SampleRate: sampleRateHz,
			TempDir:    cfg.TempDir,
		})
	}
	return convert.Passthrough{}
}

// SessionConfig maps the service configuration onto session tunables.
func SessionConfig(cfg *config.Config) stream.Config {
	q := quality.DefaultConfig()
	q.LowBytes = cfg.Quality.LowBytes
	q.HighBytes = cfg.Quality.HighBytes
	q.Cutoff = cfg.Quality.Cutoff
	q.ConsecutiveLimit = cfg.Quality.ConsecutiveLimit
	q.HistorySize = cfg.Quality.HistorySize

	return stream.Config{
		Window: window.Config{
			Size:        cfg.Window.Size,
			SlideStep:   cfg.Window.SlideStep,
			Overlap:     cfg.Window.Overlap,
			MaxChunks:   cfg.Window.MaxChunks,
			MinInterval: cfg.Window.MinInterval,
		},
		BufferCapacity:   cfg.Window.BufferCapacity,
		SilenceMinChunks: cfg.Window.SilenceMinChunks,
		SilenceThreshold: cfg.Window.SilenceThreshold,
		PollTimeout:      cfg.Window.PollTimeout,

		Dedup: dedup.Config{
			HistorySize: cfg.Dedup.HistorySize,
			Staleness:   cfg.Dedup.Staleness,
		},
		Quality: q,

		QueueSize:              cfg.Session.QueueSize,
		EventBuffer:            cfg.Session.EventBuffer,
		MaxChunkBytes:          int(cfg.Session.MaxChunkBytes),
		MaxDuration:            cfg.Session.MaxDuration,
		ChunkRate:              cfg.Session.ChunkRate,
		ChunkBurst:             cfg.Session.ChunkBurst,
		AttemptTimeout:         cfg.Session.AttemptTimeout,
		MaxConsecutiveFailures: cfg.Session.MaxConsecutiveFailures,

		DefaultConfidence:   cfg.Session.DefaultConfidence,
		MinPhraseSimilarity: cfg.Phrases.MinSimilarity,

		InputFormat:  cfg.Converter.InputFormat,
		LanguageCode: cfg.STT.LanguageCode,
		SampleRateHz: cfg.STT.SampleRateHz,
	}
}
