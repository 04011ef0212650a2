// Package config loads service configuration from an optional YAML file and
// environment variables. Environment variables win over the file, and the
// file wins over built-in defaults. Unparseable values keep the previous
// value.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config is the full service configuration.
type Config struct {
	Service       ServiceConfig       `yaml:"service"`
	STT           STTConfig           `yaml:"stt"`
	Converter     ConverterConfig     `yaml:"converter"`
	Window        WindowConfig        `yaml:"window"`
	Dedup         DedupConfig         `yaml:"dedup"`
	Quality       QualityConfig       `yaml:"quality"`
	Session       SessionConfig       `yaml:"session"`
	Phrases       PhrasesConfig       `yaml:"phrases"`
	Kafka         KafkaConfig         `yaml:"kafka"`
	Redis         RedisConfig         `yaml:"redis"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ServiceConfig struct {
	Principal       string        `yaml:"principal"`
	GRPCPort        string        `yaml:"grpc_port"`
	HTTPPort        string        `yaml:"http_port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type STTConfig struct {
	Provider       string        `yaml:"provider"` // mock, google
	LanguageCode   string        `yaml:"language_code"`
	SampleRateHz   int           `yaml:"sample_rate_hz"`
	AudioEncoding  string        `yaml:"audio_encoding"`
	Model          string        `yaml:"model"`
	EnhancedModel  bool          `yaml:"enhanced_model"`
	MinSpeechBytes int           `yaml:"mock_min_speech_bytes"`
	MockLatency    time.Duration `yaml:"mock_latency"`
}

type ConverterConfig struct {
	Kind        string `yaml:"kind"` // passthrough, ffmpeg
	FFmpegPath  string `yaml:"ffmpeg_path"`
	InputFormat string `yaml:"input_format"`
	TempDir     string `yaml:"temp_dir"`
}

// WindowConfig holds the sliding window and worker timing parameters.
type WindowConfig struct {
	Size             int           `yaml:"size"`
	SlideStep        int           `yaml:"slide_step"`
	Overlap          int           `yaml:"overlap"`
	MaxChunks        int           `yaml:"max_chunks"`
	MinInterval      time.Duration `yaml:"min_interval"`
	BufferCapacity   int           `yaml:"buffer_capacity"`
	SilenceMinChunks int           `yaml:"silence_min_chunks"`
	SilenceThreshold time.Duration `yaml:"silence_threshold"`
	PollTimeout      time.Duration `yaml:"poll_timeout"`
}

type DedupConfig struct {
	HistorySize int           `yaml:"history_size"`
	Staleness   time.Duration `yaml:"staleness"`
}

type QualityConfig struct {
	LowBytes         int     `yaml:"low_bytes"`
	HighBytes        int     `yaml:"high_bytes"`
	Cutoff           float64 `yaml:"cutoff"`
	ConsecutiveLimit int     `yaml:"consecutive_limit"`
	HistorySize      int     `yaml:"history_size"`
}

// SessionConfig holds per-session limits and registry settings.
type SessionConfig struct {
	MaxSessions            int           `yaml:"max_sessions"`
	QueueSize              int           `yaml:"queue_size"`
	EventBuffer            int           `yaml:"event_buffer"`
	MaxChunkBytes          int64         `yaml:"max_chunk_bytes"`
	MaxDuration            time.Duration `yaml:"max_duration"`
	ChunkRate              float64       `yaml:"chunk_rate"` // chunks per second, 0 disables
	ChunkBurst             int           `yaml:"chunk_burst"`
	AttemptTimeout         time.Duration `yaml:"attempt_timeout"`
	MaxConsecutiveFailures int           `yaml:"max_consecutive_failures"` // 0 = unlimited
	StopTimeout            time.Duration `yaml:"stop_timeout"`
	JanitorInterval        time.Duration `yaml:"janitor_interval"`
	DefaultConfidence      float64       `yaml:"default_confidence"`
}

type PhrasesConfig struct {
	DictionaryFile string  `yaml:"dictionary_file"`
	MinSimilarity  float64 `yaml:"min_similarity"`
}

type KafkaConfig struct {
	Enabled          bool     `yaml:"enabled"`
	Brokers          []string `yaml:"brokers"`
	TopicTranscripts string   `yaml:"topic_transcripts"`
	TopicEvents      string   `yaml:"topic_events"`
	Principal        string   `yaml:"principal"`
}

type RedisConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Addr          string `yaml:"addr"`
	Password      string `yaml:"password"`
	DB            int    `yaml:"db"`
	ChannelPrefix string `yaml:"channel_prefix"`
}

type ObservabilityConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	MetricsPort string `yaml:"metrics_port"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			Principal:       "svc-speech-stream",
			GRPCPort:        "50051",
			HTTPPort:        "8080",
			ShutdownTimeout: 10 * time.Second,
		},
		STT: STTConfig{
			Provider:       "mock",
			LanguageCode:   "en-US",
			SampleRateHz:   16000,
			AudioEncoding:  "LINEAR16",
			MinSpeechBytes: 2048,
			MockLatency:    50 * time.Millisecond,
		},
		Converter: ConverterConfig{
			Kind:        "passthrough",
			FFmpegPath:  "ffmpeg",
			InputFormat: "webm",
		},
		Window: WindowConfig{
			Size:             4,
			SlideStep:        1,
			Overlap:          3,
			MaxChunks:        6,
			MinInterval:      500 * time.Millisecond,
			BufferCapacity:   25,
			SilenceMinChunks: 2,
			SilenceThreshold: 1500 * time.Millisecond,
			PollTimeout:      time.Second,
		},
		Dedup: DedupConfig{
			HistorySize: 8,
			Staleness:   10 * time.Second,
		},
		Quality: QualityConfig{
			LowBytes:         1000,
			HighBytes:        50000,
			Cutoff:           0.5,
			ConsecutiveLimit: 5,
			HistorySize:      10,
		},
		Session: SessionConfig{
			MaxSessions:       1000,
			QueueSize:         256,
			EventBuffer:       64,
			MaxChunkBytes:     1024 * 1024,
			MaxDuration:       2 * time.Hour,
			ChunkRate:         50,
			ChunkBurst:        100,
			AttemptTimeout:    15 * time.Second,
			StopTimeout:       2 * time.Second,
			JanitorInterval:   30 * time.Second,
			DefaultConfidence: 0.85,
		},
		Phrases: PhrasesConfig{
			MinSimilarity: 0.8,
		},
		Kafka: KafkaConfig{
			TopicTranscripts: "speech.transcripts.v1",
			TopicEvents:      "speech.session-events.v1",
		},
		Redis: RedisConfig{
			Addr:          "localhost:6379",
			ChannelPrefix: "speech:session:",
		},
		Observability: ObservabilityConfig{
			LogLevel:    "info",
			LogFormat:   "json",
			MetricsPort: "9090",
		},
	}
}

// Load builds the configuration from defaults, the YAML file named by
// CONFIG_FILE (if any) and the environment.
func Load() *Config {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Ignoring config file")
		}
	}

	cfg.applyEnv()
	return cfg
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	// Decode into a copy so a half-applied broken file cannot leak through.
	next := *c
	if err := yaml.Unmarshal(data, &next); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	*c = next
	return nil
}

func (c *Config) applyEnv() {
	s := &c.Service
	s.Principal = envOrDefault("SERVICE_PRINCIPAL", s.Principal)
	s.GRPCPort = envOrDefault("GRPC_PORT", s.GRPCPort)
	s.HTTPPort = envOrDefault("HTTP_PORT", s.HTTPPort)
	s.ShutdownTimeout = envOrDefaultDuration("SHUTDOWN_TIMEOUT", s.ShutdownTimeout)

	st := &c.STT
	st.Provider = envOrDefault("STT_PROVIDER", st.Provider)
	st.LanguageCode = envOrDefault("STT_LANGUAGE_CODE", st.LanguageCode)
	st.SampleRateHz = envOrDefaultInt("STT_SAMPLE_RATE_HZ", st.SampleRateHz)
	st.AudioEncoding = envOrDefault("STT_AUDIO_ENCODING", st.AudioEncoding)
	st.Model = envOrDefault("STT_MODEL", st.Model)
	st.EnhancedModel = envOrDefaultBool("STT_ENHANCED_MODEL", st.EnhancedModel)
	st.MinSpeechBytes = envOrDefaultInt("STT_MOCK_MIN_SPEECH_BYTES", st.MinSpeechBytes)
	st.MockLatency = envOrDefaultDuration("STT_MOCK_LATENCY", st.MockLatency)

	cv := &c.Converter
	cv.Kind = envOrDefault("CONVERTER_KIND", cv.Kind)
	cv.FFmpegPath = envOrDefault("FFMPEG_PATH", cv.FFmpegPath)
	cv.InputFormat = envOrDefault("CONVERTER_INPUT_FORMAT", cv.InputFormat)
	cv.TempDir = envOrDefault("CONVERTER_TEMP_DIR", cv.TempDir)

	w := &c.Window
	w.Size = envOrDefaultInt("WINDOW_SIZE", w.Size)
	w.SlideStep = envOrDefaultInt("WINDOW_SLIDE_STEP", w.SlideStep)
	w.Overlap = envOrDefaultInt("WINDOW_OVERLAP", w.Overlap)
	w.MaxChunks = envOrDefaultInt("WINDOW_MAX_CHUNKS", w.MaxChunks)
	w.MinInterval = envOrDefaultDuration("WINDOW_MIN_INTERVAL", w.MinInterval)
	w.BufferCapacity = envOrDefaultInt("WINDOW_BUFFER_CAPACITY", w.BufferCapacity)
	w.SilenceMinChunks = envOrDefaultInt("WINDOW_SILENCE_MIN_CHUNKS", w.SilenceMinChunks)
	w.SilenceThreshold = envOrDefaultDuration("WINDOW_SILENCE_THRESHOLD", w.SilenceThreshold)
	w.PollTimeout = envOrDefaultDuration("WINDOW_POLL_TIMEOUT", w.PollTimeout)

	d := &c.Dedup
	d.HistorySize = envOrDefaultInt("DEDUP_HISTORY_SIZE", d.HistorySize)
	d.Staleness = envOrDefaultDuration("DEDUP_STALENESS", d.Staleness)

	q := &c.Quality
	q.LowBytes = envOrDefaultInt("QUALITY_LOW_BYTES", q.LowBytes)
	q.HighBytes = envOrDefaultInt("QUALITY_HIGH_BYTES", q.HighBytes)
	q.Cutoff = envOrDefaultFloat("QUALITY_CUTOFF", q.Cutoff)
	q.ConsecutiveLimit = envOrDefaultInt("QUALITY_CONSECUTIVE_LIMIT", q.ConsecutiveLimit)
	q.HistorySize = envOrDefaultInt("QUALITY_HISTORY_SIZE", q.HistorySize)

	ss := &c.Session
	ss.MaxSessions = envOrDefaultInt("SESSION_MAX_SESSIONS", ss.MaxSessions)
	ss.QueueSize = envOrDefaultInt("SESSION_QUEUE_SIZE", ss.QueueSize)
	ss.EventBuffer = envOrDefaultInt("SESSION_EVENT_BUFFER", ss.EventBuffer)
	ss.MaxChunkBytes = envOrDefaultInt64("SESSION_MAX_CHUNK_BYTES", ss.MaxChunkBytes)
	ss.MaxDuration = envOrDefaultDuration("SESSION_MAX_DURATION", ss.MaxDuration)
	ss.ChunkRate = envOrDefaultFloat("SESSION_CHUNK_RATE", ss.ChunkRate)
	ss.ChunkBurst = envOrDefaultInt("SESSION_CHUNK_BURST", ss.ChunkBurst)
	ss.AttemptTimeout = envOrDefaultDuration("SESSION_ATTEMPT_TIMEOUT", ss.AttemptTimeout)
	ss.MaxConsecutiveFailures = envOrDefaultInt("SESSION_MAX_CONSECUTIVE_FAILURES", ss.MaxConsecutiveFailures)
	ss.StopTimeout = envOrDefaultDuration("SESSION_STOP_TIMEOUT", ss.StopTimeout)
	ss.JanitorInterval = envOrDefaultDuration("SESSION_JANITOR_INTERVAL", ss.JanitorInterval)
	ss.DefaultConfidence = envOrDefaultFloat("SESSION_DEFAULT_CONFIDENCE", ss.DefaultConfidence)

	p := &c.Phrases
	p.DictionaryFile = envOrDefault("PHRASE_DICTIONARY_FILE", p.DictionaryFile)
	p.MinSimilarity = envOrDefaultFloat("PHRASE_MIN_SIMILARITY", p.MinSimilarity)

	k := &c.Kafka
	k.Enabled = envOrDefaultBool("KAFKA_ENABLED", k.Enabled)
	k.Brokers = envOrDefaultList("KAFKA_BROKERS", k.Brokers)
	k.TopicTranscripts = envOrDefault("KAFKA_TOPIC_TRANSCRIPTS", k.TopicTranscripts)
	k.TopicEvents = envOrDefault("KAFKA_TOPIC_EVENTS", k.TopicEvents)
	k.Principal = envOrDefault("KAFKA_PRINCIPAL", k.Principal)
	if k.Principal == "" {
		k.Principal = s.Principal
	}

	r := &c.Redis
	r.Enabled = envOrDefaultBool("REDIS_ENABLED", r.Enabled)
	r.Addr = envOrDefault("REDIS_ADDR", r.Addr)
	r.Password = envOrDefault("REDIS_PASSWORD", r.Password)
	r.DB = envOrDefaultInt("REDIS_DB", r.DB)
	r.ChannelPrefix = envOrDefault("REDIS_CHANNEL_PREFIX", r.ChannelPrefix)

	o := &c.Observability
	o.LogLevel = envOrDefault("LOG_LEVEL", o.LogLevel)
	o.LogFormat = envOrDefault("LOG_FORMAT", o.LogFormat)
	o.MetricsPort = envOrDefault("METRICS_PORT", o.MetricsPort)
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envOrDefaultInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return def
}

func envOrDefaultFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envOrDefaultBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envOrDefaultDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envOrDefaultList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
