// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ai_speech_stream"

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Transport stream metrics (gRPC streams and WebSocket connections)
	StreamsTotal   *prometheus.CounterVec
	StreamsActive  *prometheus.GaugeVec
	StreamsFailed  *prometheus.CounterVec
	StreamDuration *prometheus.HistogramVec

	// Session metrics
	SessionsCreated  prometheus.Counter
	SessionsActive   prometheus.Gauge
	SessionsStopped  *prometheus.CounterVec
	SessionDuration  prometheus.Histogram
	SessionsRejected *prometheus.CounterVec

	// Audio metrics
	ChunksReceived     prometheus.Counter
	AudioBytesReceived prometheus.Counter
	ChunksRejected     *prometheus.CounterVec
	ChunksEvicted      prometheus.Counter

	// Window metrics
	WindowsTriggered *prometheus.CounterVec
	NoSpeechWindows  prometheus.Counter

	// Transcript metrics
	TranscriptsEmitted   prometheus.Counter
	DuplicatesSuppressed *prometheus.CounterVec
	PhraseCorrections    prometheus.Counter
	QualityWarnings      prometheus.Counter
	EventsDropped        *prometheus.CounterVec

	// Kafka publish metrics
	KafkaPublishTotal   *prometheus.CounterVec
	KafkaPublishErrors  *prometheus.CounterVec
	KafkaPublishLatency *prometheus.HistogramVec

	// Redis publish metrics
	RedisPublishTotal  *prometheus.CounterVec
	RedisPublishErrors *prometheus.CounterVec

	// STT metrics
	STTLatency *prometheus.HistogramVec
	STTErrors  *prometheus.CounterVec

	// Converter metrics
	ConvertLatency prometheus.Histogram
	ConvertErrors  prometheus.Counter
}

// DefaultMetrics is the global metrics instance.
var DefaultMetrics = NewMetrics()

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		StreamsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_total",
			Help:      "Total number of client streams started",
		}, []string{"transport"}),
		StreamsActive: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streams_active",
			Help:      "Number of currently open client streams",
		}, []string{"transport"}),
		StreamsFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_failed_total",
			Help:      "Total number of client streams that ended with an error",
		}, []string{"transport"}),
		StreamDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stream_duration_seconds",
			Help:      "Duration of client streams in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"transport"}),

		SessionsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Total number of streaming sessions created",
		}),
		SessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of sessions whose worker is running",
		}),
		SessionsStopped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_stopped_total",
			Help:      "Total number of sessions stopped",
		}, []string{"reason"}),
		SessionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Duration of streaming sessions in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		}),
		SessionsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_rejected_total",
			Help:      "Total number of session creations refused",
		}, []string{"reason"}),

		ChunksReceived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_received_total",
			Help:      "Total audio chunks accepted into session queues",
		}),
		AudioBytesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_received_total",
			Help:      "Total audio bytes accepted",
		}),
		ChunksRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_rejected_total",
			Help:      "Total audio chunks refused at admission",
		}, []string{"reason"}),
		ChunksEvicted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_evicted_total",
			Help:      "Total chunks evicted from full session buffers",
		}),

		WindowsTriggered: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "windows_triggered_total",
			Help:      "Total transcription windows triggered",
		}, []string{"reason"}),
		NoSpeechWindows: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "windows_no_speech_total",
			Help:      "Total windows in which the engine found no speech",
		}),

		TranscriptsEmitted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_emitted_total",
			Help:      "Total transcription chunks emitted to callers",
		}),
		DuplicatesSuppressed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicates_suppressed_total",
			Help:      "Total transcription results suppressed as repeats",
		}, []string{"verdict"}),
		PhraseCorrections: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phrase_corrections_total",
			Help:      "Total words replaced by phrase correction",
		}),
		QualityWarnings: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quality_warnings_total",
			Help:      "Total audio quality advisories raised",
		}),
		EventsDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Total session events dropped because a consumer was full or failing",
		}, []string{"sink"}),

		KafkaPublishTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_total",
			Help:      "Total number of Kafka messages published",
		}, []string{"topic", "event_type"}),
		KafkaPublishErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_errors_total",
			Help:      "Total number of Kafka publish errors",
		}, []string{"topic", "event_type"}),
		KafkaPublishLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "kafka_publish_latency_seconds",
			Help:      "Kafka publish latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"topic"}),

		RedisPublishTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redis_publish_total",
			Help:      "Total number of Redis PUBLISH calls",
		}, []string{"event_type"}),
		RedisPublishErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redis_publish_errors_total",
			Help:      "Total number of failed Redis PUBLISH calls",
		}, []string{"event_type"}),

		STTLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stt_latency_seconds",
			Help:      "Transcription engine latency per window in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"provider", "outcome"}),
		STTErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stt_errors_total",
			Help:      "Total number of transcription engine errors",
		}, []string{"provider", "error_type"}),

		ConvertLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "convert_latency_seconds",
			Help:      "Window container conversion latency in seconds",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		ConvertErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "convert_errors_total",
			Help:      "Total number of failed window conversions",
		}),
	}
}

// RecordStreamStart records a client stream opening.
func (m *Metrics) RecordStreamStart(transport string) {
	m.StreamsTotal.WithLabelValues(transport).Inc()
	m.StreamsActive.WithLabelValues(transport).Inc()
}

// RecordStreamEnd records a client stream closing.
func (m *Metrics) RecordStreamEnd(transport string, success bool, durationSeconds float64) {
	m.StreamsActive.WithLabelValues(transport).Dec()
	m.StreamDuration.WithLabelValues(transport).Observe(durationSeconds)
	if !success {
		m.StreamsFailed.WithLabelValues(transport).Inc()
	}
}

// RecordSessionStart records a session worker starting.
func (m *Metrics) RecordSessionStart() {
	m.SessionsCreated.Inc()
	m.SessionsActive.Inc()
}

// RecordSessionEnd records a session worker exiting.
func (m *Metrics) RecordSessionEnd(reason string, durationSeconds float64) {
	m.SessionsActive.Dec()
	m.SessionsStopped.WithLabelValues(reason).Inc()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordSessionRejected records a refused session creation.
func (m *Metrics) RecordSessionRejected(reason string) {
	m.SessionsRejected.WithLabelValues(reason).Inc()
}

// RecordChunkAccepted records a chunk entering a session queue.
func (m *Metrics) RecordChunkAccepted(bytes int) {
	m.ChunksReceived.Inc()
	m.AudioBytesReceived.Add(float64(bytes))
}

// RecordChunkRejected records a chunk refused at admission.
func (m *Metrics) RecordChunkRejected(reason string) {
	m.ChunksRejected.WithLabelValues(reason).Inc()
}

// RecordChunkEvicted records a chunk evicted from a full buffer.
func (m *Metrics) RecordChunkEvicted() {
	m.ChunksEvicted.Inc()
}

// RecordWindow records a triggered transcription window.
func (m *Metrics) RecordWindow(reason string) {
	m.WindowsTriggered.WithLabelValues(reason).Inc()
}

// RecordNoSpeech records a window without speech.
func (m *Metrics) RecordNoSpeech() {
	m.NoSpeechWindows.Inc()
}

// RecordTranscriptEmitted records a transcript sent to the caller.
func (m *Metrics) RecordTranscriptEmitted() {
	m.TranscriptsEmitted.Inc()
}

// RecordDuplicate records a suppressed repeat.
func (m *Metrics) RecordDuplicate(verdict string) {
	m.DuplicatesSuppressed.WithLabelValues(verdict).Inc()
}

// RecordPhraseCorrections records replaced words.
func (m *Metrics) RecordPhraseCorrections(n int) {
	m.PhraseCorrections.Add(float64(n))
}

// RecordQualityWarning records an audio quality advisory.
func (m *Metrics) RecordQualityWarning() {
	m.QualityWarnings.Inc()
}

// RecordEventDropped records an event a sink could not take.
func (m *Metrics) RecordEventDropped(sink string) {
	m.EventsDropped.WithLabelValues(sink).Inc()
}

// RecordKafkaPublish records a Kafka publish attempt.
func (m *Metrics) RecordKafkaPublish(topic, eventType string, err error, latencySeconds float64) {
	m.KafkaPublishTotal.WithLabelValues(topic, eventType).Inc()
	m.KafkaPublishLatency.WithLabelValues(topic).Observe(latencySeconds)
	if err != nil {
		m.KafkaPublishErrors.WithLabelValues(topic, eventType).Inc()
	}
}

// RecordRedisPublish records a Redis publish attempt.
func (m *Metrics) RecordRedisPublish(eventType string, err error) {
	m.RedisPublishTotal.WithLabelValues(eventType).Inc()
	if err != nil {
		m.RedisPublishErrors.WithLabelValues(eventType).Inc()
	}
}

// RecordSTT records one engine call.
func (m *Metrics) RecordSTT(provider, outcome string, latencySeconds float64) {
	m.STTLatency.WithLabelValues(provider, outcome).Observe(latencySeconds)
}

// RecordSTTError records an STT error.
func (m *Metrics) RecordSTTError(provider, errorType string) {
	m.STTErrors.WithLabelValues(provider, errorType).Inc()
}

// RecordConvert records one window conversion.
func (m *Metrics) RecordConvert(err error, latencySeconds float64) {
	m.ConvertLatency.Observe(latencySeconds)
	if err != nil {
		m.ConvertErrors.Inc()
	}
}
