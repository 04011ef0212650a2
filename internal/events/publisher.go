package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"ai-speech-stream-service/internal/models"
	"ai-speech-stream-service/internal/observability/metrics"
	"ai-speech-stream-service/internal/schema"
)

// Publisher publishes session events to Kafka: transcripts to one topic,
// lifecycle, error and quality events to another. Messages are keyed by
// session ID so a session's events stay ordered within a partition.
type Publisher struct {
	writerTranscripts *kafka.Writer
	writerEvents      *kafka.Writer
	principal         string
	topicTranscripts  string
	topicEvents       string
	enabled           bool
	validator         *schema.Validator
	metrics           *metrics.Metrics
}

// Config holds Kafka publisher configuration.
type Config struct {
	Brokers          []string
	TopicTranscripts string
	TopicEvents      string
	Principal        string
	Enabled          bool
}

// New creates a new Kafka event publisher.
func New(cfg *Config) *Publisher {
	m := metrics.DefaultMetrics
	v := schema.New()

	if cfg == nil {
		log.Info().Msg("Kafka disabled (nil config), using log-only mode")
		return &Publisher{
			enabled:   false,
			validator: v,
			metrics:   m,
		}
	}

	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		log.Info().Msg("Kafka disabled, using log-only mode")
		return &Publisher{
			principal:        cfg.Principal,
			topicTranscripts: cfg.TopicTranscripts,
			topicEvents:      cfg.TopicEvents,
			enabled:          false,
			validator:        v,
			metrics:          m,
		}
	}

	// Longer dial timeout for DNS resolution in Kubernetes
	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	transport := &kafka.Transport{
		Dial: dialer.DialFunc,
	}

	log.Info().
		Strs("brokers", cfg.Brokers).
		Str("topicTranscripts", cfg.TopicTranscripts).
		Str("topicEvents", cfg.TopicEvents).
		Str("principal", cfg.Principal).
		Msg("Kafka publisher initialized")

	return &Publisher{
		writerTranscripts: newWriter(cfg.Brokers, cfg.TopicTranscripts, transport),
		writerEvents:      newWriter(cfg.Brokers, cfg.TopicEvents, transport),
		principal:         cfg.Principal,
		topicTranscripts:  cfg.TopicTranscripts,
		topicEvents:       cfg.TopicEvents,
		enabled:           true,
		validator:         v,
		metrics:           m,
	}
}

func newWriter(brokers []string, topic string, transport *kafka.Transport) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Transport:    transport,
	}
}

// Emit implements Sink. Events failing validation are not published.
func (p *Publisher) Emit(ctx context.Context, event models.Event) error {
	if err := p.validator.Validate(event); err != nil {
		log.Warn().Err(err).Msg("Dropping invalid event")
		p.metrics.RecordEventDropped("kafka")
		return err
	}
	if event.Type() == models.EventTranscriptionChunk {
		return p.PublishTranscript(ctx, event.Key(), event)
	}
	return p.PublishEvent(ctx, event.Type(), event.Key(), event)
}

// PublishTranscript publishes a transcript event to the transcripts topic.
func (p *Publisher) PublishTranscript(ctx context.Context, key string, event any) error {
	return p.publish(ctx, p.writerTranscripts, p.topicTranscripts, models.EventTranscriptionChunk, key, event)
}

// PublishEvent publishes a non-transcript session event to the events topic.
func (p *Publisher) PublishEvent(ctx context.Context, eventType, key string, event any) error {
	return p.publish(ctx, p.writerEvents, p.topicEvents, eventType, key, event)
}

func (p *Publisher) publish(ctx context.Context, writer *kafka.Writer, topic, eventType, key string, event any) error {
	start := time.Now()

	payload, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("Failed to marshal event")
		return fmt.Errorf("marshal %s event: %w", eventType, err)
	}

	log.Debug().
		Str("principal", p.principal).
		Str("topic", topic).
		Str("key", key).
		RawJSON("payload", payload).
		Msg("Publishing event")

	if !p.enabled || writer == nil {
		p.metrics.RecordKafkaPublish(topic, eventType, nil, time.Since(start).Seconds())
		return nil
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(eventType)},
			{Key: "principal", Value: []byte(p.principal)},
		},
	}

	if err := writer.WriteMessages(ctx, msg); err != nil {
		log.Error().
			Err(err).
			Str("topic", topic).
			Str("key", key).
			Msg("Failed to write to Kafka")
		p.metrics.RecordKafkaPublish(topic, eventType, err, time.Since(start).Seconds())
		return err
	}

	p.metrics.RecordKafkaPublish(topic, eventType, nil, time.Since(start).Seconds())
	return nil
}

// Close closes both Kafka writers.
func (p *Publisher) Close() error {
	var err error
	if p.writerTranscripts != nil {
		if e := p.writerTranscripts.Close(); e != nil {
			log.Error().Err(e).Msg("Error closing transcripts writer")
			err = e
		}
	}
	if p.writerEvents != nil {
		if e := p.writerEvents.Close(); e != nil {
			log.Error().Err(e).Msg("Error closing events writer")
			err = e
		}
	}
	return err
}
