package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"ai-speech-stream-service/internal/models"
	"ai-speech-stream-service/internal/observability/metrics"
)

// RedisConfig holds Redis pub/sub configuration.
type RedisConfig struct {
	Addr          string
	Password      string
	DB            int
	ChannelPrefix string
	Enabled       bool
}

// RedisSink publishes each event to the channel <prefix><sessionId> so
// front ends can follow one session live.
type RedisSink struct {
	client  *redis.Client
	prefix  string
	metrics *metrics.Metrics
}

// NewRedisSink creates a Redis sink. A disabled sink drops events.
func NewRedisSink(cfg RedisConfig) *RedisSink {
	s := &RedisSink{prefix: cfg.ChannelPrefix, metrics: metrics.DefaultMetrics}
	if !cfg.Enabled || cfg.Addr == "" {
		log.Info().Msg("Redis sink disabled")
		return s
	}
	s.client = redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	log.Info().Str("addr", cfg.Addr).Str("prefix", cfg.ChannelPrefix).Msg("Redis sink initialized")
	return s
}

// Channel returns the pub/sub channel for a session.
func (s *RedisSink) Channel(sessionID string) string {
	return s.prefix + sessionID
}

// Ping checks the connection; a disabled sink is always healthy.
func (s *RedisSink) Ping(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Ping(ctx).Err()
}

// Emit implements Sink.
func (s *RedisSink) Emit(ctx context.Context, event models.Event) error {
	if s.client == nil {
		return nil
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event.Type(), err)
	}

	err = s.client.Publish(ctx, s.Channel(event.Key()), payload).Err()
	s.metrics.RecordRedisPublish(event.Type(), err)
	if err != nil {
		log.Error().Err(err).Str("channel", s.Channel(event.Key())).Msg("Failed to publish to Redis")
		return err
	}
	return nil
}

// Close closes the Redis client.
func (s *RedisSink) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}
