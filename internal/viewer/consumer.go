package viewer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"ai-speech-stream-service/internal/models"
)

// Frame is what the browser receives for each event.
type Frame struct {
	Type       string  `json:"type"`
	SessionID  string  `json:"sessionId"`
	Timestamp  int64   `json:"timestamp"`
	Text       string  `json:"text,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Corrected  bool    `json:"corrected,omitempty"`
	Detail     string  `json:"detail,omitempty"`
	Reason     string  `json:"reason,omitempty"`
	Minutes    int     `json:"minutes,omitempty"`
}

// MessageReader is the subset of *kafka.Reader the consumer needs.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// NewReader opens a partition reader on topic, positioned lookback ago.
// A partition reader needs no consumer group, which suits port-forwarded
// brokers.
func NewReader(ctx context.Context, brokers []string, topic string, lookback time.Duration) *kafka.Reader {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   brokers,
		Topic:     topic,
		Partition: 0,
		MinBytes:  1,
		MaxBytes:  10e6,
	})
	if lookback > 0 {
		_ = reader.SetOffsetAt(ctx, time.Now().Add(-lookback))
	}
	return reader
}

// Consume reads messages until ctx is done and hands decoded frames to
// publish. Undecodable messages are skipped.
func Consume(ctx context.Context, reader MessageReader, publish func(Frame) bool, log zerolog.Logger) error {
	defer reader.Close()

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
			log.Warn().Err(err).Str("topic", msg.Topic).Msg("Kafka read failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		frame, err := DecodeMessage(msg)
		if err != nil {
			log.Warn().Err(err).Int64("offset", msg.Offset).Msg("Skipping message")
			continue
		}
		log.Debug().
			Str("eventType", frame.Type).
			Str("sessionId", frame.SessionID).
			Str("text", truncate(frame.Text, 40)).
			Msg("Received event")
		publish(frame)
	}
}

// DecodeMessage turns a published event into a Frame. The type comes from
// the eventType header, or the payload when the header is missing.
func DecodeMessage(msg kafka.Message) (Frame, error) {
	eventType := ""
	for _, h := range msg.Headers {
		if h.Key == "eventType" {
			eventType = string(h.Value)
			break
		}
	}
	if eventType == "" {
		var envelope struct {
			EventType string `json:"eventType"`
		}
		if err := json.Unmarshal(msg.Value, &envelope); err != nil {
			return Frame{}, fmt.Errorf("read event type: %w", err)
		}
		eventType = envelope.EventType
	}

	ev, err := models.Decode(eventType, msg.Value)
	if err != nil {
		return Frame{}, err
	}
	return frameFor(ev), nil
}

func frameFor(ev models.Event) Frame {
	f := Frame{Type: ev.Type(), SessionID: ev.Key()}
	switch e := ev.(type) {
	case *models.TranscriptionChunk:
		f.Timestamp = e.Timestamp
		f.Text = e.Text
		f.Confidence = e.Confidence
		f.Corrected = e.Corrected
	case *models.TranscriptionError:
		f.Timestamp = e.Timestamp
		f.Detail = e.Detail
	case *models.QualityWarning:
		f.Timestamp = e.Timestamp
		f.Detail = e.Message
	case *models.StreamingStopped:
		f.Timestamp = e.Timestamp
		f.Reason = e.Reason
		f.Minutes = e.Stats.BillableMinutes
	}
	return f
}

func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit]) + "..."
}
