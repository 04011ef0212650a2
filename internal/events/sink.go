// Package events delivers session events to downstream systems.
package events

import (
	"context"
	"errors"

	"ai-speech-stream-service/internal/models"
)

// Sink receives every event a session produces. Implementations must be
// safe for concurrent use by many sessions.
type Sink interface {
	Emit(ctx context.Context, event models.Event) error
}

// Discard drops every event.
type Discard struct{}

// Emit implements Sink.
func (Discard) Emit(context.Context, models.Event) error { return nil }

// Multi fans an event out to several sinks. Every sink is attempted; the
// errors are joined.
type Multi []Sink

// Emit implements Sink.
func (m Multi) Emit(ctx context.Context, event models.Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Emit(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
