// Package schema checks session events before they leave the process.
package schema

import (
	"errors"
	"fmt"
	"strings"

	"ai-speech-stream-service/internal/models"
)

// ErrInvalidEvent is wrapped by every validation failure.
var ErrInvalidEvent = errors.New("invalid event")

// Validator checks the required fields of each event type.
type Validator struct{}

func New() *Validator {
	return &Validator{}
}

func (v *Validator) Validate(event models.Event) error {
	if event == nil {
		return fmt.Errorf("%w: nil event", ErrInvalidEvent)
	}
	if strings.TrimSpace(event.Key()) == "" {
		return fmt.Errorf("%w: %s without session id", ErrInvalidEvent, event.Type())
	}

	switch e := event.(type) {
	case *models.TranscriptionChunk:
		if strings.TrimSpace(e.Text) == "" {
			return fmt.Errorf("%w: empty transcript text", ErrInvalidEvent)
		}
		if e.Confidence < 0 || e.Confidence > 1 {
			return fmt.Errorf("%w: confidence %v outside [0,1]", ErrInvalidEvent, e.Confidence)
		}
		if e.IsFinal {
			return fmt.Errorf("%w: incremental transcript marked final", ErrInvalidEvent)
		}
	case *models.TranscriptionError:
		if e.Detail == "" {
			return fmt.Errorf("%w: error without detail", ErrInvalidEvent)
		}
	case *models.QualityWarning:
		if e.Message == "" {
			return fmt.Errorf("%w: warning without message", ErrInvalidEvent)
		}
	case *models.StreamingStopped:
		if e.Stats.SessionID != e.SessionID {
			return fmt.Errorf("%w: stats for %q in stop event of %q", ErrInvalidEvent, e.Stats.SessionID, e.SessionID)
		}
	default:
		return fmt.Errorf("%w: unknown type %s", ErrInvalidEvent, event.Type())
	}
	return nil
}
