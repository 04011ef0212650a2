package schema

import (
	"errors"
	"testing"
	"time"

	"ai-speech-stream-service/internal/models"
)

func TestValidate(t *testing.T) {
	now := time.Now()
	v := New()

	tests := []struct {
		name    string
		event   models.Event
		wantErr bool
	}{
		{"valid transcript", models.NewTranscriptionChunk("s", "hello there", 0.85, 1, 0, now), false},
		{"missing session", models.NewTranscriptionChunk("", "hello there", 0.85, 1, 0, now), true},
		{"empty text", models.NewTranscriptionChunk("s", "  ", 0.85, 1, 0, now), true},
		{"confidence above 1", models.NewTranscriptionChunk("s", "hello", 1.1, 1, 0, now), true},
		{"negative confidence", models.NewTranscriptionChunk("s", "hello", -0.1, 1, 0, now), true},
		{"final transcript", &models.TranscriptionChunk{SessionID: "s", Text: "hello", IsFinal: true}, true},
		{"valid error", models.NewTranscriptionError("s", "engine timeout", false, now), false},
		{"error without detail", models.NewTranscriptionError("s", "", false, now), true},
		{"valid warning", models.NewQualityWarning("s", "poor audio", 0.3, now), false},
		{"warning without message", models.NewQualityWarning("s", "", 0.3, now), true},
		{"valid stop", models.NewStreamingStopped(models.SessionStats{SessionID: "s", StoppedAt: now}, "stopped"), false},
		{"mismatched stats", &models.StreamingStopped{SessionID: "s", Stats: models.SessionStats{SessionID: "t"}}, true},
		{"nil", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(tt.event)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidEvent) {
				t.Errorf("expected ErrInvalidEvent, got %v", err)
			}
		})
	}
}
