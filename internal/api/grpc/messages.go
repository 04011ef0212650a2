package grpcapi

import (
	"encoding/json"

	"ai-speech-stream-service/internal/models"
	"ai-speech-stream-service/internal/service/stream"
)

// StreamRequest is one client frame. The first frame carries Start; later
// frames carry Audio; Stop (or half-closing the stream) ends the session.
type StreamRequest struct {
	Start *StartFrame `json:"start,omitempty"`
	Audio []byte      `json:"audio,omitempty"`
	Stop  bool        `json:"stop,omitempty"`
}

// StartFrame opens a session.
type StartFrame struct {
	SessionID      string `json:"sessionId,omitempty"`
	LanguageCode   string `json:"languageCode,omitempty"`
	InputFormat    string `json:"inputFormat,omitempty"`
	UseCalibration bool   `json:"useCalibration,omitempty"`
	UsePhrases     bool   `json:"usePhrases,omitempty"`
}

func (f *StartFrame) options() stream.Options {
	return stream.Options{
		ID:             f.SessionID,
		LanguageCode:   f.LanguageCode,
		InputFormat:    f.InputFormat,
		UseCalibration: f.UseCalibration,
		UsePhrases:     f.UsePhrases,
	}
}

// StreamResponse is one server frame. Exactly one field is set.
type StreamResponse struct {
	SessionID string               `json:"sessionId,omitempty"` // first frame
	Event     *EventFrame          `json:"event,omitempty"`
	Error     string               `json:"error,omitempty"` // a rejected audio frame
	Stats     *models.SessionStats `json:"stats,omitempty"` // last frame
}

// EventFrame wraps a session event with its type.
type EventFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func newEventFrame(ev models.Event) (*EventFrame, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return &EventFrame{Type: ev.Type(), Payload: payload}, nil
}

// Event decodes the payload into its typed model.
func (f *EventFrame) Event() (models.Event, error) {
	return models.Decode(f.Type, f.Payload)
}
