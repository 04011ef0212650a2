// Package models defines the events a streaming session produces.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event types as they appear on the wire.
const (
	EventTranscriptionChunk = "transcription.chunk"
	EventTranscriptionError = "transcription.error"
	EventQualityWarning     = "audio.quality.warning"
	EventStreamingStopped   = "streaming.stopped"
)

// Event is any session event. Key is the session ID, used for partitioning.
type Event interface {
	Type() string
	Key() string
}

// TranscriptionChunk is an incremental transcript for one window.
type TranscriptionChunk struct {
	EventType      string  `json:"eventType"`
	SessionID      string  `json:"sessionId"`
	Timestamp      int64   `json:"timestamp"`
	Text           string  `json:"text"`
	Confidence     float64 `json:"confidence"`
	ChunkID        uint64  `json:"chunkId"`
	WindowPosition int     `json:"windowPosition"`
	IsFinal        bool    `json:"isFinal"`
	Corrected      bool    `json:"corrected,omitempty"`
}

// TranscriptionError reports a failed attempt or a fatal session fault.
type TranscriptionError struct {
	EventType string `json:"eventType"`
	SessionID string `json:"sessionId"`
	Timestamp int64  `json:"timestamp"`
	Detail    string `json:"detail"`
	Fatal     bool   `json:"fatal"`
}

// QualityWarning is the advisory raised after sustained poor input.
type QualityWarning struct {
	EventType    string  `json:"eventType"`
	SessionID    string  `json:"sessionId"`
	Timestamp    int64   `json:"timestamp"`
	Message      string  `json:"message"`
	AverageScore float64 `json:"averageScore"`
}

// StreamingStopped is the last event of every session.
type StreamingStopped struct {
	EventType string       `json:"eventType"`
	SessionID string       `json:"sessionId"`
	Timestamp int64        `json:"timestamp"`
	Reason    string       `json:"reason"`
	Stats     SessionStats `json:"stats"`
}

// SessionStats are the usage figures returned when a session stops.
type SessionStats struct {
	SessionID          string    `json:"sessionId"`
	StartedAt          time.Time `json:"startedAt"`
	StoppedAt          time.Time `json:"stoppedAt"`
	DurationSeconds    float64   `json:"durationSeconds"`
	BillableMinutes    int       `json:"billableMinutes"`
	ChunksReceived     int64     `json:"chunksReceived"`
	BytesReceived      int64     `json:"bytesReceived"`
	WindowsAttempted   int64     `json:"windowsAttempted"`
	TranscriptsEmitted int64     `json:"transcriptsEmitted"`
	Duplicates         int64     `json:"duplicates"`
	NoSpeechWindows    int64     `json:"noSpeechWindows"`
	Errors             int64     `json:"errors"`
	QualityWarnings    int64     `json:"qualityWarnings"`
	UseCalibration     bool      `json:"useCalibration"`
	UsePhrases         bool      `json:"usePhrases"`
}

func (e *TranscriptionChunk) Type() string { return EventTranscriptionChunk }
func (e *TranscriptionChunk) Key() string  { return e.SessionID }
func (e *TranscriptionError) Type() string { return EventTranscriptionError }
func (e *TranscriptionError) Key() string  { return e.SessionID }
func (e *QualityWarning) Type() string     { return EventQualityWarning }
func (e *QualityWarning) Key() string      { return e.SessionID }
func (e *StreamingStopped) Type() string   { return EventStreamingStopped }
func (e *StreamingStopped) Key() string    { return e.SessionID }

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

// NewTranscriptionChunk builds a non-final transcript event.
func NewTranscriptionChunk(sessionID, text string, confidence float64, chunkID uint64, windowPos int, at time.Time) *TranscriptionChunk {
	return &TranscriptionChunk{
		EventType:      EventTranscriptionChunk,
		SessionID:      sessionID,
		Timestamp:      millis(at),
		Text:           text,
		Confidence:     confidence,
		ChunkID:        chunkID,
		WindowPosition: windowPos,
	}
}

// NewTranscriptionError builds an error event.
func NewTranscriptionError(sessionID, detail string, fatal bool, at time.Time) *TranscriptionError {
	return &TranscriptionError{
		EventType: EventTranscriptionError,
		SessionID: sessionID,
		Timestamp: millis(at),
		Detail:    detail,
		Fatal:     fatal,
	}
}

// NewQualityWarning builds a quality advisory.
func NewQualityWarning(sessionID, message string, avg float64, at time.Time) *QualityWarning {
	return &QualityWarning{
		EventType:    EventQualityWarning,
		SessionID:    sessionID,
		Timestamp:    millis(at),
		Message:      message,
		AverageScore: avg,
	}
}

// NewStreamingStopped builds the final session event.
func NewStreamingStopped(stats SessionStats, reason string) *StreamingStopped {
	return &StreamingStopped{
		EventType: EventStreamingStopped,
		SessionID: stats.SessionID,
		Timestamp: millis(stats.StoppedAt),
		Reason:    reason,
		Stats:     stats,
	}
}

// Decode unmarshals data into the model registered for eventType.
func Decode(eventType string, data []byte) (Event, error) {
	var ev Event
	switch eventType {
	case EventTranscriptionChunk:
		ev = &TranscriptionChunk{}
	case EventTranscriptionError:
		ev = &TranscriptionError{}
	case EventQualityWarning:
		ev = &QualityWarning{}
	case EventStreamingStopped:
		ev = &StreamingStopped{}
	default:
		return nil, fmt.Errorf("unknown event type %q", eventType)
	}
	if err := json.Unmarshal(data, ev); err != nil {
		return nil, fmt.Errorf("decode %s: %w", eventType, err)
	}
	return ev, nil
}
