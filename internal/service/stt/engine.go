// Package stt defines the Transcription Engine boundary used by streaming
// sessions: one synchronous call per window.
package stt

import (
	"context"
	"errors"
	"fmt"
)

// ErrNoSpeech is returned when the engine found no speech in the window.
// It is not a failure: the session advances past the window silently.
var ErrNoSpeech = errors.New("stt: no speech detected")

// ErrEngineClosed is returned by an engine that can no longer serve
// requests. Sessions treat it as unrecoverable.
var ErrEngineClosed = errors.New("stt: engine closed")

// Request is one window of audio to transcribe.
type Request struct {
	Audio          []byte
	Format         string // container or encoding of Audio, e.g. "s16le"
	LanguageCode   string
	SampleRateHz   int
	UseCalibration bool // caller asked for its calibrated microphone profile
}

// Result is the engine output for a window that contained speech.
type Result struct {
	Text          string
	Confidence    float64
	HasConfidence bool // false when the engine does not report confidence
}

// RequestError is a transient failure of a single transcription request.
type RequestError struct {
	Provider string
	Err      error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("stt request failed (provider=%s): %v", e.Provider, e.Err)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// NewRequestError wraps err as a transient request failure.
func NewRequestError(provider string, err error) *RequestError {
	return &RequestError{Provider: provider, Err: err}
}

// IsFatal reports whether err should end the session.
func IsFatal(err error) bool {
	return errors.Is(err, ErrEngineClosed)
}

// Engine transcribes a single window of audio. Implementations must be
// safe for concurrent use by multiple sessions and should honour ctx.
type Engine interface {
	// Name identifies the provider in logs and metrics.
	Name() string

	// Transcribe returns the text for the window, ErrNoSpeech when the
	// window holds no speech, or an error (usually *RequestError).
	Transcribe(ctx context.Context, req Request) (Result, error)
}
