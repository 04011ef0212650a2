// Package mock provides a deterministic Transcription Engine for running the
// service without cloud credentials. The same window bytes always produce
// the same transcript, so overlapping windows behave like a real engine
// re-reading the same speech.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"ai-speech-stream-service/internal/service/stt"
)

// ProviderName identifies the mock engine in logs and metrics.
const ProviderName = "mock"

// SimulatedUtterance is a canned transcript.
type SimulatedUtterance struct {
	Text       string
	Confidence float64
}

// DefaultUtterances provides sample transcripts for simulation.
var DefaultUtterances = []SimulatedUtterance{
	{Text: "I want to cancel my subscription", Confidence: 0.94},
	{Text: "Yes please go ahead", Confidence: 0.97},
	{Text: "Can you help me with my account", Confidence: 0.91},
	{Text: "I've been waiting for over an hour", Confidence: 0.89},
	{Text: "Thank you very much", Confidence: 0.98},
}

// Response is one scripted engine reply.
type Response struct {
	Text       string
	Confidence float64 // 0 means the engine reports no confidence
	Err        error
}

// Config tunes the simulated engine.
type Config struct {
	// MinSpeechBytes: shorter windows are reported as no speech.
	MinSpeechBytes int
	// Latency simulates engine processing time.
	Latency time.Duration
	// Utterances overrides DefaultUtterances.
	Utterances []SimulatedUtterance
}

// DefaultConfig returns a config suitable for local development.
func DefaultConfig() Config {
	return Config{
		MinSpeechBytes: 2048,
		Latency:        50 * time.Millisecond,
	}
}

// Engine implements stt.Engine with simulated responses.
type Engine struct {
	cfg Config

	mu       sync.Mutex
	script   []Response
	requests int
	closed   bool
}

// New creates a mock engine.
func New(cfg Config) *Engine {
	if len(cfg.Utterances) == 0 {
		cfg.Utterances = DefaultUtterances
	}
	return &Engine{cfg: cfg}
}

// NewScripted creates an engine that replies with responses in order and
// falls back to simulation once the script is exhausted.
func NewScripted(cfg Config, responses ...Response) *Engine {
	e := New(cfg)
	e.script = append(e.script, responses...)
	return e
}

// Name implements stt.Engine.
func (e *Engine) Name() string {
	return ProviderName
}

// Transcribe implements stt.Engine.
func (e *Engine) Transcribe(ctx context.Context, req stt.Request) (stt.Result, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return stt.Result{}, stt.ErrEngineClosed
	}
	e.requests++
	var scripted *Response
	if len(e.script) > 0 {
		r := e.script[0]
		e.script = e.script[1:]
		scripted = &r
	}
	e.mu.Unlock()

	if e.cfg.Latency > 0 {
		select {
		case <-ctx.Done():
			return stt.Result{}, stt.NewRequestError(ProviderName, ctx.Err())
		case <-time.After(e.cfg.Latency):
		}
	}

	if scripted != nil {
		if scripted.Err != nil {
			return stt.Result{}, scripted.Err
		}
		if scripted.Text == "" {
			return stt.Result{}, stt.ErrNoSpeech
		}
		return stt.Result{
			Text:          scripted.Text,
			Confidence:    scripted.Confidence,
			HasConfidence: scripted.Confidence > 0,
		}, nil
	}

	if len(req.Audio) < e.cfg.MinSpeechBytes {
		return stt.Result{}, stt.ErrNoSpeech
	}

	utt := e.cfg.Utterances[xxhash.Sum64(req.Audio)%uint64(len(e.cfg.Utterances))]
	return stt.Result{Text: utt.Text, Confidence: utt.Confidence, HasConfidence: true}, nil
}

// Requests returns how many transcription requests were served.
func (e *Engine) Requests() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.requests
}

// Close makes every later request fail with stt.ErrEngineClosed.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}
