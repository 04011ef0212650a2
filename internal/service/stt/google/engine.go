// Package google provides a Transcription Engine backed by Google Cloud
// Speech-to-Text synchronous recognition, one request per window.
package google

import (
	"context"
	"fmt"
	"strings"
	"sync"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/rs/zerolog/log"

	"ai-speech-stream-service/internal/service/stt"
)

// ProviderName identifies the Google engine in logs and metrics.
const ProviderName = "google"

// Config holds recognition settings.
type Config struct {
	LanguageCode    string
	SampleRateHz    int
	AudioEncoding   string // speechpb encoding name, e.g. LINEAR16
	Model           string // optional recognition model
	EnhancedModel   bool   // used for sessions that ask for their calibrated profile
	MaxAlternatives int
}

// DefaultConfig returns the default recognition settings.
func DefaultConfig() Config {
	return Config{
		LanguageCode:    "en-US",
		SampleRateHz:    16000,
		AudioEncoding:   "LINEAR16",
		MaxAlternatives: 1,
	}
}

// Engine implements stt.Engine using Google Cloud Speech-to-Text.
type Engine struct {
	mu     sync.RWMutex
	client *speech.Client // nil once closed
	cfg    Config
}

// New creates a Google engine.
// Requires GOOGLE_APPLICATION_CREDENTIALS environment variable to be set.
func New(ctx context.Context, cfg Config) (*Engine, error) {
	c, err := speech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create speech client: %w", err)
	}
	return &Engine{client: c, cfg: cfg}, nil
}

// Name implements stt.Engine.
func (e *Engine) Name() string {
	return ProviderName
}

// Transcribe implements stt.Engine.
func (e *Engine) Transcribe(ctx context.Context, req stt.Request) (stt.Result, error) {
	e.mu.RLock()
	client := e.client
	e.mu.RUnlock()
	if client == nil {
		return stt.Result{}, stt.ErrEngineClosed
	}

	resp, err := client.Recognize(ctx, e.buildRequest(req))
	if err != nil {
		return stt.Result{}, stt.NewRequestError(ProviderName, err)
	}

	return resultFromResponse(resp)
}

// Close releases the underlying gRPC connection.
func (e *Engine) Close() error {
	e.mu.Lock()
	client := e.client
	e.client = nil
	e.mu.Unlock()
	if client == nil {
		return nil
	}
	return client.Close()
}

func (e *Engine) buildRequest(req stt.Request) *speechpb.RecognizeRequest {
	language := e.cfg.LanguageCode
	if req.LanguageCode != "" {
		language = req.LanguageCode
	}
	sampleRate := e.cfg.SampleRateHz
	if req.SampleRateHz > 0 {
		sampleRate = req.SampleRateHz
	}

	cfg := &speechpb.RecognitionConfig{
		Encoding:        parseAudioEncoding(e.cfg.AudioEncoding),
		SampleRateHertz: int32(sampleRate),
		LanguageCode:    language,
		MaxAlternatives: int32(e.cfg.MaxAlternatives),
		Model:           e.cfg.Model,
	}
	if req.UseCalibration && e.cfg.EnhancedModel {
		cfg.UseEnhanced = true
	}

	return &speechpb.RecognizeRequest{
		Config: cfg,
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Content{Content: req.Audio},
		},
	}
}

// resultFromResponse joins the top alternative of every result. A response
// without any transcript means the window held no speech.
func resultFromResponse(resp *speechpb.RecognizeResponse) (stt.Result, error) {
	var (
		parts      []string
		confidence float32
		scored     int
	)
	for _, r := range resp.GetResults() {
		if len(r.GetAlternatives()) == 0 {
			continue
		}
		alt := r.GetAlternatives()[0]
		text := strings.TrimSpace(alt.GetTranscript())
		if text == "" {
			continue
		}
		parts = append(parts, text)
		if alt.GetConfidence() > 0 {
			confidence += alt.GetConfidence()
			scored++
		}
	}

	if len(parts) == 0 {
		return stt.Result{}, stt.ErrNoSpeech
	}

	res := stt.Result{Text: strings.Join(parts, " ")}
	if scored > 0 {
		res.Confidence = float64(confidence) / float64(scored)
		res.HasConfidence = true
	}
	log.Debug().
		Str("provider", ProviderName).
		Int("results", len(parts)).
		Float64("confidence", res.Confidence).
		Msg("Recognize completed")
	return res, nil
}

// parseAudioEncoding maps an encoding name to the speechpb enum,
// falling back to LINEAR16.
func parseAudioEncoding(name string) speechpb.RecognitionConfig_AudioEncoding {
	switch name {
	case "LINEAR16":
		return speechpb.RecognitionConfig_LINEAR16
	case "MULAW":
		return speechpb.RecognitionConfig_MULAW
	case "FLAC":
		return speechpb.RecognitionConfig_FLAC
	case "AMR":
		return speechpb.RecognitionConfig_AMR
	case "AMR_WB":
		return speechpb.RecognitionConfig_AMR_WB
	case "OGG_OPUS":
		return speechpb.RecognitionConfig_OGG_OPUS
	case "SPEEX_WITH_HEADER_BYTE":
		return speechpb.RecognitionConfig_SPEEX_WITH_HEADER_BYTE
	case "WEBM_OPUS":
		return speechpb.RecognitionConfig_WEBM_OPUS
	default:
		return speechpb.RecognitionConfig_LINEAR16
	}
}
