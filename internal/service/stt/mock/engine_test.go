package mock

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"ai-speech-stream-service/internal/service/stt"
)

func quickConfig() Config {
	return Config{MinSpeechBytes: 16}
}

func TestEngine_Name(t *testing.T) {
	if New(quickConfig()).Name() != "mock" {
		t.Error("expected provider name 'mock'")
	}
}

func TestEngine_ShortWindowIsNoSpeech(t *testing.T) {
	e := New(quickConfig())

	_, err := e.Transcribe(context.Background(), stt.Request{Audio: []byte("tiny")})
	if !errors.Is(err, stt.ErrNoSpeech) {
		t.Errorf("expected ErrNoSpeech, got %v", err)
	}
}

func TestEngine_DeterministicPerWindow(t *testing.T) {
	e := New(quickConfig())
	audio := bytes.Repeat([]byte("speech"), 10)

	first, err := e.Transcribe(context.Background(), stt.Request{Audio: audio})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := e.Transcribe(context.Background(), stt.Request{Audio: audio})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if first.Text != second.Text {
		t.Errorf("expected identical transcripts, got %q and %q", first.Text, second.Text)
	}
	if !first.HasConfidence || first.Confidence <= 0 || first.Confidence > 1 {
		t.Errorf("expected confidence in (0,1], got %v", first.Confidence)
	}

	var known bool
	for _, u := range DefaultUtterances {
		if u.Text == first.Text {
			known = true
		}
	}
	if !known {
		t.Errorf("transcript %q is not one of the default utterances", first.Text)
	}
	if e.Requests() != 2 {
		t.Errorf("expected 2 requests, got %d", e.Requests())
	}
}

func TestEngine_ScriptedResponses(t *testing.T) {
	boom := stt.NewRequestError(ProviderName, errors.New("boom"))
	e := NewScripted(quickConfig(),
		Response{Text: "hello there", Confidence: 0.9},
		Response{},
		Response{Err: boom},
		Response{Text: "no confidence"},
	)
	ctx := context.Background()
	req := stt.Request{Audio: []byte("whatever")}

	res, err := e.Transcribe(ctx, req)
	if err != nil || res.Text != "hello there" || res.Confidence != 0.9 {
		t.Errorf("response 1: got %+v, %v", res, err)
	}

	if _, err := e.Transcribe(ctx, req); !errors.Is(err, stt.ErrNoSpeech) {
		t.Errorf("response 2: expected ErrNoSpeech, got %v", err)
	}

	var reqErr *stt.RequestError
	if _, err := e.Transcribe(ctx, req); !errors.As(err, &reqErr) {
		t.Errorf("response 3: expected RequestError, got %v", err)
	}

	res, err = e.Transcribe(ctx, req)
	if err != nil || res.HasConfidence {
		t.Errorf("response 4: expected no confidence, got %+v, %v", res, err)
	}

	// Script exhausted: "whatever" is below MinSpeechBytes.
	if _, err := e.Transcribe(ctx, req); !errors.Is(err, stt.ErrNoSpeech) {
		t.Errorf("after script: expected ErrNoSpeech, got %v", err)
	}
}

func TestEngine_LatencyHonoursContext(t *testing.T) {
	e := New(Config{MinSpeechBytes: 1, Latency: time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := e.Transcribe(ctx, stt.Request{Audio: []byte("hello")})
	if err == nil {
		t.Fatal("expected error when context expires")
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("Transcribe did not return promptly after cancellation")
	}
}

func TestEngine_Close(t *testing.T) {
	e := New(quickConfig())
	if err := e.Close(); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}

	_, err := e.Transcribe(context.Background(), stt.Request{Audio: bytes.Repeat([]byte("x"), 100)})
	if !stt.IsFatal(err) {
		t.Errorf("expected fatal error after close, got %v", err)
	}
}
