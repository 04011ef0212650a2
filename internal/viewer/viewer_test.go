package viewer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"ai-speech-stream-service/internal/models"
)

func message(t *testing.T, ev models.Event, header bool) kafka.Message {
	t.Helper()
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	msg := kafka.Message{Topic: "speech.transcripts.v1", Key: []byte(ev.Key()), Value: data}
	if header {
		msg.Headers = []kafka.Header{{Key: "eventType", Value: []byte(ev.Type())}}
	}
	return msg
}

func TestDecodeMessage(t *testing.T) {
	at := time.UnixMilli(1_700_000_000_000)
	chunk := models.NewTranscriptionChunk("s-1", "good morning", 0.95, 4, 1, at)
	chunk.Corrected = true
	stopped := models.NewStreamingStopped(models.SessionStats{SessionID: "s-1", BillableMinutes: 2, StoppedAt: at}, "stopped")

	tests := []struct {
		name   string
		msg    kafka.Message
		expect Frame
	}{
		{
			name:   "chunk with header",
			msg:    message(t, chunk, true),
			expect: Frame{Type: models.EventTranscriptionChunk, SessionID: "s-1", Timestamp: at.UnixMilli(), Text: "good morning", Confidence: 0.95, Corrected: true},
		},
		{
			name:   "type from payload",
			msg:    message(t, chunk, false),
			expect: Frame{Type: models.EventTranscriptionChunk, SessionID: "s-1", Timestamp: at.UnixMilli(), Text: "good morning", Confidence: 0.95, Corrected: true},
		},
		{
			name:   "stopped",
			msg:    message(t, stopped, true),
			expect: Frame{Type: models.EventStreamingStopped, SessionID: "s-1", Timestamp: at.UnixMilli(), Reason: "stopped", Minutes: 2},
		},
		{
			name:   "quality warning",
			msg:    message(t, models.NewQualityWarning("s-2", "poor audio", 0.3, at), true),
			expect: Frame{Type: models.EventQualityWarning, SessionID: "s-2", Timestamp: at.UnixMilli(), Detail: "poor audio"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeMessage(tt.msg)
			if err != nil {
				t.Fatalf("DecodeMessage: %v", err)
			}
			if got != tt.expect {
				t.Errorf("got %+v, want %+v", got, tt.expect)
			}
		})
	}
}

func TestDecodeMessage_Invalid(t *testing.T) {
	if _, err := DecodeMessage(kafka.Message{Value: []byte("not json")}); err == nil {
		t.Error("expected error for malformed payload")
	}
	if _, err := DecodeMessage(kafka.Message{Value: []byte(`{"eventType":"other"}`)}); err == nil {
		t.Error("expected error for unknown event type")
	}
}

type fakeReader struct {
	mu       sync.Mutex
	messages []kafka.Message
	failures int
	closed   bool
}

func (r *fakeReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if r.failures > 0 {
		r.failures--
		r.mu.Unlock()
		return kafka.Message{}, errors.New("broker unavailable")
	}
	if len(r.messages) > 0 {
		msg := r.messages[0]
		r.messages = r.messages[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func TestConsume_SkipsBadMessagesAndStopsOnCancel(t *testing.T) {
	at := time.Now()
	reader := &fakeReader{
		failures: 1,
		messages: []kafka.Message{
			message(t, models.NewTranscriptionChunk("s-1", "hello", 0.85, 1, 0, at), true),
			{Value: []byte("garbage")},
			message(t, models.NewTranscriptionError("s-1", "timeout", false, at), true),
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	var (
		mu  sync.Mutex
		got []Frame
	)
	publish := func(f Frame) bool {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, f)
		if len(got) == 2 {
			cancel()
		}
		return true
	}

	done := make(chan error, 1)
	go func() { done <- Consume(ctx, reader, publish, zerolog.Nop()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Consume: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Consume did not return")
	}

	if len(got) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(got))
	}
	if got[0].Text != "hello" || got[1].Detail != "timeout" {
		t.Errorf("unexpected frames: %+v", got)
	}
	if !reader.closed {
		t.Error("expected reader to be closed")
	}
}

func TestHub_BroadcastsToBrowsers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(10)
	go hub.Run(ctx)

	srv := httptest.NewServer(NewRouter(hub))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	want := Frame{Type: models.EventTranscriptionChunk, SessionID: "s-1", Text: "good morning"}
	if !hub.Publish(want) {
		t.Fatal("Publish dropped the frame")
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got Frame
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}

	conn.Close()
	deadline = time.Now().Add(2 * time.Second)
	for hub.Clients() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never unregistered")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHub_PublishDropsWhenBacklogFull(t *testing.T) {
	hub := NewHub(1)
	if !hub.Publish(Frame{Type: "a"}) {
		t.Fatal("first publish should fit")
	}
	if hub.Publish(Frame{Type: "b"}) {
		t.Error("expected second publish to be dropped")
	}
}

func TestRouter_ServesPage(t *testing.T) {
	srv := httptest.NewServer(NewRouter(NewHub(1)))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("unexpected content type %q", ct)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("héllo world", 5); got != "héllo..." {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("short", 40); got != "short" {
		t.Errorf("truncate = %q", got)
	}
}
