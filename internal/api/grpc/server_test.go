package grpcapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"ai-speech-stream-service/internal/models"
	"ai-speech-stream-service/internal/observability"
	"ai-speech-stream-service/internal/observability/metrics"
	"ai-speech-stream-service/internal/service/registry"
	"ai-speech-stream-service/internal/service/stream"
	"ai-speech-stream-service/internal/service/stt"
)

type echoEngine struct{}

func (echoEngine) Name() string { return "echo" }

func (echoEngine) Transcribe(_ context.Context, req stt.Request) (stt.Result, error) {
	text := strings.Join(strings.Fields(string(req.Audio)), " ")
	if text == "" {
		return stt.Result{}, stt.ErrNoSpeech
	}
	return stt.Result{Text: text, Confidence: 0.9, HasConfidence: true}, nil
}

func startServer(t *testing.T, cfg registry.Config) (*grpc.ClientConn, *registry.Registry) {
	t.Helper()
	if cfg.Session.QueueSize == 0 {
		cfg.Session = stream.DefaultConfig()
	}
	cfg.Session.PollTimeout = 20 * time.Millisecond
	reg := registry.New(context.Background(), cfg, stream.Deps{Engine: echoEngine{}})

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(observability.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(observability.StreamServerInterceptor(metrics.DefaultMetrics)),
	)
	Register(srv, reg)
	go srv.Serve(lis)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
		srv.Stop()
		reg.StopAll(context.Background())
	})
	return conn, reg
}

func openStream(t *testing.T, conn *grpc.ClientConn) (*ClientStream, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	cs, err := NewStream(ctx, conn)
	if err != nil {
		cancel()
		t.Fatalf("NewStream: %v", err)
	}
	return cs, cancel
}

func TestStream_FullSession(t *testing.T) {
	conn, reg := startServer(t, registry.Config{})
	cs, cancel := openStream(t, conn)
	defer cancel()

	if err := cs.Send(&StreamRequest{Start: &StartFrame{SessionID: "grpc-1", UsePhrases: true}}); err != nil {
		t.Fatalf("send start: %v", err)
	}
	first, err := cs.Recv()
	if err != nil {
		t.Fatalf("recv started: %v", err)
	}
	if first.SessionID != "grpc-1" {
		t.Fatalf("expected session id grpc-1, got %+v", first)
	}

	for _, word := range []string{"good ", "morning ", "every ", "one "} {
		if err := cs.Send(&StreamRequest{Audio: []byte(word)}); err != nil {
			t.Fatalf("send audio: %v", err)
		}
	}
	// Let the worker drain the queue before stopping.
	time.Sleep(100 * time.Millisecond)
	if err := cs.Send(&StreamRequest{Stop: true}); err != nil {
		t.Fatalf("send stop: %v", err)
	}

	var transcripts []string
	var stopped bool
	var stats *models.SessionStats
	for {
		resp, err := cs.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
		switch {
		case resp.Event != nil:
			ev, err := resp.Event.Event()
			if err != nil {
				t.Fatalf("decode event: %v", err)
			}
			switch e := ev.(type) {
			case *models.TranscriptionChunk:
				transcripts = append(transcripts, e.Text)
			case *models.StreamingStopped:
				stopped = true
			}
		case resp.Stats != nil:
			stats = resp.Stats
		}
	}

	if len(transcripts) != 1 || transcripts[0] != "good morning every one" {
		t.Errorf("unexpected transcripts: %v", transcripts)
	}
	if !stopped {
		t.Error("expected streaming.stopped event")
	}
	if stats == nil || stats.ChunksReceived != 4 || !stats.UsePhrases {
		t.Errorf("unexpected final stats: %+v", stats)
	}
	if reg.Len() != 0 {
		t.Errorf("expected session removed, got %d", reg.Len())
	}
}

func TestStream_HalfCloseStopsSession(t *testing.T) {
	conn, reg := startServer(t, registry.Config{})
	cs, cancel := openStream(t, conn)
	defer cancel()

	cs.Send(&StreamRequest{Start: &StartFrame{}})
	if _, err := cs.Recv(); err != nil {
		t.Fatalf("recv started: %v", err)
	}
	if err := cs.CloseSend(); err != nil {
		t.Fatalf("CloseSend: %v", err)
	}

	var gotStats bool
	for {
		resp, err := cs.Recv()
		if err != nil {
			break
		}
		if resp.Stats != nil {
			gotStats = true
		}
	}
	if !gotStats {
		t.Error("expected final stats after half-close")
	}
	if reg.Len() != 0 {
		t.Errorf("expected empty registry, got %d", reg.Len())
	}
}

func TestStream_FirstFrameMustStart(t *testing.T) {
	conn, _ := startServer(t, registry.Config{})
	cs, cancel := openStream(t, conn)
	defer cancel()

	cs.Send(&StreamRequest{Audio: []byte("too early")})
	_, err := cs.Recv()
	if status.Code(err) != codes.InvalidArgument {
		t.Errorf("expected InvalidArgument, got %v", err)
	}
}

func TestStream_CapacityExceeded(t *testing.T) {
	conn, _ := startServer(t, registry.Config{MaxSessions: 1, Session: stream.DefaultConfig()})

	first, cancel1 := openStream(t, conn)
	defer cancel1()
	first.Send(&StreamRequest{Start: &StartFrame{}})
	if _, err := first.Recv(); err != nil {
		t.Fatalf("first session: %v", err)
	}

	second, cancel2 := openStream(t, conn)
	defer cancel2()
	second.Send(&StreamRequest{Start: &StartFrame{}})
	if _, err := second.Recv(); status.Code(err) != codes.ResourceExhausted {
		t.Errorf("expected ResourceExhausted, got %v", err)
	}
}

func TestStream_RejectedAudioReported(t *testing.T) {
	cfg := stream.DefaultConfig()
	cfg.MaxChunkBytes = 4
	conn, _ := startServer(t, registry.Config{Session: cfg})
	cs, cancel := openStream(t, conn)
	defer cancel()

	cs.Send(&StreamRequest{Start: &StartFrame{}})
	cs.Recv()
	cs.Send(&StreamRequest{Audio: []byte("way too large")})

	resp, err := cs.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if !strings.Contains(resp.Error, "size limit") {
		t.Errorf("expected size limit error frame, got %+v", resp)
	}
}

func TestCodeFor(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{registry.ErrSessionNotFound, codes.NotFound},
		{fmt.Errorf("wrapped: %w", registry.ErrSessionExists), codes.AlreadyExists},
		{registry.ErrCapacityExceeded, codes.ResourceExhausted},
		{stream.ErrQueueFull, codes.ResourceExhausted},
		{stream.ErrNotActive, codes.FailedPrecondition},
		{errors.New("boom"), codes.Internal},
	}
	for _, tt := range tests {
		if got := codeFor(tt.err); got != tt.want {
			t.Errorf("codeFor(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

func TestJSONCodec_RoundTripsAudio(t *testing.T) {
	c := jsonCodec{}
	data, err := c.Marshal(&StreamRequest{Audio: []byte{0, 1, 2, 255}})
	if err != nil {
		t.Fatal(err)
	}
	var out StreamRequest
	if err := c.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if string(out.Audio) != string([]byte{0, 1, 2, 255}) {
		t.Errorf("audio bytes changed: %v", out.Audio)
	}
	if c.Name() != "json" {
		t.Errorf("unexpected codec name %q", c.Name())
	}
}
