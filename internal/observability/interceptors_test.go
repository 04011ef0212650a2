package observability

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"ai-speech-stream-service/internal/observability/metrics"
)

type fakeServerStream struct {
	grpc.ServerStream
	ctx    context.Context
	frames int
	sent   int
}

func (s *fakeServerStream) Context() context.Context { return s.ctx }

func (s *fakeServerStream) RecvMsg(any) error {
	if s.frames == 0 {
		return io.EOF
	}
	s.frames--
	return nil
}

func (s *fakeServerStream) SendMsg(any) error {
	s.sent++
	return nil
}

var streamInfo = &grpc.StreamServerInfo{FullMethod: "/speech.stream.v1.TranscriptionService/Stream", IsClientStream: true, IsServerStream: true}

func TestStreamServerInterceptor_CountsFramesAndAnnotatesSession(t *testing.T) {
	interceptor := StreamServerInterceptor(metrics.DefaultMetrics)
	ss := &fakeServerStream{ctx: context.Background(), frames: 3}

	var (
		received, sent int64
		seenSession    string
	)
	err := interceptor(nil, ss, streamInfo, func(_ any, stream grpc.ServerStream) error {
		if l := zerolog.Ctx(stream.Context()); l.GetLevel() == zerolog.Disabled {
			t.Error("expected a call logger on the stream context")
		}
		for {
			if err := stream.RecvMsg(nil); err != nil {
				break
			}
		}
		_ = stream.SendMsg(nil)
		_ = stream.SendMsg(nil)

		AnnotateSession(stream.Context(), "sess-42")
		seenSession = SessionFromContext(stream.Context())

		obs := stream.(*observedStream)
		received, sent = obs.received.Load(), obs.sent.Load()
		return nil
	})
	if err != nil {
		t.Fatalf("interceptor returned %v", err)
	}

	if received != 3 {
		t.Errorf("expected 3 frames received, got %d", received)
	}
	if sent != 2 || ss.sent != 2 {
		t.Errorf("expected 2 frames sent, got %d (underlying %d)", sent, ss.sent)
	}
	if seenSession != "sess-42" {
		t.Errorf("SessionFromContext = %q, want sess-42", seenSession)
	}
}

func TestStreamServerInterceptor_PassesHandlerError(t *testing.T) {
	interceptor := StreamServerInterceptor(metrics.DefaultMetrics)
	want := errors.New("boom")

	err := interceptor(nil, &fakeServerStream{ctx: context.Background()}, streamInfo, func(any, grpc.ServerStream) error {
		return want
	})
	if !errors.Is(err, want) {
		t.Errorf("expected handler error, got %v", err)
	}
}

func TestSessionFromContext(t *testing.T) {
	withHeader := metadata.NewIncomingContext(context.Background(), metadata.Pairs(MetadataSessionID, "from-header"))

	tests := []struct {
		name     string
		ctx      context.Context
		annotate string
		want     string
	}{
		{"nothing", context.Background(), "", ""},
		{"header only", withHeader, "", "from-header"},
		{"annotation wins", context.WithValue(withHeader, callInfoKey{}, &callInfo{}), "assigned", "assigned"},
		{"annotation outside a call is ignored", context.Background(), "assigned", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.annotate != "" {
				AnnotateSession(tt.ctx, tt.annotate)
			}
			if got := SessionFromContext(tt.ctx); got != tt.want {
				t.Errorf("SessionFromContext = %q, want %q", got, tt.want)
			}
		})
	}
	if got := SessionHeader(withHeader); got != "from-header" {
		t.Errorf("SessionHeader = %q", got)
	}
}

func TestUnaryServerInterceptor_AttachesLogger(t *testing.T) {
	interceptor := UnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}

	resp, err := interceptor(context.Background(), "req", info, func(ctx context.Context, req any) (any, error) {
		if l := zerolog.Ctx(ctx); l.GetLevel() == zerolog.Disabled {
			t.Error("expected a call logger on the context")
		}
		return req, nil
	})
	if err != nil || resp != "req" {
		t.Errorf("unexpected result %v, %v", resp, err)
	}
}
