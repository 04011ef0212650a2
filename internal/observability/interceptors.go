package observability

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"ai-speech-stream-service/internal/observability/metrics"
)

// TransportGRPC labels gRPC streams in metrics.
const TransportGRPC = "grpc"

// MetadataSessionID is the optional request header naming the session a
// call belongs to.
const MetadataSessionID = "x-session-id"

type callInfoKey struct{}

// callInfo is shared between the interceptor and the handler of one call.
type callInfo struct {
	mu        sync.Mutex
	sessionID string
}

func (c *callInfo) session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// AnnotateSession records the session a call is serving, so the
// interceptor's completion log names it. No-op outside an intercepted call.
func AnnotateSession(ctx context.Context, sessionID string) {
	if info, ok := ctx.Value(callInfoKey{}).(*callInfo); ok {
		info.mu.Lock()
		info.sessionID = sessionID
		info.mu.Unlock()
	}
}

// SessionFromContext returns the annotated session, falling back to the
// x-session-id header.
func SessionFromContext(ctx context.Context) string {
	if info, ok := ctx.Value(callInfoKey{}).(*callInfo); ok {
		if id := info.session(); id != "" {
			return id
		}
	}
	return SessionHeader(ctx)
}

// SessionHeader returns the x-session-id header of an incoming call.
func SessionHeader(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get(MetadataSessionID); len(v) > 0 {
			return v[0]
		}
	}
	return ""
}

func callLogger(ctx context.Context, method string) zerolog.Logger {
	lc := log.With().Str("component", "grpc").Str("method", method)
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		lc = lc.Str("peer", p.Addr.String())
	}
	if id := SessionHeader(ctx); id != "" {
		lc = lc.Str("sessionId", id)
	}
	return lc.Logger()
}

// UnaryServerInterceptor logs unary calls such as health checks at debug.
func UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		l := callLogger(ctx, info.FullMethod)

		resp, err := handler(l.WithContext(ctx), req)

		l.Debug().
			Str("code", status.Code(err).String()).
			Dur("duration", time.Since(start)).
			Msg("gRPC unary call")
		return resp, err
	}
}

// observedStream counts frames and carries the call logger in its context.
type observedStream struct {
	grpc.ServerStream
	ctx      context.Context
	received atomic.Int64
	sent     atomic.Int64
}

func (s *observedStream) Context() context.Context { return s.ctx }

func (s *observedStream) RecvMsg(m any) error {
	err := s.ServerStream.RecvMsg(m)
	if err == nil {
		s.received.Add(1)
	}
	return err
}

func (s *observedStream) SendMsg(m any) error {
	err := s.ServerStream.SendMsg(m)
	if err == nil {
		s.sent.Add(1)
	}
	return err
}

// StreamServerInterceptor records stream metrics and logs each streaming
// session call with its frame counts. Handlers find the call logger with
// zerolog.Ctx and name their session with AnnotateSession.
func StreamServerInterceptor(m *metrics.Metrics) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		m.RecordStreamStart(TransportGRPC)

		ctx := context.WithValue(ss.Context(), callInfoKey{}, &callInfo{})
		l := callLogger(ctx, info.FullMethod)
		obs := &observedStream{ServerStream: ss, ctx: l.WithContext(ctx)}

		err := handler(srv, obs)

		duration := time.Since(start)
		success := err == nil
		m.RecordStreamEnd(TransportGRPC, success, duration.Seconds())

		level := zerolog.InfoLevel
		if !success {
			level = zerolog.WarnLevel
		}
		ev := l.WithLevel(level).Err(err)
		if id := SessionFromContext(ctx); id != "" && id != SessionHeader(ctx) {
			ev = ev.Str("sessionId", id)
		}
		ev.Str("code", status.Code(err).String()).
			Int64("framesReceived", obs.received.Load()).
			Int64("framesSent", obs.sent.Load()).
			Dur("duration", duration).
			Msg("gRPC stream completed")
		return err
	}
}
