package grpcapi

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"ai-speech-stream-service/internal/observability"
	"ai-speech-stream-service/internal/observability/logging"
	"ai-speech-stream-service/internal/service/registry"
	"ai-speech-stream-service/internal/service/stream"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "speech.stream.v1.TranscriptionService"

const streamMethod = "/" + ServiceName + "/Stream"

// TranscriptionServer is implemented by the streaming service.
type TranscriptionServer interface {
	Stream(StreamServer) error
}

// StreamServer is the server side of the Stream call.
type StreamServer interface {
	Send(*StreamResponse) error
	Recv() (*StreamRequest, error)
	grpc.ServerStream
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TranscriptionServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Stream",
			Handler:       streamHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "speech/stream/v1/transcription",
}

func streamHandler(srv any, ss grpc.ServerStream) error {
	return srv.(TranscriptionServer).Stream(&serverStream{ss})
}

type serverStream struct {
	grpc.ServerStream
}

func (s *serverStream) Send(m *StreamResponse) error { return s.ServerStream.SendMsg(m) }

func (s *serverStream) Recv() (*StreamRequest, error) {
	m := new(StreamRequest)
	if err := s.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Server bridges gRPC streams onto registry sessions.
type Server struct {
	registry *registry.Registry
	log      zerolog.Logger
}

// Register adds the transcription service to g.
func Register(g *grpc.Server, reg *registry.Registry) *Server {
	s := &Server{
		registry: reg,
		log:      logging.WithComponent("grpc"),
	}
	g.RegisterService(&serviceDesc, s)
	return s
}

// Stream runs one session for the lifetime of the call. Events are
// streamed back as they happen; the final frame carries the stats.
func (s *Server) Stream(ss StreamServer) error {
	first, err := ss.Recv()
	if err != nil {
		return err
	}
	if first.Start == nil {
		return status.Error(codes.InvalidArgument, "first frame must start a session")
	}

	sess, err := s.registry.Create(first.Start.options())
	if err != nil {
		return status.Error(codeFor(err), err.Error())
	}
	id := sess.ID()
	observability.AnnotateSession(ss.Context(), id)
	// The interceptor's call logger already names a session sent as a header.
	slog := s.log.With().Str("sessionId", id).Logger()
	if l := zerolog.Ctx(ss.Context()); l.GetLevel() != zerolog.Disabled {
		slog = *l
		if observability.SessionHeader(ss.Context()) != id {
			slog = l.With().Str("sessionId", id).Logger()
		}
	}

	var sendMu sync.Mutex
	send := func(m *StreamResponse) error {
		sendMu.Lock()
		defer sendMu.Unlock()
		return ss.Send(m)
	}

	if err := send(&StreamResponse{SessionID: id}); err != nil {
		s.registry.Stop(id)
		return err
	}

	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		for ev := range sess.Events() {
			frame, err := newEventFrame(ev)
			if err != nil {
				slog.Warn().Err(err).Str("eventType", ev.Type()).Msg("Failed to encode event")
				continue
			}
			if err := send(&StreamResponse{Event: frame}); err != nil {
				slog.Debug().Err(err).Msg("Event send failed")
				return
			}
		}
	}()

	recvErr := s.receive(ss, sess, send)

	stats, err := s.registry.Stop(id)
	if errors.Is(err, registry.ErrSessionNotFound) {
		// Ended on its own and already reaped.
		stats = sess.Stats()
	} else if err != nil {
		slog.Warn().Err(err).Msg("Session stop incomplete")
	}

	if recvErr != nil {
		slog.Info().Err(recvErr).Msg("Client stream ended abnormally")
		return recvErr
	}

	select {
	case <-forwarded:
	case <-ss.Context().Done():
		return status.FromContextError(ss.Context().Err()).Err()
	}
	return send(&StreamResponse{Stats: &stats})
}

// receive dispatches audio frames until the client stops, half-closes or
// goes away. Only the last case returns an error.
func (s *Server) receive(ss StreamServer, sess *stream.Session, send func(*StreamResponse) error) error {
	for {
		req, err := ss.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if req.Stop {
			return nil
		}
		if len(req.Audio) == 0 {
			continue
		}
		if err := s.registry.Dispatch(sess.ID(), req.Audio); err != nil {
			if errors.Is(err, registry.ErrSessionNotFound) {
				return nil
			}
			if sendErr := send(&StreamResponse{Error: err.Error()}); sendErr != nil {
				return sendErr
			}
		}
	}
}

// codeFor maps registry and session errors onto gRPC codes.
func codeFor(err error) codes.Code {
	switch {
	case errors.Is(err, registry.ErrSessionNotFound):
		return codes.NotFound
	case errors.Is(err, registry.ErrSessionExists):
		return codes.AlreadyExists
	case errors.Is(err, registry.ErrCapacityExceeded):
		return codes.ResourceExhausted
	case errors.Is(err, stream.ErrChunkTooLarge):
		return codes.InvalidArgument
	case errors.Is(err, stream.ErrQueueFull), errors.Is(err, stream.ErrRateLimited):
		return codes.ResourceExhausted
	case errors.Is(err, stream.ErrNotActive):
		return codes.FailedPrecondition
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	default:
		return codes.Internal
	}
}

// ClientStream is the client side of the Stream call.
type ClientStream struct {
	grpc.ClientStream
}

// NewStream opens a Stream call using the JSON codec.
func NewStream(ctx context.Context, cc grpc.ClientConnInterface, opts ...grpc.CallOption) (*ClientStream, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	cs, err := cc.NewStream(ctx, &serviceDesc.Streams[0], streamMethod, opts...)
	if err != nil {
		return nil, err
	}
	return &ClientStream{cs}, nil
}

// Send writes one frame.
func (c *ClientStream) Send(m *StreamRequest) error { return c.ClientStream.SendMsg(m) }

// Recv reads one frame.
func (c *ClientStream) Recv() (*StreamResponse, error) {
	m := new(StreamResponse)
	if err := c.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
