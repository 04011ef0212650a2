package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"ai-speech-stream-service/internal/observability/metrics"
	"ai-speech-stream-service/internal/service/registry"
	"ai-speech-stream-service/internal/service/stream"
)

// Socket protocol events.
const (
	eventConnected        = "connected"
	eventStartStreaming   = "start_streaming"
	eventAudioChunk       = "audio_chunk"
	eventStopStreaming    = "stop_streaming"
	eventStreamingStarted = "streaming_started"
	eventStreamingError   = "streaming_error"
)

const (
	transportWebSocket = "websocket"
	writeWait          = 10 * time.Second
)

// socketMessage is the envelope of every frame in both directions.
type socketMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// socketConn serialises writes: a websocket connection supports one
// concurrent writer.
type socketConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *socketConn) send(event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(socketMessage{Event: event, Data: raw})
}

func (c *socketConn) sendError(message string, err error) error {
	return c.send(eventStreamingError, errorResponse{Error: err.Error(), Message: message})
}

func (c *socketConn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = c.conn.Close()
}

// eventName maps an event type such as transcription.chunk to its socket
// name, transcription_chunk.
func eventName(eventType string) string {
	return strings.ReplaceAll(eventType, ".", "_")
}

// stream serves the socket protocol: start_streaming, audio_chunk and
// stop_streaming. Sessions started on a connection are stopped when it
// goes away.
func (h *handler) stream(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Str("remoteAddr", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}
	sc := &socketConn{conn: conn}
	clientLog := h.log.With().Str("remoteAddr", r.RemoteAddr).Logger()

	start := time.Now()
	metrics.DefaultMetrics.RecordStreamStart(transportWebSocket)
	clientLog.Info().Msg("Socket client connected")

	owned := make(map[string]struct{})
	var forwarders sync.WaitGroup
	defer func() {
		for id := range owned {
			if _, err := h.app.Registry.Stop(id); err != nil && !errors.Is(err, registry.ErrSessionNotFound) {
				clientLog.Warn().Err(err).Str("sessionId", id).Msg("Failed to stop session on disconnect")
			}
		}
		forwarders.Wait()
		sc.close()
		metrics.DefaultMetrics.RecordStreamEnd(transportWebSocket, true, time.Since(start).Seconds())
		clientLog.Info().Int("sessions", len(owned)).Msg("Socket client disconnected")
	}()

	_ = sc.send(eventConnected, map[string]string{"status": "connected"})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				clientLog.Warn().Err(err).Msg("WebSocket read error")
			}
			return
		}

		var msg socketMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			_ = sc.sendError("Invalid message", err)
			continue
		}

		switch msg.Event {
		case eventStartStreaming:
			var req startRequest
			if len(msg.Data) > 0 {
				if err := json.Unmarshal(msg.Data, &req); err != nil {
					_ = sc.sendError("Invalid start request", err)
					continue
				}
			}
			s, err := h.app.Registry.Create(req.options())
			if err != nil {
				_ = sc.sendError("Failed to start streaming session", err)
				continue
			}
			owned[s.ID()] = struct{}{}
			forwarders.Add(1)
			go func() {
				defer forwarders.Done()
				h.forward(sc, s, clientLog)
			}()
			_ = sc.send(eventStreamingStarted, map[string]any{
				"session_id": s.ID(),
				"status":     "ready",
				"message":    "Real-time transcription started",
			})

		case eventAudioChunk:
			var req chunkRequest
			if err := json.Unmarshal(msg.Data, &req); err != nil {
				_ = sc.sendError("Invalid audio chunk", err)
				continue
			}
			if _, ok := owned[req.SessionID]; !ok {
				_ = sc.sendError("Session not found or expired", registry.ErrSessionNotFound)
				continue
			}
			data, err := decodeAudio(req.AudioData)
			if err != nil {
				_ = sc.sendError("Failed to decode audio data", err)
				continue
			}
			if err := h.app.Registry.Dispatch(req.SessionID, data); err != nil {
				_ = sc.sendError("Failed to process audio chunk", err)
			}

		case eventStopStreaming:
			var req chunkRequest
			_ = json.Unmarshal(msg.Data, &req)
			if _, ok := owned[req.SessionID]; !ok {
				_ = sc.sendError("Invalid session ID", registry.ErrSessionNotFound)
				continue
			}
			delete(owned, req.SessionID)
			// streaming_stopped reaches the client through the forwarder.
			if _, err := h.app.Registry.Stop(req.SessionID); err != nil && !errors.Is(err, registry.ErrSessionNotFound) {
				clientLog.Warn().Err(err).Str("sessionId", req.SessionID).Msg("Session stop incomplete")
			}

		default:
			_ = sc.sendError("Unknown event", errors.New(msg.Event))
		}
	}
}

// forward relays a session's events until its channel closes.
func (h *handler) forward(sc *socketConn, s *stream.Session, l zerolog.Logger) {
	for ev := range s.Events() {
		if err := sc.send(eventName(ev.Type()), ev); err != nil {
			l.Debug().Err(err).Str("sessionId", s.ID()).Msg("Event write failed")
			return
		}
	}
}

// sessionEvents streams one session's events over a websocket. The
// session's event channel has a single consumer.
func (h *handler) sessionEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	s, err := h.app.Registry.Get(id)
	if err != nil {
		writeError(w, statusFor(err), "session not found", err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Str("sessionId", id).Msg("WebSocket upgrade failed")
		return
	}
	sc := &socketConn{conn: conn}
	defer sc.close()

	start := time.Now()
	metrics.DefaultMetrics.RecordStreamStart(transportWebSocket)
	defer func() {
		metrics.DefaultMetrics.RecordStreamEnd(transportWebSocket, true, time.Since(start).Seconds())
	}()

	// Reads only detect the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	events := s.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := sc.send(eventName(ev.Type()), ev); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}
