// Package viewer relays session events from Kafka to browsers over WebSocket.
package viewer

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"ai-speech-stream-service/internal/observability/logging"
)

const writeWait = 5 * time.Second

// Hub fans frames out to every connected browser. The client set is owned
// by the Run goroutine.
type Hub struct {
	clients    map[*websocket.Conn]struct{}
	broadcast  chan Frame
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	connected  atomic.Int64
	upgrader   websocket.Upgrader
	log        zerolog.Logger
}

// NewHub creates a hub buffering up to backlog frames.
func NewHub(backlog int) *Hub {
	if backlog <= 0 {
		backlog = 100
	}
	return &Hub{
		clients:    make(map[*websocket.Conn]struct{}),
		broadcast:  make(chan Frame, backlog),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: logging.WithComponent("viewer-hub"),
	}
}

// Run serves registrations and broadcasts until ctx is done, then closes
// every connection.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		for conn := range h.clients {
			conn.Close()
		}
		h.clients = nil
		h.connected.Store(0)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case conn := <-h.register:
			h.clients[conn] = struct{}{}
			h.connected.Store(int64(len(h.clients)))
			h.log.Info().Int("clients", len(h.clients)).Msg("Client connected")

		case conn := <-h.unregister:
			h.drop(conn)

		case frame := <-h.broadcast:
			for conn := range h.clients {
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteJSON(frame); err != nil {
					h.log.Warn().Err(err).Msg("Write failed")
					h.drop(conn)
				}
			}
		}
	}
}

func (h *Hub) drop(conn *websocket.Conn) {
	if _, ok := h.clients[conn]; !ok {
		return
	}
	delete(h.clients, conn)
	conn.Close()
	h.connected.Store(int64(len(h.clients)))
	h.log.Info().Int("clients", len(h.clients)).Msg("Client disconnected")
}

// Publish queues a frame for broadcast. It reports false when the backlog
// is full and the frame was dropped.
func (h *Hub) Publish(f Frame) bool {
	select {
	case h.broadcast <- f:
		return true
	default:
		h.log.Warn().Str("eventType", f.Type).Msg("Broadcast backlog full, dropping frame")
		return false
	}
}

// Clients returns the number of connected browsers.
func (h *Hub) Clients() int {
	return int(h.connected.Load())
}

// ServeHTTP upgrades the request and registers the connection. The read
// loop only detects disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	select {
	case h.register <- conn:
	case <-r.Context().Done():
		conn.Close()
		return
	}

	go func() {
		defer func() {
			// Run may have exited already.
			select {
			case h.unregister <- conn:
			case <-time.After(writeWait):
				conn.Close()
			}
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
