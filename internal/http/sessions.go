package http

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"ai-speech-stream-service/internal/app"
	"ai-speech-stream-service/internal/observability/logging"
	"ai-speech-stream-service/internal/service/registry"
	"ai-speech-stream-service/internal/service/stream"
)

type handler struct {
	app      *app.Application
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

func newHandler(application *app.Application) *handler {
	return &handler{
		app: application,
		log: logging.WithComponent("http"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
	}
}

// startRequest is the body of POST /v1/sessions and of start_streaming.
type startRequest struct {
	SessionID      string `json:"session_id,omitempty"`
	LanguageCode   string `json:"language_code,omitempty"`
	InputFormat    string `json:"input_format,omitempty"`
	UseCalibration bool   `json:"use_calibration"`
	UsePhrases     bool   `json:"use_phrases"`
}

func (r startRequest) options() stream.Options {
	return stream.Options{
		ID:             r.SessionID,
		LanguageCode:   r.LanguageCode,
		InputFormat:    r.InputFormat,
		UseCalibration: r.UseCalibration,
		UsePhrases:     r.UsePhrases,
	}
}

type chunkRequest struct {
	SessionID string `json:"session_id,omitempty"`
	AudioData string `json:"audio_data"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func (h *handler) createSession(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid JSON", err)
			return
		}
	}

	s, err := h.app.Registry.Create(req.options())
	if err != nil {
		h.log.Warn().Err(err).Msg("Session create rejected")
		writeError(w, statusFor(err), "failed to start session", err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"session_id": s.ID(),
		"status":     "ready",
	})
}

func (h *handler) listSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": h.app.Registry.List(),
	})
}

func (h *handler) stopSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	stats, err := h.app.Registry.Stop(id)
	if err != nil && !errors.Is(err, stream.ErrStopTimeout) {
		writeError(w, statusFor(err), "failed to stop session", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":   id,
		"status":       "stopped",
		"minutes_used": stats.BillableMinutes,
		"stats":        stats,
	})
}

// pushChunk accepts a raw audio body or JSON {"audio_data": "<base64>"}.
func (h *handler) pushChunk(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")

	if limit := h.app.Cfg.Session.MaxChunkBytes; limit > 0 {
		// Room for base64 expansion and the JSON envelope.
		r.Body = http.MaxBytesReader(w, r.Body, limit*2+1024)
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "audio chunk too large", err)
			return
		}
		writeError(w, http.StatusBadRequest, "failed to read body", err)
		return
	}

	data := body
	if ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); ct == "application/json" {
		var req chunkRequest
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON", err)
			return
		}
		data, err = decodeAudio(req.AudioData)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid audio format", err)
			return
		}
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, "no audio data", errors.New("audio chunk is empty"))
		return
	}

	if err := h.app.Registry.Dispatch(id, data); err != nil {
		writeError(w, statusFor(err), "failed to process audio chunk", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"session_id": id,
		"bytes":      len(data),
	})
}

func decodeAudio(s string) ([]byte, error) {
	if s == "" {
		return nil, errors.New("audio chunk is empty")
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode base64 audio: %w", err)
	}
	return data, nil
}

// statusFor maps registry and session errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, registry.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrSessionExists):
		return http.StatusConflict
	case errors.Is(err, registry.ErrCapacityExceeded):
		return http.StatusServiceUnavailable
	case errors.Is(err, stream.ErrNotActive):
		return http.StatusGone
	case errors.Is(err, stream.ErrChunkTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, stream.ErrQueueFull), errors.Is(err, stream.ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error(), Message: message})
}
