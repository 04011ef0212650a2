package main

import (
	"encoding/base64"
	"encoding/json"
	"flag"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"ai-speech-stream-service/internal/observability/logging"
)

type message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func main() {
	url := flag.String("url", "ws://localhost:8080/v1/stream", "Socket endpoint")
	chunks := flag.Int("chunks", 6, "Number of synthetic chunks to send")
	chunkBytes := flag.Int("chunk-bytes", 4000, "Size of each synthetic chunk")
	flag.Parse()

	logging.Init(logging.Config{Level: "info", Format: "console", TimeFormat: time.RFC3339})

	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect")
	}
	defer conn.Close()

	log.Info().Str("url", *url).Msg("Connected to server")

	send := func(event string, data any) {
		raw, err := json.Marshal(data)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to encode message")
		}
		if err := conn.WriteJSON(message{Event: event, Data: raw}); err != nil {
			log.Fatal().Err(err).Str("event", event).Msg("Failed to send")
		}
	}

	read := func() message {
		_ = conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		var m message
		if err := conn.ReadJSON(&m); err != nil {
			log.Fatal().Err(err).Msg("Failed to read")
		}
		log.Info().Str("event", m.Event).RawJSON("data", orNull(m.Data)).Msg("Received")
		return m
	}

	read() // connected

	send("start_streaming", map[string]bool{"use_calibration": false, "use_phrases": true})
	started := read()
	if started.Event != "streaming_started" {
		log.Fatal().Str("event", started.Event).Msg("Session did not start")
	}
	var session struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(started.Data, &session); err != nil {
		log.Fatal().Err(err).Msg("Bad streaming_started payload")
	}

	audio := make([]byte, *chunkBytes)
	for i := range audio {
		audio[i] = byte(i)
	}
	for i := 0; i < *chunks; i++ {
		send("audio_chunk", map[string]string{
			"session_id": session.SessionID,
			"audio_data": base64.StdEncoding.EncodeToString(audio),
		})
		time.Sleep(100 * time.Millisecond)
	}

	send("stop_streaming", map[string]string{"session_id": session.SessionID})
	for {
		if m := read(); m.Event == "streaming_stopped" {
			break
		}
	}
	log.Info().Str("sessionId", session.SessionID).Msg("Session complete")
}

func orNull(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("null")
	}
	return raw
}
