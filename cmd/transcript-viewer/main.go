// Transcript Viewer consumes session events from Kafka and shows them in
// the browser over WebSocket.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"ai-speech-stream-service/internal/observability/logging"
	"ai-speech-stream-service/internal/viewer"
)

func main() {
	port := flag.String("port", "8081", "HTTP server port")
	brokers := flag.String("brokers", "localhost:9092", "Kafka brokers (comma-separated)")
	topicTranscripts := flag.String("topic-transcripts", "speech.transcripts.v1", "Transcript topic")
	topicEvents := flag.String("topic-events", "speech.session-events.v1", "Session event topic")
	lookback := flag.Duration("lookback", time.Hour, "Replay events newer than this")
	logLevel := flag.String("log-level", "info", "Log level")
	flag.Parse()

	logging.Init(logging.Config{Level: *logLevel, Format: "console", TimeFormat: time.RFC3339})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := viewer.NewHub(100)
	server := &http.Server{
		Addr:              ":" + *port,
		Handler:           viewer.NewRouter(hub),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	for _, topic := range []string{*topicTranscripts, *topicEvents} {
		reader := viewer.NewReader(gctx, strings.Split(*brokers, ","), topic, *lookback)
		consumerLog := logging.WithComponent("viewer-consumer").With().Str("topic", topic).Logger()
		g.Go(func() error {
			consumerLog.Info().Msg("Consuming events")
			return viewer.Consume(gctx, reader, hub.Publish, consumerLog)
		})
	}
	g.Go(func() error {
		log.Info().Str("url", "http://localhost:"+*port).Str("brokers", *brokers).Msg("Transcript Viewer starting")
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("Transcript Viewer exited")
	}
}
