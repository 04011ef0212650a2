package main

import (
	"context"
	"encoding/binary"
	"errors"
	"flag"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	grpcapi "ai-speech-stream-service/internal/api/grpc"
	"ai-speech-stream-service/internal/models"
	"ai-speech-stream-service/internal/observability"
	"ai-speech-stream-service/internal/observability/logging"
)

// WAV header is 44 bytes for standard PCM files
const wavHeaderSize = 44

// At 16kHz 16-bit mono = 32000 bytes/second, so 250ms chunks are 8000 bytes.
const (
	chunkSize       = 8000
	chunkIntervalMs = 250
)

func main() {
	audioFile := flag.String("audio", "testdata/sample-16khz.wav", "Path to WAV file (16kHz 16-bit mono)")
	serverAddr := flag.String("server", "localhost:50051", "gRPC server address")
	sessionID := flag.String("session", "", "Session ID (server assigns one when empty)")
	language := flag.String("language", "en-US", "Language code")
	calibration := flag.Bool("calibration", false, "Request calibrated recognition")
	phrases := flag.Bool("phrases", true, "Apply phrase correction")
	realtime := flag.Bool("realtime", true, "Pace chunks at playback speed")
	flag.Parse()

	logging.Init(logging.Config{Level: "info", Format: "console", TimeFormat: time.RFC3339})

	f, err := os.Open(*audioFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open audio file")
	}
	defer f.Close()

	sampleRate, err := readWAVHeader(f)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid WAV file")
	}
	if sampleRate != 16000 {
		log.Warn().Uint32("sampleRate", sampleRate).Msg("Sample rate differs from the 16kHz the service expects")
	}

	conn, err := grpc.NewClient(*serverAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect")
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if *sessionID != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, observability.MetadataSessionID, *sessionID)
	}

	stream, err := grpcapi.NewStream(ctx, conn)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open stream")
	}

	if err := stream.Send(&grpcapi.StreamRequest{Start: &grpcapi.StartFrame{
		SessionID:      *sessionID,
		LanguageCode:   *language,
		InputFormat:    "pcm",
		UseCalibration: *calibration,
		UsePhrases:     *phrases,
	}}); err != nil {
		log.Fatal().Err(err).Msg("Failed to start session")
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		receive(stream)
	}()

	buf := make([]byte, chunkSize)
	var chunks, total int
	started := time.Now()
	for {
		n, err := io.ReadFull(f, buf)
		if n > 0 {
			chunks++
			total += n
			if err := stream.Send(&grpcapi.StreamRequest{Audio: buf[:n]}); err != nil {
				log.Fatal().Err(err).Msg("Failed to send audio")
			}
			if chunks%10 == 0 {
				log.Info().Int("chunks", chunks).Int("bytes", total).Msg("Streaming")
			}
			if *realtime {
				time.Sleep(chunkIntervalMs * time.Millisecond)
			}
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to read audio")
		}
	}

	log.Info().Int("chunks", chunks).Int("bytes", total).Dur("elapsed", time.Since(started)).Msg("Finished streaming, waiting for final transcripts")
	if err := stream.Send(&grpcapi.StreamRequest{Stop: true}); err != nil {
		log.Fatal().Err(err).Msg("Failed to stop session")
	}
	_ = stream.CloseSend()
	<-done
}

func readWAVHeader(r io.Reader) (uint32, error) {
	header := make([]byte, wavHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, err
	}
	if string(header[0:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		return 0, errors.New("not a RIFF/WAVE file")
	}
	if format := binary.LittleEndian.Uint16(header[20:22]); format != 1 {
		return 0, errors.New("only PCM WAV is supported")
	}
	channels := binary.LittleEndian.Uint16(header[22:24])
	sampleRate := binary.LittleEndian.Uint32(header[24:28])
	bits := binary.LittleEndian.Uint16(header[34:36])
	log.Info().
		Uint16("channels", channels).
		Uint32("sampleRate", sampleRate).
		Uint16("bitsPerSample", bits).
		Msg("WAV file")
	return sampleRate, nil
}

func receive(stream *grpcapi.ClientStream) {
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			log.Error().Err(err).Msg("Stream closed with error")
			return
		}

		switch {
		case resp.SessionID != "":
			log.Info().Str("sessionId", resp.SessionID).Msg("Session started")
		case resp.Error != "":
			log.Warn().Str("error", resp.Error).Msg("Audio rejected")
		case resp.Stats != nil:
			log.Info().
				Int64("chunks", resp.Stats.ChunksReceived).
				Int64("transcripts", resp.Stats.TranscriptsEmitted).
				Int("minutes", resp.Stats.BillableMinutes).
				Msg("Session complete")
		case resp.Event != nil:
			printEvent(resp.Event)
		}
	}
}

func printEvent(frame *grpcapi.EventFrame) {
	ev, err := frame.Event()
	if err != nil {
		log.Warn().Err(err).Msg("Undecodable event")
		return
	}
	switch e := ev.(type) {
	case *models.TranscriptionChunk:
		log.Info().Float64("confidence", e.Confidence).Bool("corrected", e.Corrected).Msg(e.Text)
	case *models.QualityWarning:
		log.Warn().Float64("averageScore", e.AverageScore).Msg(e.Message)
	case *models.TranscriptionError:
		log.Warn().Bool("fatal", e.Fatal).Msg(e.Detail)
	case *models.StreamingStopped:
		log.Info().Str("reason", e.Reason).Msg("Streaming stopped")
	}
}
