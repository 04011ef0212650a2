package stream

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"

	"ai-speech-stream-service/internal/models"
	"ai-speech-stream-service/internal/observability/logging"
	"ai-speech-stream-service/internal/service/convert"
	"ai-speech-stream-service/internal/service/quality"
	"ai-speech-stream-service/internal/service/stt"
	"ai-speech-stream-service/internal/service/window"
)

// outcome is the result of one transcription attempt.
type outcome int

const (
	outcomeEmitted outcome = iota
	outcomeDuplicate
	outcomeNoSpeech
	outcomeFailed
	outcomeCanceled
	outcomeFatal
)

// errFatal ends the worker loop with a stop reason.
type errFatal struct {
	reason string
	err    error
}

func (e *errFatal) Error() string { return fmt.Sprintf("%s: %v", e.reason, e.err) }
func (e *errFatal) Unwrap() error { return e.err }

func (s *Session) run() {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Session worker panicked")
			s.fail(ReasonPanic, fmt.Errorf("internal error: %v", r))
		}
		s.finish()
	}()

	poll := time.NewTimer(s.cfg.PollTimeout)
	defer poll.Stop()

	var deadline <-chan time.Time
	if s.cfg.MaxDuration > 0 {
		t := time.NewTimer(s.cfg.MaxDuration)
		defer t.Stop()
		deadline = t.C
	}

	for {
		var err error
		select {
		case <-s.ctx.Done():
			return
		case <-deadline:
			s.fail(ReasonMaxDuration, fmt.Errorf("session exceeded maximum duration of %v", s.cfg.MaxDuration))
			return
		case c := <-s.queue:
			if !s.Active() {
				return
			}
			err = s.handleChunk(c)
		case <-poll.C:
			err = s.onIdle()
		}

		var fatal *errFatal
		if errors.As(err, &fatal) {
			s.fail(fatal.reason, fatal.err)
			return
		}

		if !poll.Stop() {
			select {
			case <-poll.C:
			default:
			}
		}
		poll.Reset(s.cfg.PollTimeout)
	}
}

// fail reports an unrecoverable fault and records the stop reason.
func (s *Session) fail(reason string, err error) {
	s.log.Error().Err(err).Str("reason", reason).Msg("Session terminated")
	s.errorCount.Add(1)
	s.emit(models.NewTranscriptionError(s.id, err.Error(), true, time.Now()))
	s.setReason(reason)
	s.state.CompareAndSwap(int32(StateActive), int32(StateStopping))
}

// handleChunk appends a chunk, scores it and runs the scheduler.
func (s *Session) handleChunk(c window.Chunk) error {
	s.chunkCounter++
	s.pendingSinceAttempt++

	if s.buffer.Push(c) {
		s.scheduler.Evicted(1)
		s.deps.Metrics.RecordChunkEvicted()
	}

	if _, warn := s.monitor.Observe(c.Size()); warn {
		s.qualityWarnings.Add(1)
		s.deps.Metrics.RecordQualityWarning()
		s.log.Warn().Float64("averageScore", s.monitor.Average()).Msg("Poor audio quality")
		s.emit(models.NewQualityWarning(s.id, quality.WarningMessage, s.monitor.Average(), time.Now()))
	}

	now := time.Now()
	reason := s.scheduler.Decide(s.buffer.Len(), now)
	if !reason.Fires() {
		return nil
	}

	start, end := s.scheduler.Window(s.buffer.Len())
	out, err := s.attempt(reason, start, end)
	s.scheduler.MarkAttempt(now)
	s.lastTranscription = now

	switch out {
	case outcomeEmitted, outcomeDuplicate, outcomeNoSpeech:
		s.scheduler.Advance(end)
	}
	return err
}

// onIdle runs when no chunk arrived within the poll timeout. Audio left
// below the window size is flushed once the silence threshold passes.
func (s *Session) onIdle() error {
	size := s.buffer.Len()
	if size < s.cfg.SilenceMinChunks || s.pendingSinceAttempt == 0 {
		return nil
	}
	now := time.Now()
	if now.Sub(s.lastTranscription) < s.cfg.SilenceThreshold {
		return nil
	}

	out, err := s.attempt(window.ReasonSilence, 0, size)
	s.scheduler.MarkAttempt(now)
	s.lastTranscription = now

	overlap := s.cfg.Window.Overlap
	switch out {
	case outcomeEmitted, outcomeDuplicate:
		s.scheduler.Advance(size)
		drop := size - overlap
		if drop < 1 {
			drop = 1
		}
		s.scheduler.Evicted(s.buffer.DropOldest(drop))
	case outcomeNoSpeech:
		s.scheduler.Advance(size)
		if size > s.cfg.Window.MaxChunks {
			s.scheduler.Evicted(s.buffer.DropOldest(size - overlap))
		}
	}
	return err
}

// attempt transcribes buffer positions [start, end).
func (s *Session) attempt(reason window.Reason, start, end int) (outcome, error) {
	s.pendingSinceAttempt = 0
	s.windowsAttempted.Add(1)
	s.deps.Metrics.RecordWindow(reason.String())

	wlog := logging.WithWindow(s.log, s.chunkCounter, start, end, reason.String())
	raw := window.Concat(s.buffer.Slice(start, end))

	ctx := s.ctx
	if s.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(s.ctx, s.cfg.AttemptTimeout)
		defer cancel()
	}

	convStart := time.Now()
	pcm, err := s.deps.Converter.Convert(ctx, raw, s.opts.InputFormat)
	s.deps.Metrics.RecordConvert(err, time.Since(convStart).Seconds())
	if err != nil {
		if s.ctx.Err() != nil {
			return outcomeCanceled, nil
		}
		return s.requestFailed(wlog, err)
	}

	engineStart := time.Now()
	res, err := s.deps.Engine.Transcribe(ctx, stt.Request{
		Audio:          pcm,
		Format:         convert.OutputFormat,
		LanguageCode:   s.opts.LanguageCode,
		SampleRateHz:   s.cfg.SampleRateHz,
		UseCalibration: s.opts.UseCalibration,
	})
	latency := time.Since(engineStart).Seconds()
	provider := s.deps.Engine.Name()

	switch {
	case err == nil:
		s.deps.Metrics.RecordSTT(provider, "text", latency)
	case errors.Is(err, stt.ErrNoSpeech):
		s.deps.Metrics.RecordSTT(provider, "no_speech", latency)
		s.deps.Metrics.RecordNoSpeech()
		s.noSpeechWindows.Add(1)
		s.consecutiveFailures = 0
		wlog.Debug().Msg("No speech in window")
		return outcomeNoSpeech, nil
	case stt.IsFatal(err):
		s.deps.Metrics.RecordSTTError(provider, "fatal")
		return outcomeFatal, &errFatal{reason: ReasonEngineClosed, err: err}
	case s.ctx.Err() != nil:
		return outcomeCanceled, nil
	default:
		s.deps.Metrics.RecordSTT(provider, "error", latency)
		s.deps.Metrics.RecordSTTError(provider, "request")
		return s.requestFailed(wlog, err)
	}
	s.consecutiveFailures = 0

	return s.processText(wlog, res, start), nil
}

// requestFailed reports a transient failure and checks the failure budget.
func (s *Session) requestFailed(wlog zerolog.Logger, err error) (outcome, error) {
	s.errorCount.Add(1)
	s.consecutiveFailures++
	wlog.Warn().Err(err).Int("consecutiveFailures", s.consecutiveFailures).Msg("Transcription attempt failed")
	s.emit(models.NewTranscriptionError(s.id, err.Error(), false, time.Now()))

	if limit := s.cfg.MaxConsecutiveFailures; limit > 0 && s.consecutiveFailures >= limit {
		return outcomeFatal, &errFatal{
			reason: ReasonTooManyFailures,
			err:    fmt.Errorf("%d consecutive transcription failures: %w", s.consecutiveFailures, err),
		}
	}
	return outcomeFailed, nil
}

// processText applies phrase correction and the duplicate filter, then
// emits the transcript.
func (s *Session) processText(wlog zerolog.Logger, res stt.Result, windowStart int) outcome {
	text := res.Text
	confidence := s.cfg.DefaultConfidence
	if res.HasConfidence {
		confidence = res.Confidence
	}

	corrected := false
	if s.opts.UsePhrases && s.deps.Phrases != nil {
		if fixed, corrections := s.deps.Phrases.Correct(text, s.cfg.MinPhraseSimilarity); len(corrections) > 0 {
			s.deps.Metrics.RecordPhraseCorrections(len(corrections))
			wlog.Debug().Str("original", text).Str("corrected", fixed).Msg("Phrase correction applied")
			text = fixed
			confidence += 0.1
			corrected = true
		}
	}
	if confidence > 1 {
		confidence = 1
	}

	now := time.Now()
	if verdict := s.filter.Accept(text, now, s.chunkCounter, windowStart); verdict.Duplicate() {
		s.duplicates.Add(1)
		s.deps.Metrics.RecordDuplicate(verdict.String())
		wlog.Debug().Str("text", text).Str("verdict", verdict.String()).Msg("Duplicate text suppressed")
		return outcomeDuplicate
	}

	ev := models.NewTranscriptionChunk(s.id, text, confidence, s.chunkCounter, windowStart, now)
	ev.Corrected = corrected
	if s.emit(ev) {
		s.transcriptsEmitted.Add(1)
		s.deps.Metrics.RecordTranscriptEmitted()
		wlog.Debug().Str("text", text).Float64("confidence", confidence).Msg("Transcript emitted")
	}
	return outcomeEmitted
}
