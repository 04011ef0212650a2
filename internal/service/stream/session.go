// Package stream implements the per-connection streaming session: an
// ingestion queue drained by one worker that windows the audio, calls the
// transcription engine and emits de-duplicated results.
package stream

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"ai-speech-stream-service/internal/events"
	"ai-speech-stream-service/internal/models"
	"ai-speech-stream-service/internal/observability/logging"
	"ai-speech-stream-service/internal/observability/metrics"
	"ai-speech-stream-service/internal/service/convert"
	"ai-speech-stream-service/internal/service/dedup"
	"ai-speech-stream-service/internal/service/phrase"
	"ai-speech-stream-service/internal/service/quality"
	"ai-speech-stream-service/internal/service/stt"
	"ai-speech-stream-service/internal/service/window"
)

// State is the session lifecycle state. Transitions only move forward.
type State int32

const (
	StateActive State = iota
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Stop reasons reported in streaming.stopped and metrics.
const (
	ReasonStopped         = "stopped"
	ReasonMaxDuration     = "max_duration"
	ReasonEngineClosed    = "engine_closed"
	ReasonTooManyFailures = "too_many_failures"
	ReasonPanic           = "panic"
)

var (
	ErrNotActive     = errors.New("session not active")
	ErrQueueFull     = errors.New("session queue full")
	ErrChunkTooLarge = errors.New("chunk exceeds size limit")
	ErrRateLimited   = errors.New("chunk rate limit exceeded")
	ErrStopTimeout   = errors.New("timed out waiting for session worker")
)

const sinkTimeout = 5 * time.Second

// Config holds the tunables of a session.
type Config struct {
	Window           window.Config
	BufferCapacity   int
	SilenceMinChunks int           // chunks needed before a silence flush
	SilenceThreshold time.Duration // time since last attempt before a silence flush
	PollTimeout      time.Duration // bounded wait on the ingestion queue

	Dedup   dedup.Config
	Quality quality.Config

	QueueSize              int
	EventBuffer            int
	MaxChunkBytes          int
	MaxDuration            time.Duration // 0 = unlimited
	ChunkRate              float64       // chunks per second, 0 = unlimited
	ChunkBurst             int
	AttemptTimeout         time.Duration
	MaxConsecutiveFailures int // 0 = unlimited

	DefaultConfidence   float64 // used when the engine reports none
	MinPhraseSimilarity float64

	InputFormat  string
	LanguageCode string
	SampleRateHz int
}

// DefaultConfig returns the tuned defaults.
func DefaultConfig() Config {
	return Config{
		Window:              window.DefaultConfig(),
		BufferCapacity:      25,
		SilenceMinChunks:    2,
		SilenceThreshold:    1500 * time.Millisecond,
		PollTimeout:         time.Second,
		Dedup:               dedup.DefaultConfig(),
		Quality:             quality.DefaultConfig(),
		QueueSize:           256,
		EventBuffer:         64,
		MaxChunkBytes:       1024 * 1024,
		ChunkBurst:          100,
		AttemptTimeout:      15 * time.Second,
		DefaultConfidence:   0.85,
		MinPhraseSimilarity: phrase.DefaultMinSimilarity,
		InputFormat:         "webm",
		LanguageCode:        "en-US",
		SampleRateHz:        16000,
	}
}

// Validate checks the configuration is usable.
func (c Config) Validate() error {
	if err := c.Window.Validate(); err != nil {
		return err
	}
	if c.BufferCapacity < c.Window.MaxChunks {
		return fmt.Errorf("buffer capacity (%d) must hold at least max chunks (%d)", c.BufferCapacity, c.Window.MaxChunks)
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("queue size must be positive, got %d", c.QueueSize)
	}
	if c.PollTimeout <= 0 {
		return fmt.Errorf("poll timeout must be positive, got %v", c.PollTimeout)
	}
	if c.DefaultConfidence < 0 || c.DefaultConfidence > 1 {
		return fmt.Errorf("default confidence must be in [0,1], got %v", c.DefaultConfidence)
	}
	return nil
}

// Options are the caller's per-session choices.
type Options struct {
	ID             string
	LanguageCode   string // overrides Config.LanguageCode
	InputFormat    string // overrides Config.InputFormat
	UseCalibration bool
	UsePhrases     bool
}

// Deps are the collaborators a session calls.
type Deps struct {
	Engine    stt.Engine
	Converter convert.Converter // nil means Passthrough
	Phrases   *phrase.Dictionary
	Sink      events.Sink // nil means no downstream delivery
	Metrics   *metrics.Metrics
}

// Session is one streaming transcription connection.
type Session struct {
	id   string
	opts Options
	cfg  Config
	deps Deps
	log  zerolog.Logger

	state         atomic.Int32
	stopRequested atomic.Bool
	started       atomic.Bool

	enqMu   sync.Mutex
	seq     uint64
	queue   chan window.Chunk
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	emitMu       sync.Mutex
	events       chan models.Event
	eventsClosed bool

	reasonMu sync.Mutex
	reason   string

	startedAt  time.Time
	finishOnce sync.Once
	final      models.SessionStats

	chunksReceived     atomic.Int64
	bytesReceived      atomic.Int64
	windowsAttempted   atomic.Int64
	transcriptsEmitted atomic.Int64
	duplicates         atomic.Int64
	noSpeechWindows    atomic.Int64
	errorCount         atomic.Int64
	qualityWarnings    atomic.Int64
	eventsDropped      atomic.Int64

	// Owned by the worker goroutine.
	buffer              *window.Buffer
	scheduler           *window.Scheduler
	filter              *dedup.Filter
	monitor             *quality.Monitor
	chunkCounter        uint64
	lastTranscription   time.Time
	pendingSinceAttempt int
	consecutiveFailures int
}

// New creates a session. The worker does not run until Start.
func New(parent context.Context, id string, cfg Config, deps Deps, opts Options) (*Session, error) {
	if id == "" {
		return nil, errors.New("session id required")
	}
	if deps.Engine == nil {
		return nil, errors.New("transcription engine required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid session config: %w", err)
	}
	if deps.Converter == nil {
		deps.Converter = convert.Passthrough{}
	}
	if deps.Sink == nil {
		deps.Sink = events.Discard{}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.DefaultMetrics
	}
	if opts.LanguageCode == "" {
		opts.LanguageCode = cfg.LanguageCode
	}
	if opts.InputFormat == "" {
		opts.InputFormat = cfg.InputFormat
	}
	if cfg.EventBuffer < 1 {
		cfg.EventBuffer = 1
	}

	now := time.Now()
	ctx, cancel := context.WithCancel(parent)
	s := &Session{
		id:                id,
		opts:              opts,
		cfg:               cfg,
		deps:              deps,
		log:               logging.WithSession(id).With().Str("sttProvider", deps.Engine.Name()).Logger(),
		queue:             make(chan window.Chunk, cfg.QueueSize),
		ctx:               ctx,
		cancel:            cancel,
		done:              make(chan struct{}),
		events:            make(chan models.Event, cfg.EventBuffer),
		startedAt:         now,
		buffer:            window.NewBuffer(cfg.BufferCapacity),
		scheduler:         window.NewScheduler(cfg.Window, now),
		filter:            dedup.New(cfg.Dedup),
		monitor:           quality.NewMonitor(cfg.Quality),
		lastTranscription: now,
	}
	if cfg.ChunkRate > 0 {
		burst := cfg.ChunkBurst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.ChunkRate), burst)
	}
	s.state.Store(int32(StateActive))
	return s, nil
}

// Start launches the worker. Calling it more than once has no effect.
func (s *Session) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	s.deps.Metrics.RecordSessionStart()
	s.log.Info().
		Bool("useCalibration", s.opts.UseCalibration).
		Bool("usePhrases", s.opts.UsePhrases).
		Str("language", s.opts.LanguageCode).
		Msg("Session started")
	go s.run()
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Options returns the options the session was created with.
func (s *Session) Options() Options { return s.opts }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Active reports whether the session accepts chunks.
func (s *Session) Active() bool { return s.State() == StateActive }

// Done is closed once the worker has exited and streaming.stopped was emitted.
func (s *Session) Done() <-chan struct{} { return s.done }

// Events returns the outbound event channel. It is closed after the
// streaming.stopped event.
func (s *Session) Events() <-chan models.Event { return s.events }

// Enqueue hands a chunk to the worker without blocking. The data is copied.
func (s *Session) Enqueue(data []byte) error {
	if !s.Active() {
		s.deps.Metrics.RecordChunkRejected("inactive")
		return ErrNotActive
	}
	if s.cfg.MaxChunkBytes > 0 && len(data) > s.cfg.MaxChunkBytes {
		s.deps.Metrics.RecordChunkRejected("too_large")
		return fmt.Errorf("%w: %d > %d bytes", ErrChunkTooLarge, len(data), s.cfg.MaxChunkBytes)
	}
	if s.limiter != nil && !s.limiter.Allow() {
		s.deps.Metrics.RecordChunkRejected("rate_limited")
		return ErrRateLimited
	}

	s.enqMu.Lock()
	defer s.enqMu.Unlock()

	c := window.Chunk{
		Seq:        s.seq + 1,
		Data:       append([]byte(nil), data...),
		ReceivedAt: time.Now(),
	}
	select {
	case s.queue <- c:
		s.seq++
		s.chunksReceived.Add(1)
		s.bytesReceived.Add(int64(len(data)))
		s.deps.Metrics.RecordChunkAccepted(len(data))
		return nil
	default:
		s.deps.Metrics.RecordChunkRejected("queue_full")
		return ErrQueueFull
	}
}

// Stop asks the worker to exit and waits up to timeout for it. Repeated
// calls wait for the same shutdown and return the same stats.
func (s *Session) Stop(timeout time.Duration) (models.SessionStats, error) {
	if s.stopRequested.CompareAndSwap(false, true) {
		s.setReason(ReasonStopped)
		s.state.CompareAndSwap(int32(StateActive), int32(StateStopping))
		s.cancel()
		if !s.started.Load() {
			s.finish()
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-s.done:
		return s.final, nil
	case <-timer.C:
		s.log.Warn().Dur("timeout", timeout).Msg("Session worker did not exit in time")
		return s.Stats(), ErrStopTimeout
	}
}

// Stats returns a snapshot; after Done it returns the final figures.
func (s *Session) Stats() models.SessionStats {
	select {
	case <-s.done:
		return s.final
	default:
		return s.snapshot(time.Time{})
	}
}

// StopReason returns why the session ended, or "" while it is active.
func (s *Session) StopReason() string {
	s.reasonMu.Lock()
	defer s.reasonMu.Unlock()
	return s.reason
}

// setReason records the first reason only.
func (s *Session) setReason(reason string) {
	s.reasonMu.Lock()
	defer s.reasonMu.Unlock()
	if s.reason == "" {
		s.reason = reason
	}
}

func (s *Session) snapshot(stoppedAt time.Time) models.SessionStats {
	end := stoppedAt
	if end.IsZero() {
		end = time.Now()
	}
	dur := end.Sub(s.startedAt)
	return models.SessionStats{
		SessionID:          s.id,
		StartedAt:          s.startedAt,
		StoppedAt:          stoppedAt,
		DurationSeconds:    dur.Seconds(),
		BillableMinutes:    BillableMinutes(dur),
		ChunksReceived:     s.chunksReceived.Load(),
		BytesReceived:      s.bytesReceived.Load(),
		WindowsAttempted:   s.windowsAttempted.Load(),
		TranscriptsEmitted: s.transcriptsEmitted.Load(),
		Duplicates:         s.duplicates.Load(),
		NoSpeechWindows:    s.noSpeechWindows.Load(),
		Errors:             s.errorCount.Load(),
		QualityWarnings:    s.qualityWarnings.Load(),
		UseCalibration:     s.opts.UseCalibration,
		UsePhrases:         s.opts.UsePhrases,
	}
}

// BillableMinutes rounds a session duration to whole minutes, at least one.
func BillableMinutes(d time.Duration) int {
	m := int(math.Round(d.Minutes()))
	if m < 1 {
		return 1
	}
	return m
}

// finish moves the session to Stopped, emits streaming.stopped once and
// closes the outbound channel.
func (s *Session) finish() {
	s.finishOnce.Do(func() {
		s.setReason(ReasonStopped)
		s.state.Store(int32(StateStopped))
		s.cancel()

		stats := s.snapshot(time.Now())
		s.final = stats
		reason := s.StopReason()

		if s.started.Load() {
			s.deps.Metrics.RecordSessionEnd(reason, stats.DurationSeconds)
		}
		s.log.Info().
			Str("reason", reason).
			Float64("durationSeconds", stats.DurationSeconds).
			Int64("chunks", stats.ChunksReceived).
			Int64("windows", stats.WindowsAttempted).
			Int64("emitted", stats.TranscriptsEmitted).
			Int64("duplicates", stats.Duplicates).
			Msg("Session stopped")

		s.deliver(models.NewStreamingStopped(stats, reason), true)

		s.emitMu.Lock()
		s.eventsClosed = true
		close(s.events)
		s.emitMu.Unlock()

		close(s.done)
	})
}

// emit publishes an event while the session is active.
func (s *Session) emit(ev models.Event) bool {
	return s.deliver(ev, false)
}

func (s *Session) deliver(ev models.Event, final bool) bool {
	s.emitMu.Lock()
	if s.eventsClosed || (!final && !s.Active()) {
		s.emitMu.Unlock()
		return false
	}
	select {
	case s.events <- ev:
	default:
		if final {
			// Make room: the stop event must reach the consumer.
			select {
			case <-s.events:
			default:
			}
			select {
			case s.events <- ev:
			default:
			}
		}
		s.eventsDropped.Add(1)
		s.deps.Metrics.RecordEventDropped("session")
	}
	s.emitMu.Unlock()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), sinkTimeout)
	defer cancel()
	if err := s.deps.Sink.Emit(ctx, ev); err != nil {
		s.log.Warn().Err(err).Str("eventType", ev.Type()).Msg("Event sink failed")
		s.deps.Metrics.RecordEventDropped("sink")
	}
	return true
}
