package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"ai-speech-stream-service/internal/models"
	"ai-speech-stream-service/internal/service/phrase"
	"ai-speech-stream-service/internal/service/stt"
	"ai-speech-stream-service/internal/service/stt/mock"
	"ai-speech-stream-service/internal/service/window"
)

// wordEngine "recognises" the words carried in the chunk payloads.
type wordEngine struct {
	mu       sync.Mutex
	requests []string
	panicOn  int // panic on this request number, 0 = never
}

func (e *wordEngine) Name() string { return "words" }

func (e *wordEngine) Transcribe(_ context.Context, req stt.Request) (stt.Result, error) {
	e.mu.Lock()
	e.requests = append(e.requests, string(req.Audio))
	n := len(e.requests)
	e.mu.Unlock()

	if e.panicOn > 0 && n == e.panicOn {
		panic("decoder exploded")
	}
	text := strings.Join(strings.Fields(string(req.Audio)), " ")
	if text == "" {
		return stt.Result{}, stt.ErrNoSpeech
	}
	return stt.Result{Text: text}, nil
}

func (e *wordEngine) Requests() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.requests...)
}

// recordingSink keeps every event delivered downstream.
type recordingSink struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *recordingSink) Emit(_ context.Context, e models.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingSink) count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type() == eventType {
			n++
		}
	}
	return n
}

// collector drains a session's Events channel until it is closed.
type collector struct {
	mu     sync.Mutex
	events []models.Event
	closed chan struct{}
}

func collect(s *Session) *collector {
	c := &collector{closed: make(chan struct{})}
	go func() {
		defer close(c.closed)
		for e := range s.Events() {
			c.mu.Lock()
			c.events = append(c.events, e)
			c.mu.Unlock()
		}
	}()
	return c
}

func (c *collector) ofType(eventType string) []models.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []models.Event
	for _, e := range c.events {
		if e.Type() == eventType {
			out = append(out, e)
		}
	}
	return out
}

func (c *collector) texts() []string {
	var out []string
	for _, e := range c.ofType(models.EventTranscriptionChunk) {
		out = append(out, e.(*models.TranscriptionChunk).Text)
	}
	return out
}

func (c *collector) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-c.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("events channel was not closed")
	}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Window = window.Config{Size: 3, SlideStep: 1, Overlap: 2, MaxChunks: 6, MinInterval: time.Hour}
	cfg.SilenceThreshold = time.Hour
	cfg.PollTimeout = 20 * time.Millisecond
	cfg.EventBuffer = 256
	cfg.ChunkRate = 0
	return cfg
}

func startSession(t *testing.T, cfg Config, deps Deps, opts Options) *Session {
	t.Helper()
	s, err := New(context.Background(), "test-session", cfg, deps, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.Start()
	return s
}

// feed enqueues chunks and waits until the worker has handled all of them.
func feed(t *testing.T, s *Session, chunks ...string) {
	t.Helper()
	for _, c := range chunks {
		if err := s.Enqueue([]byte(c)); err != nil {
			t.Fatalf("Enqueue(%q): %v", c, err)
		}
	}
	waitUntil(t, "queue drained", func() bool { return len(s.queue) == 0 })
	// The last chunk may still be in flight through the engine.
	time.Sleep(30 * time.Millisecond)
}

func TestSession_OverlappingWindowsEmitPhraseOnce(t *testing.T) {
	engine := &wordEngine{}
	sink := &recordingSink{}
	s := startSession(t, testConfig(), Deps{Engine: engine, Sink: sink}, Options{})
	c := collect(s)

	feed(t, s, "good ", "morning ", "everyone ", "", "", "")

	if _, err := s.Stop(time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	c.waitClosed(t)

	texts := c.texts()
	if len(texts) != 1 || texts[0] != "good morning everyone" {
		t.Fatalf("expected phrase emitted once, got %v", texts)
	}

	requests := engine.Requests()
	covering := 0
	for _, r := range requests {
		if strings.Contains(r, "everyone") {
			covering++
		}
	}
	if covering < 2 {
		t.Errorf("expected the phrase to span at least two windows, got %d: %q", covering, requests)
	}

	stats := s.Stats()
	if stats.TranscriptsEmitted != 1 {
		t.Errorf("expected 1 emitted transcript, got %d", stats.TranscriptsEmitted)
	}
	if stats.Duplicates < 1 {
		t.Errorf("expected suppressed duplicates, got %d", stats.Duplicates)
	}
	if stats.NoSpeechWindows < 1 {
		t.Errorf("expected a no-speech window, got %d", stats.NoSpeechWindows)
	}
	if sink.count(models.EventTranscriptionChunk) != 1 {
		t.Errorf("expected sink to receive 1 transcript, got %d", sink.count(models.EventTranscriptionChunk))
	}
}

func TestSession_WindowsFollowArrivalOrder(t *testing.T) {
	engine := &wordEngine{}
	s := startSession(t, testConfig(), Deps{Engine: engine}, Options{})
	c := collect(s)

	var chunks []string
	for i := 1; i <= 12; i++ {
		chunks = append(chunks, fmt.Sprintf("w%d ", i))
	}
	feed(t, s, chunks...)
	s.Stop(time.Second)
	c.waitClosed(t)

	requests := engine.Requests()
	if len(requests) == 0 {
		t.Fatal("expected engine requests")
	}
	last := 0
	for _, r := range requests {
		words := strings.Fields(r)
		if len(words) != 3 {
			t.Fatalf("expected 3-chunk windows, got %q", r)
		}
		var first int
		fmt.Sscanf(words[0], "w%d", &first)
		if first <= last {
			t.Errorf("window %q does not advance past previous start w%d", r, last)
		}
		last = first
		for i, w := range words {
			if want := fmt.Sprintf("w%d", first+i); w != want {
				t.Errorf("window %q out of order at %d: got %s want %s", r, i, w, want)
			}
		}
	}
}

func TestSession_DeterministicAcrossSessions(t *testing.T) {
	chunks := []string{"the ", "quick ", "brown ", "fox ", "", "", "jumps ", "over ", "the ", "lazy ", "dog ", "", "", ""}

	run := func() []string {
		s := startSession(t, testConfig(), Deps{Engine: &wordEngine{}}, Options{})
		c := collect(s)
		feed(t, s, chunks...)
		s.Stop(time.Second)
		c.waitClosed(t)
		return c.texts()
	}

	first, second := run(), run()
	if strings.Join(first, "|") != strings.Join(second, "|") {
		t.Errorf("emitted texts differ between runs:\n%v\n%v", first, second)
	}
	if len(first) == 0 {
		t.Error("expected emitted texts")
	}
}

func TestSession_StopTwiceEmitsOneStoppedEvent(t *testing.T) {
	sink := &recordingSink{}
	s := startSession(t, testConfig(), Deps{Engine: &wordEngine{}, Sink: sink}, Options{ID: "x"})
	c := collect(s)

	first, err := s.Stop(time.Second)
	if err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	second, err := s.Stop(time.Second)
	if err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	c.waitClosed(t)

	if first != second {
		t.Errorf("expected identical stats from repeated Stop")
	}
	if n := len(c.ofType(models.EventStreamingStopped)); n != 1 {
		t.Errorf("expected 1 streaming.stopped on the channel, got %d", n)
	}
	if n := sink.count(models.EventStreamingStopped); n != 1 {
		t.Errorf("expected 1 streaming.stopped at the sink, got %d", n)
	}
	if s.State() != StateStopped {
		t.Errorf("expected stopped state, got %s", s.State())
	}
	if s.StopReason() != ReasonStopped {
		t.Errorf("expected reason %s, got %s", ReasonStopped, s.StopReason())
	}
}

func TestSession_EnqueueAfterStop(t *testing.T) {
	engine := &wordEngine{}
	s := startSession(t, testConfig(), Deps{Engine: engine}, Options{})
	s.Stop(time.Second)

	if err := s.Enqueue([]byte("late ")); !errors.Is(err, ErrNotActive) {
		t.Errorf("expected ErrNotActive, got %v", err)
	}
	if len(engine.Requests()) != 0 {
		t.Error("expected no engine calls")
	}
}

func TestSession_TransientFailureKeepsSessionAlive(t *testing.T) {
	engine := mock.NewScripted(mock.Config{},
		mock.Response{Err: stt.NewRequestError(mock.ProviderName, errors.New("deadline exceeded"))},
		mock.Response{Text: "hello world", Confidence: 0.9},
	)
	s := startSession(t, testConfig(), Deps{Engine: engine}, Options{})
	c := collect(s)

	feed(t, s, "a", "b", "c", "d")

	if !s.Active() {
		t.Fatal("expected session to survive a transient engine failure")
	}
	s.Stop(time.Second)
	c.waitClosed(t)

	errs := c.ofType(models.EventTranscriptionError)
	if len(errs) != 1 || errs[0].(*models.TranscriptionError).Fatal {
		t.Fatalf("expected one non-fatal error event, got %+v", errs)
	}
	texts := c.texts()
	if len(texts) != 1 || texts[0] != "hello world" {
		t.Errorf("expected transcript after recovery, got %v", texts)
	}
	chunk := c.ofType(models.EventTranscriptionChunk)[0].(*models.TranscriptionChunk)
	if chunk.Confidence != 0.9 {
		t.Errorf("expected engine confidence 0.9, got %v", chunk.Confidence)
	}
}

func TestSession_DefaultConfidenceWhenEngineReportsNone(t *testing.T) {
	s := startSession(t, testConfig(), Deps{Engine: &wordEngine{}}, Options{})
	c := collect(s)
	feed(t, s, "one ", "two ", "three ")
	s.Stop(time.Second)
	c.waitClosed(t)

	chunks := c.ofType(models.EventTranscriptionChunk)
	if len(chunks) == 0 {
		t.Fatal("expected a transcript")
	}
	if got := chunks[0].(*models.TranscriptionChunk).Confidence; got != 0.85 {
		t.Errorf("expected default confidence 0.85, got %v", got)
	}
}

func TestSession_EngineClosedEndsSession(t *testing.T) {
	engine := mock.New(mock.Config{})
	engine.Close()

	s := startSession(t, testConfig(), Deps{Engine: engine}, Options{})
	c := collect(s)

	for _, chunk := range []string{"a", "b", "c"} {
		s.Enqueue([]byte(chunk))
	}

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("expected session to terminate on a closed engine")
	}
	c.waitClosed(t)

	if s.StopReason() != ReasonEngineClosed {
		t.Errorf("expected reason %s, got %s", ReasonEngineClosed, s.StopReason())
	}
	errs := c.ofType(models.EventTranscriptionError)
	if len(errs) != 1 || !errs[0].(*models.TranscriptionError).Fatal {
		t.Errorf("expected one fatal error event, got %+v", errs)
	}
	stopped := c.ofType(models.EventStreamingStopped)
	if len(stopped) != 1 || stopped[0].(*models.StreamingStopped).Reason != ReasonEngineClosed {
		t.Errorf("expected streaming.stopped with engine_closed, got %+v", stopped)
	}
}

func TestSession_ConsecutiveFailureBudget(t *testing.T) {
	failure := stt.NewRequestError(mock.ProviderName, errors.New("unavailable"))
	engine := mock.NewScripted(mock.Config{}, mock.Response{Err: failure}, mock.Response{Err: failure})

	cfg := testConfig()
	cfg.MaxConsecutiveFailures = 2
	s := startSession(t, cfg, Deps{Engine: engine}, Options{})

	for _, chunk := range []string{"a", "b", "c", "d"} {
		s.Enqueue([]byte(chunk))
	}

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("expected session to terminate after the failure budget")
	}
	if s.StopReason() != ReasonTooManyFailures {
		t.Errorf("expected reason %s, got %s", ReasonTooManyFailures, s.StopReason())
	}
	if s.Stats().Errors != 3 {
		t.Errorf("expected 2 request errors plus the fatal one, got %d", s.Stats().Errors)
	}
}

func TestSession_PanicIsContained(t *testing.T) {
	s := startSession(t, testConfig(), Deps{Engine: &wordEngine{panicOn: 1}}, Options{})
	c := collect(s)

	for _, chunk := range []string{"a ", "b ", "c "} {
		s.Enqueue([]byte(chunk))
	}

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("expected session to terminate after a worker panic")
	}
	c.waitClosed(t)

	if s.StopReason() != ReasonPanic {
		t.Errorf("expected reason %s, got %s", ReasonPanic, s.StopReason())
	}
	if len(c.ofType(models.EventStreamingStopped)) != 1 {
		t.Error("expected streaming.stopped after a panic")
	}
}

func TestSession_MaxDuration(t *testing.T) {
	cfg := testConfig()
	cfg.MaxDuration = 30 * time.Millisecond
	s := startSession(t, cfg, Deps{Engine: &wordEngine{}}, Options{})

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("expected session to end at its maximum duration")
	}
	if s.StopReason() != ReasonMaxDuration {
		t.Errorf("expected reason %s, got %s", ReasonMaxDuration, s.StopReason())
	}
}

func TestSession_SilenceFlushesShortBuffer(t *testing.T) {
	engine := &wordEngine{}
	cfg := testConfig()
	cfg.Window.Size = 4
	cfg.Window.Overlap = 3
	cfg.SilenceThreshold = 40 * time.Millisecond
	cfg.PollTimeout = 10 * time.Millisecond

	s := startSession(t, cfg, Deps{Engine: engine}, Options{})
	c := collect(s)

	s.Enqueue([]byte("hello "))
	s.Enqueue([]byte("world "))

	waitUntil(t, "silence flush", func() bool { return len(c.texts()) == 1 })
	if got := c.texts()[0]; got != "hello world" {
		t.Errorf("expected flushed text 'hello world', got %q", got)
	}

	// Without new audio the flush must not repeat.
	time.Sleep(150 * time.Millisecond)
	if n := len(engine.Requests()); n != 1 {
		t.Errorf("expected a single flush attempt, got %d", n)
	}
	s.Stop(time.Second)
}

func TestSession_QualityWarning(t *testing.T) {
	s := startSession(t, testConfig(), Deps{Engine: mock.New(mock.Config{MinSpeechBytes: 1 << 20})}, Options{})
	c := collect(s)

	feed(t, s, "1", "2", "3", "4", "5", "6", "7")
	s.Stop(time.Second)
	c.waitClosed(t)

	warnings := c.ofType(models.EventQualityWarning)
	if len(warnings) != 1 {
		t.Fatalf("expected exactly 1 quality warning, got %d", len(warnings))
	}
	if s.Stats().QualityWarnings != 1 {
		t.Errorf("expected stats to count 1 warning, got %d", s.Stats().QualityWarnings)
	}
}

func TestSession_PhraseCorrectionRaisesConfidence(t *testing.T) {
	dict := phrase.New("")
	if err := dict.Add("Kubernetes", "technical", "kubernetis"); err != nil {
		t.Fatal(err)
	}
	engine := mock.NewScripted(mock.Config{}, mock.Response{Text: "deploy kubernetis", Confidence: 0.8})

	s := startSession(t, testConfig(), Deps{Engine: engine, Phrases: dict}, Options{UsePhrases: true})
	c := collect(s)
	feed(t, s, "a", "b", "c")
	s.Stop(time.Second)
	c.waitClosed(t)

	chunks := c.ofType(models.EventTranscriptionChunk)
	if len(chunks) == 0 {
		t.Fatal("expected a transcript")
	}
	got := chunks[0].(*models.TranscriptionChunk)
	if got.Text != "deploy Kubernetes" || !got.Corrected {
		t.Errorf("expected corrected transcript, got %+v", got)
	}
	if got.Confidence < 0.899 || got.Confidence > 0.901 {
		t.Errorf("expected confidence raised to 0.9, got %v", got.Confidence)
	}
}

func TestSession_Admission(t *testing.T) {
	t.Run("too large", func(t *testing.T) {
		cfg := testConfig()
		cfg.MaxChunkBytes = 4
		s, _ := New(context.Background(), "s", cfg, Deps{Engine: &wordEngine{}}, Options{})
		if err := s.Enqueue([]byte("12345")); !errors.Is(err, ErrChunkTooLarge) {
			t.Errorf("expected ErrChunkTooLarge, got %v", err)
		}
		s.Stop(time.Second)
	})

	t.Run("queue full", func(t *testing.T) {
		cfg := testConfig()
		cfg.QueueSize = 2
		s, _ := New(context.Background(), "s", cfg, Deps{Engine: &wordEngine{}}, Options{})
		s.Enqueue([]byte("a"))
		s.Enqueue([]byte("b"))
		if err := s.Enqueue([]byte("c")); !errors.Is(err, ErrQueueFull) {
			t.Errorf("expected ErrQueueFull, got %v", err)
		}
		stats, err := s.Stop(time.Second)
		if err != nil {
			t.Fatalf("Stop on unstarted session: %v", err)
		}
		if stats.ChunksReceived != 2 {
			t.Errorf("expected 2 accepted chunks, got %d", stats.ChunksReceived)
		}
	})

	t.Run("rate limited", func(t *testing.T) {
		cfg := testConfig()
		cfg.ChunkRate = 1
		cfg.ChunkBurst = 1
		s, _ := New(context.Background(), "s", cfg, Deps{Engine: &wordEngine{}}, Options{})
		if err := s.Enqueue([]byte("a")); err != nil {
			t.Fatalf("first chunk: %v", err)
		}
		if err := s.Enqueue([]byte("b")); !errors.Is(err, ErrRateLimited) {
			t.Errorf("expected ErrRateLimited, got %v", err)
		}
		s.Stop(time.Second)
	})
}

func TestSession_EnqueueCopiesData(t *testing.T) {
	s, _ := New(context.Background(), "s", testConfig(), Deps{Engine: &wordEngine{}}, Options{})
	buf := []byte("abc")
	s.Enqueue(buf)
	buf[0] = 'X'

	c := <-s.queue
	if string(c.Data) != "abc" {
		t.Errorf("expected enqueued data to be copied, got %q", c.Data)
	}
	if c.Seq != 1 {
		t.Errorf("expected seq 1, got %d", c.Seq)
	}
	s.Stop(time.Second)
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name string
		id   string
		cfg  Config
		deps Deps
	}{
		{"missing id", "", DefaultConfig(), Deps{Engine: &wordEngine{}}},
		{"missing engine", "s", DefaultConfig(), Deps{}},
		{"bad window", "s", func() Config { c := DefaultConfig(); c.Window.Overlap = 9; return c }(), Deps{Engine: &wordEngine{}}},
		{"small buffer", "s", func() Config { c := DefaultConfig(); c.BufferCapacity = 2; return c }(), Deps{Engine: &wordEngine{}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(context.Background(), tt.id, tt.cfg, tt.deps, Options{}); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestBillableMinutes(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want int
	}{
		{0, 1},
		{10 * time.Second, 1},
		{89 * time.Second, 1},
		{91 * time.Second, 2},
		{10 * time.Minute, 10},
	}

	for _, tt := range tests {
		if got := BillableMinutes(tt.d); got != tt.want {
			t.Errorf("BillableMinutes(%v) = %d, want %d", tt.d, got, tt.want)
		}
	}
}
