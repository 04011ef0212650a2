package window

import (
	"fmt"
	"time"
)

// Reason explains why the scheduler fired.
type Reason int

const (
	// ReasonNone - not enough new audio, keep waiting.
	ReasonNone Reason = iota
	// ReasonInsufficient - fewer chunks buffered than the window size.
	ReasonInsufficient
	// ReasonSlide - at least SlideStep new chunks since the last window.
	ReasonSlide
	// ReasonInterval - the minimum processing interval elapsed.
	ReasonInterval
	// ReasonEmergency - the buffer reached the emergency ceiling.
	ReasonEmergency
	// ReasonSilence - forced flush after a silence gap (session driven).
	ReasonSilence
)

// String returns the label used in logs and metrics.
func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonInsufficient:
		return "insufficient"
	case ReasonSlide:
		return "slide"
	case ReasonInterval:
		return "interval"
	case ReasonEmergency:
		return "emergency"
	case ReasonSilence:
		return "silence"
	default:
		return fmt.Sprintf("unknown(%d)", int(r))
	}
}

// Fires reports whether the reason triggers a transcription attempt.
func (r Reason) Fires() bool {
	return r == ReasonSlide || r == ReasonInterval || r == ReasonEmergency || r == ReasonSilence
}

// Config holds the sliding window parameters.
type Config struct {
	Size        int           // chunks per window (W)
	SlideStep   int           // new chunks needed to slide (S)
	Overlap     int           // chunks re-covered by the next window (O)
	MaxChunks   int           // emergency ceiling
	MinInterval time.Duration // minimum time between attempts before the interval rule fires
}

// DefaultConfig returns the tuned defaults for short compressed chunks.
func DefaultConfig() Config {
	return Config{
		Size:        4,
		SlideStep:   1,
		Overlap:     3,
		MaxChunks:   6,
		MinInterval: 500 * time.Millisecond,
	}
}

// Validate checks the parameters are usable together.
func (c Config) Validate() error {
	if c.Size < 1 {
		return fmt.Errorf("window size must be positive, got %d", c.Size)
	}
	if c.SlideStep < 1 {
		return fmt.Errorf("slide step must be positive, got %d", c.SlideStep)
	}
	if c.Overlap < 0 || c.Overlap >= c.Size {
		return fmt.Errorf("overlap must be in [0, %d), got %d", c.Size, c.Overlap)
	}
	if c.MaxChunks < c.Size {
		return fmt.Errorf("max chunks (%d) must be at least the window size (%d)", c.MaxChunks, c.Size)
	}
	return nil
}

// Scheduler tracks how much of the buffer has been accounted for by
// previous windows and decides when the next window should run.
// Owned by a single session worker.
type Scheduler struct {
	cfg           Config
	lastProcessed int
	lastAttempt   time.Time
}

// NewScheduler creates a scheduler. The attempt clock starts at now so
// the interval rule does not fire on the very first full window.
func NewScheduler(cfg Config, now time.Time) *Scheduler {
	return &Scheduler{cfg: cfg, lastAttempt: now}
}

// Config returns the scheduler parameters.
func (s *Scheduler) Config() Config {
	return s.cfg
}

// LastProcessed returns the buffer offset up to which windows have been
// accounted for.
func (s *Scheduler) LastProcessed() int {
	return s.lastProcessed
}

// LastAttempt returns when the last transcription attempt ran.
func (s *Scheduler) LastAttempt() time.Time {
	return s.lastAttempt
}

// Decide evaluates the trigger rules for the current buffer size.
func (s *Scheduler) Decide(bufferSize int, now time.Time) Reason {
	if bufferSize < s.cfg.Size {
		return ReasonInsufficient
	}
	newChunks := bufferSize - s.lastProcessed
	switch {
	case newChunks >= s.cfg.SlideStep:
		return ReasonSlide
	case now.Sub(s.lastAttempt) >= s.cfg.MinInterval:
		return ReasonInterval
	case bufferSize >= s.cfg.MaxChunks:
		return ReasonEmergency
	default:
		return ReasonNone
	}
}

// Window returns the position range of the most recent Size chunks.
func (s *Scheduler) Window(bufferSize int) (start, end int) {
	start = bufferSize - s.cfg.Size
	if start < 0 {
		start = 0
	}
	return start, bufferSize
}

// Advance marks the buffer as processed up to windowEnd minus the overlap.
func (s *Scheduler) Advance(windowEnd int) {
	pos := windowEnd - s.cfg.Overlap
	if pos < 0 {
		pos = 0
	}
	s.lastProcessed = pos
}

// MarkAttempt records the time of a transcription attempt.
func (s *Scheduler) MarkAttempt(now time.Time) {
	s.lastAttempt = now
}

// Evicted shifts the processed offset after n chunks left the front of
// the buffer, keeping it a valid position.
func (s *Scheduler) Evicted(n int) {
	s.lastProcessed -= n
	if s.lastProcessed < 0 {
		s.lastProcessed = 0
	}
}
