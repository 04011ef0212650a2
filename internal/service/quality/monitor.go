// Package quality scores incoming chunks by size and raises an advisory
// signal after sustained poor input. It never affects transcription.
package quality

// WarningMessage is the advisory text sent to the caller.
const WarningMessage = "Poor audio quality detected. Consider adjusting microphone or reducing background noise."

// Config holds the scoring thresholds.
type Config struct {
	LowBytes         int     // chunks smaller than this score LowScore
	HighBytes        int     // chunks larger than this score HighScore
	LowScore         float64 // very small chunk
	HighScore        float64 // very large chunk
	GoodScore        float64 // mid-range chunk
	Cutoff           float64 // scores below count as low quality
	ConsecutiveLimit int     // warn when the low streak exceeds this
	HistorySize      int
}

// DefaultConfig returns the default scoring thresholds.
func DefaultConfig() Config {
	return Config{
		LowBytes:         1000,
		HighBytes:        50000,
		LowScore:         0.3,
		HighScore:        0.7,
		GoodScore:        0.8,
		Cutoff:           0.5,
		ConsecutiveLimit: 5,
		HistorySize:      10,
	}
}

// Monitor keeps a ring of recent scores and the current low-quality streak.
// Owned by a single session worker.
type Monitor struct {
	cfg            Config
	scores         []float64
	next           int
	filled         bool
	consecutiveLow int
	warnings       int
}

// NewMonitor creates a monitor.
func NewMonitor(cfg Config) *Monitor {
	if cfg.HistorySize < 1 {
		cfg.HistorySize = 1
	}
	return &Monitor{cfg: cfg, scores: make([]float64, cfg.HistorySize)}
}

// Score maps a chunk size to a coarse quality score.
func (m *Monitor) Score(size int) float64 {
	switch {
	case size < m.cfg.LowBytes:
		return m.cfg.LowScore
	case size > m.cfg.HighBytes:
		return m.cfg.HighScore
	default:
		return m.cfg.GoodScore
	}
}

// Observe scores a chunk of the given size and reports whether an
// advisory warning should be raised. The streak resets after a warning.
func (m *Monitor) Observe(size int) (score float64, warn bool) {
	score = m.Score(size)

	m.scores[m.next] = score
	m.next = (m.next + 1) % len(m.scores)
	if m.next == 0 {
		m.filled = true
	}

	if score < m.cfg.Cutoff {
		m.consecutiveLow++
	} else {
		m.consecutiveLow = 0
	}

	if m.consecutiveLow > m.cfg.ConsecutiveLimit {
		m.consecutiveLow = 0
		m.warnings++
		return score, true
	}
	return score, false
}

// ConsecutiveLow returns the current low-quality streak.
func (m *Monitor) ConsecutiveLow() int {
	return m.consecutiveLow
}

// Warnings returns how many warnings have been raised.
func (m *Monitor) Warnings() int {
	return m.warnings
}

// Scores returns the recorded scores, oldest first.
func (m *Monitor) Scores() []float64 {
	if !m.filled {
		return append([]float64(nil), m.scores[:m.next]...)
	}
	out := make([]float64, 0, len(m.scores))
	out = append(out, m.scores[m.next:]...)
	return append(out, m.scores[:m.next]...)
}

// Average returns the mean of the recorded scores, or 0 when empty.
func (m *Monitor) Average() float64 {
	scores := m.Scores()
	if len(scores) == 0 {
		return 0
	}
	var sum float64
	for _, s := range scores {
		sum += s
	}
	return sum / float64(len(scores))
}
