// Package dedup suppresses transcription results that repeat recently
// emitted text, which overlapping windows produce by construction.
package dedup

import (
	"strings"
	"time"
	"unicode/utf8"
)

const (
	minTextLength      = 3   // shorter text is treated as noise
	substringMinLength = 5   // both texts must be longer for the substring rule
	strictSimilarity   = 0.9 // Jaccard threshold for entries under strictWindow old
	looseSimilarity    = 0.8
	strictWindow       = 2 * time.Second
	overlapRatio       = 0.85
	overlapWindow      = 3 * time.Second
)

// Config controls history retention.
type Config struct {
	HistorySize int           // most recent accepted results kept
	Staleness   time.Duration // older entries are ignored during comparison
}

// DefaultConfig returns the default history size and staleness horizon.
func DefaultConfig() Config {
	return Config{
		HistorySize: 8,
		Staleness:   10 * time.Second,
	}
}

// Entry is one accepted result kept for comparison.
type Entry struct {
	Text        string
	At          time.Time
	ChunkID     uint64
	WindowStart int
}

// Verdict explains why a candidate was suppressed.
type Verdict int

const (
	Accepted Verdict = iota
	Noise
	ExactMatch
	Substring
	Similar
	WordOverlap
)

// String returns the verdict label used in logs and metrics.
func (v Verdict) String() string {
	switch v {
	case Accepted:
		return "accepted"
	case Noise:
		return "noise"
	case ExactMatch:
		return "exact"
	case Substring:
		return "substring"
	case Similar:
		return "similar"
	case WordOverlap:
		return "overlap"
	default:
		return "unknown"
	}
}

// Duplicate reports whether the verdict suppresses the candidate.
func (v Verdict) Duplicate() bool {
	return v != Accepted
}

// Filter holds the bounded history of accepted results.
// Owned by a single session worker; not safe for concurrent use.
type Filter struct {
	cfg     Config
	history []Entry
}

// New creates a filter with an empty history.
func New(cfg Config) *Filter {
	if cfg.HistorySize < 1 {
		cfg.HistorySize = DefaultConfig().HistorySize
	}
	if cfg.Staleness <= 0 {
		cfg.Staleness = DefaultConfig().Staleness
	}
	return &Filter{cfg: cfg, history: make([]Entry, 0, cfg.HistorySize)}
}

// Check classifies a candidate against the history without recording it.
func (f *Filter) Check(text string, now time.Time) Verdict {
	candidate := normalize(text)
	if utf8.RuneCountInString(candidate) < minTextLength {
		return Noise
	}
	candidateWords := wordSet(candidate)

	for _, e := range f.history {
		age := now.Sub(e.At)
		if age > f.cfg.Staleness {
			continue
		}
		recent := normalize(e.Text)

		if candidate == recent {
			return ExactMatch
		}

		if utf8.RuneCountInString(candidate) > substringMinLength &&
			utf8.RuneCountInString(recent) > substringMinLength &&
			(strings.Contains(recent, candidate) || strings.Contains(candidate, recent)) {
			return Substring
		}

		sim := jaccard(candidateWords, wordSet(recent))
		threshold := looseSimilarity
		if age < strictWindow {
			threshold = strictSimilarity
		}
		if sim > threshold {
			return Similar
		}

		if age < overlapWindow && sim > overlapRatio {
			return WordOverlap
		}
	}
	return Accepted
}

// IsDuplicate reports whether text should be suppressed.
func (f *Filter) IsDuplicate(text string, now time.Time) bool {
	return f.Check(text, now).Duplicate()
}

// Accept checks the candidate and records it when it is not a duplicate.
func (f *Filter) Accept(text string, now time.Time, chunkID uint64, windowStart int) Verdict {
	v := f.Check(text, now)
	if v == Accepted {
		f.Record(Entry{Text: text, At: now, ChunkID: chunkID, WindowStart: windowStart})
	}
	return v
}

// Record appends an entry, dropping the oldest when the history is full.
func (f *Filter) Record(e Entry) {
	if len(f.history) == f.cfg.HistorySize {
		copy(f.history, f.history[1:])
		f.history = f.history[:len(f.history)-1]
	}
	f.history = append(f.history, e)
}

// History returns a copy of the recorded entries, oldest first.
func (f *Filter) History() []Entry {
	return append([]Entry(nil), f.history...)
}

// Reset clears the history.
func (f *Filter) Reset() {
	f.history = f.history[:0]
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func wordSet(s string) map[string]struct{} {
	words := strings.Fields(s)
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

func intersection(a, b map[string]struct{}) int {
	if len(a) > len(b) {
		a, b = b, a
	}
	n := 0
	for w := range a {
		if _, ok := b[w]; ok {
			n++
		}
	}
	return n
}

// jaccard is |a∩b| / |a∪b|.
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := intersection(a, b)
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
