// Package phrase corrects transcripts word by word against a dictionary of
// known phrases and their common misrecognitions.
package phrase

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// DefaultMinSimilarity is the lowest similarity accepted as a correction.
const DefaultMinSimilarity = 0.8

// Categories every dictionary starts with.
var Categories = []string{"general", "technical", "names", "acronyms"}

// ErrUnknownCategory is returned when adding to a category that does not exist.
var ErrUnknownCategory = errors.New("phrase: unknown category")

// Correction records one replaced word.
type Correction struct {
	Original   string  `json:"original"`
	Phrase     string  `json:"phrase"`
	Similarity float64 `json:"similarity"`
}

// file is the on-disk YAML layout.
type file struct {
	Categories  map[string]map[string][]string `yaml:"categories"`
	Frequency   map[string]int                 `yaml:"frequency,omitempty"`
	LastUpdated time.Time                      `yaml:"last_updated,omitempty"`
}

// Dictionary is safe for concurrent use; one instance is shared by all
// sessions that enable phrase correction.
type Dictionary struct {
	mu         sync.RWMutex
	path       string
	categories map[string]map[string][]string
	frequency  map[string]int
}

// New creates an empty dictionary. A non-empty path is used by Save.
func New(path string) *Dictionary {
	d := &Dictionary{
		path:       path,
		categories: make(map[string]map[string][]string, len(Categories)),
		frequency:  make(map[string]int),
	}
	for _, c := range Categories {
		d.categories[c] = make(map[string][]string)
	}
	return d
}

// Load reads a dictionary from a YAML file. A missing file yields an empty
// dictionary bound to path.
func Load(path string) (*Dictionary, error) {
	d := New(path)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		log.Info().Str("path", path).Msg("Phrase dictionary not found, starting empty")
		return d, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read phrase dictionary: %w", err)
	}

	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse phrase dictionary %s: %w", path, err)
	}
	for cat, phrases := range f.Categories {
		if d.categories[cat] == nil {
			d.categories[cat] = make(map[string][]string)
		}
		for p, alts := range phrases {
			d.categories[cat][p] = alts
		}
	}
	for p, n := range f.Frequency {
		d.frequency[p] = n
	}

	log.Info().Str("path", path).Int("phrases", d.Len()).Msg("Phrase dictionary loaded")
	return d, nil
}

// Save writes the dictionary to its path. A dictionary without a path is
// kept in memory only.
func (d *Dictionary) Save() error {
	if d.path == "" {
		return nil
	}
	d.mu.RLock()
	f := file{
		Categories:  d.categories,
		Frequency:   d.frequency,
		LastUpdated: time.Now().UTC(),
	}
	data, err := yaml.Marshal(f)
	d.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("encode phrase dictionary: %w", err)
	}
	if err := os.WriteFile(d.path, data, 0o644); err != nil {
		return fmt.Errorf("write phrase dictionary: %w", err)
	}
	return nil
}

// Add registers a phrase and its alternatives in a category.
func (d *Dictionary) Add(phrase, category string, alternatives ...string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	phrases, ok := d.categories[category]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCategory, category)
	}
	phrases[phrase] = append([]string(nil), alternatives...)
	if _, ok := d.frequency[phrase]; !ok {
		d.frequency[phrase] = 0
	}
	return nil
}

// Remove deletes a phrase from one category, or from all when category is empty.
func (d *Dictionary) Remove(phrase, category string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for cat, phrases := range d.categories {
		if category == "" || cat == category {
			delete(phrases, phrase)
		}
	}
	delete(d.frequency, phrase)
}

// Alternatives returns the alternatives registered for a phrase.
func (d *Dictionary) Alternatives(phrase, category string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for cat, phrases := range d.categories {
		if category != "" && cat != category {
			continue
		}
		if alts, ok := phrases[phrase]; ok {
			return append([]string(nil), alts...)
		}
	}
	return nil
}

// Phrases returns a copy of the phrases and alternatives by category,
// limited to one category when category is non-empty.
func (d *Dictionary) Phrases(category string) map[string]map[string][]string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make(map[string]map[string][]string)
	for cat, phrases := range d.categories {
		if category != "" && cat != category {
			continue
		}
		cp := make(map[string][]string, len(phrases))
		for p, alts := range phrases {
			cp[p] = append([]string(nil), alts...)
		}
		out[cat] = cp
	}
	return out
}

// CategoryNames returns the categories in sorted order.
func (d *Dictionary) CategoryNames() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return sortedKeys(d.categories)
}

// Len returns the number of phrases across all categories.
func (d *Dictionary) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	n := 0
	for _, phrases := range d.categories {
		n += len(phrases)
	}
	return n
}

// ClosestMatch returns the dictionary phrase nearest to word, comparing
// against phrases and their alternatives, with a similarity in [0,1].
func (d *Dictionary) ClosestMatch(word, category string) (string, float64) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.closestLocked(word, category)
}

func (d *Dictionary) closestLocked(word, category string) (string, float64) {
	lw := strings.ToLower(word)
	best, bestDist := "", -1

	// Sorted iteration keeps ties deterministic.
	for _, cat := range sortedKeys(d.categories) {
		if category != "" && cat != category {
			continue
		}
		phrases := d.categories[cat]
		for _, p := range sortedKeys(phrases) {
			candidates := append([]string{p}, phrases[p]...)
			for _, c := range candidates {
				dist := levenshtein(lw, strings.ToLower(c))
				if bestDist < 0 || dist < bestDist {
					best, bestDist = p, dist
				}
			}
		}
	}
	if bestDist < 0 {
		return "", 0
	}

	maxLen := utf8.RuneCountInString(word)
	if n := utf8.RuneCountInString(best); n > maxLen {
		maxLen = n
	}
	if maxLen == 0 {
		return best, 1
	}
	sim := 1 - float64(bestDist)/float64(maxLen)
	if sim < 0 {
		sim = 0
	}
	return best, sim
}

// Correct replaces each word whose closest phrase reaches minSimilarity.
// Only words that actually change are reported as corrections.
func (d *Dictionary) Correct(text string, minSimilarity float64) (string, []Correction) {
	words := strings.Fields(text)
	if len(words) == 0 {
		return text, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var corrections []Correction
	out := make([]string, len(words))
	for i, w := range words {
		match, sim := d.closestLocked(w, "")
		if match == "" || sim < minSimilarity {
			out[i] = w
			continue
		}
		out[i] = match
		d.frequency[match]++
		if match != w {
			corrections = append(corrections, Correction{Original: w, Phrase: match, Similarity: sim})
		}
	}
	if len(corrections) == 0 {
		return text, nil
	}
	return strings.Join(out, " "), corrections
}

// FrequencyEntry is a phrase and how often it was matched.
type FrequencyEntry struct {
	Phrase string `json:"phrase"`
	Count  int    `json:"count"`
}

// Frequent returns the most matched phrases, most frequent first.
func (d *Dictionary) Frequent(limit int) []FrequencyEntry {
	d.mu.RLock()
	entries := make([]FrequencyEntry, 0, len(d.frequency))
	for p, n := range d.frequency {
		entries = append(entries, FrequencyEntry{Phrase: p, Count: n})
	}
	d.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Count != entries[j].Count {
			return entries[i].Count > entries[j].Count
		}
		return entries[i].Phrase < entries[j].Phrase
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// levenshtein returns the edit distance between a and b in runes.
func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}

	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}
