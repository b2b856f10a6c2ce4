package question

import (
	"strings"
	"sync"
	"time"

	"github.com/antzucaro/matchr"
)

// maxRecentQuestions bounds the recency list independently of the cooldown
// so a flood of distinct questions cannot grow it without limit.
const maxRecentQuestions = 64

type recentQuestion struct {
	text string
	at   time.Time
}

// Deduplicator suppresses questions that closely match one asked within the
// cooldown window. Safe for concurrent use.
type Deduplicator struct {
	mu        sync.Mutex
	cooldown  time.Duration
	threshold float64
	recent    []recentQuestion
}

// NewDeduplicator creates a Deduplicator. Candidates with similarity
// strictly greater than threshold to a retained question are rejected;
// entries older than cooldown are evicted before comparison.
func NewDeduplicator(cooldown time.Duration, threshold float64) *Deduplicator {
	return &Deduplicator{
		cooldown:  cooldown,
		threshold: threshold,
	}
}

// ShouldProcess reports whether text is novel enough to act on. Accepted
// questions are recorded with the supplied timestamp; rejected ones are not
// re-recorded, so the original's cooldown window does not slide.
func (d *Deduplicator) ShouldProcess(text string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.prune(now)

	for _, r := range d.recent {
		if Similarity(text, r.text) > d.threshold {
			return false
		}
	}

	d.recent = append(d.recent, recentQuestion{text: text, at: now})
	if len(d.recent) > maxRecentQuestions {
		// Copy into a fresh backing array so the evicted prefix is freed.
		trimmed := make([]recentQuestion, maxRecentQuestions)
		copy(trimmed, d.recent[len(d.recent)-maxRecentQuestions:])
		d.recent = trimmed
	}
	return true
}

// Clear drops all retained questions.
func (d *Deduplicator) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.recent = nil
}

// prune evicts entries at or beyond the cooldown age. Caller holds d.mu.
func (d *Deduplicator) prune(now time.Time) {
	kept := d.recent[:0]
	for _, r := range d.recent {
		if now.Sub(r.at) < d.cooldown {
			kept = append(kept, r)
		}
	}
	d.recent = kept
}

// Similarity returns a normalized, case-insensitive edit-distance score in
// [0, 1]: 1 for identical strings, 0 for entirely different ones.
func Similarity(a, b string) float64 {
	a = strings.ToLower(a)
	b = strings.ToLower(b)
	if a == b {
		return 1
	}

	longest := len([]rune(a))
	if n := len([]rune(b)); n > longest {
		longest = n
	}
	if longest == 0 {
		return 1
	}

	dist := matchr.Levenshtein(a, b)
	return 1 - float64(dist)/float64(longest)
}
