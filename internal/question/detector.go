// Package question classifies transcripts as questions and suppresses
// near-duplicate questions within a cooldown window.
//
// Detection is heuristic: terminal '?', interrogative openers, and a small
// set of sentence patterns per language. Classification never errors; a
// non-match is simply not a question.
package question

import (
	"regexp"
	"strings"
)

// LangRussian and LangEnglish are the language tags the detector produces
// and consumes. An empty language means auto-detect.
const (
	LangRussian = "ru"
	LangEnglish = "en"
)

var ruKeywords = keywordSet(
	"как", "что", "где", "когда", "почему", "зачем",
	"какой", "какая", "какое", "какие",
	"кто", "чей", "чья", "чьё", "чьи",
	"сколько", "можно", "нужно", "должен",
	"расскажи", "объясни", "покажи",
)

var enKeywords = keywordSet(
	"how", "what", "where", "when", "why",
	"which", "who", "whose", "whom",
	"can", "could", "should", "would", "will",
	"is", "are", "am", "was", "were",
	"do", "does", "did", "have", "has", "had",
	"tell", "explain", "show", "describe",
)

var ruPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^(как|что|где|когда|почему|зачем|кто|какой|сколько)\s+`),
	regexp.MustCompile(`\s+(можно|нужно|должен|стоит)\s+`),
}

var enPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^(how|what|where|when|why|who|which)\s+`),
	regexp.MustCompile(`^(can|could|should|would|will|is|are|do|does|did)\s+`),
	regexp.MustCompile(`\s+(please|tell|explain|show)\s+`),
}

func keywordSet(words ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

// Detector classifies text as question or not. Zero configuration beyond
// the minimum word count; safe for concurrent use (all state is read-only).
type Detector struct {
	minWords int
}

// NewDetector creates a Detector. Texts with fewer than minWords words are
// rejected unless they end in '?' or open with an interrogative; pass 0 for
// the default of 3.
func NewDetector(minWords int) *Detector {
	if minWords <= 0 {
		minWords = 3
	}
	return &Detector{minWords: minWords}
}

// IsQuestion reports whether text reads as a question. language is "ru",
// "en", or empty for auto-detection. Heuristics fire in order: terminal
// '?', interrogative opener in the first three words, minimum word count,
// sentence patterns.
func (d *Detector) IsQuestion(text, language string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}

	if strings.HasSuffix(text, "?") {
		return true
	}

	if language == "" {
		language = DetectLanguage(text)
	}

	keywords := ruKeywords
	patterns := ruPatterns
	if language == LangEnglish {
		keywords = enKeywords
		patterns = enPatterns
	}

	words := strings.Fields(text)
	// An interrogative opener marks a question even in clipped transcripts
	// like "как дела", so check it before the length gate.
	for _, w := range words[:min(3, len(words))] {
		w = strings.ToLower(strings.TrimRight(w, ".,!?"))
		if _, ok := keywords[w]; ok {
			return true
		}
	}

	if len(words) < d.minWords {
		return false
	}

	lower := strings.ToLower(text)
	for _, p := range patterns {
		if p.MatchString(lower) {
			return true
		}
	}

	return false
}

// ExtractQuestions splits text into sentences and returns the ones that
// classify as questions, preserving order.
func (d *Detector) ExtractQuestions(text, language string) []string {
	var questions []string
	for _, sentence := range SplitSentences(text) {
		if d.IsQuestion(sentence, language) {
			questions = append(questions, sentence)
		}
	}
	return questions
}

// DetectLanguage guesses "ru" when more than 20% of the runes are Cyrillic,
// "en" otherwise.
func DetectLanguage(text string) string {
	var total, cyrillic int
	for _, r := range text {
		total++
		if r >= 0x0400 && r <= 0x04FF {
			cyrillic++
		}
	}
	if total > 0 && float64(cyrillic)/float64(total) > 0.2 {
		return LangRussian
	}
	return LangEnglish
}

var sentencePattern = regexp.MustCompile(`[^.!?]+[.!?]*`)

// SplitSentences segments text on runs of '.', '!' and '?', trimming
// whitespace and dropping empty segments. Each sentence keeps its terminal
// punctuation run, so a trailing '?' survives into question classification.
func SplitSentences(text string) []string {
	parts := sentencePattern.FindAllString(text, -1)
	sentences := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			sentences = append(sentences, p)
		}
	}
	return sentences
}
