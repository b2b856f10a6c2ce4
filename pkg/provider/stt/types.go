package stt

import "time"

// Transcript represents one speech-to-text result. Immutable once created.
type Transcript struct {
	// Text is the transcribed speech content, whitespace-trimmed.
	Text string

	// Language is the detected (or hinted) language tag, e.g. "ru" or "en".
	// Empty when the backend cannot report one; callers may sniff the text.
	Language string

	// AudioDuration is the duration of the audio that produced this
	// transcript.
	AudioDuration time.Duration
}

// Empty reports whether the transcript carries no text.
func (t Transcript) Empty() bool {
	return t.Text == ""
}
