// Package stt defines the Provider interface for speech-to-text backends.
//
// An STT provider wraps a transcription engine (a local whisper.cpp model,
// or a remote API) behind a single batch call: the pipeline hands it one
// finalized speech segment and receives text plus the detected language.
// Streaming partials are deliberately out of scope; the segmenter already
// delivers utterance-sized units.
//
// Implementations must be safe for concurrent use; the transcription worker
// is single-threaded today but tests exercise providers from multiple
// goroutines.
package stt

import (
	"context"
	"errors"
	"time"
)

// MinInputDuration is the shortest audio a provider is required to accept.
// Shorter inputs return ErrInputTooShort; they carry no usable speech and
// some engines crash or hallucinate on them.
const MinInputDuration = 100 * time.Millisecond

// ErrModelNotLoaded indicates the backend has no usable model. The pipeline
// treats this as fatal for auto-transcription until the provider is rebuilt.
var ErrModelNotLoaded = errors.New("stt: model not loaded")

// ErrInputTooShort indicates the audio was below MinInputDuration.
var ErrInputTooShort = errors.New("stt: input shorter than minimum duration")

// Provider is the abstraction over any STT backend.
type Provider interface {
	// Transcribe converts one speech segment to text. samples are mono
	// int16 PCM at sampleRate Hz; implementations convert to their native
	// input format internally. languageHint is "ru", "en", or empty for
	// auto-detection.
	//
	// Returns ErrInputTooShort for audio below MinInputDuration and
	// ErrModelNotLoaded when the backend is unusable; any other error is a
	// per-call failure and the segment is simply lost.
	Transcribe(ctx context.Context, samples []int16, sampleRate int, languageHint string) (Transcript, error)
}
