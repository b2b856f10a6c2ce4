// Package vad defines the Engine interface for voice activity detection
// backends.
//
// A VAD engine wraps a frame-level speech classifier (an energy detector, a
// WebRTC-style GMM, or a neural model) and surfaces it as a stateful,
// per-stream session. Each session maintains its own internal state
// (hysteresis, smoothing history) so that multiple audio streams can be
// processed independently.
//
// VAD is synchronous: ProcessFrame returns immediately with a
// classification, making it suitable for the low-latency pipeline stage that
// gates transcription input.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle should not be shared across goroutines unless the
// implementation explicitly documents thread safety for that type.
package vad

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the rate of the
	// frames passed to ProcessFrame. Common values: 8000, 16000, 48000.
	SampleRate int

	// FrameSizeMs is the duration of each audio frame in milliseconds. Most
	// VAD models operate on fixed frame sizes (10, 20, or 30 ms).
	FrameSizeMs int

	// Aggressiveness tunes how strict the classifier is about calling a
	// frame speech, from 0 (permissive) to 3 (strict). Higher values reduce
	// false positives at the cost of clipping quiet speech onsets.
	Aggressiveness int
}

// FrameSamples returns the expected number of samples per frame for the
// config.
func (c Config) FrameSamples() int {
	return c.SampleRate * c.FrameSizeMs / 1000
}

// SessionHandle represents an active VAD session for a single audio stream.
// It is an interface so that test code can supply mock implementations
// without a live engine. Each session maintains its own detection state;
// Reset clears this state without closing the session.
type SessionHandle interface {
	// ProcessFrame classifies a single audio frame. The frame should contain
	// FrameSamples() mono int16 samples at the configured rate; shorter
	// frames are zero-padded and longer frames truncated rather than
	// rejected, so a trailing partial frame at a stream boundary still
	// classifies. Returns an error only on internal engine failure.
	//
	// ProcessFrame is called synchronously in the audio pipeline loop; it
	// must not block.
	ProcessFrame(frame []int16) (VADEvent, error)

	// Reset clears accumulated detection state without closing the session.
	// Use this when the audio stream is interrupted or restarted.
	Reset()

	// Close releases all resources associated with the session. Calling
	// Close more than once is safe and returns nil.
	Close() error
}

// Engine is the factory for VAD sessions. It is the top-level interface
// implemented by each VAD backend.
//
// Implementations must be safe for concurrent use: multiple goroutines may
// call NewSession simultaneously to create independent sessions.
type Engine interface {
	// NewSession creates a new VAD session with the given configuration.
	// Returns an error if the configuration is invalid (unsupported sample
	// rate, frame size, or aggressiveness out of range).
	NewSession(cfg Config) (SessionHandle, error)
}
