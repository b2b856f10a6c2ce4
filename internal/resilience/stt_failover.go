package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/mkorzh/sufler/pkg/provider/stt"
)

// STTFailover implements [stt.Provider] with automatic failover across
// multiple transcription backends, e.g. a large whisper model as primary and
// a small one as fallback when the large model keeps failing under memory
// pressure. Each backend has its own breaker.
type STTFailover struct {
	chain *Failover[stt.Provider]
}

var _ stt.Provider = (*STTFailover)(nil)

// NewSTTFailover creates an [STTFailover] with primary as the preferred backend.
func NewSTTFailover(primary stt.Provider, primaryName string, cfg FailoverConfig) *STTFailover {
	return &STTFailover{chain: NewFailover(primary, primaryName, cfg)}
}

// AddFallback registers an additional transcription backend.
func (f *STTFailover) AddFallback(name string, provider stt.Provider) {
	f.chain.Add(name, provider)
}

// Transcribe runs the segment through the first healthy backend. Inputs
// below the minimum duration are rejected up front: a caller-side input
// problem must not trip any backend's breaker or trigger failover.
func (f *STTFailover) Transcribe(ctx context.Context, samples []int16, sampleRate int, languageHint string) (stt.Transcript, error) {
	if sampleRate > 0 {
		dur := time.Duration(len(samples)) * time.Second / time.Duration(sampleRate)
		if dur < stt.MinInputDuration {
			return stt.Transcript{}, fmt.Errorf("%w: %v", stt.ErrInputTooShort, dur)
		}
	}
	return Try(f.chain, func(p stt.Provider) (stt.Transcript, error) {
		return p.Transcribe(ctx, samples, sampleRate, languageHint)
	})
}
