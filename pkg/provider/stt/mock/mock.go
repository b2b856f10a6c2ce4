// Package mock provides a test double for the stt.Provider interface.
//
// Use Results to queue transcripts returned in order, TranscribeErr to force
// failures, and TranscribeCalls to inspect the audio that was submitted.
//
// Example:
//
//	p := &mock.Provider{
//	    Results: []stt.Transcript{{Text: "what time is it", Language: "en"}},
//	}
package mock

import (
	"context"
	"sync"

	"github.com/mkorzh/sufler/pkg/audio"
	"github.com/mkorzh/sufler/pkg/provider/stt"
)

// TranscribeCall records a single invocation of Provider.Transcribe.
type TranscribeCall struct {
	// Samples is a copy of the audio passed to Transcribe.
	Samples []int16

	// SampleRate is the rate passed to Transcribe.
	SampleRate int

	// LanguageHint is the hint passed to Transcribe.
	LanguageHint string
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Results are returned in order by successive Transcribe calls. Once
	// exhausted, the last result repeats. If empty, a zero Transcript is
	// returned.
	Results []stt.Transcript

	// TranscribeErr, if non-nil, is returned by every Transcribe call.
	TranscribeErr error

	// TranscribeCalls records every call to Transcribe in order.
	TranscribeCalls []TranscribeCall

	pos int
}

// Transcribe records the call and returns the next queued result. Inputs
// shorter than stt.MinInputDuration get stt.ErrInputTooShort, mirroring real
// backends.
func (p *Provider) Transcribe(ctx context.Context, samples []int16, sampleRate int, languageHint string) (stt.Transcript, error) {
	if err := ctx.Err(); err != nil {
		return stt.Transcript{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	cp := make([]int16, len(samples))
	copy(cp, samples)
	p.TranscribeCalls = append(p.TranscribeCalls, TranscribeCall{
		Samples:      cp,
		SampleRate:   sampleRate,
		LanguageHint: languageHint,
	})

	if audio.DurationOf(len(samples), sampleRate) < stt.MinInputDuration {
		return stt.Transcript{}, stt.ErrInputTooShort
	}
	if p.TranscribeErr != nil {
		return stt.Transcript{}, p.TranscribeErr
	}

	if len(p.Results) == 0 {
		return stt.Transcript{}, nil
	}
	res := p.Results[min(p.pos, len(p.Results)-1)]
	p.pos++
	res.AudioDuration = audio.DurationOf(len(samples), sampleRate)
	return res, nil
}

// ResetCalls clears recorded calls and rewinds the result queue.
// Thread-safe.
func (p *Provider) ResetCalls() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.TranscribeCalls = nil
	p.pos = 0
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)
