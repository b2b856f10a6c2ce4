// Package energy implements vad.Engine with an RMS level detector.
//
// It has no model dependencies and runs in microseconds per frame, which
// makes it the default backend for the listening pipeline. Detection uses
// dual thresholds: a frame must exceed the speech threshold to enter speech
// and fall below a lower silence threshold to leave it, so levels hovering
// around a single threshold do not flap the classification.
package energy

import (
	"fmt"
	"sync"

	"github.com/mkorzh/sufler/pkg/audio"
	"github.com/mkorzh/sufler/pkg/provider/vad"
)

// speechThresholds maps aggressiveness (0-3) to the normalized RMS level a
// frame must reach to be called speech. Values calibrated against typical
// meeting audio played back at conversational volume.
var speechThresholds = [4]float64{0.006, 0.010, 0.015, 0.022}

// silenceRatio scales the speech threshold down to the exit threshold.
const silenceRatio = 0.6

// Engine creates RMS-based VAD sessions.
type Engine struct{}

// New returns a ready Engine.
func New() *Engine {
	return &Engine{}
}

// NewSession implements vad.Engine.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("energy: invalid sample rate %d", cfg.SampleRate)
	}
	switch cfg.FrameSizeMs {
	case 10, 20, 30:
	default:
		return nil, fmt.Errorf("energy: frame size must be 10, 20 or 30 ms, got %d", cfg.FrameSizeMs)
	}
	if cfg.Aggressiveness < 0 || cfg.Aggressiveness > 3 {
		return nil, fmt.Errorf("energy: aggressiveness must be 0-3, got %d", cfg.Aggressiveness)
	}

	speech := speechThresholds[cfg.Aggressiveness]
	return &session{
		frameSamples: cfg.FrameSamples(),
		speechLevel:  speech,
		silenceLevel: speech * silenceRatio,
	}, nil
}

var _ vad.Engine = (*Engine)(nil)

type session struct {
	mu           sync.Mutex
	frameSamples int
	speechLevel  float64
	silenceLevel float64
	inSpeech     bool
	closed       bool
	scratch      []int16
}

// ProcessFrame implements vad.SessionHandle. Short frames are zero-padded
// and long frames truncated to the configured size before measuring.
func (s *session) ProcessFrame(frame []int16) (vad.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return vad.VADEvent{}, fmt.Errorf("energy: session closed")
	}

	frame = s.fit(frame)
	level := audio.RMS(frame)

	threshold := s.speechLevel
	if s.inSpeech {
		threshold = s.silenceLevel
	}
	speech := level >= threshold

	ev := vad.VADEvent{Probability: probability(level, s.speechLevel)}
	switch {
	case speech && !s.inSpeech:
		ev.Type = vad.VADSpeechStart
	case speech:
		ev.Type = vad.VADSpeechContinue
	case s.inSpeech:
		ev.Type = vad.VADSpeechEnd
	default:
		ev.Type = vad.VADSilence
	}
	s.inSpeech = speech
	return ev, nil
}

// fit pads or truncates frame to the configured frame size.
func (s *session) fit(frame []int16) []int16 {
	if len(frame) == s.frameSamples {
		return frame
	}
	if len(frame) > s.frameSamples {
		return frame[:s.frameSamples]
	}
	if cap(s.scratch) < s.frameSamples {
		s.scratch = make([]int16, s.frameSamples)
	}
	s.scratch = s.scratch[:s.frameSamples]
	n := copy(s.scratch, frame)
	for i := n; i < s.frameSamples; i++ {
		s.scratch[i] = 0
	}
	return s.scratch
}

// Reset implements vad.SessionHandle.
func (s *session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inSpeech = false
}

// Close implements vad.SessionHandle.
func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var _ vad.SessionHandle = (*session)(nil)

// probability maps an RMS level to a rough speech probability: 0.5 at the
// speech threshold, saturating to 1.0 at twice it.
func probability(level, speechThreshold float64) float64 {
	if speechThreshold <= 0 {
		return 0
	}
	p := 0.5 * level / speechThreshold
	if p > 1 {
		p = 1
	}
	return p
}
