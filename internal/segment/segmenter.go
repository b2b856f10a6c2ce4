// Package segment turns a continuous audio stream into discrete speech
// segments using frame-level voice activity detection.
//
// The segmenter is a two-state machine. In Idle it waits for a speech frame;
// in InSpeech it accumulates frames and counts consecutive silence. Once the
// silence run reaches the configured hangover the segment is closed, so
// natural mid-sentence pauses do not split an utterance. Segments shorter
// than the minimum duration are discarded as noise.
package segment

import (
	"log/slog"
	"time"

	"github.com/mkorzh/sufler/pkg/audio"
	"github.com/mkorzh/sufler/pkg/provider/vad"
)

// Config holds segmenter parameters. Audio pushed into the segmenter must
// already be in the pipeline's canonical format.
type Config struct {
	// SampleRate of the incoming audio in Hz.
	SampleRate int

	// FrameSizeMs is the VAD frame duration in milliseconds.
	FrameSizeMs int

	// MaxSilenceFrames is the hangover: the number of consecutive
	// non-speech frames tolerated before a segment is closed.
	MaxSilenceFrames int

	// MinSegmentDuration discards closed segments shorter than this.
	MinSegmentDuration time.Duration
}

// FrameSamples returns the samples per VAD frame for the config.
func (c Config) FrameSamples() int {
	return c.SampleRate * c.FrameSizeMs / 1000
}

// Segmenter extracts speech segments from pushed audio. Not safe for
// concurrent use; the capture loop owns it.
type Segmenter struct {
	cfg    Config
	sess   vad.SessionHandle
	logger *slog.Logger

	onSegment func(audio.Segment)

	// OnSpeechStart, if set, fires when the state machine enters InSpeech.
	OnSpeechStart func()
	// OnSpeechEnd, if set, fires when a segment closes, before onSegment.
	OnSpeechEnd func()

	carry    []int16 // partial frame left over from the previous push
	buf      []int16 // accumulated segment samples
	inSpeech bool
	silence  int
	consumed int64 // total frames classified, for segment timestamps
	startFr  int64 // frame index where the open segment began
}

// New creates a Segmenter classifying frames through sess and delivering
// closed segments to onSegment. The callback runs on the pushing goroutine
// and must not block.
func New(sess vad.SessionHandle, cfg Config, logger *slog.Logger, onSegment func(audio.Segment)) *Segmenter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Segmenter{
		cfg:       cfg,
		sess:      sess,
		logger:    logger,
		onSegment: onSegment,
	}
}

// Push feeds samples into the segmenter. Sample counts do not need to align
// with frame boundaries; a partial trailing frame is carried into the next
// push.
func (s *Segmenter) Push(samples []int16) {
	frameSamples := s.cfg.FrameSamples()
	if frameSamples <= 0 || len(samples) == 0 {
		return
	}

	data := samples
	if len(s.carry) > 0 {
		data = append(s.carry, samples...)
	}

	off := 0
	for ; off+frameSamples <= len(data); off += frameSamples {
		s.step(data[off : off+frameSamples])
	}
	s.carry = append(s.carry[:0], data[off:]...)
}

// step classifies one frame and advances the state machine.
func (s *Segmenter) step(frame []int16) {
	ev, err := s.sess.ProcessFrame(frame)
	s.consumed++
	if err != nil {
		s.logger.Warn("vad frame classification failed", "error", err)
		return
	}

	if !s.inSpeech {
		if !ev.Speech() {
			return
		}
		s.inSpeech = true
		s.silence = 0
		s.startFr = s.consumed - 1
		s.buf = append(s.buf[:0], frame...)
		if s.OnSpeechStart != nil {
			s.OnSpeechStart()
		}
		return
	}

	s.buf = append(s.buf, frame...)
	if ev.Speech() {
		s.silence = 0
		return
	}

	s.silence++
	if s.silence >= s.cfg.MaxSilenceFrames {
		s.finalize()
	}
}

// Flush closes any open segment, e.g. when capture stops mid-utterance. The
// carried partial frame is dropped.
func (s *Segmenter) Flush() {
	s.carry = s.carry[:0]
	if s.inSpeech {
		s.finalize()
	}
}

// Reset drops all state including the open segment without emitting it.
func (s *Segmenter) Reset() {
	s.carry = s.carry[:0]
	s.buf = s.buf[:0]
	s.inSpeech = false
	s.silence = 0
	s.sess.Reset()
}

func (s *Segmenter) finalize() {
	seg := audio.Segment{
		Samples:    append([]int16(nil), s.buf...),
		SampleRate: s.cfg.SampleRate,
		Start:      audio.DurationOf(int(s.startFr)*s.cfg.FrameSamples(), s.cfg.SampleRate),
	}

	s.inSpeech = false
	s.silence = 0
	s.buf = s.buf[:0]

	if s.OnSpeechEnd != nil {
		s.OnSpeechEnd()
	}

	if seg.Duration() < s.cfg.MinSegmentDuration {
		s.logger.Debug("discarding short speech segment",
			"duration", seg.Duration(),
			"min", s.cfg.MinSegmentDuration,
		)
		return
	}

	s.onSegment(seg)
}
