package energy_test

import (
	"math"
	"testing"

	"github.com/mkorzh/sufler/pkg/provider/vad"
	"github.com/mkorzh/sufler/pkg/provider/vad/energy"
)

func newSession(t *testing.T, aggressiveness int) vad.SessionHandle {
	t.Helper()
	sess, err := energy.New().NewSession(vad.Config{
		SampleRate:     16000,
		FrameSizeMs:    30,
		Aggressiveness: aggressiveness,
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return sess
}

// toneFrame generates one 30 ms frame of a 440 Hz tone at 16 kHz.
func toneFrame(amp float64) []int16 {
	out := make([]int16, 480)
	for i := range out {
		out[i] = int16(amp * 32767 * math.Sin(2*math.Pi*440*float64(i)/16000))
	}
	return out
}

func TestClassifiesSpeechAndSilence(t *testing.T) {
	sess := newSession(t, 3)
	defer sess.Close()

	ev, err := sess.ProcessFrame(toneFrame(0.3))
	if err != nil {
		t.Fatalf("ProcessFrame: %v", err)
	}
	if ev.Type != vad.VADSpeechStart {
		t.Errorf("loud frame: type = %v, want VADSpeechStart", ev.Type)
	}

	ev, _ = sess.ProcessFrame(toneFrame(0.3))
	if ev.Type != vad.VADSpeechContinue {
		t.Errorf("second loud frame: type = %v, want VADSpeechContinue", ev.Type)
	}

	ev, _ = sess.ProcessFrame(make([]int16, 480))
	if ev.Type != vad.VADSpeechEnd {
		t.Errorf("silent frame after speech: type = %v, want VADSpeechEnd", ev.Type)
	}

	ev, _ = sess.ProcessFrame(make([]int16, 480))
	if ev.Type != vad.VADSilence {
		t.Errorf("second silent frame: type = %v, want VADSilence", ev.Type)
	}
}

func TestHysteresisHoldsBetweenThresholds(t *testing.T) {
	sess := newSession(t, 3)
	defer sess.Close()

	// Enter speech well above the threshold, then drop to a level between
	// the silence and speech thresholds. The session must stay in speech.
	if ev, _ := sess.ProcessFrame(toneFrame(0.3)); !ev.Speech() {
		t.Fatal("expected speech on loud frame")
	}
	// RMS of a sine is amp/sqrt(2); 0.025 amplitude sits between
	// 0.022*0.6 and 0.022.
	if ev, _ := sess.ProcessFrame(toneFrame(0.025)); !ev.Speech() {
		t.Error("level between thresholds should keep the speech state")
	}
}

func TestResetClearsSpeechState(t *testing.T) {
	sess := newSession(t, 3)
	defer sess.Close()

	sess.ProcessFrame(toneFrame(0.3))
	sess.Reset()

	ev, _ := sess.ProcessFrame(toneFrame(0.025))
	if ev.Speech() {
		t.Error("after Reset a between-thresholds frame should not be speech")
	}
}

func TestShortFrameIsPadded(t *testing.T) {
	sess := newSession(t, 0)
	defer sess.Close()

	if _, err := sess.ProcessFrame(make([]int16, 100)); err != nil {
		t.Errorf("short frame should be padded, got error: %v", err)
	}
}

func TestNewSessionValidation(t *testing.T) {
	eng := energy.New()
	cases := []struct {
		name string
		cfg  vad.Config
	}{
		{"zero rate", vad.Config{SampleRate: 0, FrameSizeMs: 30}},
		{"bad frame size", vad.Config{SampleRate: 16000, FrameSizeMs: 25}},
		{"aggressiveness too high", vad.Config{SampleRate: 16000, FrameSizeMs: 30, Aggressiveness: 4}},
		{"aggressiveness negative", vad.Config{SampleRate: 16000, FrameSizeMs: 30, Aggressiveness: -1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := eng.NewSession(tc.cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestProcessFrameAfterClose(t *testing.T) {
	sess := newSession(t, 1)
	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := sess.ProcessFrame(make([]int16, 480)); err == nil {
		t.Error("expected error after Close")
	}
}

func TestActivityRatio(t *testing.T) {
	sess := newSession(t, 3)
	defer sess.Close()

	// 5 loud frames followed by 5 silent frames.
	var samples []int16
	for range 5 {
		samples = append(samples, toneFrame(0.3)...)
	}
	samples = append(samples, make([]int16, 5*480)...)

	ratio := vad.ActivityRatio(sess, samples, 480)
	// The frame right after speech still classifies via the lower silence
	// threshold; zeros are below it, so exactly half the frames are speech.
	if math.Abs(ratio-0.5) > 0.01 {
		t.Errorf("ratio = %.2f, want 0.5", ratio)
	}

	sess.Reset()
	if vad.HasSpeech(sess, make([]int16, 10*480), 480, 0.5) {
		t.Error("silence should not pass the activity gate")
	}
}
