package audio_test

import (
	"math"
	"testing"

	"github.com/mkorzh/sufler/pkg/audio"
)

// sine generates n samples of a tone at freq Hz sampled at rate Hz with the
// given amplitude in [0, 1].
func sine(freq float64, rate, n int, amp float64) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(amp * 32767 * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
	}
	return out
}

func TestResampleLength(t *testing.T) {
	cases := []struct {
		name    string
		srcRate int
		dstRate int
		inLen   int
		wantLen int
	}{
		{"48k to 16k", 48000, 16000, 48000, 16000},
		{"44.1k to 16k", 44100, 16000, 44100, 16000},
		{"16k to 48k", 16000, 48000, 1600, 4800},
		{"one second chunk at 44.1k", 44100, 16000, 4410, 1600},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := audio.Resample(make([]int16, tc.inLen), tc.srcRate, tc.dstRate)
			if diff := len(got) - tc.wantLen; diff < -1 || diff > 1 {
				t.Errorf("len = %d, want %d ±1", len(got), tc.wantLen)
			}
		})
	}
}

func TestResamplePassthrough(t *testing.T) {
	in := sine(440, 16000, 1600, 0.5)
	got := audio.Resample(in, 16000, 16000)
	if &got[0] != &in[0] {
		t.Error("same-rate resample should return the input unchanged")
	}
}

func TestResamplePreservesTone(t *testing.T) {
	// A 1 kHz tone is far below both Nyquist limits, so downsampling
	// 48k -> 16k must keep its level close to the original.
	in := sine(1000, 48000, 4800, 0.5)
	out := audio.Resample(in, 48000, 16000)

	inRMS := audio.RMS(in)
	outRMS := audio.RMS(out)
	if math.Abs(inRMS-outRMS)/inRMS > 0.05 {
		t.Errorf("RMS drifted: in %.4f, out %.4f", inRMS, outRMS)
	}
}

func TestResampleRejectsAliasing(t *testing.T) {
	// 12 kHz sits above the 8 kHz Nyquist of the target rate; the lowpass
	// must attenuate it instead of folding it into the passband.
	in := sine(12000, 48000, 4800, 0.5)
	out := audio.Resample(in, 48000, 16000)

	inRMS := audio.RMS(in)
	outRMS := audio.RMS(out)
	if outRMS > inRMS*0.2 {
		t.Errorf("aliasing: 12 kHz tone survived with RMS %.4f of %.4f", outRMS, inRMS)
	}
}

func TestResampleInvalidRates(t *testing.T) {
	in := []int16{1, 2, 3}
	if got := audio.Resample(in, 0, 16000); len(got) != 3 {
		t.Errorf("zero src rate: len = %d, want input back", len(got))
	}
	if got := audio.Resample(in, 16000, -1); len(got) != 3 {
		t.Errorf("negative dst rate: len = %d, want input back", len(got))
	}
	if got := audio.Resample(nil, 48000, 16000); got != nil {
		t.Errorf("empty input: got %v, want nil", got)
	}
}

func TestStereoToMono(t *testing.T) {
	in := []int16{100, 200, -100, 100, 32767, 32767}
	got := audio.StereoToMono(in)
	want := []int16{150, 0, 32767}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestToFloat32(t *testing.T) {
	got := audio.ToFloat32([]int16{0, 16384, -32768})
	want := []float32{0, 0.5, -1}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %f, want %f", i, got[i], want[i])
		}
	}
}

func TestSamplesBytesRoundTrip(t *testing.T) {
	in := []int16{0, 1, -1, 32767, -32768, 12345}
	got := audio.BytesToSamples(audio.SamplesToBytes(in))
	if len(got) != len(in) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(in))
	}
	for i := range in {
		if got[i] != in[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], in[i])
		}
	}
}
