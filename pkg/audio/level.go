package audio

import "math"

// RMS returns the root-mean-square level of the samples normalized to
// [0, 1], where 1.0 corresponds to a full-scale square wave. Returns 0 for
// an empty slice.
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum/float64(len(samples))) / 32768
}

// Peak returns the largest absolute sample value normalized to [0, 1].
func Peak(samples []int16) float64 {
	var peak int32
	for _, s := range samples {
		v := int32(s)
		if v < 0 {
			v = -v
		}
		if v > peak {
			peak = v
		}
	}
	return float64(peak) / 32768
}

// IsSilence reports whether the RMS level of the samples is below threshold.
func IsSilence(samples []int16, threshold float64) bool {
	return RMS(samples) < threshold
}

// Normalize converts samples to float32 scaled so the peak amplitude reaches
// 1.0, lifting quiet recordings to a consistent level before recognition.
// A silent buffer comes back as zeros.
func Normalize(samples []int16) []float32 {
	out := make([]float32, len(samples))
	peak := Peak(samples)
	if peak == 0 {
		return out
	}
	scale := float32(1 / (peak * 32768))
	for i, s := range samples {
		out[i] = float32(s) * scale
	}
	return out
}
