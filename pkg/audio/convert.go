package audio

import "math"

// resampleTaps is the number of kernel taps on each side of the source
// position used by Resample. 16 taps total keeps aliasing below the int16
// noise floor for the 48k->16k and 44.1k->16k paths while staying cheap
// enough for a real-time capture thread.
const resampleTaps = 8

// Resample converts mono int16 PCM from srcRate to dstRate using a
// Hann-windowed sinc kernel. The lowpass cutoff tracks the lower of the two
// Nyquist frequencies, so downsampling does not alias. The output length is
// round(len(in) * dstRate / srcRate). If srcRate == dstRate, or either rate
// is invalid, the input is returned unchanged.
func Resample(in []int16, srcRate, dstRate int) []int16 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(in) == 0 {
		return in
	}

	dstLen := int(math.Round(float64(len(in)) * float64(dstRate) / float64(srcRate)))
	if dstLen == 0 {
		return nil
	}

	ratio := float64(srcRate) / float64(dstRate)
	// Normalized cutoff: 1.0 when upsampling, dst/src when downsampling.
	cutoff := 1.0
	if dstRate < srcRate {
		cutoff = float64(dstRate) / float64(srcRate)
	}

	out := make([]int16, dstLen)
	for i := range out {
		srcPos := float64(i) * ratio
		center := int(math.Floor(srcPos))

		var acc, norm float64
		for j := center - resampleTaps + 1; j <= center+resampleTaps; j++ {
			x := srcPos - float64(j)
			w := sinc(cutoff*x) * hann(x/float64(resampleTaps))
			if w == 0 {
				continue
			}
			acc += float64(sampleAt(in, j)) * w
			norm += w
		}
		if norm != 0 {
			acc /= norm
		}
		out[i] = clampInt16(acc)
	}
	return out
}

// sampleAt reads in[i] with edge clamping, so the kernel can overhang the
// buffer boundaries without special-casing the first and last outputs.
func sampleAt(in []int16, i int) int16 {
	if i < 0 {
		return in[0]
	}
	if i >= len(in) {
		return in[len(in)-1]
	}
	return in[i]
}

func sinc(x float64) float64 {
	if x == 0 {
		return 1
	}
	px := math.Pi * x
	return math.Sin(px) / px
}

// hann evaluates a Hann window over x in [-1, 1], zero outside.
func hann(x float64) float64 {
	if x <= -1 || x >= 1 {
		return 0
	}
	return 0.5 * (1 + math.Cos(math.Pi*x))
}

func clampInt16(v float64) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(math.Round(v))
}

// StereoToMono averages interleaved L+R int16 samples into mono. Uses int32
// arithmetic to prevent overflow. A trailing unpaired sample is dropped.
func StereoToMono(in []int16) []int16 {
	frames := len(in) / 2
	out := make([]int16, frames)
	for i := range frames {
		avg := (int32(in[i*2]) + int32(in[i*2+1])) / 2
		out[i] = int16(avg)
	}
	return out
}

// ToFloat32 converts int16 samples to float32 in [-1, 1), the format
// expected by speech-to-text backends.
func ToFloat32(in []int16) []float32 {
	out := make([]float32, len(in))
	for i, s := range in {
		out[i] = float32(s) / 32768
	}
	return out
}
