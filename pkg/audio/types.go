// Package audio provides the PCM types and signal utilities shared by the
// capture, segmentation and transcription stages: chunk and segment types,
// a band-limited resampler, level measurement and a rolling history buffer.
//
// All audio in the pipeline is signed 16-bit mono PCM. Capture adapters
// deliver chunks at the device's native rate; everything downstream of the
// resampler runs at the canonical 16 kHz.
package audio

import "time"

// Chunk represents a block of mono int16 PCM captured from an input stream.
// Chunks are the atomic unit of audio transport between the capture driver
// and the rest of the pipeline.
type Chunk struct {
	// Samples are signed 16-bit mono PCM values.
	Samples []int16

	// SampleRate in Hz at which Samples were captured (device native rate).
	SampleRate int

	// Timestamp marks when this chunk was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the playback duration of the chunk.
func (c Chunk) Duration() time.Duration {
	return DurationOf(len(c.Samples), c.SampleRate)
}

// Segment is a contiguous run of speech extracted by the segmenter,
// always in the pipeline's canonical format (16 kHz mono).
type Segment struct {
	Samples    []int16
	SampleRate int

	// Start marks when the first sample of the segment was captured,
	// relative to stream start.
	Start time.Duration
}

// Duration returns the playback duration of the segment.
func (s Segment) Duration() time.Duration {
	return DurationOf(len(s.Samples), s.SampleRate)
}

// DurationOf converts a sample count at the given rate to a duration.
func DurationOf(samples, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(samples) * time.Second / time.Duration(rate)
}

// FrameSamples returns the number of samples in a frame of frameMs
// milliseconds at the given rate.
func FrameSamples(rate, frameMs int) int {
	return rate * frameMs / 1000
}

// BytesToSamples reinterprets little-endian int16 PCM bytes as samples.
// A trailing odd byte is ignored.
func BytesToSamples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
	}
	return out
}

// SamplesToBytes serializes samples as little-endian int16 PCM bytes.
func SamplesToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}
