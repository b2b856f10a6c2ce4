package audio

import (
	"sync"
	"time"
)

// History is a fixed-capacity ring buffer holding the most recent audio in
// the pipeline's canonical format. Writers overwrite the oldest samples once
// the buffer is full. Safe for concurrent use; the capture path writes while
// readers take snapshots for on-demand transcription.
type History struct {
	mu    sync.Mutex
	buf   []int16
	rate  int
	start int // index of the oldest sample
	size  int // number of valid samples
}

// NewHistory creates a History holding up to window of audio at rate Hz.
func NewHistory(rate int, window time.Duration) *History {
	capacity := int(int64(rate) * int64(window) / int64(time.Second))
	if capacity < 1 {
		capacity = 1
	}
	return &History{
		buf:  make([]int16, capacity),
		rate: rate,
	}
}

// Write appends samples, overwriting the oldest audio when full. Writes
// larger than the buffer keep only the most recent samples.
func (h *History) Write(samples []int16) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(samples) >= len(h.buf) {
		copy(h.buf, samples[len(samples)-len(h.buf):])
		h.start = 0
		h.size = len(h.buf)
		return
	}

	end := (h.start + h.size) % len(h.buf)
	n := copy(h.buf[end:], samples)
	copy(h.buf, samples[n:])

	h.size += len(samples)
	if h.size > len(h.buf) {
		h.start = (h.start + h.size - len(h.buf)) % len(h.buf)
		h.size = len(h.buf)
	}
}

// Last returns a copy of the most recent d of audio, or everything buffered
// when less than d is available.
func (h *History) Last(d time.Duration) []int16 {
	want := int(int64(h.rate) * int64(d) / int64(time.Second))

	h.mu.Lock()
	defer h.mu.Unlock()

	if want > h.size {
		want = h.size
	}
	if want <= 0 {
		return nil
	}

	out := make([]int16, want)
	from := (h.start + h.size - want) % len(h.buf)
	n := copy(out, h.buf[from:])
	copy(out[n:], h.buf)
	return out
}

// Len returns the number of buffered samples.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.size
}

// Duration returns the duration of buffered audio.
func (h *History) Duration() time.Duration {
	return DurationOf(h.Len(), h.rate)
}

// Clear discards all buffered audio.
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.start = 0
	h.size = 0
}
