package pulse

import (
	"context"
	"fmt"
	"io"
	"math"
	"sync"
	"sync/atomic"
	"time"

	pulselib "github.com/jfreymuth/pulse"
	pulseproto "github.com/jfreymuth/pulse/proto"

	"github.com/mkorzh/sufler/pkg/audio"
)

// Capture streams fixed-duration audio chunks from one selected Pulse
// source. Audio is delivered as mono int16 at the device's native sample
// rate; downstream stages resample to the pipeline's canonical format.
type Capture struct {
	selection  Selection
	rate       int
	channels   int
	chunkBytes int

	client *pulselib.Client
	stream *pulselib.RecordStream

	chunks chan audio.Chunk
	stopCh chan struct{}

	mu        sync.Mutex
	pending   []byte
	stopped   bool
	delivered int64 // mono samples emitted, for chunk timestamps

	inflight sync.WaitGroup
	level    atomic.Uint64 // float64 bits of the last chunk's RMS
}

// Start creates and starts a record stream on the selected source. The
// stream runs at the source's native rate and channel count; chunkDuration
// controls the cadence of emitted chunks. The stream stops when ctx is
// cancelled or Stop is called.
func Start(ctx context.Context, selection Selection, chunkDuration time.Duration) (*Capture, error) {
	client, err := pulselib.NewClient(
		pulselib.ClientApplicationName(appName),
		pulselib.ClientApplicationIconName("audio-input-microphone"),
	)
	if err != nil {
		return nil, fmt.Errorf("connect pulse server: %w", err)
	}

	source, err := client.SourceByID(selection.Source.ID)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: resolve %q: %v", ErrDeviceUnavailable, selection.Source.ID, err)
	}

	rate := source.SampleRate()
	if rate <= 0 {
		rate = 48000
	}
	channels := len(source.Channels())
	if channels < 1 {
		channels = 1
	}
	if channels > 2 {
		channels = 2
	}

	c := &Capture{
		selection: selection,
		rate:      rate,
		channels:  channels,
		client:    client,
		chunks:    make(chan audio.Chunk, 16),
		stopCh:    make(chan struct{}),
	}

	chunkBytes := int(int64(rate) * int64(channels) * 2 * int64(chunkDuration) / int64(time.Second))
	if chunkBytes < 2*channels {
		chunkBytes = 2 * channels
	}
	c.chunkBytes = chunkBytes

	opts := []pulselib.RecordOption{
		pulselib.RecordSource(source),
		pulselib.RecordSampleRate(rate),
		pulselib.RecordBufferFragmentSize(uint32(chunkBytes)),
		pulselib.RecordMediaName("sufler listening"),
	}
	if channels == 2 {
		opts = append(opts, pulselib.RecordStereo)
	} else {
		opts = append(opts, pulselib.RecordMono)
	}

	writer := pulselib.NewWriter(writerFunc(c.onPCM), pulseproto.FormatInt16LE)
	stream, err := client.NewRecord(writer, opts...)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("create pulse record stream: %w", err)
	}

	c.stream = stream
	stream.Start()

	go func() {
		<-ctx.Done()
		_ = c.Stop()
	}()

	return c, nil
}

// Selection returns the resolved source metadata for logging.
func (c *Capture) Selection() Selection {
	return c.selection
}

// SampleRate returns the native rate the stream captures at.
func (c *Capture) SampleRate() int {
	return c.rate
}

// Chunks returns the stream of captured audio. The channel closes after
// Stop, following a final partial chunk if one was pending.
func (c *Capture) Chunks() <-chan audio.Chunk {
	return c.chunks
}

// Level returns the RMS level of the most recent chunk, normalized to
// [0, 1]. Safe to poll from a UI thread.
func (c *Capture) Level() float64 {
	return math.Float64frombits(c.level.Load())
}

// Stop halts the stream, flushes residual PCM, and closes Chunks exactly
// once.
func (c *Capture) Stop() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	close(c.stopCh)
	c.mu.Unlock()

	if c.stream != nil {
		c.stream.Stop()
		c.stream.Close()
	}
	if c.client != nil {
		c.client.Close()
	}

	c.inflight.Wait()

	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	if len(pending) >= 2*c.channels {
		chunk := c.makeChunk(pending)
		select {
		case c.chunks <- chunk:
		default:
		}
	}

	close(c.chunks)
	return nil
}

// Close is a convenience alias for Stop.
func (c *Capture) Close() {
	_ = c.Stop()
}

// onPCM receives raw Pulse frames, accumulates them to chunk size, and
// emits mono chunks. Returning io.EOF tells the stream to stop delivering.
func (c *Capture) onPCM(buffer []byte) (int, error) {
	if len(buffer) == 0 {
		return 0, nil
	}

	select {
	case <-c.stopCh:
		return 0, io.EOF
	default:
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return 0, io.EOF
	}
	// Guard Add under the same mutex as c.stopped to avoid Add/Wait races.
	c.inflight.Add(1)

	c.pending = append(c.pending, buffer...)
	var raw [][]byte
	for len(c.pending) >= c.chunkBytes {
		part := make([]byte, c.chunkBytes)
		copy(part, c.pending[:c.chunkBytes])
		c.pending = c.pending[c.chunkBytes:]
		raw = append(raw, part)
	}
	c.mu.Unlock()
	defer c.inflight.Done()

	for _, part := range raw {
		chunk := c.makeChunk(part)
		c.level.Store(math.Float64bits(audio.RMS(chunk.Samples)))
		select {
		case <-c.stopCh:
			return 0, io.EOF
		case c.chunks <- chunk:
		}
	}

	return len(buffer), nil
}

// makeChunk converts raw interleaved PCM to a timestamped mono chunk.
func (c *Capture) makeChunk(raw []byte) audio.Chunk {
	samples := audio.BytesToSamples(raw)
	if c.channels == 2 {
		samples = audio.StereoToMono(samples)
	}

	c.mu.Lock()
	offset := c.delivered
	c.delivered += int64(len(samples))
	c.mu.Unlock()

	return audio.Chunk{
		Samples:    samples,
		SampleRate: c.rate,
		Timestamp:  time.Duration(offset) * time.Second / time.Duration(c.rate),
	}
}

// writerFunc adapts a function to io.Writer for pulselib.NewWriter.
type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(b []byte) (int, error) {
	return f(b)
}
