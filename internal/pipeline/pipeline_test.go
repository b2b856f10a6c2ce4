package pipeline_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/mkorzh/sufler/internal/config"
	"github.com/mkorzh/sufler/internal/engine"
	"github.com/mkorzh/sufler/internal/observe"
	"github.com/mkorzh/sufler/internal/pipeline"
	"github.com/mkorzh/sufler/pkg/audio"
	"github.com/mkorzh/sufler/pkg/provider/llm"
	llmmock "github.com/mkorzh/sufler/pkg/provider/llm/mock"
	"github.com/mkorzh/sufler/pkg/provider/stt"
	sttmock "github.com/mkorzh/sufler/pkg/provider/stt/mock"
	vadenergy "github.com/mkorzh/sufler/pkg/provider/vad/energy"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

const testRate = 16000

// fakeSource feeds pre-scripted chunks to the pipeline.
type fakeSource struct {
	ch       chan audio.Chunk
	stopOnce sync.Once
}

func newFakeSource(buffer int) *fakeSource {
	return &fakeSource{ch: make(chan audio.Chunk, buffer)}
}

func (f *fakeSource) Chunks() <-chan audio.Chunk { return f.ch }
func (f *fakeSource) Level() float64             { return 0 }

func (f *fakeSource) Stop() error {
	f.stopOnce.Do(func() { close(f.ch) })
	return nil
}

// send queues samples as one chunk at the given rate.
func (f *fakeSource) send(samples []int16, rate int) {
	f.ch <- audio.Chunk{Samples: samples, SampleRate: rate}
}

// speech returns n samples of a 440 Hz sine at conversational volume. The
// sine survives resampling unchanged, unlike wideband noise.
func speech(n, rate int) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(8000 * math.Sin(2*math.Pi*440*float64(i)/float64(rate)))
	}
	return out
}

func silence(n int) []int16 {
	return make([]int16, n)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newAnswerProvider returns an llm mock streaming the given tokens.
func newAnswerProvider(tokens ...string) *llmmock.Provider {
	chunks := make([]llm.Chunk, 0, len(tokens)+1)
	for _, tok := range tokens {
		chunks = append(chunks, llm.Chunk{Text: tok})
	}
	chunks = append(chunks, llm.Chunk{FinishReason: "stop"})
	return &llmmock.Provider{
		StreamChunks:      chunks,
		TokenCount:        50,
		ModelCapabilities: llm.ModelCapabilities{ContextWindow: 8192, SupportsStreaming: true},
	}
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Pipeline.Mode = config.ModeAuto
	return cfg
}

func newTestPipeline(t *testing.T, cfg *config.Config, src *fakeSource, sttProv stt.Provider, llmProv llm.Provider, opts ...pipeline.Option) *pipeline.Pipeline {
	t.Helper()

	deps := pipeline.Deps{
		Capture: func(ctx context.Context) (pipeline.ChunkSource, error) { return src, nil },
		VAD:     vadenergy.New(),
		STT:     sttProv,
	}
	if llmProv != nil {
		deps.Engine = engine.New(llmProv, engine.Config{}, discardLogger())
	}

	opts = append([]pipeline.Option{pipeline.WithLogger(discardLogger())}, opts...)
	p, err := pipeline.New(cfg, deps, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

// waitEvent consumes events until one of type typ arrives.
func waitEvent(t *testing.T, events <-chan pipeline.Event, typ pipeline.EventType) pipeline.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("events channel closed while waiting for %v", typ)
			}
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %v", typ)
		}
	}
}

// collectUntil consumes events until one of type typ arrives, returning
// everything seen including it.
func collectUntil(t *testing.T, events <-chan pipeline.Event, typ pipeline.EventType) []pipeline.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	var seen []pipeline.Event
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("events channel closed while waiting for %v", typ)
			}
			seen = append(seen, ev)
			if ev.Type == typ {
				return seen
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %v (saw %d events)", typ, len(seen))
		}
	}
}

func TestPipeline_EndToEndAuto(t *testing.T) {
	sttProv := &sttmock.Provider{
		Results: []stt.Transcript{{Text: "What time is the meeting tomorrow?", Language: "en"}},
	}
	llmProv := newAnswerProvider("At ", "ten ", "AM.")
	src := newFakeSource(8)
	p := newTestPipeline(t, testConfig(), src, sttProv, llmProv)

	if err := p.StartCapture(context.Background()); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}

	// 2 s silence, 1.5 s speech, 1 s silence in one-second chunks.
	src.send(silence(testRate), testRate)
	src.send(silence(testRate), testRate)
	src.send(speech(testRate, testRate), testRate)
	half := speech(testRate/2, testRate)
	src.send(append(half, silence(testRate/2)...), testRate)
	src.send(silence(testRate), testRate)

	seen := collectUntil(t, p.Events(), pipeline.EventAnswerDone)

	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if got := len(sttProv.TranscribeCalls); got != 1 {
		t.Fatalf("transcribe calls = %d, want exactly 1", got)
	}
	call := sttProv.TranscribeCalls[0]
	if call.SampleRate != testRate {
		t.Errorf("segment rate = %d, want %d", call.SampleRate, testRate)
	}
	// The segment covers all speech plus the silence hangover.
	if n := len(call.Samples); n < testRate*3/2 || n > testRate*2 {
		t.Errorf("segment samples = %d, want within [1.5s, 2s]", n)
	}

	if got := len(llmProv.StreamCalls); got != 1 {
		t.Fatalf("generations = %d, want exactly 1", got)
	}
	req := llmProv.StreamCalls[0].Req
	if len(req.Messages) != 1 || req.Messages[0].Content != "What time is the meeting tomorrow?" {
		t.Errorf("generation request messages = %+v", req.Messages)
	}

	var tokens, transcripts, questions int
	var answer string
	for _, ev := range seen {
		switch ev.Type {
		case pipeline.EventTranscript:
			transcripts++
		case pipeline.EventQuestion:
			questions++
		case pipeline.EventAnswerToken:
			tokens++
		case pipeline.EventAnswerDone:
			answer = ev.Text
		}
	}
	if transcripts != 1 || questions != 1 {
		t.Errorf("transcript events = %d, question events = %d, want 1 each", transcripts, questions)
	}
	if tokens != 3 {
		t.Errorf("answer token events = %d, want 3", tokens)
	}
	if answer != "At ten AM." {
		t.Errorf("answer = %q", answer)
	}
}

func TestPipeline_ResamplesNativeRate(t *testing.T) {
	sttProv := &sttmock.Provider{
		Results: []stt.Transcript{{Text: "ok", Language: "en"}},
	}
	src := newFakeSource(8)
	p := newTestPipeline(t, testConfig(), src, sttProv, nil)

	if err := p.StartCapture(context.Background()); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}

	// Device native 48 kHz; the pipeline must hand 16 kHz to the STT.
	src.send(silence(48000), 48000)
	src.send(speech(72000, 48000), 48000)
	src.send(silence(48000), 48000)

	waitEvent(t, p.Events(), pipeline.EventTranscript)
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if got := len(sttProv.TranscribeCalls); got != 1 {
		t.Fatalf("transcribe calls = %d, want 1", got)
	}
	if rate := sttProv.TranscribeCalls[0].SampleRate; rate != testRate {
		t.Errorf("segment rate = %d, want %d", rate, testRate)
	}
}

func TestPipeline_ListeningModeDetectsButDoesNotGenerate(t *testing.T) {
	cfg := testConfig()
	cfg.Pipeline.Mode = config.ModeListening

	sttProv := &sttmock.Provider{
		Results: []stt.Transcript{{Text: "How does the rollout work?", Language: "en"}},
	}
	llmProv := newAnswerProvider("unused")
	src := newFakeSource(8)
	p := newTestPipeline(t, cfg, src, sttProv, llmProv)

	if err := p.StartCapture(context.Background()); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	src.send(silence(testRate), testRate)
	src.send(speech(testRate, testRate), testRate)
	src.send(silence(testRate), testRate)

	waitEvent(t, p.Events(), pipeline.EventQuestion)
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if got := len(llmProv.StreamCalls); got != 0 {
		t.Errorf("generations = %d, want 0 in listening mode", got)
	}
}

func TestPipeline_ManualModeIgnoresTranscripts(t *testing.T) {
	cfg := testConfig()
	cfg.Pipeline.Mode = config.ModeManual

	sttProv := &sttmock.Provider{
		Results: []stt.Transcript{{Text: "Should we ship on Friday?", Language: "en"}},
	}
	llmProv := newAnswerProvider("unused")
	src := newFakeSource(8)
	p := newTestPipeline(t, cfg, src, sttProv, llmProv)

	if err := p.StartCapture(context.Background()); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	src.send(silence(testRate), testRate)
	src.send(speech(testRate, testRate), testRate)
	src.send(silence(testRate), testRate)

	seen := collectUntil(t, p.Events(), pipeline.EventTranscript)
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	for _, ev := range seen {
		if ev.Type == pipeline.EventQuestion {
			t.Error("manual mode produced a question event")
		}
	}
	if got := len(llmProv.StreamCalls); got != 0 {
		t.Errorf("generations = %d, want 0 in manual mode", got)
	}
}

func TestPipeline_Ask(t *testing.T) {
	llmProv := newAnswerProvider("Sure.")
	src := newFakeSource(0)
	p := newTestPipeline(t, testConfig(), src, &sttmock.Provider{}, llmProv)

	if err := p.Ask("Can we postpone the release?"); err != nil {
		t.Fatalf("Ask: %v", err)
	}
	ev := waitEvent(t, p.Events(), pipeline.EventAnswerDone)
	if ev.Text != "Sure." {
		t.Errorf("answer = %q", ev.Text)
	}

	if got := len(llmProv.StreamCalls); got != 1 {
		t.Fatalf("generations = %d, want 1", got)
	}
	req := llmProv.StreamCalls[0].Req
	if req.Messages[len(req.Messages)-1].Content != "Can we postpone the release?" {
		t.Errorf("question not forwarded: %+v", req.Messages)
	}
}

func TestPipeline_AskValidation(t *testing.T) {
	src := newFakeSource(0)
	p := newTestPipeline(t, testConfig(), src, &sttmock.Provider{}, newAnswerProvider("x"))

	if err := p.Ask("   "); err == nil {
		t.Error("expected error for blank question")
	}

	noGen := newTestPipeline(t, testConfig(), newFakeSource(0), &sttmock.Provider{}, nil)
	if err := noGen.Ask("anything"); !errors.Is(err, pipeline.ErrNoGenerator) {
		t.Errorf("expected ErrNoGenerator, got %v", err)
	}
}

func TestPipeline_SetModeStopsCapture(t *testing.T) {
	src := newFakeSource(8)
	p := newTestPipeline(t, testConfig(), src, &sttmock.Provider{}, nil)

	if err := p.StartCapture(context.Background()); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	if !p.CaptureActive() {
		t.Fatal("capture should be active")
	}

	if err := p.SetMode(config.ModeListening); err != nil {
		t.Fatalf("SetMode: %v", err)
	}
	if p.CaptureActive() {
		t.Error("mode switch must stop capture")
	}
	if p.Mode() != config.ModeListening {
		t.Errorf("mode = %q", p.Mode())
	}
}

func TestPipeline_ModelNotLoadedDisablesTranscription(t *testing.T) {
	sttProv := &sttmock.Provider{TranscribeErr: stt.ErrModelNotLoaded}
	src := newFakeSource(16)
	p := newTestPipeline(t, testConfig(), src, sttProv, nil)

	if err := p.StartCapture(context.Background()); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}

	// Two utterances separated by enough silence to close each segment.
	src.send(silence(testRate), testRate)
	src.send(speech(testRate, testRate), testRate)
	src.send(silence(testRate), testRate)
	src.send(speech(testRate, testRate), testRate)
	src.send(silence(testRate), testRate)

	ev := waitEvent(t, p.Events(), pipeline.EventError)
	if !errors.Is(ev.Err, stt.ErrModelNotLoaded) {
		t.Errorf("event error = %v", ev.Err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// The second segment is skipped once the missing model is latched.
	if got := len(sttProv.TranscribeCalls); got != 1 {
		t.Errorf("transcribe calls = %d, want 1", got)
	}
}

func TestPipeline_PausedSpeechSegmentIsTranscribed(t *testing.T) {
	cfg := testConfig()
	cfg.Pipeline.Mode = config.ModeListening

	reader := sdkmetric.NewManualReader()
	metrics, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	sttProv := &sttmock.Provider{
		Results: []stt.Transcript{{Text: "ok", Language: "en"}},
	}
	src := newFakeSource(8)
	p := newTestPipeline(t, cfg, src, sttProv, nil, pipeline.WithMetrics(metrics))

	if err := p.StartCapture(context.Background()); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}

	// A ~1.3 s utterance of three short bursts separated by pauses just
	// under the hangover, so it closes as one segment whose speech-frame
	// ratio is well below one half. It must still reach the STT backend.
	frame := testRate * 30 / 1000
	var utterance []int16
	for i := 0; i < 3; i++ {
		utterance = append(utterance, speech(5*frame, testRate)...)
		utterance = append(utterance, silence(9*frame)...)
	}
	src.send(utterance, testRate)
	src.send(silence(testRate), testRate)

	waitEvent(t, p.Events(), pipeline.EventTranscript)
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if got := len(sttProv.TranscribeCalls); got != 1 {
		t.Errorf("transcribe calls = %d, want 1", got)
	}
	if got := counterValue(t, reader, "sufler.segments"); got != 1 {
		t.Errorf("segment counter = %d, want 1", got)
	}
}

func TestPipeline_TranscribeLast(t *testing.T) {
	cfg := testConfig()
	cfg.Pipeline.Mode = config.ModeListening

	sttProv := &sttmock.Provider{
		Results: []stt.Transcript{{Text: "recap of the last moment", Language: "en"}},
	}
	src := newFakeSource(8)
	p := newTestPipeline(t, cfg, src, sttProv, nil)

	if err := p.StartCapture(context.Background()); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}

	// One second of silence, then 450 ms of speech: too short for the
	// segmenter's debounce, but present in the history buffer.
	src.send(silence(testRate), testRate)
	src.send(speech(testRate*45/100, testRate), testRate)
	if err := p.StopCapture(); err != nil {
		t.Fatalf("StopCapture: %v", err)
	}

	// A wide window is dominated by silence and never reaches the model.
	if _, err := p.TranscribeLast(context.Background(), 10*time.Second); !errors.Is(err, pipeline.ErrNoSpeech) {
		t.Fatalf("wide window error = %v, want ErrNoSpeech", err)
	}
	if got := len(sttProv.TranscribeCalls); got != 0 {
		t.Fatalf("transcribe calls = %d before any speech window", got)
	}

	text, err := p.TranscribeLast(context.Background(), 450*time.Millisecond)
	if err != nil {
		t.Fatalf("TranscribeLast: %v", err)
	}
	if text != "recap of the last moment" {
		t.Errorf("text = %q", text)
	}
	if got := len(sttProv.TranscribeCalls); got != 1 {
		t.Errorf("transcribe calls = %d, want 1", got)
	}

	ev := waitEvent(t, p.Events(), pipeline.EventTranscript)
	if ev.Text != "recap of the last moment" {
		t.Errorf("transcript event = %q", ev.Text)
	}
}

func TestPipeline_CloseDuringStartCapture(t *testing.T) {
	src := newFakeSource(8)
	entered := make(chan struct{})
	release := make(chan struct{})

	deps := pipeline.Deps{
		Capture: func(ctx context.Context) (pipeline.ChunkSource, error) {
			entered <- struct{}{}
			<-release
			return src, nil
		},
		VAD: vadenergy.New(),
		STT: &sttmock.Provider{},
	}
	p, err := pipeline.New(testConfig(), deps, pipeline.WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	startErr := make(chan error, 1)
	go func() { startErr <- p.StartCapture(context.Background()) }()
	<-entered

	// Close must serialise behind the in-flight StartCapture and then tear
	// down whatever it started, never leaving a capture loop feeding a
	// closed queue.
	closeErr := make(chan error, 1)
	go func() { closeErr <- p.Close() }()
	time.Sleep(20 * time.Millisecond)
	close(release)

	if err := <-startErr; err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	if err := <-closeErr; err != nil {
		t.Fatalf("Close: %v", err)
	}
	if p.CaptureActive() {
		t.Error("capture still active after Close")
	}
	if err := p.StartCapture(context.Background()); !errors.Is(err, pipeline.ErrClosed) {
		t.Errorf("StartCapture after Close = %v, want ErrClosed", err)
	}
}

// gatedSTT blocks each Transcribe until released, to back up the queue.
type gatedSTT struct {
	inner   *sttmock.Provider
	started chan struct{}
	release chan struct{}
}

func (g *gatedSTT) Transcribe(ctx context.Context, samples []int16, rate int, hint string) (stt.Transcript, error) {
	g.started <- struct{}{}
	select {
	case <-g.release:
	case <-ctx.Done():
		return stt.Transcript{}, ctx.Err()
	}
	return g.inner.Transcribe(ctx, samples, rate, hint)
}

func TestPipeline_QueueDropsOldestSegment(t *testing.T) {
	cfg := testConfig()
	cfg.Pipeline.Mode = config.ModeListening
	cfg.Pipeline.QueueDepth = 1

	sttProv := &gatedSTT{
		inner:   &sttmock.Provider{Results: []stt.Transcript{{Text: "ok", Language: "en"}}},
		started: make(chan struct{}),
		release: make(chan struct{}, 3),
	}
	src := newFakeSource(16)
	p := newTestPipeline(t, cfg, src, sttProv, nil)

	if err := p.StartCapture(context.Background()); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}

	// First utterance; wait until the worker holds it so the queue is empty.
	src.send(silence(testRate), testRate)
	src.send(speech(testRate, testRate), testRate)
	src.send(silence(testRate), testRate)
	<-sttProv.started

	// Second and third utterances back up against the blocked worker. The
	// queue holds one, so the second is dropped in favor of the third,
	// which is twice as long and therefore recognisable.
	src.send(speech(testRate/2+testRate/4, testRate), testRate)
	src.send(silence(testRate), testRate)
	src.send(speech(testRate+testRate/2, testRate), testRate)
	src.send(silence(testRate), testRate)
	if err := p.StopCapture(); err != nil {
		t.Fatalf("StopCapture: %v", err)
	}

	sttProv.release <- struct{}{}
	sttProv.release <- struct{}{}
	<-sttProv.started

	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	calls := sttProv.inner.TranscribeCalls
	if len(calls) != 2 {
		t.Fatalf("transcribe calls = %d, want 2", len(calls))
	}
	// The surviving second call is the long third utterance.
	if n := len(calls[1].Samples); n < testRate*3/2 {
		t.Errorf("second transcribed segment = %d samples, want the long utterance", n)
	}
}

func TestPipeline_ApplyConfigSwitchesMode(t *testing.T) {
	cfg := testConfig()
	cfg.Pipeline.Mode = config.ModeManual

	src := newFakeSource(0)
	p := newTestPipeline(t, cfg, src, &sttmock.Provider{}, nil)

	updated := config.Default()
	updated.Pipeline.Mode = config.ModeAuto
	p.ApplyConfig(updated, config.Diff(cfg, updated))

	if p.Mode() != config.ModeAuto {
		t.Errorf("mode = %q, want auto", p.Mode())
	}
}

func TestNew_RequiresDeps(t *testing.T) {
	cfg := testConfig()
	factory := func(ctx context.Context) (pipeline.ChunkSource, error) { return newFakeSource(0), nil }

	cases := map[string]pipeline.Deps{
		"no capture": {VAD: vadenergy.New(), STT: &sttmock.Provider{}},
		"no vad":     {Capture: factory, STT: &sttmock.Provider{}},
		"no stt":     {Capture: factory, VAD: vadenergy.New()},
	}
	for name, deps := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := pipeline.New(cfg, deps); err == nil {
				t.Error("expected error")
			}
		})
	}
}

// counterValue sums the data points of an int64 counter.
func counterValue(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect metrics: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %s is not an int64 sum", name)
			}
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}
