// Package pipeline wires audio capture, segmentation, transcription,
// question detection and answer generation into one running unit.
//
// Audio flows through a fixed chain: the capture source delivers chunks at
// the device's native rate, the pipeline resamples them to the canonical
// rate, keeps a rolling history window, and pushes the samples through the
// VAD segmenter. Every closed segment enters a bounded transcription queue;
// when the queue is full the oldest segment is
// dropped so the pipeline always favors recent speech. A single worker
// transcribes segments, extracts questions, and in auto mode hands them to
// the generation engine.
//
// The pipeline reports progress through an event channel. Delivery is
// best-effort: a consumer that stops reading loses events but never stalls
// the audio path.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mkorzh/sufler/internal/config"
	"github.com/mkorzh/sufler/internal/engine"
	"github.com/mkorzh/sufler/internal/observe"
	"github.com/mkorzh/sufler/internal/question"
	"github.com/mkorzh/sufler/internal/segment"
	"github.com/mkorzh/sufler/pkg/audio"
	"github.com/mkorzh/sufler/pkg/provider/stt"
	"github.com/mkorzh/sufler/pkg/provider/vad"
)

// eventBuffer is the capacity of the events channel.
const eventBuffer = 64

var (
	// ErrClosed is returned by operations on a closed pipeline.
	ErrClosed = errors.New("pipeline: closed")

	// ErrCaptureRunning is returned by StartCapture when capture is
	// already active.
	ErrCaptureRunning = errors.New("pipeline: capture already running")

	// ErrNoGenerator is returned by Ask when no generation engine is
	// configured.
	ErrNoGenerator = errors.New("pipeline: no generation engine configured")

	// ErrNoSpeech is returned by TranscribeLast when the requested window
	// holds no speech worth transcribing.
	ErrNoSpeech = errors.New("pipeline: no speech in requested window")
)

// ChunkSource abstracts a running audio capture stream. Stop must close the
// channel returned by Chunks.
type ChunkSource interface {
	Chunks() <-chan audio.Chunk
	Level() float64
	Stop() error
}

// CaptureFactory opens the configured audio source. The pipeline calls it
// on every StartCapture, so a restart reopens the device.
type CaptureFactory func(ctx context.Context) (ChunkSource, error)

// Deps holds the pipeline's injected backends. Capture, VAD and STT are
// required; a nil Engine disables answer generation.
type Deps struct {
	Capture CaptureFactory
	VAD     vad.Engine
	STT     stt.Provider
	Engine  *engine.Engine
}

// Option is a functional option for New.
type Option func(*Pipeline)

// WithLogger injects a logger instead of slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithMetrics injects a Metrics instance instead of observe.DefaultMetrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// Pipeline owns the full audio-to-answer chain. Create with New, feed it by
// starting capture, and tear down with Close.
type Pipeline struct {
	deps    Deps
	logger  *slog.Logger
	metrics *observe.Metrics

	// Restart-only settings, snapshotted at New.
	audioCfg config.AudioConfig
	vadCfg   config.VADConfig
	langHint string

	history *audio.History
	events  chan Event

	// ctx is cancelled by Close to abort in-flight backend calls.
	ctx    context.Context
	cancel context.CancelFunc

	segCh      chan audio.Segment
	workerDone chan struct{}
	genWG      sync.WaitGroup

	// sttDown latches when the STT backend reports a missing model.
	sttDown atomic.Bool

	// mu guards the hot-reloadable settings and the capture state below.
	mu       sync.Mutex
	mode     config.Mode
	detector *question.Detector
	dedup    *question.Deduplicator
	source   ChunkSource
	capDone  chan struct{}
	closed   bool

	stopOnce sync.Once
}

// New assembles a Pipeline from cfg and deps and starts the transcription
// worker. The pipeline is idle until StartCapture is called.
func New(cfg *config.Config, deps Deps, opts ...Option) (*Pipeline, error) {
	if deps.Capture == nil {
		return nil, errors.New("pipeline: capture factory is required")
	}
	if deps.VAD == nil {
		return nil, errors.New("pipeline: vad engine is required")
	}
	if deps.STT == nil {
		return nil, errors.New("pipeline: stt provider is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		deps:       deps,
		logger:     slog.Default(),
		audioCfg:   cfg.Audio,
		vadCfg:     cfg.VAD,
		langHint:   cfg.STT.Language,
		history:    audio.NewHistory(cfg.Audio.SampleRate, cfg.Audio.BufferDuration.Std()),
		events:     make(chan Event, eventBuffer),
		ctx:        ctx,
		cancel:     cancel,
		segCh:      make(chan audio.Segment, cfg.Pipeline.QueueDepth),
		workerDone: make(chan struct{}),
		mode:       cfg.Pipeline.Mode,
		detector:   question.NewDetector(cfg.Question.MinWords),
		dedup:      question.NewDeduplicator(cfg.Question.Cooldown.Std(), cfg.Question.SimilarityThreshold),
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}

	go p.transcriptionWorker()
	return p, nil
}

// Events returns the pipeline notification channel. It is closed by Close.
func (p *Pipeline) Events() <-chan Event {
	return p.events
}

// Mode returns the current operating mode.
func (p *Pipeline) Mode() config.Mode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mode
}

// SetMode switches the operating mode. Capture is stopped first so a
// half-built segment never crosses a mode boundary; the caller restarts
// capture when desired.
func (p *Pipeline) SetMode(m config.Mode) error {
	if !m.IsValid() {
		return fmt.Errorf("pipeline: invalid mode %q", m)
	}
	if err := p.StopCapture(); err != nil {
		p.logger.Warn("stopping capture for mode switch failed", "error", err)
	}

	p.mu.Lock()
	old := p.mode
	p.mode = m
	p.mu.Unlock()

	if old != m {
		p.logger.Info("mode changed", "from", string(old), "to", string(m))
	}
	return nil
}

// ─── Capture ─────────────────────────────────────────────────────────────────

// StartCapture opens the audio source and runs the capture loop until
// StopCapture or Close.
func (p *Pipeline) StartCapture(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	if p.source != nil {
		return ErrCaptureRunning
	}

	src, err := p.deps.Capture(ctx)
	if err != nil {
		return fmt.Errorf("pipeline: open capture source: %w", err)
	}

	sess, err := p.deps.VAD.NewSession(p.vadSessionConfig())
	if err != nil {
		_ = src.Stop()
		return fmt.Errorf("pipeline: open vad session: %w", err)
	}

	segCfg := segment.Config{
		SampleRate:         p.audioCfg.SampleRate,
		FrameSizeMs:        p.vadCfg.FrameDurationMs,
		MaxSilenceFrames:   p.vadCfg.MaxSilenceFrames,
		MinSegmentDuration: p.vadCfg.MinSegmentDuration.Std(),
	}
	seg := segment.New(sess, segCfg, p.logger, p.handleSegment)
	seg.OnSpeechStart = func() { p.emit(Event{Type: EventSpeechStart}) }
	seg.OnSpeechEnd = func() { p.emit(Event{Type: EventSpeechEnd}) }

	done := make(chan struct{})
	p.source = src
	p.capDone = done
	p.metrics.CaptureActive.Add(p.ctx, 1)
	p.logger.Info("capture started",
		"source", string(p.audioCfg.Source),
		"sample_rate", p.audioCfg.SampleRate,
	)

	go p.captureLoop(src, sess, seg, done)
	return nil
}

// vadSessionConfig builds the session parameters shared by every VAD use.
func (p *Pipeline) vadSessionConfig() vad.Config {
	return vad.Config{
		SampleRate:     p.audioCfg.SampleRate,
		FrameSizeMs:    p.vadCfg.FrameDurationMs,
		Aggressiveness: p.vadCfg.Aggressiveness,
	}
}

// StopCapture stops the audio source and waits for the capture loop to
// drain. Stopping an idle pipeline is a no-op.
func (p *Pipeline) StopCapture() error {
	p.mu.Lock()
	src := p.source
	done := p.capDone
	p.source = nil
	p.capDone = nil
	p.mu.Unlock()

	if src == nil {
		return nil
	}

	err := src.Stop()
	<-done
	p.metrics.CaptureActive.Add(p.ctx, -1)
	p.logger.Info("capture stopped")
	return err
}

// CaptureActive reports whether the capture loop is running.
func (p *Pipeline) CaptureActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.source != nil
}

// Level returns the current input level in [0, 1], or 0 when capture is
// idle.
func (p *Pipeline) Level() float64 {
	p.mu.Lock()
	src := p.source
	p.mu.Unlock()
	if src == nil {
		return 0
	}
	return src.Level()
}

// LastAudio returns up to d of the most recent canonical-rate audio.
func (p *Pipeline) LastAudio(d time.Duration) []int16 {
	return p.history.Last(d)
}

// TranscribeLast transcribes up to d of the most recent captured audio from
// the history buffer, regardless of segment boundaries. The window is first
// screened with the coarse speech-activity gate so pure silence never
// reaches the model; [ErrNoSpeech] is returned in that case. The resulting
// text is surfaced as a transcript event but never enters the question path.
func (p *Pipeline) TranscribeLast(ctx context.Context, d time.Duration) (string, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return "", ErrClosed
	}

	samples := p.history.Last(d)
	if len(samples) == 0 {
		return "", ErrNoSpeech
	}

	gate, err := p.deps.VAD.NewSession(p.vadSessionConfig())
	if err != nil {
		return "", fmt.Errorf("pipeline: open vad session: %w", err)
	}
	defer func() { _ = gate.Close() }()

	frameSamples := p.audioCfg.SampleRate * p.vadCfg.FrameDurationMs / 1000
	if !vad.HasSpeech(gate, samples, frameSamples, p.vadCfg.ActivityThreshold) {
		return "", ErrNoSpeech
	}

	tr, err := p.deps.STT.Transcribe(ctx, samples, p.audioCfg.SampleRate, p.langHint)
	if err != nil {
		return "", err
	}
	if tr.Empty() {
		return "", nil
	}

	lang := tr.Language
	if lang == "" {
		lang = question.DetectLanguage(tr.Text)
	}
	p.metrics.RecordTranscript(p.ctx, lang)
	p.emit(Event{Type: EventTranscript, Text: tr.Text, Language: lang})
	return tr.Text, nil
}

// captureLoop consumes chunks until the source closes its channel. Chunks
// arriving at a non-canonical rate are resampled before entering the chain.
func (p *Pipeline) captureLoop(src ChunkSource, sess vad.SessionHandle, seg *segment.Segmenter, done chan struct{}) {
	defer close(done)
	defer func() { _ = sess.Close() }()

	rate := p.audioCfg.SampleRate
	for chunk := range src.Chunks() {
		samples := chunk.Samples
		if chunk.SampleRate > 0 && chunk.SampleRate != rate {
			samples = audio.Resample(samples, chunk.SampleRate, rate)
		}
		p.metrics.AudioChunks.Add(p.ctx, 1)
		p.history.Write(samples)
		seg.Push(samples)
	}
	seg.Flush()
}

// handleSegment queues a closed segment for transcription. The segmenter has
// already applied the minimum-duration debounce; a finalized segment is
// always a transcription job, even when natural pauses dilute its
// speech-frame ratio. Runs on the capture goroutine.
func (p *Pipeline) handleSegment(seg audio.Segment) {
	p.metrics.RecordSegment(p.ctx, "accepted")
	p.enqueueSegment(seg)
}

// enqueueSegment adds seg to the transcription queue. When the queue is
// full the oldest entry is dropped; recent speech is always worth more than
// a backlog.
func (p *Pipeline) enqueueSegment(seg audio.Segment) {
	for {
		select {
		case p.segCh <- seg:
			p.metrics.TranscriptionQueueDepth.Add(p.ctx, 1)
			return
		default:
		}
		select {
		case old := <-p.segCh:
			p.metrics.TranscriptionQueueDepth.Add(p.ctx, -1)
			p.metrics.RecordQueueDrop(p.ctx, "transcription")
			p.logger.Warn("transcription queue full, dropping oldest segment",
				"dropped_duration", old.Duration(),
			)
		default:
		}
	}
}

// ─── Transcription ───────────────────────────────────────────────────────────

// transcriptionWorker drains the segment queue until Close.
func (p *Pipeline) transcriptionWorker() {
	defer close(p.workerDone)
	for seg := range p.segCh {
		p.metrics.TranscriptionQueueDepth.Add(p.ctx, -1)
		p.processSegment(seg)
	}
}

// processSegment transcribes one segment and routes the resulting text.
func (p *Pipeline) processSegment(seg audio.Segment) {
	if p.sttDown.Load() {
		return
	}

	start := time.Now()
	tr, err := p.deps.STT.Transcribe(p.ctx, seg.Samples, seg.SampleRate, p.langHint)
	p.metrics.TranscriptionDuration.Record(p.ctx, time.Since(start).Seconds())
	if err != nil {
		switch {
		case errors.Is(err, stt.ErrModelNotLoaded):
			// No point retrying per segment; the provider needs rebuilding.
			p.sttDown.Store(true)
			p.logger.Error("stt model not loaded, transcription disabled", "error", err)
			p.emit(Event{Type: EventError, Err: err})
		case errors.Is(err, stt.ErrInputTooShort):
			p.logger.Debug("segment too short for transcription", "duration", seg.Duration())
		default:
			p.metrics.RecordPipelineError(p.ctx, "transcription")
			p.logger.Warn("transcription failed", "error", err, "duration", seg.Duration())
		}
		return
	}
	if tr.Empty() {
		return
	}

	lang := tr.Language
	if lang == "" {
		lang = question.DetectLanguage(tr.Text)
	}
	p.metrics.RecordTranscript(p.ctx, lang)
	p.emit(Event{Type: EventTranscript, Text: tr.Text, Language: lang})
	p.logger.Debug("transcript", "text", tr.Text, "language", lang)

	p.handleTranscript(tr.Text, lang)
}

// handleTranscript extracts questions from a transcript and, in auto mode,
// starts generation for each new one.
func (p *Pipeline) handleTranscript(text, lang string) {
	p.mu.Lock()
	mode := p.mode
	det := p.detector
	dedup := p.dedup
	p.mu.Unlock()

	if mode == config.ModeManual {
		return
	}

	for _, q := range det.ExtractQuestions(text, lang) {
		if !dedup.ShouldProcess(q, time.Now()) {
			p.metrics.DuplicateQuestions.Add(p.ctx, 1)
			p.logger.Debug("duplicate question suppressed", "question", q)
			continue
		}

		p.metrics.RecordQuestion(p.ctx, lang)
		p.emit(Event{Type: EventQuestion, Text: q, Language: lang})
		p.logger.Info("question detected", "question", q, "language", lang)

		if mode == config.ModeAuto && p.deps.Engine != nil {
			p.startGeneration(q)
		}
	}
}

// ─── Generation ──────────────────────────────────────────────────────────────

// Ask triggers answer generation for a manually entered question. Works in
// every mode. Blocks only until the generation goroutine is scheduled.
func (p *Pipeline) Ask(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return errors.New("pipeline: empty question")
	}
	if p.deps.Engine == nil {
		return ErrNoGenerator
	}

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrClosed
	}

	p.startGeneration(text)
	return nil
}

// StopGeneration requests cooperative cancellation of the in-flight
// generation. No-op when nothing is running.
func (p *Pipeline) StopGeneration() {
	if p.deps.Engine != nil {
		p.deps.Engine.Stop()
	}
}

// ClearContext drops the generation engine's conversation history and the
// question deduplication window.
func (p *Pipeline) ClearContext() {
	if p.deps.Engine != nil {
		p.deps.Engine.ClearContext()
	}
	p.mu.Lock()
	dedup := p.dedup
	p.mu.Unlock()
	dedup.Clear()
}

// startGeneration runs one generation on its own goroutine. The engine
// serialises concurrent generations internally.
func (p *Pipeline) startGeneration(q string) {
	p.genWG.Add(1)
	go func() {
		defer p.genWG.Done()
		p.runGeneration(q)
	}()
}

func (p *Pipeline) runGeneration(q string) {
	p.metrics.GenerationsActive.Add(p.ctx, 1)
	defer p.metrics.GenerationsActive.Add(p.ctx, -1)

	start := time.Now()
	answer, err := p.deps.Engine.Generate(p.ctx, q, func(token string) {
		p.metrics.GeneratedTokens.Add(p.ctx, 1)
		p.emit(Event{Type: EventAnswerToken, Text: token})
	})
	p.metrics.GenerationDuration.Record(p.ctx, time.Since(start).Seconds())

	if err != nil {
		p.metrics.RecordPipelineError(p.ctx, "generation")
		p.logger.Warn("generation failed", "error", err, "question", q)
		p.emit(Event{Type: EventError, Err: err})
		return
	}

	if stats := p.deps.Engine.LastStats(); stats.TimeToFirstToken > 0 {
		p.metrics.FirstTokenLatency.Record(p.ctx, stats.TimeToFirstToken.Seconds())
	}
	p.emit(Event{Type: EventAnswerDone, Text: answer})
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfig applies a hot-reloadable configuration change. Settings the
// diff does not flag are left untouched; audio, VAD and backend changes
// require a restart and never reach this method.
func (p *Pipeline) ApplyConfig(cfg *config.Config, diff config.ConfigDiff) {
	if diff.QuestionChanged {
		p.mu.Lock()
		p.detector = question.NewDetector(cfg.Question.MinWords)
		p.dedup = question.NewDeduplicator(cfg.Question.Cooldown.Std(), cfg.Question.SimilarityThreshold)
		p.mu.Unlock()
		p.logger.Info("question detection settings reloaded",
			"min_words", cfg.Question.MinWords,
			"cooldown", cfg.Question.Cooldown.Std(),
		)
	}

	if diff.GenerationChanged && p.deps.Engine != nil {
		p.deps.Engine.SetConfig(engine.Config{
			SystemPrompt:       cfg.LLM.SystemPrompt,
			MaxContextMessages: cfg.LLM.MaxContextMessages,
			Temperature:        cfg.LLM.Temperature,
			TopP:               cfg.LLM.TopP,
			MaxTokens:          cfg.LLM.MaxTokens,
		})
		p.logger.Info("generation settings reloaded")
	}

	if diff.ModeChanged {
		if err := p.SetMode(diff.NewMode); err != nil {
			p.logger.Warn("mode reload failed", "error", err)
		}
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Close stops capture, aborts in-flight backend calls, drains the workers
// and closes the events channel. Safe to call more than once.
func (p *Pipeline) Close() error {
	var err error
	p.stopOnce.Do(func() {
		// closed must be set before capture is torn down, or a concurrent
		// StartCapture could slip in and feed segments to a channel that is
		// about to close.
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()

		err = p.StopCapture()
		p.cancel()
		close(p.segCh)
		<-p.workerDone
		p.genWG.Wait()
		close(p.events)
		p.logger.Info("pipeline closed")
	})
	return err
}
