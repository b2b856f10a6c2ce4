// Package whisper provides a local whisper.cpp-backed STT provider via the
// whisper.cpp CGO bindings. The static library (libwhisper.a) and headers
// (whisper.h) must be available at link time via LIBRARY_PATH and
// C_INCLUDE_PATH environment variables.
//
// The model is loaded once at construction and shared across calls; each
// Transcribe builds a fresh whisper context because contexts are not
// thread-safe while the model is.
package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/mkorzh/sufler/pkg/audio"
	"github.com/mkorzh/sufler/pkg/provider/stt"
)

const defaultLanguage = "auto"

// Compile-time assertion that Provider satisfies stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// Provider implements stt.Provider using whisper.cpp Go bindings.
type Provider struct {
	language string

	mu    sync.RWMutex
	model whisperlib.Model
}

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithLanguage sets the default transcription language code (e.g. "ru",
// "en"). Defaults to "auto".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// New creates a Provider that loads the whisper.cpp model from the given
// file path. The caller must call Close when the provider is no longer
// needed.
func New(modelPath string, opts ...Option) (*Provider, error) {
	if modelPath == "" {
		return nil, fmt.Errorf("whisper: %w: modelPath must not be empty", stt.ErrModelNotLoaded)
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: %w: load %q: %v", stt.ErrModelNotLoaded, modelPath, err)
	}

	p := &Provider{
		model:    model,
		language: defaultLanguage,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Close releases the whisper model. Transcribe calls after Close return
// stt.ErrModelNotLoaded.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.model == nil {
		return nil
	}
	err := p.model.Close()
	p.model = nil
	return err
}

// Transcribe implements stt.Provider.
func (p *Provider) Transcribe(ctx context.Context, samples []int16, sampleRate int, languageHint string) (stt.Transcript, error) {
	if err := ctx.Err(); err != nil {
		return stt.Transcript{}, err
	}
	if sampleRate <= 0 {
		return stt.Transcript{}, fmt.Errorf("whisper: invalid sample rate %d", sampleRate)
	}

	dur := audio.DurationOf(len(samples), sampleRate)
	if dur < stt.MinInputDuration {
		return stt.Transcript{}, fmt.Errorf("%w: %v", stt.ErrInputTooShort, dur)
	}

	p.mu.RLock()
	model := p.model
	p.mu.RUnlock()
	if model == nil {
		return stt.Transcript{}, stt.ErrModelNotLoaded
	}

	lang := languageHint
	if lang == "" {
		lang = p.language
	}

	// Each context is NOT thread-safe, but the model can be shared.
	wctx, err := model.NewContext()
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: create context: %w", err)
	}

	if err := wctx.SetLanguage(lang); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", lang, "error", err)
	}

	// Peak-normalize so quiet loopback captures still recognise well.
	if err := wctx.Process(audio.Normalize(samples), nil, nil, nil); err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stt.Transcript{}, fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}

	detected := ""
	if lang != defaultLanguage {
		detected = lang
	} else if dl := wctx.DetectedLanguage(); dl != "" && dl != defaultLanguage {
		detected = dl
	}

	return stt.Transcript{
		Text:          strings.Join(parts, " "),
		Language:      detected,
		AudioDuration: dur,
	}, nil
}
