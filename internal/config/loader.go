package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidBackendNames lists known backend names per stage. Used by [Validate]
// to warn about unrecognised names.
var ValidBackendNames = map[string][]string{
	"stt": {"whisper"},
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
}

// Load reads the YAML configuration file at path, applies it over [Default],
// and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r over [Default] and validates
// the result. Useful in tests where configs are constructed from string
// literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Audio
	if cfg.Audio.Source != "" && !cfg.Audio.Source.IsValid() {
		errs = append(errs, fmt.Errorf("audio.source %q is invalid; valid values: loopback, microphone", cfg.Audio.Source))
	}
	if cfg.Audio.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must be positive", cfg.Audio.SampleRate))
	}
	if cfg.Audio.ChunkDuration <= 0 {
		errs = append(errs, fmt.Errorf("audio.chunk_duration must be positive"))
	}
	if cfg.Audio.BufferDuration < cfg.Audio.ChunkDuration {
		errs = append(errs, fmt.Errorf("audio.buffer_duration %v must be at least one chunk (%v)",
			cfg.Audio.BufferDuration.Std(), cfg.Audio.ChunkDuration.Std()))
	}

	// VAD
	if cfg.VAD.Aggressiveness < 0 || cfg.VAD.Aggressiveness > 3 {
		errs = append(errs, fmt.Errorf("vad.aggressiveness %d is out of range [0, 3]", cfg.VAD.Aggressiveness))
	}
	switch cfg.VAD.FrameDurationMs {
	case 10, 20, 30:
	default:
		errs = append(errs, fmt.Errorf("vad.frame_duration_ms %d is invalid; valid values: 10, 20, 30", cfg.VAD.FrameDurationMs))
	}
	if cfg.VAD.ActivityThreshold < 0 || cfg.VAD.ActivityThreshold > 1 {
		errs = append(errs, fmt.Errorf("vad.activity_threshold %.2f is out of range [0, 1]", cfg.VAD.ActivityThreshold))
	}
	if cfg.VAD.MaxSilenceFrames <= 0 {
		errs = append(errs, fmt.Errorf("vad.max_silence_frames %d must be positive", cfg.VAD.MaxSilenceFrames))
	}

	// Question
	if cfg.Question.MinWords <= 0 {
		errs = append(errs, fmt.Errorf("question.min_words %d must be positive", cfg.Question.MinWords))
	}
	if cfg.Question.SimilarityThreshold < 0 || cfg.Question.SimilarityThreshold > 1 {
		errs = append(errs, fmt.Errorf("question.similarity_threshold %.2f is out of range [0, 1]", cfg.Question.SimilarityThreshold))
	}

	// Pipeline
	if cfg.Pipeline.Mode != "" && !cfg.Pipeline.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("pipeline.mode %q is invalid; valid values: manual, listening, auto", cfg.Pipeline.Mode))
	}
	if cfg.Pipeline.QueueDepth <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.queue_depth %d must be positive", cfg.Pipeline.QueueDepth))
	}

	// Backends
	validateBackendName("stt", cfg.STT.Backend)
	validateBackendName("llm", cfg.LLM.Backend)
	if cfg.LLM.Fallback != nil {
		validateBackendName("llm", cfg.LLM.Fallback.Backend)
		if cfg.LLM.Fallback.Backend == "" {
			errs = append(errs, fmt.Errorf("llm.fallback.backend is required when llm.fallback is set"))
		}
	}
	if cfg.STT.Backend == "whisper" && cfg.STT.ModelPath == "" {
		slog.Warn("stt.model_path is empty; transcription will be unavailable until a model is configured")
	}
	if cfg.LLM.Model == "" {
		slog.Warn("llm.model is empty; answer generation will be unavailable")
	}

	// LLM sampling
	if cfg.LLM.Temperature < 0 || cfg.LLM.Temperature > 2 {
		errs = append(errs, fmt.Errorf("llm.temperature %.2f is out of range [0, 2]", cfg.LLM.Temperature))
	}
	if cfg.LLM.TopP < 0 || cfg.LLM.TopP > 1 {
		errs = append(errs, fmt.Errorf("llm.top_p %.2f is out of range [0, 1]", cfg.LLM.TopP))
	}
	if cfg.LLM.MaxTokens <= 0 {
		errs = append(errs, fmt.Errorf("llm.max_tokens %d must be positive", cfg.LLM.MaxTokens))
	}
	if cfg.LLM.MaxContextMessages <= 0 {
		errs = append(errs, fmt.Errorf("llm.max_context_messages %d must be positive", cfg.LLM.MaxContextMessages))
	}

	return errors.Join(errs...)
}

// validateBackendName logs a warning if name is non-empty and not found in
// the [ValidBackendNames] list for the given stage.
func validateBackendName(stage, name string) {
	if name == "" {
		return
	}
	known, ok := ValidBackendNames[stage]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown backend name, may be a typo or third-party backend",
		"stage", stage,
		"name", name,
		"known", known,
	)
}
