// Package config provides the configuration schema, loader, provider
// registry, and file watcher for the Sufler meeting assistant.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Mode selects how transcripts are routed to answer generation.
type Mode string

const (
	// ModeManual keeps capture off; typed questions are the only trigger.
	ModeManual Mode = "manual"

	// ModeListening captures and transcribes but never auto-generates.
	ModeListening Mode = "listening"

	// ModeAuto forwards detected, non-duplicate questions to generation.
	ModeAuto Mode = "auto"
)

// IsValid reports whether m is a recognised pipeline mode.
func (m Mode) IsValid() bool {
	switch m {
	case ModeManual, ModeListening, ModeAuto:
		return true
	}
	return false
}

// SourceKind selects which kind of audio source to capture.
type SourceKind string

const (
	// SourceLoopback captures system playback via a monitor source.
	SourceLoopback SourceKind = "loopback"

	// SourceMicrophone captures a physical input device.
	SourceMicrophone SourceKind = "microphone"
)

// IsValid reports whether k is a recognised source kind.
func (k SourceKind) IsValid() bool {
	return k == SourceLoopback || k == SourceMicrophone
}

// Duration wraps [time.Duration] with YAML support for strings like "500ms"
// or "1.5s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a [time.Duration].
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the root configuration structure for Sufler.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Audio    AudioConfig    `yaml:"audio"`
	VAD      VADConfig      `yaml:"vad"`
	Question QuestionConfig `yaml:"question"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	STT      STTConfig      `yaml:"stt"`
	LLM      LLMConfig      `yaml:"llm"`
}

// ServerConfig holds logging and metrics settings.
type ServerConfig struct {
	// MetricsAddr is the TCP address of the Prometheus /metrics endpoint.
	// Empty disables the endpoint.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// LogJSON switches log output from text to JSON.
	LogJSON bool `yaml:"log_json"`
}

// AudioConfig holds capture and buffering settings.
type AudioConfig struct {
	// Device pins capture to a specific source by name or description
	// substring. Empty selects automatically by Source kind.
	Device string `yaml:"device"`

	// Source selects loopback (system playback) or microphone capture.
	Source SourceKind `yaml:"source"`

	// SampleRate is the pipeline-internal rate everything is resampled to.
	SampleRate int `yaml:"sample_rate"`

	// ChunkDuration is how much audio one capture chunk carries.
	ChunkDuration Duration `yaml:"chunk_duration"`

	// BufferDuration is the length of the rolling audio history.
	BufferDuration Duration `yaml:"buffer_duration"`
}

// VADConfig holds voice activity detection and segmentation settings.
type VADConfig struct {
	// Aggressiveness filters non-speech more aggressively at higher values (0-3).
	Aggressiveness int `yaml:"aggressiveness"`

	// FrameDurationMs is the VAD analysis frame length: 10, 20, or 30.
	FrameDurationMs int `yaml:"frame_duration_ms"`

	// ActivityThreshold is the minimum fraction of voiced frames for an
	// audio buffer to count as speech in coarse, whole-buffer checks. The
	// live segmenter does not use it.
	ActivityThreshold float64 `yaml:"activity_threshold"`

	// MaxSilenceFrames is the hangover: consecutive silent frames tolerated
	// before a segment closes.
	MaxSilenceFrames int `yaml:"max_silence_frames"`

	// MinSegmentDuration discards segments shorter than this.
	MinSegmentDuration Duration `yaml:"min_segment_duration"`
}

// QuestionConfig holds question detection and deduplication settings.
type QuestionConfig struct {
	// MinWords is the minimum word count for keyword-free questions.
	MinWords int `yaml:"min_words"`

	// Cooldown is how long a processed question suppresses near-duplicates.
	Cooldown Duration `yaml:"cooldown"`

	// SimilarityThreshold rejects new questions whose similarity to a
	// recent one exceeds this value.
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
}

// PipelineConfig holds orchestrator settings.
type PipelineConfig struct {
	// Mode is the startup routing mode.
	Mode Mode `yaml:"mode"`

	// QueueDepth bounds the transcription queue. When full, the oldest
	// segment is dropped.
	QueueDepth int `yaml:"queue_depth"`
}

// STTConfig holds transcription backend settings.
type STTConfig struct {
	// Backend selects the registered STT implementation, e.g. "whisper".
	Backend string `yaml:"backend"`

	// ModelPath is the whisper GGML model file.
	ModelPath string `yaml:"model_path"`

	// FallbackModelPath optionally configures a second model used when the
	// primary keeps failing.
	FallbackModelPath string `yaml:"fallback_model_path"`

	// Language is a fixed language hint. Empty means per-segment detection.
	Language string `yaml:"language"`
}

// LLMConfig holds generation backend and prompt settings.
type LLMConfig struct {
	// Backend selects the registered LLM implementation, e.g. "llamacpp",
	// "ollama", "openai".
	Backend string `yaml:"backend"`

	// Model is the backend-specific model identifier.
	Model string `yaml:"model"`

	// APIKey authenticates against hosted backends. Local backends ignore it.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the backend's default endpoint, e.g. a local
	// llama.cpp server address.
	BaseURL string `yaml:"base_url"`

	// Fallback optionally configures a second backend tried when the
	// primary fails or its breaker is open.
	Fallback *LLMBackendConfig `yaml:"fallback"`

	// SystemPrompt is the assistant instruction sent with every request.
	SystemPrompt string `yaml:"system_prompt"`

	// MaxContextMessages bounds the retained conversation history.
	MaxContextMessages int `yaml:"max_context_messages"`

	// Temperature, TopP and MaxTokens are the sampling parameters.
	Temperature float64 `yaml:"temperature"`
	TopP        float64 `yaml:"top_p"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// LLMBackendConfig identifies a single generation backend.
type LLMBackendConfig struct {
	Backend string `yaml:"backend"`
	Model   string `yaml:"model"`
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// defaultSystemPrompt matches the assistant's meeting-helper role: short,
// professional answers in the question's language.
const defaultSystemPrompt = `You are a helpful AI assistant for business meetings.
Provide brief, accurate, and professional answers to questions.
Keep responses under 100 words unless more detail is explicitly requested.
Answer in the same language as the question.`

// Default returns a Config populated with working defaults. Loading YAML on
// top of it overrides only the keys present in the file.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			MetricsAddr: ":9090",
			LogLevel:    LogInfo,
		},
		Audio: AudioConfig{
			Source:         SourceLoopback,
			SampleRate:     16000,
			ChunkDuration:  Duration(time.Second),
			BufferDuration: Duration(30 * time.Second),
		},
		VAD: VADConfig{
			Aggressiveness:     3,
			FrameDurationMs:    30,
			ActivityThreshold:  0.5,
			MaxSilenceFrames:   10,
			MinSegmentDuration: Duration(500 * time.Millisecond),
		},
		Question: QuestionConfig{
			MinWords:            3,
			Cooldown:            Duration(5 * time.Second),
			SimilarityThreshold: 0.85,
		},
		Pipeline: PipelineConfig{
			Mode:       ModeManual,
			QueueDepth: 5,
		},
		STT: STTConfig{
			Backend: "whisper",
		},
		LLM: LLMConfig{
			Backend:            "llamacpp",
			SystemPrompt:       defaultSystemPrompt,
			MaxContextMessages: 10,
			Temperature:        0.4,
			TopP:               0.85,
			MaxTokens:          150,
		},
	}
}
