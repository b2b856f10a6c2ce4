package config_test

import (
	"strings"
	"testing"
	"time"

	"github.com/mkorzh/sufler/internal/config"
)

func TestLoadFromReader_OverridesDefaults(t *testing.T) {
	yml := `
server:
  log_level: debug
  metrics_addr: ":9191"
audio:
  source: microphone
  chunk_duration: 500ms
vad:
  aggressiveness: 2
question:
  cooldown: 10s
pipeline:
  mode: auto
stt:
  model_path: /models/ggml-base.bin
llm:
  backend: ollama
  model: qwen2.5:3b
`
	cfg, err := config.LoadFromReader(strings.NewReader(yml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("log_level = %q", cfg.Server.LogLevel)
	}
	if cfg.Server.MetricsAddr != ":9191" {
		t.Errorf("metrics_addr = %q", cfg.Server.MetricsAddr)
	}
	if cfg.Audio.Source != config.SourceMicrophone {
		t.Errorf("source = %q", cfg.Audio.Source)
	}
	if cfg.Audio.ChunkDuration.Std() != 500*time.Millisecond {
		t.Errorf("chunk_duration = %v", cfg.Audio.ChunkDuration.Std())
	}
	if cfg.VAD.Aggressiveness != 2 {
		t.Errorf("aggressiveness = %d", cfg.VAD.Aggressiveness)
	}
	if cfg.Question.Cooldown.Std() != 10*time.Second {
		t.Errorf("cooldown = %v", cfg.Question.Cooldown.Std())
	}
	if cfg.Pipeline.Mode != config.ModeAuto {
		t.Errorf("mode = %q", cfg.Pipeline.Mode)
	}
	if cfg.LLM.Backend != "ollama" || cfg.LLM.Model != "qwen2.5:3b" {
		t.Errorf("llm = %+v", cfg.LLM)
	}

	// Untouched keys keep their defaults.
	if cfg.Audio.SampleRate != 16000 {
		t.Errorf("sample_rate = %d, want default 16000", cfg.Audio.SampleRate)
	}
	if cfg.VAD.MaxSilenceFrames != 10 {
		t.Errorf("max_silence_frames = %d, want default 10", cfg.VAD.MaxSilenceFrames)
	}
	if cfg.LLM.Temperature != 0.4 {
		t.Errorf("temperature = %v, want default 0.4", cfg.LLM.Temperature)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	yml := `
audio:
  sample_rte: 44100
`
	if _, err := config.LoadFromReader(strings.NewReader(yml)); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoadFromReader_EmptyInputYieldsDefaults(t *testing.T) {
	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Audio.SampleRate != 16000 {
		t.Errorf("sample_rate = %d, want 16000", cfg.Audio.SampleRate)
	}
}

func TestValidate_AccumulatesErrors(t *testing.T) {
	cfg := config.Default()
	cfg.Server.LogLevel = "chatty"
	cfg.VAD.Aggressiveness = 7
	cfg.VAD.FrameDurationMs = 25
	cfg.Pipeline.Mode = "hybrid"
	cfg.LLM.TopP = 1.5

	err := config.Validate(cfg)
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{
		"server.log_level",
		"vad.aggressiveness",
		"vad.frame_duration_ms",
		"pipeline.mode",
		"llm.top_p",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %s, got:\n%v", want, err)
		}
	}
}

func TestValidate_FallbackRequiresBackend(t *testing.T) {
	cfg := config.Default()
	cfg.LLM.Fallback = &config.LLMBackendConfig{Model: "gpt-4o-mini"}

	err := config.Validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "llm.fallback.backend") {
		t.Errorf("expected fallback backend error, got %v", err)
	}
}

func TestValidate_BufferShorterThanChunk(t *testing.T) {
	cfg := config.Default()
	cfg.Audio.ChunkDuration = config.Duration(2 * time.Second)
	cfg.Audio.BufferDuration = config.Duration(time.Second)

	err := config.Validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "audio.buffer_duration") {
		t.Errorf("expected buffer duration error, got %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := config.Load("/nonexistent/sufler.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}
