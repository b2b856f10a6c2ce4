// Command sufler is a real-time meeting assistant: it listens to system or
// microphone audio, transcribes detected speech, spots questions and streams
// suggested answers to the terminal.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/mkorzh/sufler/internal/config"
	"github.com/mkorzh/sufler/internal/engine"
	"github.com/mkorzh/sufler/internal/health"
	"github.com/mkorzh/sufler/internal/observe"
	"github.com/mkorzh/sufler/internal/pipeline"
	"github.com/mkorzh/sufler/internal/resilience"
	"github.com/mkorzh/sufler/pkg/audio/pulse"
	"github.com/mkorzh/sufler/pkg/provider/llm"
	"github.com/mkorzh/sufler/pkg/provider/llm/anyllm"
	oai "github.com/mkorzh/sufler/pkg/provider/llm/openai"
	"github.com/mkorzh/sufler/pkg/provider/stt"
	"github.com/mkorzh/sufler/pkg/provider/stt/whisper"
	"github.com/mkorzh/sufler/pkg/provider/vad"
	vadenergy "github.com/mkorzh/sufler/pkg/provider/vad/energy"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	listSources := flag.Bool("list-sources", false, "list audio input sources and exit")
	flag.Parse()

	if *listSources {
		return printSources()
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "sufler: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "sufler: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	levelVar := new(slog.LevelVar)
	levelVar.Set(slogLevel(cfg.Server.LogLevel))
	logger := newLogger(cfg.Server.LogJSON, levelVar)
	slog.SetDefault(logger)

	slog.Info("sufler starting",
		"config", *configPath,
		"mode", string(cfg.Pipeline.Mode),
		"log_level", string(cfg.Server.LogLevel),
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "sufler"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	metricsSrv := newMetricsServer(cfg.Server.MetricsAddr, buildHealthChecks(cfg)...)

	// ── Backends ──────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinBackends(reg)

	sttProv, err := buildSTT(cfg, reg)
	if err != nil {
		slog.Error("failed to build stt backend", "err", err)
		return 1
	}

	gen, err := buildEngine(cfg, reg, logger)
	if err != nil {
		slog.Error("failed to build generation engine", "err", err)
		return 1
	}

	vadEng, err := reg.CreateVAD("energy", cfg.VAD)
	if err != nil {
		slog.Error("failed to build vad engine", "err", err)
		return 1
	}

	captureFactory := func(ctx context.Context) (pipeline.ChunkSource, error) {
		sel, err := pulse.SelectSource(pulse.Kind(cfg.Audio.Source), cfg.Audio.Device)
		if err != nil {
			return nil, err
		}
		if sel.Warning != "" {
			slog.Warn("capture source fallback", "warning", sel.Warning)
		}
		return pulse.Start(ctx, sel, cfg.Audio.ChunkDuration.Std())
	}

	// ── Pipeline ──────────────────────────────────────────────────────────────
	p, err := pipeline.New(cfg, pipeline.Deps{
		Capture: captureFactory,
		VAD:     vadEng,
		STT:     sttProv,
		Engine:  gen,
	}, pipeline.WithLogger(logger))
	if err != nil {
		slog.Error("failed to assemble pipeline", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, cur *config.Config, diff config.ConfigDiff) {
		if diff.LogLevelChanged {
			levelVar.Set(slogLevel(diff.NewLogLevel))
			slog.Info("log level changed", "level", string(diff.NewLogLevel))
		}
		p.ApplyConfig(cur, diff)
	})
	if err != nil {
		slog.Warn("config hot reload unavailable", "err", err)
	}

	printStartupSummary(cfg)

	// ── Background tasks ──────────────────────────────────────────────────────
	var g errgroup.Group
	if metricsSrv != nil {
		g.Go(func() error {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		slog.Info("metrics listening", "addr", cfg.Server.MetricsAddr)
	}
	g.Go(func() error {
		consumeEvents(p)
		return nil
	})
	// The command reader stays outside the group: a blocked stdin read
	// cannot be interrupted, so the goroutine dies with the process.
	go readCommands(p)

	if cfg.Pipeline.Mode != config.ModeManual {
		if err := p.StartCapture(ctx); err != nil {
			slog.Error("failed to start capture", "err", err)
			return 1
		}
	}

	slog.Info("ready, press Ctrl+C to shut down")
	<-ctx.Done()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping")
	if watcher != nil {
		watcher.Stop()
	}
	if err := p.Close(); err != nil {
		slog.Warn("pipeline close error", "err", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("metrics server shutdown error", "err", err)
		}
	}
	if err := g.Wait(); err != nil {
		slog.Warn("background task error", "err", err)
	}
	if err := otelShutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return 0
}

// ── Backend wiring ────────────────────────────────────────────────────────────

// registerBuiltinBackends wires the backend factories that ship with sufler
// into reg.
func registerBuiltinBackends(reg *config.Registry) {
	// openai uses the native SDK for exact streaming semantics; the other
	// hosted and local backends all go through any-llm.
	reg.RegisterLLM("openai", func(entry config.LLMBackendConfig, shared config.LLMConfig) (llm.Provider, error) {
		var opts []oai.Option
		if entry.BaseURL != "" {
			opts = append(opts, oai.WithBaseURL(entry.BaseURL))
		}
		return oai.New(entry.APIKey, entry.Model, opts...)
	})

	for _, name := range []string{
		"anthropic", "gemini", "deepseek", "mistral", "groq",
	} {
		reg.RegisterLLM(name, func(entry config.LLMBackendConfig, shared config.LLMConfig) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(name, entry.Model, opts...)
		})
	}

	// Local servers use BaseURL for the address, never an API key.
	for _, name := range []string{"ollama", "llamacpp", "llamafile"} {
		reg.RegisterLLM(name, func(entry config.LLMBackendConfig, shared config.LLMConfig) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(name, entry.Model, opts...)
		})
	}

	reg.RegisterSTT("whisper", func(entry config.STTConfig) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Language != "" {
			opts = append(opts, whisper.WithLanguage(entry.Language))
		}
		return whisper.New(entry.ModelPath, opts...)
	})

	reg.RegisterVAD("energy", func(entry config.VADConfig) (vad.Engine, error) {
		return vadenergy.New(), nil
	})
}

// buildSTT creates the transcription backend, chaining in the fallback model
// behind a circuit breaker when one is configured.
func buildSTT(cfg *config.Config, reg *config.Registry) (stt.Provider, error) {
	primary, err := reg.CreateSTT(cfg.STT)
	if err != nil {
		return nil, fmt.Errorf("create stt backend %q: %w", cfg.STT.Backend, err)
	}
	slog.Info("stt backend created", "backend", cfg.STT.Backend, "model", cfg.STT.ModelPath)

	if cfg.STT.FallbackModelPath == "" {
		return primary, nil
	}

	fbCfg := cfg.STT
	fbCfg.ModelPath = cfg.STT.FallbackModelPath
	fallback, err := reg.CreateSTT(fbCfg)
	if err != nil {
		return nil, fmt.Errorf("create stt fallback model: %w", err)
	}

	chain := resilience.NewSTTFailover(primary, cfg.STT.Backend, resilience.FailoverConfig{})
	chain.AddFallback(cfg.STT.Backend+"-fallback", fallback)
	slog.Info("stt fallback model configured", "model", cfg.STT.FallbackModelPath)
	return chain, nil
}

// buildEngine creates the answer generation engine, or returns nil when no
// model is configured.
func buildEngine(cfg *config.Config, reg *config.Registry, logger *slog.Logger) (*engine.Engine, error) {
	if cfg.LLM.Model == "" {
		slog.Warn("no llm model configured, answer generation disabled")
		return nil, nil
	}

	primaryCfg := config.LLMBackendConfig{
		Backend: cfg.LLM.Backend,
		Model:   cfg.LLM.Model,
		APIKey:  cfg.LLM.APIKey,
		BaseURL: cfg.LLM.BaseURL,
	}
	provider, err := reg.CreateLLM(primaryCfg, cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("create llm backend %q: %w", cfg.LLM.Backend, err)
	}
	slog.Info("llm backend created", "backend", cfg.LLM.Backend, "model", cfg.LLM.Model)

	if cfg.LLM.Fallback != nil {
		fb, err := reg.CreateLLM(*cfg.LLM.Fallback, cfg.LLM)
		if err != nil {
			return nil, fmt.Errorf("create llm fallback %q: %w", cfg.LLM.Fallback.Backend, err)
		}
		chain := resilience.NewLLMFailover(provider, cfg.LLM.Backend, resilience.FailoverConfig{})
		chain.AddFallback(cfg.LLM.Fallback.Backend, fb)
		provider = chain
		slog.Info("llm fallback configured",
			"backend", cfg.LLM.Fallback.Backend,
			"model", cfg.LLM.Fallback.Model,
		)
	}

	return engine.New(provider, engine.Config{
		SystemPrompt:       cfg.LLM.SystemPrompt,
		MaxContextMessages: cfg.LLM.MaxContextMessages,
		Temperature:        cfg.LLM.Temperature,
		TopP:               cfg.LLM.TopP,
		MaxTokens:          cfg.LLM.MaxTokens,
	}, logger), nil
}

// ── Terminal I/O ──────────────────────────────────────────────────────────────

// consumeEvents renders pipeline events until the channel closes. Answer
// tokens stream to stdout as they arrive.
func consumeEvents(p *pipeline.Pipeline) {
	for ev := range p.Events() {
		switch ev.Type {
		case pipeline.EventTranscript:
			slog.Info("transcript", "text", ev.Text, "language", ev.Language)
		case pipeline.EventQuestion:
			fmt.Printf("\nQ: %s\n", ev.Text)
		case pipeline.EventAnswerToken:
			fmt.Print(ev.Text)
		case pipeline.EventAnswerDone:
			fmt.Println()
		case pipeline.EventError:
			slog.Warn("pipeline error", "err", ev.Err)
		}
	}
}

// readCommands turns stdin lines into pipeline operations. A plain line is a
// manual question; slash commands control the session.
func readCommands(p *pipeline.Pipeline) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case line == "/stop":
			p.StopGeneration()
		case line == "/clear":
			p.ClearContext()
			fmt.Println("context cleared")
		case line == "/start":
			if err := p.StartCapture(context.Background()); err != nil {
				fmt.Fprintf(os.Stderr, "start: %v\n", err)
			}
		case line == "/pause":
			if err := p.StopCapture(); err != nil {
				fmt.Fprintf(os.Stderr, "pause: %v\n", err)
			}
		case line == "/grab" || strings.HasPrefix(line, "/grab "):
			secs := 15
			if rest := strings.TrimSpace(strings.TrimPrefix(line, "/grab")); rest != "" {
				if n, err := strconv.Atoi(rest); err == nil && n > 0 {
					secs = n
				}
			}
			text, err := p.TranscribeLast(context.Background(), time.Duration(secs)*time.Second)
			switch {
			case errors.Is(err, pipeline.ErrNoSpeech):
				fmt.Println("no speech in the requested window")
			case err != nil:
				fmt.Fprintf(os.Stderr, "grab: %v\n", err)
			case text != "":
				fmt.Printf("heard: %s\n", text)
			}
		case strings.HasPrefix(line, "/mode "):
			mode := config.Mode(strings.TrimSpace(strings.TrimPrefix(line, "/mode ")))
			if err := p.SetMode(mode); err != nil {
				fmt.Fprintf(os.Stderr, "mode: %v\n", err)
			} else {
				fmt.Printf("mode set to %s, use /start to resume listening\n", mode)
			}
		case strings.HasPrefix(line, "/"):
			fmt.Fprintln(os.Stderr, "commands: /start /pause /grab [seconds] /stop /clear /mode <manual|listening|auto>")
		default:
			if err := p.Ask(line); err != nil {
				fmt.Fprintf(os.Stderr, "ask: %v\n", err)
			}
		}
	}
}

// ── Metrics server ────────────────────────────────────────────────────────────

func buildHealthChecks(cfg *config.Config) []health.Checker {
	var checks []health.Checker
	if cfg.STT.ModelPath != "" {
		checks = append(checks, health.FileChecker("stt_model", cfg.STT.ModelPath))
	}
	checks = append(checks, health.Checker{
		Name: "pulse",
		Check: func(context.Context) error {
			_, err := pulse.ListSources()
			return err
		},
	})
	return checks
}

func newMetricsServer(addr string, checks ...health.Checker) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	health.New(checks...).Register(mux)
	return &http.Server{Addr: addr, Handler: mux}
}

// ── Source listing ────────────────────────────────────────────────────────────

func printSources() int {
	sources, err := pulse.ListSources()
	if err != nil {
		fmt.Fprintf(os.Stderr, "sufler: %v\n", err)
		return 1
	}
	for _, s := range sources {
		marks := ""
		if s.Default {
			marks += " [default]"
		}
		if s.Monitor {
			marks += " [monitor]"
		}
		if !s.Available {
			marks += " [unavailable]"
		}
		fmt.Printf("%-50s %s%s\n", s.ID, s.Description, marks)
	}
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔════════════════════════════════════════════╗")
	fmt.Println("║            sufler — meeting copilot        ║")
	fmt.Println("╠════════════════════════════════════════════╣")
	printRow("Mode", string(cfg.Pipeline.Mode))
	printRow("Source", string(cfg.Audio.Source))
	printRow("STT", cfg.STT.Backend+" / "+shorten(cfg.STT.ModelPath))
	if cfg.LLM.Model != "" {
		printRow("LLM", cfg.LLM.Backend+" / "+cfg.LLM.Model)
	} else {
		printRow("LLM", "(not configured)")
	}
	printRow("Metrics", cfg.Server.MetricsAddr)
	fmt.Println("╚════════════════════════════════════════════╝")
}

func printRow(key, value string) {
	if len(value) > 31 {
		value = "…" + value[len(value)-30:]
	}
	fmt.Printf("║  %-8s : %-31s ║\n", key, value)
}

func shorten(path string) string {
	if path == "" {
		return "(no model)"
	}
	return path
}

// ── Logger ────────────────────────────────────────────────────────────────────

func newLogger(json bool, level slog.Leveler) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if json {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
