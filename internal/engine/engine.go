// Package engine implements the answer generation engine.
//
// An Engine owns one LLM conversation: it keeps a bounded history of
// user/assistant turns, builds the completion request for each new question,
// and streams the answer token by token through a caller-supplied callback.
//
// At most one generation runs at a time per Engine. A concurrent
// [Engine.Generate] call blocks until the in-flight one finishes; callers
// that need responsiveness should call [Engine.Stop] first. Engines are
// plain values constructed with [New]; create one per conversation, or
// several in tests.
//
// This package lives under internal/ because it encapsulates application-private
// processing logic and is not intended to be imported by external code.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mkorzh/sufler/pkg/provider/llm"
)

const (
	// defaultMaxContextMessages bounds the conversation history. Oldest
	// turns are dropped first.
	defaultMaxContextMessages = 10

	defaultTemperature = 0.4
	defaultTopP        = 0.85
	defaultMaxTokens   = 150
)

// ErrContextOverflow is returned by [Engine.Generate] when the prompt plus
// the reserved output budget would not fit in the model's context window.
// Callers should clear the history and retry.
var ErrContextOverflow = errors.New("engine: conversation context exceeds model window")

// Config holds generation parameters for an Engine. Zero values are
// replaced with defaults by [New].
type Config struct {
	// SystemPrompt is sent as the first message of every completion request.
	SystemPrompt string

	// MaxContextMessages bounds the retained user/assistant history.
	MaxContextMessages int

	// Temperature, TopP and MaxTokens are passed through to the LLM backend.
	Temperature float64
	TopP        float64
	MaxTokens   int
}

// Stats describes the most recent completed generation.
type Stats struct {
	// TokensPerSecond is the streamed token rate over the whole generation.
	TokensPerSecond float64

	// TimeToFirstToken is the latency until the first token arrived.
	TimeToFirstToken time.Duration

	// TotalTime is the wall-clock duration of the generation.
	TotalTime time.Duration

	// TotalTokens is the number of token chunks received.
	TotalTokens int
}

// Engine generates answers with a bounded conversation history.
type Engine struct {
	provider llm.Provider
	cfg      Config
	logger   *slog.Logger

	// genMu serialises generations. It is held for the full duration of one
	// generation and no other lock is acquired while holding it except ctxMu
	// for short append/snapshot sections.
	genMu sync.Mutex

	// ctxMu guards history.
	ctxMu   sync.Mutex
	history []llm.Message

	stopFlag atomic.Bool

	statsMu   sync.Mutex
	lastStats Stats
}

// New constructs an Engine backed by provider. A nil logger falls back to
// [slog.Default].
func New(provider llm.Provider, cfg Config, logger *slog.Logger) *Engine {
	if cfg.MaxContextMessages <= 0 {
		cfg.MaxContextMessages = defaultMaxContextMessages
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = defaultTemperature
	}
	if cfg.TopP == 0 {
		cfg.TopP = defaultTopP
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{provider: provider, cfg: cfg, logger: logger}
}

// Generate streams an answer to question, invoking onToken for every token
// chunk as it arrives, and returns the full answer text.
//
// On success (including a cooperative [Engine.Stop]) the question and the
// answer, possibly partial after a stop, are appended to the history.
// On error or context cancellation the history is left untouched and the
// accumulated partial text is returned alongside the error.
//
// Generate blocks if another generation is in flight.
func (e *Engine) Generate(ctx context.Context, question string, onToken func(token string)) (string, error) {
	e.genMu.Lock()
	defer e.genMu.Unlock()

	e.stopFlag.Store(false)

	messages := e.snapshotHistory()
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: question})

	if err := e.checkContextBudget(messages); err != nil {
		return "", err
	}

	req := llm.CompletionRequest{
		Messages:     messages,
		SystemPrompt: e.cfg.SystemPrompt,
		Temperature:  e.cfg.Temperature,
		TopP:         e.cfg.TopP,
		MaxTokens:    e.cfg.MaxTokens,
	}

	ch, err := e.provider.StreamCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("engine: start generation: %w", err)
	}

	start := time.Now()
	var (
		firstToken time.Duration
		tokens     int
		buf        strings.Builder
		stopped    bool
	)

stream:
	for {
		select {
		case <-ctx.Done():
			go drainChunks(ch)
			return buf.String(), fmt.Errorf("engine: generation cancelled: %w", ctx.Err())
		case chunk, ok := <-ch:
			if !ok {
				break stream
			}
			if chunk.FinishReason == "error" {
				go drainChunks(ch)
				return buf.String(), fmt.Errorf("engine: generation failed: %s", chunk.Text)
			}
			if chunk.Text != "" {
				if tokens == 0 {
					firstToken = time.Since(start)
				}
				tokens++
				buf.WriteString(chunk.Text)
				if onToken != nil {
					onToken(chunk.Text)
				}
			}
			if chunk.FinishReason != "" {
				go drainChunks(ch)
				break stream
			}
			// Stop is checked between chunks, so latency is bounded by one
			// token's emission time.
			if e.stopFlag.Load() {
				e.logger.Info("generation stopped by user", "tokens", tokens)
				stopped = true
				go drainChunks(ch)
				break stream
			}
		}
	}

	total := time.Since(start)
	e.recordStats(tokens, firstToken, total)

	answer := strings.TrimSpace(buf.String())
	e.appendTurn(question, answer)

	e.logger.Info("generation completed",
		"tokens", tokens,
		"duration", total,
		"stopped", stopped,
	)
	return answer, nil
}

// Stop requests cooperative cancellation of the in-flight generation. The
// generation finishes after at most one more token; the partial answer is
// kept and recorded in the history. Stop is a no-op when nothing is running.
func (e *Engine) Stop() {
	e.stopFlag.Store(true)
}

// SetConfig replaces the generation parameters. Zero values are replaced
// with defaults as in [New]. SetConfig blocks while a generation is in
// flight; the running generation finishes with the old parameters.
func (e *Engine) SetConfig(cfg Config) {
	if cfg.MaxContextMessages <= 0 {
		cfg.MaxContextMessages = defaultMaxContextMessages
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = defaultTemperature
	}
	if cfg.TopP == 0 {
		cfg.TopP = defaultTopP
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	e.genMu.Lock()
	defer e.genMu.Unlock()
	e.cfg = cfg
}

// ClearContext drops the whole conversation history.
func (e *Engine) ClearContext() {
	e.ctxMu.Lock()
	defer e.ctxMu.Unlock()
	e.history = nil
	e.logger.Info("conversation context cleared")
}

// ContextSize returns the number of messages currently retained.
func (e *Engine) ContextSize() int {
	e.ctxMu.Lock()
	defer e.ctxMu.Unlock()
	return len(e.history)
}

// LastStats returns performance numbers for the most recently completed
// generation.
func (e *Engine) LastStats() Stats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.lastStats
}

// snapshotHistory returns a copy of the history safe to extend.
func (e *Engine) snapshotHistory() []llm.Message {
	e.ctxMu.Lock()
	defer e.ctxMu.Unlock()
	msgs := make([]llm.Message, len(e.history), len(e.history)+1)
	copy(msgs, e.history)
	return msgs
}

// appendTurn records one question/answer pair and trims the history to
// MaxContextMessages, dropping the oldest messages first.
func (e *Engine) appendTurn(question, answer string) {
	e.ctxMu.Lock()
	defer e.ctxMu.Unlock()
	e.history = append(e.history,
		llm.Message{Role: llm.RoleUser, Content: question},
		llm.Message{Role: llm.RoleAssistant, Content: answer},
	)
	if over := len(e.history) - e.cfg.MaxContextMessages; over > 0 {
		e.logger.Debug("history trimmed", "dropped", over)
		e.history = append([]llm.Message(nil), e.history[over:]...)
	}
}

// checkContextBudget verifies that messages plus the reserved output budget
// fit the model's context window. Models reporting an unknown (zero) window
// skip the check.
func (e *Engine) checkContextBudget(messages []llm.Message) error {
	caps := e.provider.Capabilities()
	if caps.ContextWindow <= 0 {
		return nil
	}

	counted := make([]llm.Message, 0, len(messages)+1)
	if e.cfg.SystemPrompt != "" {
		counted = append(counted, llm.Message{Role: llm.RoleSystem, Content: e.cfg.SystemPrompt})
	}
	counted = append(counted, messages...)

	tokens, err := e.provider.CountTokens(counted)
	if err != nil {
		return fmt.Errorf("engine: count tokens: %w", err)
	}
	if tokens > caps.ContextWindow-e.cfg.MaxTokens {
		e.logger.Error("context overflow",
			"prompt_tokens", tokens,
			"context_window", caps.ContextWindow,
		)
		return fmt.Errorf("%w: %d prompt tokens, window %d, output budget %d",
			ErrContextOverflow, tokens, caps.ContextWindow, e.cfg.MaxTokens)
	}
	return nil
}

// recordStats stores timing numbers for the generation that just finished.
func (e *Engine) recordStats(tokens int, firstToken, total time.Duration) {
	stats := Stats{
		TimeToFirstToken: firstToken,
		TotalTime:        total,
		TotalTokens:      tokens,
	}
	if total > 0 {
		stats.TokensPerSecond = float64(tokens) / total.Seconds()
	}
	e.statsMu.Lock()
	e.lastStats = stats
	e.statsMu.Unlock()
}

// drainChunks discards remaining chunks so the provider's streaming
// goroutine can exit.
func drainChunks(ch <-chan llm.Chunk) {
	for range ch {
	}
}
