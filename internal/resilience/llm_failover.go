package resilience

import (
	"context"

	"github.com/mkorzh/sufler/pkg/provider/llm"
)

// LLMFailover implements [llm.Provider] with automatic failover across
// multiple generation backends, e.g. a local llama.cpp server as primary and
// a cloud API as fallback. Each backend has its own breaker.
type LLMFailover struct {
	chain *Failover[llm.Provider]
}

var _ llm.Provider = (*LLMFailover)(nil)

// NewLLMFailover creates an [LLMFailover] with primary as the preferred backend.
func NewLLMFailover(primary llm.Provider, primaryName string, cfg FailoverConfig) *LLMFailover {
	return &LLMFailover{chain: NewFailover(primary, primaryName, cfg)}
}

// AddFallback registers an additional generation backend.
func (f *LLMFailover) AddFallback(name string, provider llm.Provider) {
	f.chain.Add(name, provider)
}

// StreamCompletion opens a token stream against the first healthy backend.
// Only the initial connection attempt participates in failover; once a stream
// is established, mid-stream errors are the caller's responsibility.
func (f *LLMFailover) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return Try(f.chain, func(p llm.Provider) (<-chan llm.Chunk, error) {
		return p.StreamCompletion(ctx, req)
	})
}

// Complete sends the request to the first healthy backend.
func (f *LLMFailover) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return Try(f.chain, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// CountTokens always uses the primary backend. Token counting is local
// arithmetic on every provider, so failover would only mask a programming
// error.
func (f *LLMFailover) CountTokens(messages []llm.Message) (int, error) {
	return f.chain.entries[0].value.CountTokens(messages)
}

// Capabilities returns the primary backend's capabilities. Static metadata
// does not participate in failover.
func (f *LLMFailover) Capabilities() llm.ModelCapabilities {
	return f.chain.entries[0].value.Capabilities()
}
