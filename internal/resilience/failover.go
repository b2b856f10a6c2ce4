package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllBackendsFailed is returned when every entry in a [Failover] chain
// failed or had an open breaker.
var ErrAllBackendsFailed = errors.New("resilience: all backends failed")

// FailoverConfig configures the per-entry breaker created for each backend
// in a [Failover] chain.
type FailoverConfig struct {
	Breaker BreakerConfig
}

// failoverEntry pairs a backend value with its dedicated breaker.
type failoverEntry[T any] struct {
	name    string
	value   T
	breaker *Breaker
}

// Failover wraps a primary and zero or more fallback backends of the same
// provider type. When the primary fails or its breaker is open, the next
// healthy backend is tried in registration order.
//
// Entries must be registered before the chain is used; Add is not safe to
// call concurrently with Execute.
type Failover[T any] struct {
	entries []failoverEntry[T]
	cfg     FailoverConfig
}

// NewFailover creates a chain with primary as the first entry.
func NewFailover[T any](primary T, primaryName string, cfg FailoverConfig) *Failover[T] {
	f := &Failover[T]{cfg: cfg}
	f.Add(primaryName, primary)
	return f
}

// Add appends a fallback backend. Backends are tried in registration order.
func (f *Failover[T]) Add(name string, backend T) {
	bCfg := f.cfg.Breaker
	bCfg.Name = name
	f.entries = append(f.entries, failoverEntry[T]{
		name:    name,
		value:   backend,
		breaker: NewBreaker(bCfg),
	})
}

// Execute tries fn against each backend in order until one succeeds.
// Open-breaker entries are skipped. Returns [ErrAllBackendsFailed] wrapped
// with the last error when every entry fails.
func (f *Failover[T]) Execute(fn func(T) error) error {
	var lastErr error
	for i := range f.entries {
		entry := &f.entries[i]
		err := entry.breaker.Execute(func() error {
			return fn(entry.value)
		})
		if err == nil {
			return nil
		}
		lastErr = err
		logBackendFailure(entry.name, err)
	}
	// Both sentinels are wrapped so errors.Is still matches the backend's
	// own error, e.g. a model-not-loaded condition.
	return fmt.Errorf("%w: %w", ErrAllBackendsFailed, lastErr)
}

// Try runs fn against each backend in the chain until one succeeds, returning
// the result. Package-level because Go does not support method-level type
// parameters.
func Try[T any, R any](f *Failover[T], fn func(T) (R, error)) (R, error) {
	var (
		lastErr error
		zero    R
	)
	for i := range f.entries {
		entry := &f.entries[i]
		var result R
		err := entry.breaker.Execute(func() error {
			var innerErr error
			result, innerErr = fn(entry.value)
			return innerErr
		})
		if err == nil {
			return result, nil
		}
		lastErr = err
		logBackendFailure(entry.name, err)
	}
	return zero, fmt.Errorf("%w: %w", ErrAllBackendsFailed, lastErr)
}

func logBackendFailure(name string, err error) {
	if errors.Is(err, ErrBreakerOpen) {
		slog.Debug("skipping backend, breaker open", "backend", name)
		return
	}
	slog.Warn("backend failed, trying next", "backend", name, "error", err)
}
