// Package resilience protects the inference backends from cascading failures.
//
// Transcription and generation both call out to model runtimes that can fail
// repeatedly (model file gone, backend process crashed, API unreachable).
// [Breaker] is a classic three-state circuit breaker (closed → open →
// half-open) that stops hammering a failing backend and probes it again after
// a cooldown. [Failover] composes several providers of the same kind behind
// per-entry breakers so a broken primary is bypassed in favour of a healthy
// fallback.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrBreakerOpen is returned by [Breaker.Execute] when the breaker is open
// and the cooldown has not yet elapsed.
var ErrBreakerOpen = errors.New("resilience: breaker is open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards all calls.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrBreakerOpen] until the cooldown elapses.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through. Probes that
	// succeed close the breaker; any probe failure re-opens it.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds tuning knobs for a [Breaker].
type BreakerConfig struct {
	// Name labels the breaker in log messages, e.g. "stt" or "llm".
	Name string

	// FailureThreshold is the number of consecutive failures in the closed
	// state before the breaker opens. Default: 3.
	FailureThreshold int

	// Cooldown is how long the breaker stays open before allowing probes.
	// Default: 30s.
	Cooldown time.Duration

	// ProbeMax is the number of half-open probe calls allowed before the
	// breaker decides whether to close or re-open. Default: 2.
	ProbeMax int
}

// Breaker implements the three-state circuit breaker pattern.
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration
	probeMax  int

	mu         sync.Mutex
	state      State
	failures   int
	lastFail   time.Time
	probes     int
	probeFails int
}

// NewBreaker creates a [Breaker]. Zero-value config fields get defaults.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.ProbeMax <= 0 {
		cfg.ProbeMax = 2
	}
	return &Breaker{
		name:      cfg.Name,
		threshold: cfg.FailureThreshold,
		cooldown:  cfg.Cooldown,
		probeMax:  cfg.ProbeMax,
		state:     StateClosed,
	}
}

// Execute runs fn if the breaker allows it. In the open state it returns
// [ErrBreakerOpen] without calling fn. In the half-open state only ProbeMax
// calls are let through.
func (b *Breaker) Execute(fn func() error) error {
	b.mu.Lock()
	switch b.state {
	case StateOpen:
		if time.Since(b.lastFail) < b.cooldown {
			b.mu.Unlock()
			return ErrBreakerOpen
		}
		b.state = StateHalfOpen
		b.probes = 0
		b.probeFails = 0
		slog.Info("breaker half-open, probing backend", "name", b.name)

	case StateHalfOpen:
		if b.probes >= b.probeMax {
			b.mu.Unlock()
			return ErrBreakerOpen
		}
	}

	probe := b.state == StateHalfOpen
	if probe {
		b.probes++
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	b.settle(err, probe)
	b.mu.Unlock()
	return err
}

// settle updates breaker state after a call. Must be called with b.mu held.
func (b *Breaker) settle(err error, probe bool) {
	if err != nil {
		b.lastFail = time.Now()
		if probe {
			// Any probe failure re-opens immediately.
			b.probeFails++
			b.state = StateOpen
			b.failures = b.threshold
			slog.Warn("breaker re-opened after failed probe", "name", b.name)
			return
		}
		b.failures++
		if b.failures >= b.threshold {
			b.state = StateOpen
			slog.Warn("breaker opened",
				"name", b.name,
				"consecutive_failures", b.failures)
		}
		return
	}

	if probe {
		if b.probes-b.probeFails >= b.probeMax {
			b.state = StateClosed
			b.failures = 0
			b.probes = 0
			b.probeFails = 0
			slog.Info("breaker closed after successful probes", "name", b.name)
		}
		return
	}
	b.failures = 0
}

// State returns the current state. An open breaker whose cooldown has elapsed
// reports [StateHalfOpen]; the actual transition happens on the next Execute.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && time.Since(b.lastFail) >= b.cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker back to closed and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.probes = 0
	b.probeFails = 0
	slog.Info("breaker manually reset", "name", b.name)
}
