// Package resilience wraps source adapters with rate limiting, bounded
// retry, fallback chaining, and per-source circuit breaking.
package resilience

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/autorev/paddock/internal/config"
	"github.com/autorev/paddock/internal/metrics"
)

// sourceHealth is the shared mutable state for one source: its limiter
// and circuit breaker. Both are safe for concurrent use, so overlapping
// orchestrator runs share one health record per source and can never
// exceed the configured rate between them.
type sourceHealth struct {
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

// HealthRegistry holds per-source health state. It is an explicit,
// injected service rather than package-level globals so tests can swap it
// and a multi-process deployment can replace it with a distributed
// implementation.
type HealthRegistry struct {
	mu      sync.Mutex
	sources map[string]*sourceHealth
	breaker config.BreakerConfig
}

// NewHealthRegistry creates a registry with the given breaker settings.
func NewHealthRegistry(breaker config.BreakerConfig) *HealthRegistry {
	return &HealthRegistry{
		sources: make(map[string]*sourceHealth),
		breaker: breaker,
	}
}

// health returns (lazily creating) the health record for a source.
func (r *HealthRegistry) health(cfg config.SourceConfig) *sourceHealth {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.sources[cfg.Name]; ok {
		return h
	}

	interval := cfg.MinInterval
	if interval <= 0 {
		interval = time.Second
	}

	maxFailures := r.breaker.MaxFailures
	h := &sourceHealth{
		// Burst 1: the minimum inter-request interval is a hard floor, not
		// an average. Every request waits its full turn.
		limiter: rate.NewLimiter(rate.Every(interval), 1),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        cfg.Name,
			MaxRequests: 1,
			Interval:    0, // Don't clear counts periodically
			Timeout:     r.breaker.Cooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= maxFailures
			},
			OnStateChange: func(name string, _, to gobreaker.State) {
				log.Printf("resilience: circuit for %s is now %s", name, to)
				metrics.CircuitTransition(name, to.String())
			},
		}),
	}
	r.sources[cfg.Name] = h
	return h
}

// Wait blocks until the source's minimum inter-request interval allows
// another request, or the context is cancelled.
func (r *HealthRegistry) Wait(ctx context.Context, cfg config.SourceConfig) error {
	if err := r.health(cfg).limiter.Wait(ctx); err != nil {
		return fmt.Errorf("resilience: rate wait for %s: %w", cfg.Name, err)
	}
	return nil
}

// CircuitOpen reports whether the source's circuit breaker currently
// rejects requests.
func (r *HealthRegistry) CircuitOpen(cfg config.SourceConfig) bool {
	return r.health(cfg).breaker.State() == gobreaker.StateOpen
}

// BreakerState returns the breaker state string for a source: "closed",
// "open", or "half-open".
func (r *HealthRegistry) BreakerState(cfg config.SourceConfig) string {
	switch r.health(cfg).breaker.State() {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}
