package resilience

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/autorev/paddock/internal/config"
	"github.com/autorev/paddock/internal/metrics"
	"github.com/autorev/paddock/internal/source"
	"github.com/autorev/paddock/internal/storage"
	"github.com/autorev/paddock/pkg/types"
)

// chainState is the explicit state machine for one chain execution:
// Pending -> Trying(step) -> {Success, NextAdapter, Exhausted}. Modeling
// the transitions directly (instead of nested error handling) keeps the
// exhaustion and circuit-breaker interaction testable in isolation.
type chainState int

const (
	statePending chainState = iota
	stateTrying
	stateNextAdapter
	stateSuccess
	stateExhausted
)

const (
	defaultMaxAttempts = 3
	defaultBaseBackoff = time.Second
)

// chainStep pairs an adapter with its source config.
type chainStep struct {
	adapter source.Adapter
	cfg     config.SourceConfig
}

// Outcome is the terminal result of one chain execution. Exactly one of
// Data, ManualResearch, or CircuitSkipped describes the result.
type Outcome struct {
	Data       *source.RawResult
	SourceName string
	FetchedAt  time.Time

	// ManualResearch is set when every automated source genuinely failed
	// or had no data. A first-class terminal state, not an error.
	ManualResearch bool

	// CircuitSkipped is set when at least one automated source was skipped
	// because its circuit was open: the entity isn't exhausted, a disabled
	// source may recover after cooldown, so it stays retryable.
	CircuitSkipped bool
}

// Chain tries an ordered list of source adapters for one capability until
// one returns data or the list is exhausted. All SourceQueryState mutation
// happens here.
type Chain struct {
	capability  types.Capability
	steps       []chainStep
	registry    *HealthRegistry
	states      storage.SourceStateStore
	maxAttempts int
	baseBackoff time.Duration
}

// NewChain builds the fallback chain for a capability from the configured
// source order.
func NewChain(capability types.Capability, sf *config.SourcesFile, registry *HealthRegistry, states storage.SourceStateStore) (*Chain, error) {
	names := sf.Chains[capability]

	steps := make([]chainStep, 0, len(names))
	for _, name := range names {
		cfg, ok := sf.Source(name)
		if !ok {
			// Validated at config load; repeated here for direct construction.
			continue
		}
		adapter, err := source.Build(cfg)
		if err != nil {
			return nil, err
		}
		steps = append(steps, chainStep{adapter: adapter, cfg: cfg})
	}

	return &Chain{
		capability:  capability,
		steps:       steps,
		registry:    registry,
		states:      states,
		maxAttempts: defaultMaxAttempts,
		baseBackoff: defaultBaseBackoff,
	}, nil
}

// Execute runs the chain for one entity. It returns an error only on
// context cancellation; every source-level failure is absorbed into the
// chain's terminal Outcome.
func (c *Chain) Execute(ctx context.Context, entityID uuid.UUID, key source.QueryKey) (*Outcome, error) {
	state := statePending
	idx := 0
	circuitSkips := 0

	for {
		switch state {
		case statePending:
			state = stateTrying

		case stateTrying:
			if idx >= len(c.steps) {
				state = stateExhausted
				continue
			}

			step := c.steps[idx]

			if step.cfg.Kind == config.KindManual {
				// The sentinel: everything before it was tried.
				state = stateExhausted
				continue
			}

			if c.registry.CircuitOpen(step.cfg) {
				log.Printf("resilience: skipping %s for %s (circuit open)", step.cfg.Name, key.Slug)
				metrics.FetchOutcome(step.cfg.Name, "circuit_open")
				circuitSkips++
				state = stateNextAdapter
				continue
			}

			outcome, err := c.tryStep(ctx, step, entityID, key)
			if err != nil {
				return nil, err // Context cancelled mid-step
			}
			if outcome != nil {
				return outcome, nil
			}
			state = stateNextAdapter

		case stateNextAdapter:
			idx++
			state = stateTrying

		case stateExhausted:
			if circuitSkips > 0 {
				return &Outcome{CircuitSkipped: true}, nil
			}
			return &Outcome{ManualResearch: true}, nil
		}
	}
}

// tryStep attempts one adapter: rate-limit wait, then up to maxAttempts
// fetches with exponential backoff on transient failures. Returns a
// non-nil Outcome on success, nil to advance the chain, or an error only
// when the context is cancelled.
func (c *Chain) tryStep(ctx context.Context, step chainStep, entityID uuid.UUID, key source.QueryKey) (*Outcome, error) {
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err := c.registry.Wait(ctx, step.cfg); err != nil {
			return nil, err
		}

		raw, err := c.fetchOnce(ctx, step, key)
		if err == nil {
			now := time.Now().UTC()
			if serr := c.states.RecordSuccess(ctx, step.cfg.Name, entityID, now); serr != nil {
				log.Printf("resilience: failed to record success for %s: %v", step.cfg.Name, serr)
			}
			metrics.FetchOutcome(step.cfg.Name, "success")
			return &Outcome{Data: raw, SourceName: step.cfg.Name, FetchedAt: raw.FetchedAt}, nil
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			// Tripped between the open-check and the call; same as a skip.
			metrics.FetchOutcome(step.cfg.Name, "circuit_open")
			return nil, nil
		}

		kind := source.Classify(err)
		c.recordFailure(ctx, step.cfg.Name, entityID, kind)
		metrics.FetchOutcome(step.cfg.Name, string(kind))

		switch kind {
		case types.FailureBlocked:
			// Retrying a blocked request burns budget and raises detection
			// risk; advance the chain immediately.
			log.Printf("resilience: %s blocked for %s, falling back", step.cfg.Name, key.Slug)
			return nil, nil
		case types.FailureNotFound:
			log.Printf("resilience: %s has no data for %s", step.cfg.Name, key.Slug)
			return nil, nil
		}

		// Transient: back off and retry the same adapter.
		if attempt < c.maxAttempts {
			delay := c.baseBackoff << (attempt - 1)
			log.Printf("resilience: %s transient failure for %s (attempt %d/%d), retrying in %v: %v",
				step.cfg.Name, key.Slug, attempt, c.maxAttempts, delay, err)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		} else {
			log.Printf("resilience: %s exhausted %d attempts for %s: %v",
				step.cfg.Name, c.maxAttempts, key.Slug, err)
		}
	}

	return nil, nil
}

// notFoundResult carries a not-found fetch through the breaker without
// counting it as a failure: the source is healthy, it just has no data.
type notFoundResult struct{ err error }

// fetchOnce runs one adapter call through the source's circuit breaker
// with the per-source hard timeout attached.
func (c *Chain) fetchOnce(ctx context.Context, step chainStep, key source.QueryKey) (*source.RawResult, error) {
	callCtx := ctx
	if step.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, step.cfg.Timeout)
		defer cancel()
	}

	res, err := c.registry.health(step.cfg).breaker.Execute(func() (interface{}, error) {
		raw, ferr := step.adapter.Fetch(callCtx, key)
		if ferr != nil && source.Classify(ferr) == types.FailureNotFound {
			return notFoundResult{err: ferr}, nil
		}
		return raw, ferr
	})
	if err != nil {
		return nil, err
	}
	if nf, ok := res.(notFoundResult); ok {
		return nil, nf.err
	}
	return res.(*source.RawResult), nil
}

// recordFailure persists the classified failure; storage errors are logged
// but never interrupt the chain.
func (c *Chain) recordFailure(ctx context.Context, sourceName string, entityID uuid.UUID, kind types.FailureKind) {
	if err := c.states.RecordFailure(ctx, sourceName, entityID, kind, time.Now().UTC()); err != nil {
		log.Printf("resilience: failed to record %s failure for %s: %v", kind, sourceName, err)
	}
}
