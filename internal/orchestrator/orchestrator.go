// Package orchestrator drives bounded enrichment runs: it selects
// entities lacking data for a capability, pushes them through the
// resilience-wrapped source chain, normalizes results, and persists
// enrichment records through the entity resolver.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/autorev/paddock/internal/config"
	"github.com/autorev/paddock/internal/resilience"
	"github.com/autorev/paddock/internal/resolver"
	"github.com/autorev/paddock/internal/source"
	"github.com/autorev/paddock/internal/storage"
	"github.com/autorev/paddock/pkg/types"
)

// Orchestrator runs batch enrichment for configured capabilities. It is a
// batch job, not a long-lived service: callers invoke Run per capability
// (from cron, the CLI, or the paddockd trigger endpoint).
type Orchestrator struct {
	store    storage.Store
	resolver *resolver.Resolver
	chains   map[types.Capability]*resilience.Chain
	cfg      config.OrchestratorConfig
}

// RunRequest describes one enrichment run.
type RunRequest struct {
	Capability   types.Capability
	EntityFilter string // Optional slug prefix; empty means all entities
	BatchSize    int    // 0 uses the configured default
}

// New builds an Orchestrator with one chain per configured capability.
func New(store storage.Store, res *resolver.Resolver, registry *resilience.HealthRegistry, sf *config.SourcesFile, cfg config.OrchestratorConfig) (*Orchestrator, error) {
	chains := make(map[types.Capability]*resilience.Chain, len(sf.Chains))
	for capability := range sf.Chains {
		chain, err := resilience.NewChain(capability, sf, registry, store)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: failed to build chain for %s: %w", capability, err)
		}
		chains[capability] = chain
	}

	return &Orchestrator{
		store:    store,
		resolver: res,
		chains:   chains,
		cfg:      cfg,
	}, nil
}

// Run executes one bounded enrichment run and returns its summary.
// A single entity's failure never aborts the batch. Cancellation is
// honored between entities: in-flight fetches finish, queued entities
// are left pending for the next run.
func (o *Orchestrator) Run(ctx context.Context, req RunRequest) (*types.RunSummary, error) {
	if !types.IsValidCapability(req.Capability) {
		return nil, fmt.Errorf("orchestrator: unknown capability %q", req.Capability)
	}
	chain, ok := o.chains[req.Capability]
	if !ok {
		return nil, fmt.Errorf("orchestrator: no chain configured for %s", req.Capability)
	}

	batchSize := req.BatchSize
	if batchSize <= 0 {
		batchSize = o.cfg.DefaultBatchSize
	}

	start := time.Now()
	staleBefore := start.Add(-o.cfg.StalenessWindow)

	items, err := o.store.PendingItems(ctx, req.Capability, staleBefore, batchSize)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: failed to select pending items: %w", err)
	}
	items = filterBySlugPrefix(items, req.EntityFilter)

	log.Printf("orchestrator: starting %s run, %d pending entities", req.Capability, len(items))

	summary := &types.RunSummary{Capability: req.Capability}
	var mu sync.Mutex

	workers := o.cfg.SourceWorkers
	if workers <= 0 {
		workers = 1
	}

	queue := make(chan types.RunItem)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for item := range queue {
				o.processItem(ctx, workerID, chain, req.Capability, item, summary, &mu)
			}
		}(i)
	}

feed:
	for _, item := range items {
		// Graceful cancellation between entities, never mid-fetch.
		select {
		case <-ctx.Done():
			log.Printf("orchestrator: %s run cancelled, remaining entities stay pending", req.Capability)
			break feed
		case queue <- item:
		}
	}
	close(queue)
	wg.Wait()

	summary.DurationMs = time.Since(start).Milliseconds()
	log.Printf("orchestrator: %s run finished: %d succeeded, %d manual, %d circuit-skipped, %d failed in %dms",
		req.Capability, summary.Succeeded, summary.ManualResearchQueued, summary.CircuitSkipped,
		summary.Failed, summary.DurationMs)

	return summary, nil
}

// processItem drives one entity through the chain and persists the
// terminal state. All failures are contained here.
func (o *Orchestrator) processItem(ctx context.Context, workerID int, chain *resilience.Chain, capability types.Capability, item types.RunItem, summary *types.RunSummary, mu *sync.Mutex) {
	if ctx.Err() != nil {
		return
	}

	if err := o.store.SetRunItemState(ctx, item.EntityID, capability, types.RunFetching); err != nil {
		log.Printf("orchestrator: worker %d failed to mark %s fetching: %v", workerID, item.Slug, err)
	}

	key := source.QueryKey{Slug: item.Slug, Capability: capability}
	outcome, err := chain.Execute(ctx, item.EntityID, key)
	if err != nil {
		// Only context cancellation escapes the chain; the entity stays
		// in its pre-terminal state for the next run.
		log.Printf("orchestrator: worker %d stopped during %s: %v", workerID, item.Slug, err)
		return
	}

	switch {
	case outcome.Data != nil:
		o.persistSuccess(ctx, workerID, capability, item, outcome, summary, mu)

	case outcome.ManualResearch:
		o.queueManualResearch(ctx, workerID, capability, item)
		mu.Lock()
		summary.ManualResearchQueued++
		mu.Unlock()

	case outcome.CircuitSkipped:
		if err := o.store.SetRunItemState(ctx, item.EntityID, capability, types.RunSkippedCircuitOpen); err != nil {
			log.Printf("orchestrator: worker %d failed to mark %s circuit-skipped: %v", workerID, item.Slug, err)
		}
		mu.Lock()
		summary.CircuitSkipped++
		mu.Unlock()
	}
}

// persistSuccess normalizes the payload, resolves the entity reference,
// and stores the enrichment record with supersede semantics.
func (o *Orchestrator) persistSuccess(ctx context.Context, workerID int, capability types.Capability, item types.RunItem, outcome *resilience.Outcome, summary *types.RunSummary, mu *sync.Mutex) {
	fail := func(format string, args ...any) {
		log.Printf(format, args...)
		mu.Lock()
		summary.Failed++
		mu.Unlock()
	}

	payload, err := normalize(capability, outcome.Data)
	if err != nil {
		fail("orchestrator: worker %d dropping %s result from %s: %v", workerID, item.Slug, outcome.SourceName, err)
		return
	}

	// Resolve the reference rather than trusting item.EntityID blindly:
	// alias-registered slugs must land on the same canonical record.
	entityID, err := o.resolver.Resolve(ctx, item.Slug)
	if err != nil {
		var ambiguous *resolver.AmbiguousEntityError
		if errors.As(err, &ambiguous) {
			fail("orchestrator: worker %d skipping %s: %v", workerID, item.Slug, ambiguous)
			return
		}
		fail("orchestrator: worker %d failed to resolve %s: %v", workerID, item.Slug, err)
		return
	}

	rec := &types.EnrichmentRecord{
		EntityID:   entityID,
		Source:     outcome.SourceName,
		Capability: capability,
		Payload:    payload,
		SampleSize: outcome.Data.SampleSize,
		FetchedAt:  outcome.FetchedAt,
	}

	if err := o.store.StoreRecord(ctx, rec); err != nil {
		fail("orchestrator: worker %d failed to store record for %s: %v", workerID, item.Slug, err)
		return
	}

	if err := o.store.SetRunItemState(ctx, entityID, capability, types.RunResolved); err != nil {
		log.Printf("orchestrator: worker %d failed to mark %s resolved: %v", workerID, item.Slug, err)
	}

	mu.Lock()
	summary.Succeeded++
	mu.Unlock()

	log.Printf("orchestrator: worker %d enriched %s/%s from %s (%d samples)",
		workerID, item.Slug, capability, outcome.SourceName, rec.SampleSize)
}

// queueManualResearch persists the manual-research sentinel state. It is
// a legitimate terminal outcome, not a failure.
func (o *Orchestrator) queueManualResearch(ctx context.Context, workerID int, capability types.Capability, item types.RunItem) {
	entry := types.ManualResearchItem{
		EntityID:   item.EntityID,
		Slug:       item.Slug,
		Capability: capability,
		QueuedAt:   time.Now().UTC(),
	}
	if err := o.store.EnqueueManualResearch(ctx, entry); err != nil {
		log.Printf("orchestrator: worker %d failed to queue manual research for %s: %v", workerID, item.Slug, err)
	}
	if err := o.store.SetRunItemState(ctx, item.EntityID, capability, types.RunNeedsManualResearch); err != nil {
		log.Printf("orchestrator: worker %d failed to mark %s manual: %v", workerID, item.Slug, err)
	}
	log.Printf("orchestrator: worker %d queued %s/%s for manual research", workerID, item.Slug, capability)
}

// filterBySlugPrefix keeps items whose slug starts with the filter.
func filterBySlugPrefix(items []types.RunItem, prefix string) []types.RunItem {
	if prefix == "" {
		return items
	}
	filtered := items[:0]
	for _, item := range items {
		if strings.HasPrefix(item.Slug, prefix) {
			filtered = append(filtered, item)
		}
	}
	return filtered
}
