// Package aggregator collapses high-volume client events (errors and
// conversation signals) into per-fingerprint aggregates, flushed on a
// schedule or pre-emptively when a bucket turns critical.
package aggregator

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/autorev/paddock/internal/config"
	"github.com/autorev/paddock/internal/metrics"
	"github.com/autorev/paddock/pkg/types"
)

// Notifier receives flushed aggregates. Implementations must not block
// for long; the aggregator calls them synchronously from the flush path.
type Notifier interface {
	NotifyAggregates(ctx context.Context, trigger string, aggs []types.AggregatedEvent)
}

// bucket accumulates one fingerprint's events between flushes.
type bucket struct {
	kind      types.EventKind
	count     int
	users     map[string]struct{}
	firstSeen time.Time
	lastSeen  time.Time
	breakdown map[string]map[string]int
	sample    string // One representative raw message for notifications

	// criticalSent marks that this bucket already produced a critical
	// notification in the current window, so the scheduled flush doesn't
	// re-announce the same users.
	criticalSent bool
}

// Aggregator ingests events and emits AggregatedEvents. Ingest is
// non-blocking from the caller's perspective and never returns an error:
// losing a telemetry event must never fail a user-facing request.
type Aggregator struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	cfg      config.AggregatorConfig
	notifier Notifier
	now      func() time.Time // Injected for tests
}

// New creates an Aggregator. notifier may not be nil.
func New(cfg config.AggregatorConfig, notifier Notifier) *Aggregator {
	return &Aggregator{
		buckets:  make(map[string]*bucket),
		cfg:      cfg,
		notifier: notifier,
		now:      time.Now,
	}
}

// Ingest folds one event into its fingerprint bucket. When the distinct
// user count for a bucket reaches the critical threshold, the bucket is
// flushed immediately instead of waiting for the scheduled flush.
func (a *Aggregator) Ingest(ctx context.Context, ev types.EventRecord) {
	fp := Fingerprint(ev)
	now := a.now().UTC()

	a.mu.Lock()

	b, ok := a.buckets[fp]
	if !ok {
		if len(a.buckets) >= a.cfg.MaxBuckets {
			a.mu.Unlock()
			metrics.EventDropped()
			log.Printf("aggregator: bucket cap %d reached, dropping %s event", a.cfg.MaxBuckets, ev.Kind)
			return
		}
		b = &bucket{
			kind:      ev.Kind,
			users:     make(map[string]struct{}),
			firstSeen: now,
			breakdown: map[string]map[string]int{"page": {}, "browser": {}},
			sample:    sampleText(ev),
		}
		a.buckets[fp] = b
	}

	if b.count == 0 {
		// First event since the last drain of this bucket.
		b.firstSeen = now
	}
	b.count++
	b.lastSeen = now
	if ev.UserID != "" {
		b.users[ev.UserID] = struct{}{}
	}
	if ev.Page != "" {
		b.breakdown["page"][ev.Page]++
	}
	if ev.Browser != "" {
		b.breakdown["browser"][ev.Browser]++
	}

	metrics.EventIngested(string(ev.Kind))

	// Only error buckets pre-empt the schedule: many users asking about
	// the same car is normal traffic, many users hitting the same error
	// is an incident. Conversation buckets wait for the scheduled flush.
	var critical []types.AggregatedEvent
	if ev.Kind == types.EventError && !b.criticalSent && len(b.users) >= a.cfg.CriticalUsers {
		agg := a.drain(fp, b, true)
		critical = append(critical, agg)
	}
	a.mu.Unlock()

	if len(critical) > 0 {
		metrics.AggregateFlush("critical")
		a.notifier.NotifyAggregates(ctx, "critical", critical)
	}
}

// Flush emits and resets every non-empty bucket. Called by the scheduled
// ticker and on shutdown.
func (a *Aggregator) Flush(ctx context.Context, trigger string) {
	a.mu.Lock()
	var aggs []types.AggregatedEvent
	for fp, b := range a.buckets {
		if b.count == 0 {
			delete(a.buckets, fp)
			continue
		}
		aggs = append(aggs, a.drain(fp, b, false))
		delete(a.buckets, fp)
	}
	a.mu.Unlock()

	if len(aggs) == 0 {
		return
	}

	metrics.AggregateFlush(trigger)
	log.Printf("aggregator: %s flush of %d aggregates", trigger, len(aggs))
	a.notifier.NotifyAggregates(ctx, trigger, aggs)
}

// drain snapshots a bucket into an AggregatedEvent and resets its
// counters in place. Caller holds a.mu. After a critical drain the
// bucket stays registered so later occurrences accumulate fresh counts
// without double-reporting the drained ones.
func (a *Aggregator) drain(fp string, b *bucket, critical bool) types.AggregatedEvent {
	breakdown := b.breakdown
	agg := types.AggregatedEvent{
		Fingerprint:   fp,
		Kind:          b.kind,
		Count:         b.count,
		DistinctUsers: len(b.users),
		FirstSeen:     b.firstSeen,
		LastSeen:      b.lastSeen,
		Critical:      critical,
		Breakdown:     breakdown,
		Sample:        b.sample,
	}

	b.count = 0
	b.users = make(map[string]struct{})
	b.breakdown = map[string]map[string]int{"page": {}, "browser": {}}
	b.firstSeen = time.Time{}
	if critical {
		b.criticalSent = true
	}

	return agg
}

// sampleText picks the representative raw text for a bucket's sample.
func sampleText(ev types.EventRecord) string {
	if ev.Kind == types.EventConversation {
		return ev.Subject
	}
	return ev.Message
}

// Run drives the scheduled flush loop until the context is cancelled,
// then performs a final flush so buffered aggregates aren't lost on
// shutdown.
func (a *Aggregator) Run(ctx context.Context) {
	interval := a.cfg.FlushInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Printf("aggregator: flushing every %v, critical threshold %d users", interval, a.cfg.CriticalUsers)

	for {
		select {
		case <-ctx.Done():
			a.Flush(context.Background(), "shutdown")
			return
		case <-ticker.C:
			a.Flush(ctx, "scheduled")
		}
	}
}
