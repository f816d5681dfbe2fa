// Package notify delivers flushed event aggregates to interested
// parties: the operator log and any connected websocket clients.
package notify

import (
	"context"
	"log"

	"github.com/autorev/paddock/pkg/types"
)

// LogNotifier writes aggregate summaries to the process log. It is the
// always-on baseline sink; critical aggregates are logged louder.
type LogNotifier struct{}

// NotifyAggregates logs one line per aggregate.
func (LogNotifier) NotifyAggregates(_ context.Context, trigger string, aggs []types.AggregatedEvent) {
	for _, agg := range aggs {
		if agg.Critical {
			log.Printf("notify: CRITICAL %s aggregate %s: %d occurrences across %d users (%s)",
				agg.Kind, agg.Fingerprint[:12], agg.Count, agg.DistinctUsers, trigger)
			continue
		}
		log.Printf("notify: %s aggregate %s: %d occurrences across %d users (%s)",
			agg.Kind, agg.Fingerprint[:12], agg.Count, agg.DistinctUsers, trigger)
	}
}

// Multi fans a notification out to several sinks in order.
type Multi []Notifier

// Notifier matches the aggregator's notification contract.
type Notifier interface {
	NotifyAggregates(ctx context.Context, trigger string, aggs []types.AggregatedEvent)
}

// NotifyAggregates delivers to every sink.
func (m Multi) NotifyAggregates(ctx context.Context, trigger string, aggs []types.AggregatedEvent) {
	for _, n := range m {
		n.NotifyAggregates(ctx, trigger, aggs)
	}
}
