package types

import (
	"time"

	"github.com/google/uuid"
)

// FailureKind classifies why a source fetch failed. The resilience layer
// routes each kind differently: transient failures retry, blocked failures
// advance the fallback chain, not-found is terminal for that source.
type FailureKind string

const (
	FailureTransient FailureKind = "transient"  // Network error or timeout; retryable
	FailureBlocked   FailureKind = "blocked"    // Bot protection detected; fall back, never retry
	FailureNotFound  FailureKind = "not_found"  // Source confirmed no data; terminal
)

// SourceQueryState is the per (source, entity) bookkeeping mutated
// exclusively by the resilience layer. ConsecutiveFailures resets to zero
// on any success; crossing the failure threshold trips the circuit breaker
// for the source until CooldownUntil.
type SourceQueryState struct {
	Source              string      `json:"source"`
	EntityID            uuid.UUID   `json:"entity_id"`
	LastSuccessAt       *time.Time  `json:"last_success_at,omitempty"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	LastFailureKind     FailureKind `json:"last_failure_kind,omitempty"`
	LastFailureAt       *time.Time  `json:"last_failure_at,omitempty"`
}

// ManualResearchItem is a queued request for human or alternate-tool
// processing after every automated source in a capability's chain was
// exhausted. The engine only appends these; an external consumer reads
// and clears them.
type ManualResearchItem struct {
	EntityID   uuid.UUID  `json:"entity_id"`
	Slug       string     `json:"slug"`
	Capability Capability `json:"capability"`
	QueuedAt   time.Time  `json:"queued_at"`
}
