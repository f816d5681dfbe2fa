// Package storage provides composable storage interfaces for the Paddock
// enrichment engine.
//
// The storage layer is designed with small, focused interfaces that can be
// implemented independently and composed as needed. Both the SQLite and
// PostgreSQL backends implement the full Store interface.
package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/autorev/paddock/pkg/types"
)

// EntityStore provides CRUD and slug lookup for canonical entities and
// their alias bindings.
type EntityStore interface {
	// CreateEntity inserts a new canonical entity. The primary slug is
	// registered as a binding automatically.
	CreateEntity(ctx context.Context, entity *types.Entity) error

	// GetEntity retrieves an entity by canonical ID, aliases included.
	// Returns ErrNotFound if the entity doesn't exist.
	GetEntity(ctx context.Context, id uuid.UUID) (*types.Entity, error)

	// GetEntityBySlug retrieves an entity by primary slug or alias.
	// Returns ErrNotFound if no binding exists.
	GetEntityBySlug(ctx context.Context, slug string) (*types.Entity, error)

	// ListSlugBindings returns every known slug (primary and alias) with its
	// canonical ID. The resolver scans these for normalized matching.
	ListSlugBindings(ctx context.Context) ([]SlugBinding, error)

	// InsertAlias binds an alias slug to a canonical ID. Idempotent when the
	// binding already exists with the same ID; returns ErrAliasConflict when
	// the alias is bound to a different ID.
	InsertAlias(ctx context.Context, id uuid.UUID, alias string) error
}

// EnrichmentStore persists enrichment records with append-and-supersede
// semantics and drives pending-item selection for enrichment runs.
type EnrichmentStore interface {
	// StoreRecord persists a new enrichment record and marks any current
	// record from the same (entity, capability, source) superseded, in one
	// transaction. Last write wins per (entity, source); records from
	// different sources coexist.
	StoreRecord(ctx context.Context, rec *types.EnrichmentRecord) error

	// CurrentRecords returns the non-superseded records for an entity and
	// capability, one per source. Empty slice when none exist.
	CurrentRecords(ctx context.Context, entityID uuid.UUID, capability types.Capability) ([]*types.EnrichmentRecord, error)

	// PendingItems selects entities lacking current data for the capability,
	// or whose current data was fetched before staleBefore. Results are
	// ordered by slug ascending so a partially completed run resumes
	// predictably.
	PendingItems(ctx context.Context, capability types.Capability, staleBefore time.Time, limit int) ([]types.RunItem, error)

	// SetRunItemState persists a terminal run state for an
	// (entity, capability) pair.
	SetRunItemState(ctx context.Context, entityID uuid.UUID, capability types.Capability, state types.RunItemState) error
}

// SourceStateStore persists per (source, entity) fetch bookkeeping.
// Mutated exclusively through the resilience layer.
type SourceStateStore interface {
	// GetSourceState returns the state for a (source, entity) pair.
	// Returns ErrNotFound when the pair has never been fetched.
	GetSourceState(ctx context.Context, source string, entityID uuid.UUID) (*types.SourceQueryState, error)

	// RecordSuccess sets last_success_at and resets consecutive_failures.
	RecordSuccess(ctx context.Context, source string, entityID uuid.UUID, at time.Time) error

	// RecordFailure increments consecutive_failures and records the
	// classified failure kind.
	RecordFailure(ctx context.Context, source string, entityID uuid.UUID, kind types.FailureKind, at time.Time) error
}

// ManualQueueStore persists the manual-research queue. The engine only
// appends; an external consumer lists and clears entries.
type ManualQueueStore interface {
	// EnqueueManualResearch appends a queue entry. Idempotent per
	// (entity, capability): re-queuing refreshes queued_at.
	EnqueueManualResearch(ctx context.Context, item types.ManualResearchItem) error

	// ListManualResearch returns all queued entries, oldest first.
	ListManualResearch(ctx context.Context) ([]types.ManualResearchItem, error)

	// ClearManualResearch removes an entry after external processing.
	ClearManualResearch(ctx context.Context, entityID uuid.UUID, capability types.Capability) error
}

// Store composes the full storage surface plus lifecycle management.
type Store interface {
	EntityStore
	EnrichmentStore
	SourceStateStore
	ManualQueueStore

	// DB exposes the underlying connection for the backfill module, which
	// issues DDL against legacy tables outside the managed schema.
	DB() *sql.DB

	// Close releases any resources held by the store.
	Close() error
}
