// Package sqlite provides the SQLite implementation of the storage
// interfaces. It is the default backend: CGO-free via modernc.org/sqlite,
// single-file, good enough for batch enrichment workloads.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/autorev/paddock/internal/storage"
	"github.com/autorev/paddock/pkg/types"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Store implements storage.Store using SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens a SQLite database, configures WAL mode, and applies all
// pending migrations.
func NewStore(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to open database: %w", err)
	}

	// SQLite only supports one concurrent writer. A single open connection
	// serialises writes and avoids SQLITE_BUSY errors under concurrent load.
	// WAL mode allows concurrent readers to proceed without blocking the writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: failed to set %s: %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// runMigrations applies all pending schema migrations from the embedded
// migration files.
func (s *Store) runMigrations() error {
	sub, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("sqlite: failed to open embedded migrations: %w", err)
	}

	mgr, err := storage.NewMigrationManager(s.db, sub)
	if err != nil {
		return fmt.Errorf("sqlite: failed to create migration manager: %w", err)
	}

	if err := mgr.Up(); err != nil {
		return fmt.Errorf("sqlite: failed to run migrations: %w", err)
	}

	return nil
}

// DB exposes the underlying connection for the backfill module.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateEntity inserts a new canonical entity and binds its alias slugs.
func (s *Store) CreateEntity(ctx context.Context, entity *types.Entity) error {
	if entity == nil || entity.Slug == "" {
		return storage.ErrInvalidInput
	}

	now := time.Now().UTC()
	if entity.CreatedAt.IsZero() {
		entity.CreatedAt = now
	}
	entity.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO entities (canonical_id, slug, name, make, model, generation, years, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entity.CanonicalID.String(), entity.Slug, entity.Name, entity.Make, entity.Model,
		entity.Generation, entity.Years, entity.CreatedAt, entity.UpdatedAt)
	if err != nil {
		return fmt.Errorf("sqlite: failed to insert entity %s: %w", entity.Slug, err)
	}

	for _, alias := range entity.Aliases {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO entity_aliases (alias, canonical_id) VALUES (?, ?)
		`, alias, entity.CanonicalID.String()); err != nil {
			return fmt.Errorf("sqlite: failed to insert alias %s: %w", alias, err)
		}
	}

	return tx.Commit()
}

// GetEntity retrieves an entity by canonical ID, aliases included.
func (s *Store) GetEntity(ctx context.Context, id uuid.UUID) (*types.Entity, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT canonical_id, slug, name, make, model, generation, years, created_at, updated_at
		FROM entities WHERE canonical_id = ?
	`, id.String())
	return s.scanEntity(ctx, row)
}

// GetEntityBySlug retrieves an entity by primary slug or registered alias.
func (s *Store) GetEntityBySlug(ctx context.Context, slug string) (*types.Entity, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT e.canonical_id, e.slug, e.name, e.make, e.model, e.generation, e.years, e.created_at, e.updated_at
		FROM entities e
		WHERE e.slug = ?
		   OR e.canonical_id = (SELECT canonical_id FROM entity_aliases WHERE alias = ?)
	`, slug, slug)
	return s.scanEntity(ctx, row)
}

// scanEntity scans a single entity row and loads its aliases.
func (s *Store) scanEntity(ctx context.Context, row *sql.Row) (*types.Entity, error) {
	var e types.Entity
	var idStr string
	err := row.Scan(&idStr, &e.Slug, &e.Name, &e.Make, &e.Model, &e.Generation, &e.Years, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to scan entity: %w", err)
	}

	e.CanonicalID, err = uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("sqlite: invalid canonical id %q: %w", idStr, err)
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT alias FROM entity_aliases WHERE canonical_id = ? ORDER BY alias", idStr)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to load aliases: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var alias string
		if err := rows.Scan(&alias); err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan alias: %w", err)
		}
		e.Aliases = append(e.Aliases, alias)
	}

	return &e, rows.Err()
}

// ListSlugBindings returns every known slug with its canonical ID.
func (s *Store) ListSlugBindings(ctx context.Context) ([]storage.SlugBinding, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT slug, canonical_id, 0 FROM entities
		UNION ALL
		SELECT alias, canonical_id, 1 FROM entity_aliases
	`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to list slug bindings: %w", err)
	}
	defer rows.Close()

	var bindings []storage.SlugBinding
	for rows.Next() {
		var b storage.SlugBinding
		var isAlias int
		if err := rows.Scan(&b.Slug, &b.CanonicalID, &isAlias); err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan slug binding: %w", err)
		}
		b.IsAlias = isAlias == 1
		bindings = append(bindings, b)
	}

	return bindings, rows.Err()
}

// InsertAlias binds an alias slug to a canonical ID. Idempotent for
// repeated identical registrations; returns ErrAliasConflict when the
// alias is already bound to a different canonical ID.
func (s *Store) InsertAlias(ctx context.Context, id uuid.UUID, alias string) error {
	if alias == "" {
		return storage.ErrInvalidInput
	}

	// Primary slugs are bindings too: accepting another entity's slug as an
	// alias would map one string to two canonical IDs.
	var owner string
	err := s.db.QueryRowContext(ctx,
		"SELECT canonical_id FROM entities WHERE slug = ?", alias).Scan(&owner)
	switch {
	case err == nil:
		if owner != id.String() {
			return storage.ErrAliasConflict
		}
		return nil // The entity's own primary slug already resolves
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("sqlite: failed to check primary slugs for alias %s: %w", alias, err)
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO entity_aliases (alias, canonical_id) VALUES (?, ?)
		ON CONFLICT(alias) DO NOTHING
	`, alias, id.String()); err != nil {
		return fmt.Errorf("sqlite: failed to insert alias %s: %w", alias, err)
	}

	// Verify the binding: either we just inserted it, or a prior binding
	// exists and must point at the same canonical ID.
	var bound string
	err = s.db.QueryRowContext(ctx,
		"SELECT canonical_id FROM entity_aliases WHERE alias = ?", alias).Scan(&bound)
	if err != nil {
		return fmt.Errorf("sqlite: failed to verify alias %s: %w", alias, err)
	}
	if bound != id.String() {
		return storage.ErrAliasConflict
	}

	return nil
}

// StoreRecord persists an enrichment record, superseding any current record
// from the same (entity, capability, source) in the same transaction.
func (s *Store) StoreRecord(ctx context.Context, rec *types.EnrichmentRecord) error {
	if rec == nil || rec.Source == "" || !types.IsValidCapability(rec.Capability) {
		return storage.ErrInvalidInput
	}

	if rec.ID == "" {
		rec.ID = fmt.Sprintf("enr:%s:%s", rec.Capability, uuid.NewString())
	}
	if rec.FetchedAt.IsZero() {
		rec.FetchedAt = time.Now().UTC()
	}

	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("sqlite: failed to marshal payload: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE enrichment_records
		SET superseded_at = ?
		WHERE entity_id = ? AND capability = ? AND source = ? AND superseded_at IS NULL
	`, now, rec.EntityID.String(), rec.Capability, rec.Source); err != nil {
		return fmt.Errorf("sqlite: failed to supersede prior record: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO enrichment_records (id, entity_id, source, capability, payload, sample_size, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.EntityID.String(), rec.Source, rec.Capability, string(payload),
		rec.SampleSize, rec.FetchedAt); err != nil {
		return fmt.Errorf("sqlite: failed to insert enrichment record: %w", err)
	}

	return tx.Commit()
}

// CurrentRecords returns the non-superseded records for an entity and
// capability, one per source.
func (s *Store) CurrentRecords(ctx context.Context, entityID uuid.UUID, capability types.Capability) ([]*types.EnrichmentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_id, source, capability, payload, sample_size, fetched_at
		FROM enrichment_records
		WHERE entity_id = ? AND capability = ? AND superseded_at IS NULL
		ORDER BY source
	`, entityID.String(), capability)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to query current records: %w", err)
	}
	defer rows.Close()

	var records []*types.EnrichmentRecord
	for rows.Next() {
		var rec types.EnrichmentRecord
		var idStr, payload string
		if err := rows.Scan(&rec.ID, &idStr, &rec.Source, &rec.Capability, &payload, &rec.SampleSize, &rec.FetchedAt); err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan enrichment record: %w", err)
		}
		rec.EntityID, err = uuid.Parse(idStr)
		if err != nil {
			return nil, fmt.Errorf("sqlite: invalid entity id %q: %w", idStr, err)
		}
		if err := json.Unmarshal([]byte(payload), &rec.Payload); err != nil {
			return nil, fmt.Errorf("sqlite: failed to unmarshal payload for %s: %w", rec.ID, err)
		}
		records = append(records, &rec)
	}

	return records, rows.Err()
}

// PendingItems selects entities that lack current data for the capability
// or whose newest record predates staleBefore, excluding entities already
// parked in needs_manual_research. Ordered by slug ascending so partially
// completed runs resume deterministically.
func (s *Store) PendingItems(ctx context.Context, capability types.Capability, staleBefore time.Time, limit int) ([]types.RunItem, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT e.canonical_id, e.slug
		FROM entities e
		LEFT JOIN run_items ri
		  ON ri.entity_id = e.canonical_id AND ri.capability = ?
		WHERE COALESCE(ri.state, '') != ?
		  AND COALESCE((
			SELECT MAX(r.fetched_at) FROM enrichment_records r
			WHERE r.entity_id = e.canonical_id AND r.capability = ? AND r.superseded_at IS NULL
		  ), '0001-01-01') < ?
		ORDER BY e.slug ASC
		LIMIT ?
	`, capability, types.RunNeedsManualResearch, capability, staleBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to select pending items: %w", err)
	}
	defer rows.Close()

	var items []types.RunItem
	for rows.Next() {
		var item types.RunItem
		var idStr string
		if err := rows.Scan(&idStr, &item.Slug); err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan pending item: %w", err)
		}
		item.EntityID, err = uuid.Parse(idStr)
		if err != nil {
			return nil, fmt.Errorf("sqlite: invalid entity id %q: %w", idStr, err)
		}
		item.State = types.RunPending
		items = append(items, item)
	}

	return items, rows.Err()
}

// SetRunItemState persists the run state for an (entity, capability) pair.
func (s *Store) SetRunItemState(ctx context.Context, entityID uuid.UUID, capability types.Capability, state types.RunItemState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_items (entity_id, capability, state, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(entity_id, capability) DO UPDATE SET
			state = excluded.state,
			updated_at = excluded.updated_at
	`, entityID.String(), capability, state, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("sqlite: failed to set run item state: %w", err)
	}
	return nil
}

// GetSourceState returns bookkeeping for a (source, entity) pair.
func (s *Store) GetSourceState(ctx context.Context, source string, entityID uuid.UUID) (*types.SourceQueryState, error) {
	var st types.SourceQueryState
	var idStr string
	var kind string
	err := s.db.QueryRowContext(ctx, `
		SELECT source, entity_id, last_success_at, consecutive_failures, last_failure_kind, last_failure_at
		FROM source_query_state WHERE source = ? AND entity_id = ?
	`, source, entityID.String()).Scan(&st.Source, &idStr, &st.LastSuccessAt, &st.ConsecutiveFailures, &kind, &st.LastFailureAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to get source state: %w", err)
	}

	st.EntityID, err = uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("sqlite: invalid entity id %q: %w", idStr, err)
	}
	st.LastFailureKind = types.FailureKind(kind)
	return &st, nil
}

// RecordSuccess sets last_success_at and resets consecutive_failures.
func (s *Store) RecordSuccess(ctx context.Context, source string, entityID uuid.UUID, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO source_query_state (source, entity_id, last_success_at, consecutive_failures, last_failure_kind)
		VALUES (?, ?, ?, 0, '')
		ON CONFLICT(source, entity_id) DO UPDATE SET
			last_success_at = excluded.last_success_at,
			consecutive_failures = 0,
			last_failure_kind = ''
	`, source, entityID.String(), at)
	if err != nil {
		return fmt.Errorf("sqlite: failed to record success: %w", err)
	}
	return nil
}

// RecordFailure increments consecutive_failures and records the kind.
func (s *Store) RecordFailure(ctx context.Context, source string, entityID uuid.UUID, kind types.FailureKind, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO source_query_state (source, entity_id, consecutive_failures, last_failure_kind, last_failure_at)
		VALUES (?, ?, 1, ?, ?)
		ON CONFLICT(source, entity_id) DO UPDATE SET
			consecutive_failures = consecutive_failures + 1,
			last_failure_kind = excluded.last_failure_kind,
			last_failure_at = excluded.last_failure_at
	`, source, entityID.String(), kind, at)
	if err != nil {
		return fmt.Errorf("sqlite: failed to record failure: %w", err)
	}
	return nil
}

// EnqueueManualResearch appends a manual-research entry. Re-queuing the
// same (entity, capability) refreshes queued_at.
func (s *Store) EnqueueManualResearch(ctx context.Context, item types.ManualResearchItem) error {
	if item.QueuedAt.IsZero() {
		item.QueuedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO manual_research_queue (entity_id, capability, slug, queued_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(entity_id, capability) DO UPDATE SET
			queued_at = excluded.queued_at
	`, item.EntityID.String(), item.Capability, item.Slug, item.QueuedAt)
	if err != nil {
		return fmt.Errorf("sqlite: failed to enqueue manual research: %w", err)
	}
	return nil
}

// ListManualResearch returns all queued entries, oldest first.
func (s *Store) ListManualResearch(ctx context.Context) ([]types.ManualResearchItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_id, capability, slug, queued_at
		FROM manual_research_queue ORDER BY queued_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to list manual research queue: %w", err)
	}
	defer rows.Close()

	var items []types.ManualResearchItem
	for rows.Next() {
		var item types.ManualResearchItem
		var idStr string
		if err := rows.Scan(&idStr, &item.Capability, &item.Slug, &item.QueuedAt); err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan manual research item: %w", err)
		}
		item.EntityID, err = uuid.Parse(idStr)
		if err != nil {
			return nil, fmt.Errorf("sqlite: invalid entity id %q: %w", idStr, err)
		}
		items = append(items, item)
	}

	return items, rows.Err()
}

// ClearManualResearch removes a queue entry and resets the run state to
// pending so a later run can retry the entity through automated sources.
func (s *Store) ClearManualResearch(ctx context.Context, entityID uuid.UUID, capability types.Capability) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM manual_research_queue WHERE entity_id = ? AND capability = ?
	`, entityID.String(), capability); err != nil {
		return fmt.Errorf("sqlite: failed to clear manual research: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE run_items SET state = ?, updated_at = ?
		WHERE entity_id = ? AND capability = ?
	`, types.RunPending, time.Now().UTC(), entityID.String(), capability); err != nil {
		return fmt.Errorf("sqlite: failed to reset run state: %w", err)
	}

	return tx.Commit()
}
