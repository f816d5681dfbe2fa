package postgres

// Schema is the base schema for the PostgreSQL backend. All statements are
// idempotent (IF NOT EXISTS) so the schema can be re-applied on startup.
const Schema = `
CREATE TABLE IF NOT EXISTS entities (
    canonical_id UUID PRIMARY KEY,
    slug TEXT NOT NULL UNIQUE,
    name TEXT NOT NULL,
    make TEXT NOT NULL DEFAULT '',
    model TEXT NOT NULL DEFAULT '',
    generation TEXT NOT NULL DEFAULT '',
    years TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS entity_aliases (
    alias TEXT PRIMARY KEY,
    canonical_id UUID NOT NULL REFERENCES entities(canonical_id),
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_entity_aliases_canonical
    ON entity_aliases(canonical_id);

CREATE TABLE IF NOT EXISTS enrichment_records (
    id TEXT PRIMARY KEY,
    entity_id UUID NOT NULL REFERENCES entities(canonical_id),
    source TEXT NOT NULL,
    capability TEXT NOT NULL,
    payload JSONB NOT NULL DEFAULT '{}',
    sample_size INTEGER NOT NULL DEFAULT 0,
    fetched_at TIMESTAMPTZ NOT NULL,
    superseded_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_enrichment_current
    ON enrichment_records(entity_id, capability, source)
    WHERE superseded_at IS NULL;

CREATE TABLE IF NOT EXISTS source_query_state (
    source TEXT NOT NULL,
    entity_id UUID NOT NULL,
    last_success_at TIMESTAMPTZ,
    consecutive_failures INTEGER NOT NULL DEFAULT 0,
    last_failure_kind TEXT NOT NULL DEFAULT '',
    last_failure_at TIMESTAMPTZ,
    PRIMARY KEY (source, entity_id)
);

CREATE TABLE IF NOT EXISTS manual_research_queue (
    entity_id UUID NOT NULL,
    capability TEXT NOT NULL,
    slug TEXT NOT NULL,
    queued_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (entity_id, capability)
);

CREATE TABLE IF NOT EXISTS run_items (
    entity_id UUID NOT NULL,
    capability TEXT NOT NULL,
    state TEXT NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (entity_id, capability)
);
`
