// Package backfill migrates legacy tables that reference cars by ad-hoc
// slug strings onto canonical entity IDs. Every step is idempotent so
// the job can be re-run after partial failures or as new legacy rows
// appear.
package backfill

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"regexp"

	"github.com/autorev/paddock/internal/resolver"
)

// CanonicalColumn is the column added to each migrated legacy table.
const CanonicalColumn = "canonical_entity_id"

// identPattern guards table and column names interpolated into DDL;
// identifiers can't be bound as placeholders.
var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// LegacyTable names a table still keyed by slug and the column holding
// the slug.
type LegacyTable struct {
	Name       string `yaml:"name"`
	SlugColumn string `yaml:"slug_column"`
}

// TableReport summarizes the migration of one legacy table.
type TableReport struct {
	Table            string
	ColumnAdded      bool
	RowsUpdated      int64
	SlugsResolved    int
	SlugsSkipped     int
	TriggerInstalled bool
}

// Backfiller performs the canonical-ID migration against the SQLite
// database shared with the legacy application.
type Backfiller struct {
	db       *sql.DB
	resolver *resolver.Resolver
	exclude  map[string]struct{}
}

// New creates a Backfiller. Tables named in exclude are reported but
// never touched (e.g. append-only audit tables kept verbatim).
func New(db *sql.DB, res *resolver.Resolver, exclude []string) *Backfiller {
	ex := make(map[string]struct{}, len(exclude))
	for _, name := range exclude {
		ex[name] = struct{}{}
	}
	return &Backfiller{db: db, resolver: res, exclude: ex}
}

// Run migrates each legacy table in order: add the canonical-ID column,
// backfill it from resolved slugs, and install the write-time sync
// trigger. A table that fails stops the run so the operator sees a
// consistent cut point; completed tables stay migrated.
func (b *Backfiller) Run(ctx context.Context, tables []LegacyTable) ([]TableReport, error) {
	reports := make([]TableReport, 0, len(tables))
	for _, table := range tables {
		if _, skip := b.exclude[table.Name]; skip {
			log.Printf("backfill: skipping excluded table %s", table.Name)
			continue
		}

		report, err := b.migrateTable(ctx, table)
		if err != nil {
			return reports, fmt.Errorf("backfill: table %s: %w", table.Name, err)
		}
		reports = append(reports, *report)
	}
	return reports, nil
}

func (b *Backfiller) migrateTable(ctx context.Context, table LegacyTable) (*TableReport, error) {
	if !identPattern.MatchString(table.Name) || !identPattern.MatchString(table.SlugColumn) {
		return nil, fmt.Errorf("invalid identifier %q.%q", table.Name, table.SlugColumn)
	}

	report := &TableReport{Table: table.Name}

	added, err := b.ensureColumn(ctx, table.Name)
	if err != nil {
		return nil, err
	}
	report.ColumnAdded = added

	if err := b.backfillRows(ctx, table, report); err != nil {
		return nil, err
	}

	if err := b.installTrigger(ctx, table); err != nil {
		return nil, err
	}
	report.TriggerInstalled = true

	log.Printf("backfill: %s done: %d rows updated, %d slugs resolved, %d skipped",
		table.Name, report.RowsUpdated, report.SlugsResolved, report.SlugsSkipped)
	return report, nil
}

// ensureColumn adds the canonical-ID column if the table doesn't have it
// yet. Reports whether the column was added by this call.
func (b *Backfiller) ensureColumn(ctx context.Context, tableName string) (bool, error) {
	rows, err := b.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return false, fmt.Errorf("failed to inspect columns: %w", err)
	}
	defer rows.Close()

	exists := false
	for rows.Next() {
		var (
			cid        int
			name, typ  string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &defaultVal, &pk); err != nil {
			return false, fmt.Errorf("failed to scan column info: %w", err)
		}
		if name == CanonicalColumn {
			exists = true
		}
	}
	if err := rows.Err(); err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	ddl := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s TEXT REFERENCES entities(canonical_id)",
		tableName, CanonicalColumn)
	if _, err := b.db.ExecContext(ctx, ddl); err != nil {
		return false, fmt.Errorf("failed to add column: %w", err)
	}
	log.Printf("backfill: added %s to %s", CanonicalColumn, tableName)
	return true, nil
}

// backfillRows resolves each distinct unmapped slug once and updates all
// its rows in a single statement. Unknown and ambiguous slugs are logged
// and left NULL for the next run; they never abort the migration.
func (b *Backfiller) backfillRows(ctx context.Context, table LegacyTable, report *TableReport) error {
	query := fmt.Sprintf(
		"SELECT DISTINCT %s FROM %s WHERE %s IS NULL AND %s IS NOT NULL AND %s != ''",
		table.SlugColumn, table.Name, CanonicalColumn, table.SlugColumn, table.SlugColumn)

	rows, err := b.db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to select unmapped slugs: %w", err)
	}

	var slugs []string
	for rows.Next() {
		var slug string
		if err := rows.Scan(&slug); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan slug: %w", err)
		}
		slugs = append(slugs, slug)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	update := fmt.Sprintf("UPDATE %s SET %s = ? WHERE %s = ? AND %s IS NULL",
		table.Name, CanonicalColumn, table.SlugColumn, CanonicalColumn)

	for _, slug := range slugs {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		id, err := b.resolver.Resolve(ctx, slug)
		if err != nil {
			var ambiguous *resolver.AmbiguousEntityError
			switch {
			case errors.As(err, &ambiguous):
				log.Printf("backfill: %s.%s=%q is ambiguous, leaving unmapped: %v",
					table.Name, table.SlugColumn, slug, ambiguous)
			case errors.Is(err, resolver.ErrUnknownEntity):
				log.Printf("backfill: %s.%s=%q matches no entity, leaving unmapped",
					table.Name, table.SlugColumn, slug)
			default:
				return fmt.Errorf("failed to resolve %q: %w", slug, err)
			}
			report.SlugsSkipped++
			continue
		}

		res, err := b.db.ExecContext(ctx, update, id.String(), slug)
		if err != nil {
			return fmt.Errorf("failed to update rows for %q: %w", slug, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			report.RowsUpdated += n
		}
		report.SlugsResolved++
	}

	return nil
}

// installTrigger creates the write-time sync triggers: legacy application
// code keeps writing slug-only rows, and the triggers keep the canonical
// ID in step with the slug column. Inserts fill the ID in; slug updates
// recompute it, clearing it when the new slug matches no entity.
func (b *Backfiller) installTrigger(ctx context.Context, table LegacyTable) error {
	insertDDL := fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %s_canonical_sync
AFTER INSERT ON %s
FOR EACH ROW
WHEN NEW.%s IS NULL AND NEW.%s IS NOT NULL
BEGIN
    UPDATE %s SET %s = COALESCE(
        (SELECT canonical_id FROM entities WHERE slug = NEW.%s),
        (SELECT canonical_id FROM entity_aliases WHERE alias = NEW.%s)
    ) WHERE rowid = NEW.rowid;
END`,
		table.Name, table.Name,
		CanonicalColumn, table.SlugColumn,
		table.Name, CanonicalColumn,
		table.SlugColumn, table.SlugColumn)

	if _, err := b.db.ExecContext(ctx, insertDDL); err != nil {
		return fmt.Errorf("failed to install insert sync trigger: %w", err)
	}

	updateDDL := fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %s_canonical_sync_update
AFTER UPDATE OF %s ON %s
FOR EACH ROW
BEGIN
    UPDATE %s SET %s = COALESCE(
        (SELECT canonical_id FROM entities WHERE slug = NEW.%s),
        (SELECT canonical_id FROM entity_aliases WHERE alias = NEW.%s)
    ) WHERE rowid = NEW.rowid;
END`,
		table.Name, table.SlugColumn, table.Name,
		table.Name, CanonicalColumn,
		table.SlugColumn, table.SlugColumn)

	if _, err := b.db.ExecContext(ctx, updateDDL); err != nil {
		return fmt.Errorf("failed to install update sync trigger: %w", err)
	}
	return nil
}
