// paddock-backfill migrates legacy slug-keyed tables onto canonical
// entity IDs: adds the canonical-ID column, backfills it through the
// resolver, and installs the write-time sync trigger. Safe to re-run.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/autorev/paddock/internal/backfill"
	"github.com/autorev/paddock/internal/config"
	"github.com/autorev/paddock/internal/resolver"
	"github.com/autorev/paddock/internal/storage/sqlite"
)

// tablesFlag collects repeated -table name:slug_column arguments.
type tablesFlag []backfill.LegacyTable

func (t *tablesFlag) String() string {
	parts := make([]string, len(*t))
	for i, table := range *t {
		parts[i] = table.Name + ":" + table.SlugColumn
	}
	return strings.Join(parts, ",")
}

func (t *tablesFlag) Set(value string) error {
	name, column, ok := strings.Cut(value, ":")
	if !ok || name == "" || column == "" {
		return fmt.Errorf("expected name:slug_column, got %q", value)
	}
	*t = append(*t, backfill.LegacyTable{Name: name, SlugColumn: column})
	return nil
}

func main() {
	var tables tablesFlag
	flag.Var(&tables, "table", "Legacy table to migrate as name:slug_column (repeatable)")
	sourcesPath := flag.String("sources", "config/sources.yaml", "Path to source chain configuration (for backfill_exclude)")
	flag.Parse()

	if len(tables) == 0 {
		log.Fatal("No tables given; use -table name:slug_column at least once")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Storage.StorageEngine != "sqlite" {
		log.Fatalf("Backfill targets the shared SQLite database; storage engine is %s", cfg.Storage.StorageEngine)
	}

	sf, err := config.LoadSources(*sourcesPath)
	if err != nil {
		log.Fatalf("Failed to load sources config: %v", err)
	}

	store, err := sqlite.NewStore(cfg.Storage.DataPath + "/paddock.db")
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}
	defer store.Close()

	b := backfill.New(store.DB(), resolver.New(store), sf.BackfillExclude)

	reports, err := b.Run(context.Background(), tables)
	for _, report := range reports {
		fmt.Printf("%s: column_added=%v rows_updated=%d slugs_resolved=%d slugs_skipped=%d trigger=%v\n",
			report.Table, report.ColumnAdded, report.RowsUpdated,
			report.SlugsResolved, report.SlugsSkipped, report.TriggerInstalled)
	}
	if err != nil {
		log.Printf("Backfill stopped early: %v", err)
		os.Exit(1)
	}
}
