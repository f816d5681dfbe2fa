// paddock-enrich runs one enrichment batch from the command line and
// prints the run summary. Intended for cron and operator use; the
// paddockd API offers the same runs asynchronously.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/autorev/paddock/internal/config"
	"github.com/autorev/paddock/internal/orchestrator"
	"github.com/autorev/paddock/internal/resilience"
	"github.com/autorev/paddock/internal/resolver"
	"github.com/autorev/paddock/internal/storage"
	"github.com/autorev/paddock/internal/storage/postgres"
	"github.com/autorev/paddock/internal/storage/sqlite"
	"github.com/autorev/paddock/pkg/types"
)

func main() {
	capability := flag.String("capability", "", "Capability to enrich (market_pricing, lap_times, forum_insights)")
	filter := flag.String("filter", "", "Optional slug prefix filter")
	batchSize := flag.Int("batch", 0, "Batch size (0 uses the configured default)")
	sourcesPath := flag.String("sources", "config/sources.yaml", "Path to source chain configuration")
	flag.Parse()

	if !types.IsValidCapability(types.Capability(*capability)) {
		log.Fatalf("Unknown capability %q; use -capability with one of market_pricing, lap_times, forum_insights", *capability)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	sf, err := config.LoadSources(*sourcesPath)
	if err != nil {
		log.Fatalf("Failed to load sources config: %v", err)
	}

	store, err := openStore(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}
	defer store.Close()

	registry := resilience.NewHealthRegistry(sf.Breaker)
	res := resolver.New(store)

	orch, err := orchestrator.New(store, res, registry, sf, cfg.Orchestrator)
	if err != nil {
		log.Fatalf("Failed to initialize orchestrator: %v", err)
	}

	// Ctrl-C cancels between entities; completed work is kept.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	summary, err := orch.Run(ctx, orchestrator.RunRequest{
		Capability:   types.Capability(*capability),
		EntityFilter: *filter,
		BatchSize:    *batchSize,
	})
	if err != nil {
		log.Fatalf("Run failed: %v", err)
	}

	out, _ := json.MarshalIndent(summary, "", "  ")
	os.Stdout.Write(append(out, '\n'))
}

// openStore opens the configured storage backend.
func openStore(cfg *config.Config) (storage.Store, error) {
	if cfg.Storage.StorageEngine == "postgres" {
		return postgres.NewStore(cfg.Storage.PostgresDSN)
	}
	return sqlite.NewStore(cfg.Storage.DataPath + "/paddock.db")
}
