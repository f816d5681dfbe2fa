// paddockd is the long-running Paddock daemon: it serves the enrichment
// and resolver API, ingests client events into the aggregator, and
// exposes the websocket aggregate feed and Prometheus metrics.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/autorev/paddock/internal/aggregator"
	"github.com/autorev/paddock/internal/config"
	"github.com/autorev/paddock/internal/notify"
	"github.com/autorev/paddock/internal/orchestrator"
	"github.com/autorev/paddock/internal/resilience"
	"github.com/autorev/paddock/internal/resolver"
	"github.com/autorev/paddock/internal/server"
	"github.com/autorev/paddock/internal/storage"
	"github.com/autorev/paddock/internal/storage/postgres"
	"github.com/autorev/paddock/internal/storage/sqlite"
)

func main() {
	sourcesPath := flag.String("sources", "config/sources.yaml", "Path to source chain configuration")
	flag.Parse()

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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := resilience.NewHealthRegistry(sf.Breaker)
	res := resolver.New(store)

	orch, err := orchestrator.New(store, res, registry, sf, cfg.Orchestrator)
	if err != nil {
		log.Fatalf("Failed to initialize orchestrator: %v", err)
	}

	hub := notify.NewHub()
	go hub.Run()

	agg := aggregator.New(cfg.Aggregator, notify.Multi{notify.LogNotifier{}, hub})
	go agg.Run(ctx)

	handlers := server.NewHandlers(store, res, orch, agg, registry, sf)
	addr, err := server.Start(ctx, cfg, handlers, hub)
	if err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
	log.Printf("paddockd running at http://%s", addr)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down gracefully...")
	cancel()
	time.Sleep(1 * time.Second) // Give time for connections to close and the final flush to land
}

// openStore opens the configured storage backend.
func openStore(cfg *config.Config) (storage.Store, error) {
	if cfg.Storage.StorageEngine == "postgres" {
		return postgres.NewStore(cfg.Storage.PostgresDSN)
	}
	return sqlite.NewStore(cfg.Storage.DataPath + "/paddock.db")
}
