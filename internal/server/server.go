// Package server provides HTTP server initialization and lifecycle
// management for the paddockd daemon.
package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/autorev/paddock/internal/config"
	"github.com/autorev/paddock/internal/notify"
)

// Start initializes and starts the HTTP server. Returns the actual
// address being listened on (useful for testing with port 0). The hub
// must already be running; the server only mounts its endpoint.
func Start(ctx context.Context, cfg *config.Config, h *Handlers, hub *notify.Hub) (string, error) {
	mux := http.NewServeMux()
	apiMux := http.NewServeMux()

	// Entity and resolver routes
	apiMux.HandleFunc("POST /api/entities", h.CreateEntity)
	apiMux.HandleFunc("GET /api/entities/{id}", h.GetEntity)
	apiMux.HandleFunc("GET /api/entities/{id}/enrichment", h.GetEnrichment)
	apiMux.HandleFunc("POST /api/resolver/resolve", h.Resolve)
	apiMux.HandleFunc("POST /api/resolver/aliases", h.RegisterAlias)

	// Event ingestion and enrichment runs
	apiMux.HandleFunc("POST /api/events", h.IngestEvent)
	apiMux.HandleFunc("POST /api/runs", h.TriggerRun)

	// Manual-research queue
	apiMux.HandleFunc("GET /api/manual-research", h.ListManualResearch)
	apiMux.HandleFunc("DELETE /api/manual-research/{id}/{capability}", h.ClearManualResearch)

	// Source health
	apiMux.HandleFunc("GET /api/sources/status", h.SourceStatus)

	// Health endpoint: no auth required, used by monitoring
	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	// Wrap API routes with auth middleware
	mux.Handle("/api/", requireAuth(apiMux, cfg))

	// Prometheus metrics
	mux.Handle("GET /metrics", promhttp.Handler())

	// WebSocket aggregate feed
	mux.Handle("/ws/events", hub)

	// Global rate limit (10 req/sec, burst of 20), then security headers
	rl := newRateLimiter(10.0, 20)
	handler := rateLimitMiddleware(mux, rl)
	handler = securityHeadersMiddleware(handler)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("server: failed to listen on %s: %w", addr, err)
	}
	actualAddr := listener.Addr().String()

	go func() {
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Printf("server: serve error: %v", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("server: shutdown error: %v", err)
		}
		hub.Stop()
	}()

	log.Printf("server: listening on %s", actualAddr)
	return actualAddr, nil
}
