package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/autorev/paddock/internal/aggregator"
	"github.com/autorev/paddock/internal/config"
	"github.com/autorev/paddock/internal/orchestrator"
	"github.com/autorev/paddock/internal/resilience"
	"github.com/autorev/paddock/internal/resolver"
	"github.com/autorev/paddock/internal/storage"
	"github.com/autorev/paddock/pkg/types"
)

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// Handlers carries the engine services behind the HTTP API.
type Handlers struct {
	store    storage.Store
	resolver *resolver.Resolver
	orch     *orchestrator.Orchestrator
	agg      *aggregator.Aggregator
	registry *resilience.HealthRegistry
	sources  *config.SourcesFile

	mu      sync.Mutex
	running map[types.Capability]bool
}

// NewHandlers wires the API handlers.
func NewHandlers(store storage.Store, res *resolver.Resolver, orch *orchestrator.Orchestrator, agg *aggregator.Aggregator, registry *resilience.HealthRegistry, sources *config.SourcesFile) *Handlers {
	return &Handlers{
		store:    store,
		resolver: res,
		orch:     orch,
		agg:      agg,
		registry: registry,
		sources:  sources,
		running:  make(map[types.Capability]bool),
	}
}

// CreateEntity handles POST /api/entities.
func (h *Handlers) CreateEntity(w http.ResponseWriter, r *http.Request) {
	var entity types.Entity
	if err := json.NewDecoder(r.Body).Decode(&entity); err != nil {
		respondError(w, http.StatusBadRequest, "failed to parse request body", err)
		return
	}

	if entity.Slug == "" || entity.Name == "" {
		respondError(w, http.StatusBadRequest, "slug and name are required", nil)
		return
	}

	if entity.CanonicalID == uuid.Nil {
		entity.CanonicalID = uuid.New()
	}
	now := time.Now().UTC()
	entity.CreatedAt = now
	entity.UpdatedAt = now

	if err := h.store.CreateEntity(r.Context(), &entity); err != nil {
		if errors.Is(err, storage.ErrInvalidInput) {
			respondError(w, http.StatusBadRequest, "invalid entity", err)
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to create entity", err)
		return
	}

	respondJSON(w, http.StatusCreated, entity)
}

// GetEntity handles GET /api/entities/{id}.
func (h *Handlers) GetEntity(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid entity id", err)
		return
	}

	entity, err := h.store.GetEntity(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respondError(w, http.StatusNotFound, "entity not found", nil)
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to get entity", err)
		return
	}

	respondJSON(w, http.StatusOK, entity)
}

// GetEnrichment handles GET /api/entities/{id}/enrichment. The optional
// capability query parameter narrows the result; otherwise all current
// records are returned.
func (h *Handlers) GetEnrichment(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid entity id", err)
		return
	}

	capabilities := types.AllCapabilities()
	if c := r.URL.Query().Get("capability"); c != "" {
		capability := types.Capability(c)
		if !types.IsValidCapability(capability) {
			respondError(w, http.StatusBadRequest, "unknown capability", nil)
			return
		}
		capabilities = []types.Capability{capability}
	}

	records := make([]*types.EnrichmentRecord, 0)
	for _, capability := range capabilities {
		recs, err := h.store.CurrentRecords(r.Context(), id, capability)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "failed to load enrichment", err)
			return
		}
		records = append(records, recs...)
	}

	respondJSON(w, http.StatusOK, records)
}

type resolveRequest struct {
	Query string `json:"query"`
}

type resolveResponse struct {
	CanonicalID string `json:"canonical_id"`
}

// Resolve handles POST /api/resolver/resolve.
func (h *Handlers) Resolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "failed to parse request body", err)
		return
	}

	id, err := h.resolver.Resolve(r.Context(), req.Query)
	if err != nil {
		var ambiguous *resolver.AmbiguousEntityError
		switch {
		case errors.As(err, &ambiguous):
			respondJSON(w, http.StatusConflict, map[string]any{
				"error":      "ambiguous",
				"candidates": ambiguous.Candidates,
			})
		case errors.Is(err, resolver.ErrUnknownEntity):
			respondError(w, http.StatusNotFound, "unknown entity", nil)
		default:
			respondError(w, http.StatusInternalServerError, "resolution failed", err)
		}
		return
	}

	respondJSON(w, http.StatusOK, resolveResponse{CanonicalID: id.String()})
}

type aliasRequest struct {
	CanonicalID string `json:"canonical_id"`
	Alias       string `json:"alias"`
}

// RegisterAlias handles POST /api/resolver/aliases.
func (h *Handlers) RegisterAlias(w http.ResponseWriter, r *http.Request) {
	var req aliasRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "failed to parse request body", err)
		return
	}

	id, err := uuid.Parse(req.CanonicalID)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid canonical id", err)
		return
	}

	if err := h.resolver.RegisterAlias(r.Context(), id, req.Alias); err != nil {
		switch {
		case errors.Is(err, resolver.ErrConflictingAlias):
			respondError(w, http.StatusConflict, "alias already bound to a different entity", nil)
		case errors.Is(err, resolver.ErrUnknownEntity):
			respondError(w, http.StatusNotFound, "unknown entity", nil)
		case errors.Is(err, storage.ErrInvalidInput):
			respondError(w, http.StatusBadRequest, "invalid alias", err)
		default:
			respondError(w, http.StatusInternalServerError, "failed to register alias", err)
		}
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// IngestEvent handles POST /api/events. Fire-and-forget: a valid event
// is always accepted with 202, whatever happens downstream.
func (h *Handlers) IngestEvent(w http.ResponseWriter, r *http.Request) {
	var ev types.EventRecord
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		respondError(w, http.StatusBadRequest, "failed to parse request body", err)
		return
	}

	if ev.Kind != types.EventError && ev.Kind != types.EventConversation {
		respondError(w, http.StatusBadRequest, "kind must be error or conversation", nil)
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	h.agg.Ingest(r.Context(), ev)
	w.WriteHeader(http.StatusAccepted)
}

type runRequest struct {
	Capability   string `json:"capability"`
	EntityFilter string `json:"entity_filter,omitempty"`
	BatchSize    int    `json:"batch_size,omitempty"`
}

// TriggerRun handles POST /api/runs. The run executes in the background;
// its summary lands in the log. One run per capability at a time.
func (h *Handlers) TriggerRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "failed to parse request body", err)
		return
	}

	capability := types.Capability(req.Capability)
	if !types.IsValidCapability(capability) {
		respondError(w, http.StatusBadRequest, "unknown capability", nil)
		return
	}

	h.mu.Lock()
	if h.running[capability] {
		h.mu.Unlock()
		respondError(w, http.StatusConflict, "run already in progress for capability", nil)
		return
	}
	h.running[capability] = true
	h.mu.Unlock()

	go func() {
		defer func() {
			h.mu.Lock()
			delete(h.running, capability)
			h.mu.Unlock()
		}()

		summary, err := h.orch.Run(context.Background(), orchestrator.RunRequest{
			Capability:   capability,
			EntityFilter: req.EntityFilter,
			BatchSize:    req.BatchSize,
		})
		if err != nil {
			log.Printf("server: background %s run failed: %v", capability, err)
			return
		}
		_ = summary // Logged by the orchestrator
	}()

	respondJSON(w, http.StatusAccepted, map[string]string{
		"status":     "started",
		"capability": string(capability),
	})
}

// ListManualResearch handles GET /api/manual-research.
func (h *Handlers) ListManualResearch(w http.ResponseWriter, r *http.Request) {
	items, err := h.store.ListManualResearch(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list manual research queue", err)
		return
	}
	if items == nil {
		items = []types.ManualResearchItem{}
	}
	respondJSON(w, http.StatusOK, items)
}

// ClearManualResearch handles DELETE /api/manual-research/{id}/{capability}.
// Clearing also resets the run state to pending so the entity is eligible
// for automated retry.
func (h *Handlers) ClearManualResearch(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid entity id", err)
		return
	}
	capability := types.Capability(r.PathValue("capability"))
	if !types.IsValidCapability(capability) {
		respondError(w, http.StatusBadRequest, "unknown capability", nil)
		return
	}

	if err := h.store.ClearManualResearch(r.Context(), id, capability); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respondError(w, http.StatusNotFound, "queue entry not found", nil)
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to clear queue entry", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type sourceStatus struct {
	Name         string `json:"name"`
	Kind         string `json:"kind"`
	BreakerState string `json:"breaker_state"`
}

// SourceStatus handles GET /api/sources/status.
func (h *Handlers) SourceStatus(w http.ResponseWriter, r *http.Request) {
	statuses := make([]sourceStatus, 0, len(h.sources.Sources))
	for _, src := range h.sources.Sources {
		statuses = append(statuses, sourceStatus{
			Name:         src.Name,
			Kind:         string(src.Kind),
			BreakerState: h.registry.BreakerState(src),
		})
	}
	respondJSON(w, http.StatusOK, statuses)
}

// respondJSON writes a JSON response with the given status code.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Headers already sent; nothing left to do but log.
		log.Printf("server: failed to encode JSON response: %v", err)
	}
}

// respondError writes an error response with the given status code.
func respondError(w http.ResponseWriter, statusCode int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	respondJSON(w, statusCode, resp)
}
