package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autorev/paddock/internal/aggregator"
	"github.com/autorev/paddock/internal/config"
	"github.com/autorev/paddock/internal/orchestrator"
	"github.com/autorev/paddock/internal/resilience"
	"github.com/autorev/paddock/internal/resolver"
	"github.com/autorev/paddock/internal/storage/sqlite"
	"github.com/autorev/paddock/pkg/types"
)

type flushRecorder struct {
	aggs []types.AggregatedEvent
}

func (r *flushRecorder) NotifyAggregates(_ context.Context, _ string, aggs []types.AggregatedEvent) {
	r.aggs = append(r.aggs, aggs...)
}

type testAPI struct {
	handlers *Handlers
	mux      *http.ServeMux
	store    *sqlite.Store
	agg      *aggregator.Aggregator
	flushed  *flushRecorder
}

// newTestAPI wires the full handler stack over a real sqlite store and a
// manual-only source chain, with routes matching the daemon's mux.
func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	store, err := sqlite.NewStore(filepath.Join(t.TempDir(), "paddock_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	sf := &config.SourcesFile{
		Sources: []config.SourceConfig{{Name: "manual", Kind: config.KindManual}},
		Chains: map[types.Capability][]string{
			types.CapabilityMarketPricing: {"manual"},
		},
		Breaker: config.BreakerConfig{MaxFailures: 5, Cooldown: time.Minute},
	}

	res := resolver.New(store)
	registry := resilience.NewHealthRegistry(sf.Breaker)
	orch, err := orchestrator.New(store, res, registry, sf, config.OrchestratorConfig{
		DefaultBatchSize: 50,
		StalenessWindow:  720 * time.Hour,
		SourceWorkers:    1,
	})
	require.NoError(t, err)

	flushed := &flushRecorder{}
	agg := aggregator.New(config.AggregatorConfig{
		FlushInterval: time.Minute,
		CriticalUsers: 100,
		MaxBuckets:    64,
	}, flushed)

	h := NewHandlers(store, res, orch, agg, registry, sf)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/entities", h.CreateEntity)
	mux.HandleFunc("GET /api/entities/{id}", h.GetEntity)
	mux.HandleFunc("GET /api/entities/{id}/enrichment", h.GetEnrichment)
	mux.HandleFunc("POST /api/resolver/resolve", h.Resolve)
	mux.HandleFunc("POST /api/resolver/aliases", h.RegisterAlias)
	mux.HandleFunc("POST /api/events", h.IngestEvent)
	mux.HandleFunc("POST /api/runs", h.TriggerRun)
	mux.HandleFunc("GET /api/manual-research", h.ListManualResearch)
	mux.HandleFunc("DELETE /api/manual-research/{id}/{capability}", h.ClearManualResearch)
	mux.HandleFunc("GET /api/sources/status", h.SourceStatus)

	return &testAPI{handlers: h, mux: mux, store: store, agg: agg, flushed: flushed}
}

func (api *testAPI) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	rec := httptest.NewRecorder()
	api.mux.ServeHTTP(rec, httptest.NewRequest(method, path, &buf))
	return rec
}

func (api *testAPI) createEntity(t *testing.T, slug string) types.Entity {
	t.Helper()
	rec := api.do(t, http.MethodPost, "/api/entities", map[string]string{
		"slug": slug,
		"name": slug,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var entity types.Entity
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&entity))
	return entity
}

func TestCreateAndGetEntityEndpoint(t *testing.T) {
	api := newTestAPI(t)
	entity := api.createEntity(t, "porsche-911-gt3-992")
	assert.NotEqual(t, uuid.Nil, entity.CanonicalID)

	rec := api.do(t, http.MethodGet, "/api/entities/"+entity.CanonicalID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got types.Entity
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, entity.CanonicalID, got.CanonicalID)
	assert.Equal(t, "porsche-911-gt3-992", got.Slug)
}

func TestGetEntityErrors(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodGet, "/api/entities/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(t, http.MethodGet, "/api/entities/"+uuid.New().String(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateEntityValidation(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodPost, "/api/entities", map[string]string{"name": "no slug"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestResolveEndpoint(t *testing.T) {
	api := newTestAPI(t)
	entity := api.createEntity(t, "porsche-911-gt3-992")

	rec := api.do(t, http.MethodPost, "/api/resolver/resolve",
		map[string]string{"query": "Porsche 911 GT3 (992)"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp resolveResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, entity.CanonicalID.String(), resp.CanonicalID)

	rec = api.do(t, http.MethodPost, "/api/resolver/resolve",
		map[string]string{"query": "lada-niva"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResolveAmbiguousEndpoint(t *testing.T) {
	api := newTestAPI(t)
	api.createEntity(t, "audi-rs6")
	api.createEntity(t, "Audi RS6")

	rec := api.do(t, http.MethodPost, "/api/resolver/resolve",
		map[string]string{"query": "audi rs6!"})
	require.Equal(t, http.StatusConflict, rec.Code)

	var resp map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "ambiguous", resp["error"])
	assert.Len(t, resp["candidates"], 2)
}

func TestRegisterAliasEndpoint(t *testing.T) {
	api := newTestAPI(t)
	a := api.createEntity(t, "porsche-911-gt3-992")
	b := api.createEntity(t, "porsche-cayman-gt4")

	rec := api.do(t, http.MethodPost, "/api/resolver/aliases", map[string]string{
		"canonical_id": a.CanonicalID.String(),
		"alias":        "gt3-992",
	})
	assert.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	// The alias resolves to its entity.
	rec = api.do(t, http.MethodPost, "/api/resolver/resolve",
		map[string]string{"query": "gt3-992"})
	require.Equal(t, http.StatusOK, rec.Code)

	// Rebinding to another entity conflicts.
	rec = api.do(t, http.MethodPost, "/api/resolver/aliases", map[string]string{
		"canonical_id": b.CanonicalID.String(),
		"alias":        "gt3-992",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Unknown canonical ID.
	rec = api.do(t, http.MethodPost, "/api/resolver/aliases", map[string]string{
		"canonical_id": uuid.New().String(),
		"alias":        "ghost",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestIngestEventEndpoint(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodPost, "/api/events", map[string]any{
		"kind":    "error",
		"user_id": "u1",
		"message": "failed to load pricing",
	})
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = api.do(t, http.MethodPost, "/api/events", map[string]any{
		"kind": "telemetry",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// The accepted event reached the aggregator.
	api.agg.Flush(context.Background(), "test")
	require.Len(t, api.flushed.aggs, 1)
	assert.Equal(t, types.EventError, api.flushed.aggs[0].Kind)
	assert.Equal(t, 1, api.flushed.aggs[0].Count)
}

func TestTriggerRunEndpoint(t *testing.T) {
	api := newTestAPI(t)
	api.createEntity(t, "porsche-911-gt3-992")

	rec := api.do(t, http.MethodPost, "/api/runs", map[string]any{
		"capability": "market_pricing",
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "started", resp["status"])

	// The background run pushes the entity through the manual-only chain.
	require.Eventually(t, func() bool {
		items, err := api.store.ListManualResearch(context.Background())
		return err == nil && len(items) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestTriggerRunUnknownCapability(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(t, http.MethodPost, "/api/runs", map[string]any{
		"capability": "weather",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestManualResearchEndpoints(t *testing.T) {
	api := newTestAPI(t)
	entity := api.createEntity(t, "porsche-959")

	// Empty queue renders as an empty array, not null.
	rec := api.do(t, http.MethodGet, "/api/manual-research", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	require.NoError(t, api.store.EnqueueManualResearch(context.Background(), types.ManualResearchItem{
		EntityID:   entity.CanonicalID,
		Slug:       entity.Slug,
		Capability: types.CapabilityMarketPricing,
		QueuedAt:   time.Now().UTC(),
	}))

	rec = api.do(t, http.MethodGet, "/api/manual-research", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var items []types.ManualResearchItem
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&items))
	require.Len(t, items, 1)
	assert.Equal(t, entity.CanonicalID, items[0].EntityID)

	rec = api.do(t, http.MethodDelete,
		"/api/manual-research/"+entity.CanonicalID.String()+"/market_pricing", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = api.do(t, http.MethodGet, "/api/manual-research", nil)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestGetEnrichmentEndpoint(t *testing.T) {
	api := newTestAPI(t)
	entity := api.createEntity(t, "porsche-911-gt3-992")

	require.NoError(t, api.store.StoreRecord(context.Background(), &types.EnrichmentRecord{
		EntityID:   entity.CanonicalID,
		Source:     "bat",
		Capability: types.CapabilityMarketPricing,
		Payload:    map[string]any{"median_price": 240250.0},
		SampleSize: 14,
	}))

	rec := api.do(t, http.MethodGet,
		"/api/entities/"+entity.CanonicalID.String()+"/enrichment", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var records []types.EnrichmentRecord
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&records))
	require.Len(t, records, 1)
	assert.Equal(t, "bat", records[0].Source)

	// Narrowed to a capability with no data.
	rec = api.do(t, http.MethodGet,
		"/api/entities/"+entity.CanonicalID.String()+"/enrichment?capability=lap_times", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	rec = api.do(t, http.MethodGet,
		"/api/entities/"+entity.CanonicalID.String()+"/enrichment?capability=weather", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSourceStatusEndpoint(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodGet, "/api/sources/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var statuses []sourceStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&statuses))
	require.Len(t, statuses, 1)
	assert.Equal(t, "manual", statuses[0].Name)
	assert.Equal(t, "manual", statuses[0].Kind)
	assert.Equal(t, "closed", statuses[0].BreakerState)
}
