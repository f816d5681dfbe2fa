package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autorev/paddock/internal/storage"
	"github.com/autorev/paddock/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "paddock_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func createTestEntity(t *testing.T, store *Store, slug string, aliases ...string) *types.Entity {
	t.Helper()
	entity := &types.Entity{
		CanonicalID: uuid.New(),
		Slug:        slug,
		Name:        slug,
		Aliases:     aliases,
	}
	require.NoError(t, store.CreateEntity(context.Background(), entity))
	return entity
}

func TestCreateAndGetEntity(t *testing.T) {
	store := newTestStore(t)
	entity := createTestEntity(t, store, "porsche-911-gt3-992", "gt3-992")

	got, err := store.GetEntity(context.Background(), entity.CanonicalID)
	require.NoError(t, err)
	assert.Equal(t, entity.CanonicalID, got.CanonicalID)
	assert.Equal(t, "porsche-911-gt3-992", got.Slug)
	assert.Equal(t, []string{"gt3-992"}, got.Aliases)
}

func TestGetEntityBySlugAndAlias(t *testing.T) {
	store := newTestStore(t)
	entity := createTestEntity(t, store, "porsche-911-gt3-992", "gt3-992")

	bySlug, err := store.GetEntityBySlug(context.Background(), "porsche-911-gt3-992")
	require.NoError(t, err)
	assert.Equal(t, entity.CanonicalID, bySlug.CanonicalID)

	byAlias, err := store.GetEntityBySlug(context.Background(), "gt3-992")
	require.NoError(t, err)
	assert.Equal(t, entity.CanonicalID, byAlias.CanonicalID)

	_, err = store.GetEntityBySlug(context.Background(), "lada-niva")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestInsertAliasIdempotentAndConflicting(t *testing.T) {
	store := newTestStore(t)
	a := createTestEntity(t, store, "porsche-911-gt3-992")
	b := createTestEntity(t, store, "porsche-cayman-gt4")

	require.NoError(t, store.InsertAlias(context.Background(), a.CanonicalID, "gt3"))
	require.NoError(t, store.InsertAlias(context.Background(), a.CanonicalID, "gt3")) // Idempotent

	err := store.InsertAlias(context.Background(), b.CanonicalID, "gt3")
	assert.ErrorIs(t, err, storage.ErrAliasConflict)
}

func TestInsertAliasRejectsPrimarySlug(t *testing.T) {
	store := newTestStore(t)
	a := createTestEntity(t, store, "porsche-911-gt3-992")
	b := createTestEntity(t, store, "porsche-cayman-gt4")
	ctx := context.Background()

	// Another entity's primary slug can never become an alias.
	err := store.InsertAlias(ctx, a.CanonicalID, "porsche-cayman-gt4")
	assert.ErrorIs(t, err, storage.ErrAliasConflict)

	// The slug still resolves only to its owner.
	got, err := store.GetEntityBySlug(ctx, "porsche-cayman-gt4")
	require.NoError(t, err)
	assert.Equal(t, b.CanonicalID, got.CanonicalID)
	assert.Empty(t, got.Aliases)

	// Registering an entity's own primary slug is a no-op, not a new binding.
	require.NoError(t, store.InsertAlias(ctx, a.CanonicalID, "porsche-911-gt3-992"))
	bindings, err := store.ListSlugBindings(ctx)
	require.NoError(t, err)
	assert.Len(t, bindings, 2)
}

func TestListSlugBindings(t *testing.T) {
	store := newTestStore(t)
	createTestEntity(t, store, "porsche-911-gt3-992", "gt3-992")
	createTestEntity(t, store, "bmw-m3-g80")

	bindings, err := store.ListSlugBindings(context.Background())
	require.NoError(t, err)
	assert.Len(t, bindings, 3)

	aliases := 0
	for _, b := range bindings {
		if b.IsAlias {
			aliases++
		}
	}
	assert.Equal(t, 1, aliases)
}

func TestStoreRecordSupersedes(t *testing.T) {
	store := newTestStore(t)
	entity := createTestEntity(t, store, "porsche-911-gt3-992")
	ctx := context.Background()

	first := &types.EnrichmentRecord{
		EntityID:   entity.CanonicalID,
		Source:     "bat",
		Capability: types.CapabilityMarketPricing,
		Payload:    map[string]any{"median_price": 231500.0},
		SampleSize: 12,
	}
	require.NoError(t, store.StoreRecord(ctx, first))

	second := &types.EnrichmentRecord{
		EntityID:   entity.CanonicalID,
		Source:     "bat",
		Capability: types.CapabilityMarketPricing,
		Payload:    map[string]any{"median_price": 240000.0},
		SampleSize: 14,
	}
	require.NoError(t, store.StoreRecord(ctx, second))

	// Only the newest bat record is current.
	current, err := store.CurrentRecords(ctx, entity.CanonicalID, types.CapabilityMarketPricing)
	require.NoError(t, err)
	require.Len(t, current, 1)
	assert.Equal(t, second.ID, current[0].ID)
	assert.Equal(t, 240000.0, current[0].Payload["median_price"])

	// A record from another source coexists.
	require.NoError(t, store.StoreRecord(ctx, &types.EnrichmentRecord{
		EntityID:   entity.CanonicalID,
		Source:     "hagerty",
		Capability: types.CapabilityMarketPricing,
		Payload:    map[string]any{"median_price": 238000.0},
		SampleSize: 1,
	}))

	current, err = store.CurrentRecords(ctx, entity.CanonicalID, types.CapabilityMarketPricing)
	require.NoError(t, err)
	assert.Len(t, current, 2)

	// Superseded history is retained.
	var total int
	require.NoError(t, store.DB().QueryRow(
		"SELECT COUNT(*) FROM enrichment_records WHERE entity_id = ?",
		entity.CanonicalID.String()).Scan(&total))
	assert.Equal(t, 3, total)
}

func TestStoreRecordValidation(t *testing.T) {
	store := newTestStore(t)
	err := store.StoreRecord(context.Background(), &types.EnrichmentRecord{
		Source: "bat", Capability: "weather",
	})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestPendingItemsSelection(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	noData := createTestEntity(t, store, "a-no-data")
	fresh := createTestEntity(t, store, "b-fresh")
	stale := createTestEntity(t, store, "c-stale")
	manual := createTestEntity(t, store, "d-manual")

	now := time.Now().UTC()
	staleBefore := now.Add(-30 * 24 * time.Hour)

	require.NoError(t, store.StoreRecord(ctx, &types.EnrichmentRecord{
		EntityID: fresh.CanonicalID, Source: "bat",
		Capability: types.CapabilityMarketPricing,
		Payload:    map[string]any{}, FetchedAt: now.Add(-time.Hour),
	}))
	require.NoError(t, store.StoreRecord(ctx, &types.EnrichmentRecord{
		EntityID: stale.CanonicalID, Source: "bat",
		Capability: types.CapabilityMarketPricing,
		Payload:    map[string]any{}, FetchedAt: now.Add(-60 * 24 * time.Hour),
	}))
	require.NoError(t, store.SetRunItemState(ctx, manual.CanonicalID,
		types.CapabilityMarketPricing, types.RunNeedsManualResearch))

	items, err := store.PendingItems(ctx, types.CapabilityMarketPricing, staleBefore, 50)
	require.NoError(t, err)

	slugs := make([]string, len(items))
	for i, item := range items {
		slugs[i] = item.Slug
	}
	// Slug-ordered; fresh data and manual-research entities excluded.
	assert.Equal(t, []string{"a-no-data", "c-stale"}, slugs)
	assert.Equal(t, noData.CanonicalID, items[0].EntityID)

	// The limit bounds the batch.
	items, err = store.PendingItems(ctx, types.CapabilityMarketPricing, staleBefore, 1)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "a-no-data", items[0].Slug)
}

func TestPendingItemsPerCapability(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	entity := createTestEntity(t, store, "porsche-911-gt3-992")

	require.NoError(t, store.StoreRecord(ctx, &types.EnrichmentRecord{
		EntityID: entity.CanonicalID, Source: "bat",
		Capability: types.CapabilityMarketPricing,
		Payload:    map[string]any{}, FetchedAt: time.Now().UTC(),
	}))

	// Pricing is fresh; lap times are still missing.
	staleBefore := time.Now().UTC().Add(-time.Hour)
	pricing, err := store.PendingItems(ctx, types.CapabilityMarketPricing, staleBefore, 50)
	require.NoError(t, err)
	assert.Empty(t, pricing)

	laps, err := store.PendingItems(ctx, types.CapabilityLapTimes, staleBefore, 50)
	require.NoError(t, err)
	assert.Len(t, laps, 1)
}

func TestSourceStateBookkeeping(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	entity := createTestEntity(t, store, "porsche-911-gt3-992")

	_, err := store.GetSourceState(ctx, "bat", entity.CanonicalID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	now := time.Now().UTC()
	require.NoError(t, store.RecordFailure(ctx, "bat", entity.CanonicalID, types.FailureTransient, now))
	require.NoError(t, store.RecordFailure(ctx, "bat", entity.CanonicalID, types.FailureBlocked, now))

	st, err := store.GetSourceState(ctx, "bat", entity.CanonicalID)
	require.NoError(t, err)
	assert.Equal(t, 2, st.ConsecutiveFailures)
	assert.Equal(t, types.FailureBlocked, st.LastFailureKind)
	assert.Nil(t, st.LastSuccessAt)

	require.NoError(t, store.RecordSuccess(ctx, "bat", entity.CanonicalID, now))
	st, err = store.GetSourceState(ctx, "bat", entity.CanonicalID)
	require.NoError(t, err)
	assert.Equal(t, 0, st.ConsecutiveFailures)
	assert.NotNil(t, st.LastSuccessAt)
}

func TestManualResearchQueueLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	entity := createTestEntity(t, store, "porsche-959")

	item := types.ManualResearchItem{
		EntityID:   entity.CanonicalID,
		Slug:       entity.Slug,
		Capability: types.CapabilityMarketPricing,
		QueuedAt:   time.Now().UTC(),
	}
	require.NoError(t, store.EnqueueManualResearch(ctx, item))
	require.NoError(t, store.EnqueueManualResearch(ctx, item)) // Re-queue refreshes
	require.NoError(t, store.SetRunItemState(ctx, entity.CanonicalID,
		types.CapabilityMarketPricing, types.RunNeedsManualResearch))

	items, err := store.ListManualResearch(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, entity.CanonicalID, items[0].EntityID)

	// Parked entities are invisible to run selection.
	staleBefore := time.Now().UTC().Add(-time.Hour)
	pending, err := store.PendingItems(ctx, types.CapabilityMarketPricing, staleBefore, 50)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// Clearing re-opens the entity for automated runs.
	require.NoError(t, store.ClearManualResearch(ctx, entity.CanonicalID, types.CapabilityMarketPricing))

	items, err = store.ListManualResearch(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)

	pending, err = store.PendingItems(ctx, types.CapabilityMarketPricing, staleBefore, 50)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}
