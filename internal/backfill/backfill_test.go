package backfill

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autorev/paddock/internal/resolver"
	"github.com/autorev/paddock/internal/storage/sqlite"
	"github.com/autorev/paddock/pkg/types"
)

// fixture opens a store, seeds entities, and creates a legacy slug-keyed
// table alongside the managed schema.
type fixture struct {
	store *sqlite.Store
	res   *resolver.Resolver
	gt3   uuid.UUID
	m3    uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := sqlite.NewStore(filepath.Join(t.TempDir(), "paddock_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	f := &fixture{store: store, res: resolver.New(store)}
	f.gt3 = f.addEntity(t, "porsche-911-gt3-992", "gt3-992")
	f.m3 = f.addEntity(t, "bmw-m3-g80")

	_, err = store.DB().Exec(`
		CREATE TABLE user_favorites (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			car_slug TEXT NOT NULL
		)`)
	require.NoError(t, err)

	return f
}

func (f *fixture) addEntity(t *testing.T, slug string, aliases ...string) uuid.UUID {
	t.Helper()
	entity := &types.Entity{CanonicalID: uuid.New(), Slug: slug, Name: slug, Aliases: aliases}
	require.NoError(t, f.store.CreateEntity(context.Background(), entity))
	return entity.CanonicalID
}

func (f *fixture) addFavorite(t *testing.T, user, slug string) {
	t.Helper()
	_, err := f.store.DB().Exec(
		"INSERT INTO user_favorites (user_id, car_slug) VALUES (?, ?)", user, slug)
	require.NoError(t, err)
}

func (f *fixture) canonicalFor(t *testing.T, user string) *string {
	t.Helper()
	var id *string
	require.NoError(t, f.store.DB().QueryRow(
		"SELECT canonical_entity_id FROM user_favorites WHERE user_id = ?", user).Scan(&id))
	return id
}

func favoritesTable() LegacyTable {
	return LegacyTable{Name: "user_favorites", SlugColumn: "car_slug"}
}

func TestBackfillMapsResolvableSlugs(t *testing.T) {
	f := newFixture(t)
	f.addFavorite(t, "u1", "porsche-911-gt3-992")
	f.addFavorite(t, "u2", "gt3-992") // Alias resolves to the same entity
	f.addFavorite(t, "u3", "bmw-m3-g80")
	f.addFavorite(t, "u4", "mystery-car") // Unknown, must stay NULL

	b := New(f.store.DB(), f.res, nil)
	reports, err := b.Run(context.Background(), []LegacyTable{favoritesTable()})
	require.NoError(t, err)
	require.Len(t, reports, 1)

	report := reports[0]
	assert.True(t, report.ColumnAdded)
	assert.Equal(t, int64(3), report.RowsUpdated)
	assert.Equal(t, 3, report.SlugsResolved)
	assert.Equal(t, 1, report.SlugsSkipped)
	assert.True(t, report.TriggerInstalled)

	require.NotNil(t, f.canonicalFor(t, "u1"))
	assert.Equal(t, f.gt3.String(), *f.canonicalFor(t, "u1"))
	assert.Equal(t, f.gt3.String(), *f.canonicalFor(t, "u2"))
	assert.Equal(t, f.m3.String(), *f.canonicalFor(t, "u3"))
	assert.Nil(t, f.canonicalFor(t, "u4"))
}

func TestBackfillIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.addFavorite(t, "u1", "porsche-911-gt3-992")

	b := New(f.store.DB(), f.res, nil)
	_, err := b.Run(context.Background(), []LegacyTable{favoritesTable()})
	require.NoError(t, err)

	reports, err := b.Run(context.Background(), []LegacyTable{favoritesTable()})
	require.NoError(t, err)
	require.Len(t, reports, 1)

	// Second run finds nothing to do.
	assert.False(t, reports[0].ColumnAdded)
	assert.Equal(t, int64(0), reports[0].RowsUpdated)
	assert.Equal(t, 0, reports[0].SlugsResolved)
}

func TestWriteTimeTriggerSyncsNewRows(t *testing.T) {
	f := newFixture(t)

	b := New(f.store.DB(), f.res, nil)
	_, err := b.Run(context.Background(), []LegacyTable{favoritesTable()})
	require.NoError(t, err)

	// Legacy application code keeps inserting slug-only rows after the
	// migration; the trigger fills in the canonical ID at write time.
	f.addFavorite(t, "u9", "porsche-911-gt3-992")
	require.NotNil(t, f.canonicalFor(t, "u9"))
	assert.Equal(t, f.gt3.String(), *f.canonicalFor(t, "u9"))

	// Alias slugs sync too.
	f.addFavorite(t, "u10", "gt3-992")
	require.NotNil(t, f.canonicalFor(t, "u10"))
	assert.Equal(t, f.gt3.String(), *f.canonicalFor(t, "u10"))

	// Unknown slugs stay NULL rather than blocking the insert.
	f.addFavorite(t, "u11", "mystery-car")
	assert.Nil(t, f.canonicalFor(t, "u11"))
}

func TestWriteTimeTriggerSyncsSlugUpdates(t *testing.T) {
	f := newFixture(t)
	f.addFavorite(t, "u1", "porsche-911-gt3-992")

	b := New(f.store.DB(), f.res, nil)
	_, err := b.Run(context.Background(), []LegacyTable{favoritesTable()})
	require.NoError(t, err)

	update := func(slug string) {
		_, err := f.store.DB().Exec(
			"UPDATE user_favorites SET car_slug = ? WHERE user_id = ?", slug, "u1")
		require.NoError(t, err)
	}

	// Rewriting the slug re-resolves the canonical ID.
	update("bmw-m3-g80")
	require.NotNil(t, f.canonicalFor(t, "u1"))
	assert.Equal(t, f.m3.String(), *f.canonicalFor(t, "u1"))

	// Alias slugs re-resolve too.
	update("gt3-992")
	require.NotNil(t, f.canonicalFor(t, "u1"))
	assert.Equal(t, f.gt3.String(), *f.canonicalFor(t, "u1"))

	// An unknown slug clears the stale ID instead of keeping it.
	update("mystery-car")
	assert.Nil(t, f.canonicalFor(t, "u1"))
}

func TestBackfillHonorsExcludeList(t *testing.T) {
	f := newFixture(t)
	f.addFavorite(t, "u1", "porsche-911-gt3-992")

	b := New(f.store.DB(), f.res, []string{"user_favorites"})
	reports, err := b.Run(context.Background(), []LegacyTable{favoritesTable()})
	require.NoError(t, err)
	assert.Empty(t, reports)

	// The table was never touched: no canonical column exists.
	var count int
	err = f.store.DB().QueryRow(
		"SELECT COUNT(*) FROM user_favorites WHERE canonical_entity_id IS NOT NULL").Scan(&count)
	assert.Error(t, err)
}

func TestBackfillRejectsBadIdentifiers(t *testing.T) {
	f := newFixture(t)
	b := New(f.store.DB(), f.res, nil)

	_, err := b.Run(context.Background(), []LegacyTable{{Name: "users; DROP TABLE x", SlugColumn: "slug"}})
	assert.Error(t, err)
}

func TestBackfillSkipsAmbiguousSlugs(t *testing.T) {
	f := newFixture(t)
	// Two entities normalize to the same reference.
	f.addEntity(t, "audi-rs6")
	f.addEntity(t, "Audi RS6")
	f.addFavorite(t, "u1", "audi rs6!")

	b := New(f.store.DB(), f.res, nil)
	reports, err := b.Run(context.Background(), []LegacyTable{favoritesTable()})
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, 1, reports[0].SlugsSkipped)
	assert.Nil(t, f.canonicalFor(t, "u1"))
}
