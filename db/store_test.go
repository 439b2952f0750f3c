package db_test

import (
	"context"
	"feedsync/db"
	"feedsync/models"
	"feedsync/query"
	"path/filepath"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T, clk *testclock.Clock) *db.Store {
	t.Helper()

	path := filepath.Join(t.TempDir(), "feed.db")
	require.NoError(t, db.Migrate(path))

	store, err := db.Open(path, clk)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func record(id string, author string, createdAt int64, kind int) models.RawRecord {
	return models.RawRecord{
		Id:        id,
		AuthorId:  author,
		CreatedAt: createdAt,
		Kind:      kind,
		Content:   "content " + id,
		Tags:      []models.Tag{{"e", "parent", "", "reply"}},
		Sig:       "sig-" + id,
	}
}

func TestPutAllIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, testclock.NewClock(time.Unix(1_700_000_000, 0)))

	records := []models.RawRecord{record("a", "alice", 100, models.KindNote), record("b", "bob", 200, models.KindNote)}
	require.NoError(t, store.PutAll(ctx, records))
	require.NoError(t, store.PutAll(ctx, records))
	require.NoError(t, store.PutAll(ctx, nil))

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	stored, err := store.Query(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []models.RawRecord{records[1], records[0]}, stored)
}

func TestPutAllPartialFailure(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, testclock.NewClock(time.Unix(1_700_000_000, 0)))

	err := store.PutAll(ctx, []models.RawRecord{record("a", "alice", 100, models.KindNote), {Content: "no id"}})

	var partial *db.PartialFailureError
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, []string{""}, partial.Failed)

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count, "valid records are still committed")
}

func TestQueryFilters(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, testclock.NewClock(time.Unix(1_700_000_000, 0)))

	require.NoError(t, store.PutAll(ctx, []models.RawRecord{
		record("a1", "alice", 100, models.KindNote),
		record("a2", "alice", 300, models.KindNote),
		record("a3", "alice", 400, models.KindReaction),
		record("b1", "bob", 200, models.KindNote),
		record("c1", "carol", 250, models.KindNote),
	}))

	tests := []struct {
		name     string
		limit    int
		filters  []query.FilterStrategy
		expected []string
	}{
		{
			name:     "everything newest first",
			expected: []string{"a3", "a2", "c1", "b1", "a1"},
		},
		{
			name:     "notes by alice and bob",
			filters:  []query.FilterStrategy{&query.KindFilter{Kinds: []int{models.KindNote}}, &query.AuthorFilter{Authors: []string{"alice", "bob"}}},
			expected: []string{"a2", "b1", "a1"},
		},
		{
			name:     "time range",
			filters:  []query.FilterStrategy{&query.SinceFilter{Since: 200}, &query.UntilFilter{Until: 300}},
			expected: []string{"c1", "b1"},
		},
		{
			name:     "limit",
			limit:    2,
			expected: []string{"a3", "a2"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records, err := store.Query(ctx, tt.limit, tt.filters...)
			require.NoError(t, err)

			ids := make([]string, len(records))
			for i, r := range records {
				ids[i] = r.Id
			}
			assert.Equal(t, tt.expected, ids)
		})
	}
}

func TestTidy(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	clk := testclock.NewClock(now)
	store := openStore(t, clk)

	require.NoError(t, store.PutAll(ctx, []models.RawRecord{
		record("old", "alice", now.Add(-100*24*time.Hour).Unix(), models.KindNote),
		record("new", "alice", now.Add(-time.Hour).Unix(), models.KindNote),
	}))

	cache := store.Cache()
	require.NoError(t, cache.Set(ctx, "expired", []byte("x"), time.Minute))
	require.NoError(t, cache.Set(ctx, "forever", []byte("y"), 0))
	clk.Advance(48 * time.Hour)

	deleted, err := store.Tidy(ctx, 90*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	records, err := store.Query(ctx, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "new", records[0].Id)

	_, ok, err := cache.Get(ctx, "expired", true)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = cache.Get(ctx, "forever", false)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCacheStaleReads(t *testing.T) {
	ctx := context.Background()
	clk := testclock.NewClock(time.Unix(1_700_000_000, 0))
	cache := openStore(t, clk).Cache()

	require.NoError(t, cache.Set(ctx, "k", []byte("v1"), time.Minute))
	require.NoError(t, cache.Set(ctx, "k", []byte("v2"), time.Minute))

	value, ok, err := cache.Get(ctx, "k", false)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v2"), value)

	clk.Advance(time.Hour)

	_, ok, err = cache.Get(ctx, "k", false)
	require.NoError(t, err)
	assert.False(t, ok)

	value, ok, err = cache.Get(ctx, "k", true)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v2"), value)

	_, ok, err = cache.Get(ctx, "missing", true)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRollback(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feed.db")
	require.NoError(t, db.Migrate(path))
	require.NoError(t, db.Migrate(path), "migrating twice is a no-op")
	require.NoError(t, db.Rollback(path))
}
