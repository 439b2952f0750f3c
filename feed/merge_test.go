package feed_test

import (
	"feedsync/feed"
	"feedsync/models"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMergeSortsNewestFirst(t *testing.T) {
	items := feed.TransformAll([]models.RawRecord{
		note("a", "x", 100),
		note("b", "x", 50),
		note("c", "x", 200),
	})

	merged := feed.Merge(nil, items)

	assert.Equal(t, []string{"c", "a", "b"}, itemIds(merged))
	assert.Equal(t, []int64{200, 100, 50}, []int64{merged[0].CreatedAt, merged[1].CreatedAt, merged[2].CreatedAt})
}

func TestMergeIsIdempotent(t *testing.T) {
	existing := feed.TransformAll([]models.RawRecord{note("old", "x", 10), note("a", "x", 30)})
	incoming := feed.TransformAll([]models.RawRecord{
		note("a", "x", 30),
		note("b", "x", 30),
		note("c", "x", 20),
	})

	once := feed.Merge(existing, incoming)
	twice := feed.Merge(once, incoming)

	assert.Equal(t, itemIds(once), itemIds(twice))
	assert.Equal(t, once, twice)
}

func TestMergeLastComputedWins(t *testing.T) {
	existing := []models.FeedItem{{Id: "a", CreatedAt: 10, Content: "stale"}}
	incoming := []models.FeedItem{
		{Id: "a", CreatedAt: 10, Content: "fresh"},
		{Id: "b", CreatedAt: 5, Content: "first"},
		{Id: "b", CreatedAt: 5, Content: "second"},
	}

	merged := feed.Merge(existing, incoming)

	assert.Equal(t, []string{"a", "b"}, itemIds(merged))
	assert.Equal(t, "fresh", merged[0].Content)
	assert.Equal(t, "second", merged[1].Content)
	assert.Equal(t, "stale", existing[0].Content, "existing must not be modified")
}

func TestMergeTiesKeepEncounterOrder(t *testing.T) {
	merged := feed.Merge(
		[]models.FeedItem{{Id: "x", CreatedAt: 1}},
		[]models.FeedItem{{Id: "y", CreatedAt: 1}, {Id: "z", CreatedAt: 1}},
	)
	assert.Equal(t, []string{"x", "y", "z"}, itemIds(merged))
}

func TestMergeEmpty(t *testing.T) {
	assert.Empty(t, feed.Merge(nil, nil))
}
