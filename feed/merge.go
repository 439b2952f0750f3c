package feed

import (
	"cmp"
	"slices"

	"feedsync/models"
)

// Merge combines incoming items into existing ones. An incoming item replaces
// any item with the same id in place; the result is stably sorted newest first.
// Neither argument is modified.
func Merge(existing []models.FeedItem, incoming []models.FeedItem) []models.FeedItem {
	merged := make([]models.FeedItem, 0, len(existing)+len(incoming))
	index := make(map[string]int, len(existing)+len(incoming))

	for _, items := range [][]models.FeedItem{existing, incoming} {
		for _, item := range items {
			if i, ok := index[item.Id]; ok {
				merged[i] = item
				continue
			}
			index[item.Id] = len(merged)
			merged = append(merged, item)
		}
	}

	slices.SortStableFunc(merged, func(a, b models.FeedItem) int {
		return cmp.Compare(b.CreatedAt, a.CreatedAt)
	})
	return merged
}
