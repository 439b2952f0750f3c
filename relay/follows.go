package relay

import (
	"context"
	"fmt"

	"feedsync/models"

	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
)

// Querier fetches records matching a filter
type Querier interface {
	QueryRecords(ctx context.Context, filter models.Filter) ([]models.RawRecord, error)
}

// FollowResolver reads a viewer's followed ids from their newest contact list
type FollowResolver struct {
	querier Querier
}

func NewFollowResolver(querier Querier) *FollowResolver {
	return &FollowResolver{querier: querier}
}

func (r *FollowResolver) ResolveFollowedIds(ctx context.Context, viewerId string) ([]string, error) {
	records, err := r.querier.QueryRecords(ctx, models.Filter{
		Kinds:   []int{models.KindContactList},
		Authors: []string{viewerId},
		Limit:   1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch contact list of %s: %w", viewerId, err)
	}

	// Relays may each return their own copy, newest wins
	lists := lo.Filter(records, func(record models.RawRecord, _ int) bool {
		return record.Kind == models.KindContactList && record.AuthorId == viewerId
	})
	if len(lists) == 0 {
		return []string{}, nil
	}
	newest := lo.MaxBy(lists, func(a, b models.RawRecord) bool {
		return a.CreatedAt > b.CreatedAt
	})

	follows := lo.Uniq(lo.FilterMap(newest.Tags, func(tag models.Tag, _ int) (string, bool) {
		if len(tag) < 2 || tag[0] != "p" || tag[1] == "" {
			return "", false
		}
		return tag[1], true
	}))

	log.WithFields(log.Fields{
		"viewer":  viewerId,
		"follows": len(follows),
	}).Debug("Resolved follows")

	return follows, nil
}
