package feed

import (
	"errors"
	"fmt"

	"feedsync/models"

	log "github.com/sirupsen/logrus"
)

var ErrMalformedRecord = errors.New("malformed record")

// Transform converts a raw record into a feed item. It has no side effects and
// is safe to call from any goroutine.
func Transform(record models.RawRecord) (models.FeedItem, error) {
	if record.Id == "" {
		return models.FeedItem{}, fmt.Errorf("%w: missing id", ErrMalformedRecord)
	}
	if record.AuthorId == "" {
		return models.FeedItem{}, fmt.Errorf("%w: record %s has no author", ErrMalformedRecord, record.Id)
	}
	if record.CreatedAt <= 0 {
		return models.FeedItem{}, fmt.Errorf("%w: record %s has no creation time", ErrMalformedRecord, record.Id)
	}

	parent, root := replyLinks(record.Tags)

	return models.FeedItem{
		Id: record.Id,
		Author: models.AuthorSummary{
			Id:    record.AuthorId,
			Label: AuthorLabel(record.AuthorId),
		},
		Content:       record.Content,
		CreatedAt:     record.CreatedAt,
		ParentReplyId: parent,
		ThreadRootId:  root,
	}, nil
}

// TransformAll transforms a batch, skipping malformed records
func TransformAll(records []models.RawRecord) []models.FeedItem {
	items := make([]models.FeedItem, 0, len(records))
	for _, record := range records {
		item, err := Transform(record)
		if err != nil {
			recordsSkipped.Inc()
			log.WithFields(log.Fields{
				"id":    record.Id,
				"error": err,
			}).Debug("Skipping record")
			continue
		}
		items = append(items, item)
	}
	recordsTransformed.Add(float64(len(items)))
	return items
}

// replyLinks scans the tag list once. Explicitly marked "reply" and "root" event
// references win; the first "e" tag without a marker slot is the legacy reply id.
func replyLinks(tags []models.Tag) (parent string, root string) {
	var legacy string
	for _, tag := range tags {
		if len(tag) < 2 || tag[0] != "e" || tag[1] == "" {
			continue
		}
		if len(tag) < 4 {
			if legacy == "" {
				legacy = tag[1]
			}
			continue
		}
		switch tag[3] {
		case "reply":
			parent = tag[1]
		case "root":
			root = tag[1]
		}
	}
	if parent == "" {
		parent = legacy
	}
	return parent, root
}

// AuthorLabel is the placeholder display label for an author id: the first 8
// and last 4 characters joined by an ellipsis.
func AuthorLabel(authorId string) string {
	runes := []rune(authorId)
	if len(runes) <= 12 {
		return authorId
	}
	return string(runes[:8]) + "…" + string(runes[len(runes)-4:])
}
