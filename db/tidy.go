package db

import (
	"context"
	"fmt"
	"time"

	sqlbuilder "github.com/huandu/go-sqlbuilder"
	log "github.com/sirupsen/logrus"
)

// cacheGrace is how long expired cache entries are kept for stale reads
const cacheGrace = 24 * time.Hour

// Tidy removes records created more than retention ago and cache entries that
// expired more than a day ago. It returns the number of deleted records.
func (s *Store) Tidy(ctx context.Context, retention time.Duration) (int64, error) {
	now := s.clock.Now()

	deleteRecords := sqlbuilder.SQLite.NewDeleteBuilder()
	deleteRecords.DeleteFrom("records").Where(deleteRecords.LessThan("created_at", now.Add(-retention).Unix()))
	sql, args := deleteRecords.Build()

	log.WithFields(log.Fields{
		"sql":  sql,
		"args": args,
	}).Info("Tidying database")

	res, err := s.db.ExecContext(ctx, sql, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old records: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	deleteEntries := sqlbuilder.SQLite.NewDeleteBuilder()
	deleteEntries.DeleteFrom("cache_entries").Where(
		deleteEntries.GreaterThan("expires_at", 0),
		deleteEntries.LessThan("expires_at", now.Add(-cacheGrace).Unix()),
	)
	sql, args = deleteEntries.Build()
	if _, err := s.db.ExecContext(ctx, sql, args...); err != nil {
		return deleted, fmt.Errorf("failed to delete expired cache entries: %w", err)
	}

	return deleted, nil
}
