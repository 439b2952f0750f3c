// Package db persists raw records and cache entries in SQLite
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"feedsync/models"
	"feedsync/query"

	sqlbuilder "github.com/huandu/go-sqlbuilder"
	"github.com/juju/clock"
	log "github.com/sirupsen/logrus"
)

// Store is the persistent record store. Records are immutable per id, so
// writing a record that is already stored is a no-op.
type Store struct {
	db    *sql.DB
	clock clock.Clock
}

// Open connects to the SQLite database at path. Run Migrate first.
func Open(path string, clk clock.Clock) (*Store, error) {
	db, err := connection(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if clk == nil {
		clk = clock.WallClock
	}
	return &Store{db: db, clock: clk}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// PartialFailureError lists the records that could not be written by PutAll
type PartialFailureError struct {
	Failed []string
	Err    error
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("failed to store %d records (%s): %v", len(e.Failed), strings.Join(e.Failed, ", "), e.Err)
}

func (e *PartialFailureError) Unwrap() error {
	return e.Err
}

// PutAll stores records in one transaction. Records that fail individually are
// reported in a *PartialFailureError while the rest are committed.
func (s *Store) PutAll(ctx context.Context, records []models.RawRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	storedAt := s.clock.Now().Unix()
	var failed []string
	var errs []error

	for _, record := range records {
		if err := putRecord(ctx, tx, record, storedAt); err != nil {
			failed = append(failed, record.Id)
			errs = append(errs, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit records: %w", err)
	}

	log.WithFields(log.Fields{
		"records": len(records),
		"failed":  len(failed),
	}).Debug("Stored records")

	if len(failed) > 0 {
		return &PartialFailureError{Failed: failed, Err: errors.Join(errs...)}
	}
	return nil
}

func putRecord(ctx context.Context, tx *sql.Tx, record models.RawRecord, storedAt int64) error {
	if record.Id == "" {
		return errors.New("record has no id")
	}

	tags := record.Tags
	if tags == nil {
		tags = []models.Tag{}
	}
	tagsJson, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("failed to encode tags of %s: %w", record.Id, err)
	}

	ib := sqlbuilder.SQLite.NewInsertBuilder()
	ib.InsertIgnoreInto("records").
		Cols("id", "author_id", "created_at", "kind", "content", "tags", "sig", "stored_at").
		Values(record.Id, record.AuthorId, record.CreatedAt, record.Kind, record.Content, string(tagsJson), record.Sig, storedAt)

	sql, args := ib.Build()
	if _, err := tx.ExecContext(ctx, sql, args...); err != nil {
		return fmt.Errorf("insert error for %s: %w", record.Id, err)
	}
	return nil
}

// Query returns stored records matching all filters, newest first
func (s *Store) Query(ctx context.Context, limit int, filters ...query.FilterStrategy) ([]models.RawRecord, error) {
	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select(
		"records.id", "records.author_id", "records.created_at", "records.kind",
		"records.content", "records.tags", "records.sig",
	).From("records")

	for _, filter := range filters {
		filter.ApplyFilter(sb)
	}

	sb.OrderBy("records.created_at DESC", "records.id")
	if limit > 0 {
		sb.Limit(limit)
	}

	sql, args := sb.Build()
	rows, err := s.db.QueryContext(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query error: %w", err)
	}
	defer rows.Close()

	records := []models.RawRecord{}
	for rows.Next() {
		var record models.RawRecord
		var tagsJson string
		if err := rows.Scan(&record.Id, &record.AuthorId, &record.CreatedAt, &record.Kind, &record.Content, &tagsJson, &record.Sig); err != nil {
			return nil, fmt.Errorf("scan error: %w", err)
		}
		if err := json.Unmarshal([]byte(tagsJson), &record.Tags); err != nil {
			return nil, fmt.Errorf("failed to decode tags of %s: %w", record.Id, err)
		}
		records = append(records, record)
	}

	return records, rows.Err()
}

// Count returns the number of stored records
func (s *Store) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, "SELECT count(*) FROM records").Scan(&count); err != nil {
		return 0, fmt.Errorf("query error: %w", err)
	}
	return count, nil
}
