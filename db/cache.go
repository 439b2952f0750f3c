package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sqlbuilder "github.com/huandu/go-sqlbuilder"
)

// Cache is a cache.Store kept in the cache_entries table, so the last
// summarized feeds survive restarts.
type Cache struct {
	store *Store
}

// Cache returns the cache backed by this database
func (s *Store) Cache() *Cache {
	return &Cache{store: s}
}

func (c *Cache) Get(ctx context.Context, key string, allowStale bool) ([]byte, bool, error) {
	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select("value", "expires_at").From("cache_entries").Where(sb.Equal("key", key))
	query, args := sb.Build()

	var value []byte
	var expiresAt int64
	err := c.store.db.QueryRowContext(ctx, query, args...).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("query error: %w", err)
	}

	expired := expiresAt != 0 && c.store.clock.Now().Unix() > expiresAt
	if expired && !allowStale {
		return nil, false, nil
	}
	return value, true, nil
}

func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expiresAt int64
	if ttl > 0 {
		expiresAt = c.store.clock.Now().Add(ttl).Unix()
	}

	ib := sqlbuilder.SQLite.NewInsertBuilder()
	ib.ReplaceInto("cache_entries").Cols("key", "value", "expires_at").Values(key, value, expiresAt)
	query, args := ib.Build()

	if _, err := c.store.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to write cache entry %s: %w", key, err)
	}
	return nil
}
