// Package cache provides the time-boxed key/value cache that holds the last
// summarized feed per viewer.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
	log "github.com/sirupsen/logrus"
)

// Store is a key/value cache with per-entry TTL. Get reports whether the key is
// present; expired entries are present only when allowStale is set.
type Store interface {
	Get(ctx context.Context, key string, allowStale bool) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Entry is a cached value with its expiry
type Entry struct {
	Value     []byte
	ExpiresAt time.Time
}

// Expired reports whether the entry is past its expiry. A zero expiry never expires.
func (e Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// Typed stores values of type V in a Store as zstd compressed JSON
type Typed[V any] struct {
	store   Store
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func NewTyped[V any](store Store) (*Typed[V], error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &Typed[V]{store: store, encoder: encoder, decoder: decoder}, nil
}

// Get returns the value for key. Read and decode failures are logged and
// reported as a miss.
func (t *Typed[V]) Get(ctx context.Context, key string, allowStale bool) (V, bool) {
	var value V

	data, ok, err := t.store.Get(ctx, key, allowStale)
	if err != nil {
		log.WithFields(log.Fields{
			"key":   key,
			"error": err,
		}).Warn("Cache read failed")
		return value, false
	}
	if !ok {
		return value, false
	}

	raw, err := t.decoder.DecodeAll(data, nil)
	if err == nil {
		err = json.Unmarshal(raw, &value)
	}
	if err != nil {
		log.WithFields(log.Fields{
			"key":   key,
			"error": err,
		}).Warn("Discarding corrupt cache entry")
		var zero V
		return zero, false
	}

	return value, true
}

func (t *Typed[V]) Set(ctx context.Context, key string, value V, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode cache value: %w", err)
	}
	return t.store.Set(ctx, key, t.encoder.EncodeAll(raw, nil), ttl)
}
