package cache

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/juju/clock"
)

// Memory is an in-process Store bounded to a number of keys. Expired entries are
// kept until evicted so stale reads keep working.
type Memory struct {
	entries *lru.Cache[string, Entry]
	clock   clock.Clock
}

func NewMemory(size int, clk clock.Clock) (*Memory, error) {
	entries, err := lru.New[string, Entry](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create lru cache: %w", err)
	}
	if clk == nil {
		clk = clock.WallClock
	}
	return &Memory{entries: entries, clock: clk}, nil
}

func (m *Memory) Get(_ context.Context, key string, allowStale bool) ([]byte, bool, error) {
	entry, ok := m.entries.Get(key)
	if !ok {
		return nil, false, nil
	}
	if entry.Expired(m.clock.Now()) && !allowStale {
		return nil, false, nil
	}
	return entry.Value, true, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	entry := Entry{Value: value}
	if ttl > 0 {
		entry.ExpiresAt = m.clock.Now().Add(ttl)
	}
	m.entries.Add(key, entry)
	return nil
}

var _ Store = (*Memory)(nil)
