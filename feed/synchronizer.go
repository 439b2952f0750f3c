// Package feed synchronizes the "following" feed of a viewer: cached items are
// shown first, fresh relay records are batched, transformed, merged and emitted
// incrementally, and raw records are persisted on the side.
package feed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"feedsync/cache"
	"feedsync/models"

	"github.com/juju/clock"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultLimit          = 50
	DefaultLookback       = 24 * time.Hour
	DefaultLoadMoreLimit  = 30
	DefaultCacheTTL       = time.Hour
	DefaultMaxCachedItems = 500
	DefaultStoreTimeout   = 30 * time.Second
)

// FollowResolver resolves the identities a viewer follows
type FollowResolver interface {
	ResolveFollowedIds(ctx context.Context, viewerId string) ([]string, error)
}

// RecordSource queries the network for records
type RecordSource interface {
	QueryRecords(ctx context.Context, filter models.Filter) ([]models.RawRecord, error)
}

// RecordStreamer is implemented by sources that can deliver records as they
// arrive. StreamRecords must not close out.
type RecordStreamer interface {
	StreamRecords(ctx context.Context, filter models.Filter, out chan<- models.RawRecord) error
}

// RecordStore durably stores raw records
type RecordStore interface {
	PutAll(ctx context.Context, records []models.RawRecord) error
}

// FlushEachRecord is a Window that emits a batch per received record
const FlushEachRecord time.Duration = -1

// Config tunes a Synchronizer. Zero values fall back to the defaults.
type Config struct {
	// Window is the debounce window, use FlushEachRecord to disable debouncing
	Window         time.Duration
	CacheTTL       time.Duration
	MaxCachedItems int
	StoreTimeout   time.Duration
	Clock          clock.Clock
}

// Synchronizer produces feed batches for viewers. It holds no per-session state,
// so concurrent sessions for different viewers do not interact.
type Synchronizer struct {
	resolver FollowResolver
	source   RecordSource
	store    RecordStore
	cache    *cache.Typed[[]models.FeedItem]
	pool     *Pool
	config   Config

	// running sessions and pending fire-and-forget store writes
	writes sync.WaitGroup
}

func NewSynchronizer(resolver FollowResolver, source RecordSource, store RecordStore, cacheStore cache.Store, pool *Pool, config Config) (*Synchronizer, error) {
	summaries, err := cache.NewTyped[[]models.FeedItem](cacheStore)
	if err != nil {
		return nil, err
	}

	if config.Window == 0 {
		config.Window = DefaultWindow
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = DefaultCacheTTL
	}
	if config.MaxCachedItems <= 0 {
		config.MaxCachedItems = DefaultMaxCachedItems
	}
	if config.StoreTimeout <= 0 {
		config.StoreTimeout = DefaultStoreTimeout
	}
	if config.Clock == nil {
		config.Clock = clock.WallClock
	}

	return &Synchronizer{
		resolver: resolver,
		source:   source,
		store:    store,
		cache:    summaries,
		pool:     pool,
		config:   config,
	}, nil
}

// FollowingCacheKey is the cache key of the summarized following feed of a viewer
func FollowingCacheKey(viewerId string) string {
	return "feed:following:" + viewerId
}

// Synchronize starts a session for viewerId. The returned channel yields an
// optional cache batch, zero or more intermediate batches and exactly one
// terminal batch, then it is closed. Cancelling ctx closes the channel early.
// limit and lookback fall back to the defaults when <= 0.
func (s *Synchronizer) Synchronize(ctx context.Context, viewerId string, limit int, lookback time.Duration) <-chan models.FeedBatch {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if lookback <= 0 {
		lookback = DefaultLookback
	}

	out := make(chan models.FeedBatch, 1)
	sess := &session{
		Synchronizer: s,
		ctx:          ctx,
		out:          out,
		viewerId:     viewerId,
		limit:        limit,
		lookback:     lookback,
		logger:       log.WithField("viewer", viewerId),
	}

	s.writes.Add(1)
	go func() {
		defer s.writes.Done()
		defer close(out)
		sess.run()
	}()

	return out
}

// LoadMore fetches one page of notes by followedIds strictly older than until.
// On failure it returns an empty terminal batch along with the error.
func (s *Synchronizer) LoadMore(ctx context.Context, followedIds []string, until int64, limit int) (models.FeedBatch, error) {
	if limit <= 0 {
		limit = DefaultLoadMoreLimit
	}
	if len(followedIds) == 0 {
		return models.FeedBatch{Items: []models.FeedItem{}, IsComplete: true}, nil
	}

	before := until - 1
	records, err := s.source.QueryRecords(ctx, models.Filter{
		Kinds:   []int{models.KindNote},
		Authors: followedIds,
		Until:   &before,
		Limit:   limit,
	})
	if err != nil {
		fetchFailures.Inc()
		return models.FeedBatch{Items: []models.FeedItem{}, IsComplete: true}, fmt.Errorf("failed to load more: %w", err)
	}

	received := len(records)
	records = lo.Filter(records, func(r models.RawRecord, _ int) bool {
		return r.CreatedAt < until
	})
	s.persist(records)

	items, err := s.pool.Transform(ctx, records)
	if err != nil {
		return models.FeedBatch{Items: []models.FeedItem{}, IsComplete: true}, err
	}

	return models.FeedBatch{
		Items:      Merge(nil, items),
		IsComplete: true,
		HasMore:    received*2 >= limit,
	}, nil
}

// Wait blocks until all sessions and pending store writes have finished. Sessions
// end once their context is cancelled.
func (s *Synchronizer) Wait() {
	s.writes.Wait()
}

// persist hands records to the store without blocking the caller. Errors are
// logged and dropped. The write outlives the session context.
func (s *Synchronizer) persist(records []models.RawRecord) {
	if len(records) == 0 || s.store == nil {
		return
	}

	s.writes.Add(1)
	go func() {
		defer s.writes.Done()

		ctx, cancel := context.WithTimeout(context.Background(), s.config.StoreTimeout)
		defer cancel()

		if err := s.store.PutAll(ctx, records); err != nil {
			storeFailures.Inc()
			log.WithFields(log.Fields{
				"records": len(records),
				"error":   err,
			}).Warn("Failed to persist records")
		}
	}()
}

// session is the state of one Synchronize call
type session struct {
	*Synchronizer

	ctx      context.Context
	out      chan<- models.FeedBatch
	viewerId string
	limit    int
	lookback time.Duration
	logger   *log.Entry

	items []models.FeedItem
}

func (sess *session) emit(stage string, batch models.FeedBatch) bool {
	// out is buffered, a cancelled session must not win the select below
	if sess.ctx.Err() != nil {
		sess.logger.Debug("Session cancelled")
		return false
	}
	select {
	case sess.out <- batch:
		batchesEmitted.WithLabelValues(stage).Inc()
		return true
	case <-sess.ctx.Done():
		sess.logger.Debug("Session cancelled")
		return false
	}
}

// snapshot copies the merged items so emitted batches never alias session state
func (sess *session) snapshot() []models.FeedItem {
	items := make([]models.FeedItem, len(sess.items))
	copy(items, sess.items)
	return items
}

func (sess *session) fail(err error) {
	fetchFailures.Inc()
	sess.logger.WithField("error", err).Warn("Feed fetch failed, falling back to cached items")
	sess.emit(stageTerminal, models.FeedBatch{
		Items:      sess.snapshot(),
		IsComplete: true,
		HasMore:    false,
		Error:      err.Error(),
	})
}

func (sess *session) run() {
	key := FollowingCacheKey(sess.viewerId)

	if cached, ok := sess.cache.Get(sess.ctx, key, true); ok && len(cached) > 0 {
		sess.items = cached
		sess.logger.WithField("items", len(cached)).Debug("Serving cached feed")
		if !sess.emit(stageCache, models.FeedBatch{Items: sess.snapshot(), HasMore: true}) {
			return
		}
	}

	followed, err := sess.resolver.ResolveFollowedIds(sess.ctx, sess.viewerId)
	if err != nil {
		if sess.ctx.Err() == nil {
			sess.fail(fmt.Errorf("failed to resolve followed ids: %w", err))
		}
		return
	}
	if len(followed) == 0 {
		sess.emit(stageTerminal, models.FeedBatch{Items: []models.FeedItem{}, IsComplete: true})
		return
	}

	since := sess.config.Clock.Now().Add(-sess.lookback).Unix()
	filter := models.Filter{
		Kinds:   []int{models.KindNote},
		Authors: followed,
		Since:   &since,
		Limit:   sess.limit,
	}

	received, err := sess.fetch(filter)
	if sess.ctx.Err() != nil {
		return
	}
	if err != nil {
		sess.fail(err)
		return
	}

	sess.writeCache(key)

	sess.emit(stageTerminal, models.FeedBatch{
		Items:      sess.snapshot(),
		IsComplete: true,
		HasMore:    received*2 >= sess.limit,
	})
}

// fetch runs the network query through the accumulator, emitting an intermediate
// batch per flush. It returns the number of raw records received.
func (sess *session) fetch(filter models.Filter) (int, error) {
	ctx, cancel := context.WithCancel(sess.ctx)
	defer cancel()

	source := make(chan models.RawRecord)
	errs := make(chan error, 1)

	go func() {
		defer close(source)
		errs <- sess.produce(ctx, filter, source)
	}()

	received := 0
	for batch := range Accumulate(ctx, sess.config.Clock, source, sess.config.Window) {
		received += len(batch)
		sess.persist(batch)

		items, err := sess.pool.Transform(ctx, batch)
		if err != nil {
			return received, err
		}
		sess.items = Merge(sess.items, items)

		if !sess.emit(stageIntermediate, models.FeedBatch{Items: sess.snapshot(), HasMore: true}) {
			return received, sess.ctx.Err()
		}
	}

	if err := <-errs; err != nil {
		return received, fmt.Errorf("failed to query records: %w", err)
	}
	return received, nil
}

// produce feeds the network result into source, streaming when the source supports it
func (sess *session) produce(ctx context.Context, filter models.Filter, source chan<- models.RawRecord) error {
	if streamer, ok := sess.source.(RecordStreamer); ok {
		return streamer.StreamRecords(ctx, filter, source)
	}

	records, err := sess.source.QueryRecords(ctx, filter)
	if err != nil {
		return err
	}
	for _, record := range records {
		select {
		case source <- record:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (sess *session) writeCache(key string) {
	items := sess.items
	if len(items) > sess.config.MaxCachedItems {
		items = items[:sess.config.MaxCachedItems]
	}
	if items == nil {
		items = []models.FeedItem{}
	}

	if err := sess.cache.Set(sess.ctx, key, items, sess.config.CacheTTL); err != nil {
		cacheFailures.Inc()
		sess.logger.WithFields(log.Fields{
			"key":   key,
			"error": err,
		}).Warn("Failed to write feed cache")
	}
}
