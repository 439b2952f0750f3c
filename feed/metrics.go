package feed

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	batchesEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedsync_batches_emitted_total",
		Help: "Feed batches emitted by synchronization sessions, by stage",
	}, []string{"stage"})

	recordsTransformed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedsync_records_transformed_total",
		Help: "Raw records converted into feed items",
	})

	recordsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedsync_records_skipped_total",
		Help: "Raw records skipped because they were malformed",
	})

	storeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedsync_store_write_failures_total",
		Help: "Persistent store writes that failed and were discarded",
	})

	cacheFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedsync_cache_write_failures_total",
		Help: "Summary cache writes that failed and were discarded",
	})

	fetchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedsync_fetch_failures_total",
		Help: "Follow resolution or relay queries that failed during a session",
	})
)

const (
	stageCache        = "cache"
	stageIntermediate = "intermediate"
	stageTerminal     = "terminal"
)
