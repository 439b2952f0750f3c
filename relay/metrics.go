package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	dialAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedsync_relay_dial_attempts_total",
		Help: "The total number of connection attempts to relays",
	})

	dialErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedsync_relay_dial_errors_total",
		Help: "The total number of failed connection attempts to relays",
	})

	queries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedsync_relay_queries_total",
		Help: "Relay subscriptions by outcome",
	}, []string{"outcome"})

	queryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "feedsync_relay_query_duration_seconds",
		Help:    "Time from subscription to end of stored events",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // Start at 10ms, double each bucket
	})

	eventsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedsync_relay_events_received_total",
		Help: "Events received from relays before deduplication",
	})
)
