// Package observability provides metrics and tracing for the graph service.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// GraphTransitions counts follow/request state-machine transitions by
	// operation and outcome (applied, noop, rejected).
	GraphTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mapin_graph_transitions_total",
		Help: "Total number of social-graph state transitions by operation and outcome",
	}, []string{"operation", "outcome"})

	// RedisErrorRate counts Redis errors by operation type.
	RedisErrorRate = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mapin_redis_error_rate_total",
		Help: "Total number of Redis errors by operation type",
	}, []string{"operation"})

	// DatabaseQueryLatency records database query latency by operation and table.
	DatabaseQueryLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mapin_database_query_latency_seconds",
		Help:    "Database query latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "table"})

	// CountCacheHits counts follower/following count cache hits and misses.
	CountCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mapin_count_cache_requests_total",
		Help: "Total follower/following count cache lookups by result",
	}, []string{"result"})
)

// RecordTransition increments the transition counter for one engine operation.
func RecordTransition(operation, outcome string) {
	GraphTransitions.WithLabelValues(operation, outcome).Inc()
}

// ObserveQuery records the latency of a database query.
func ObserveQuery(operation, table string, start time.Time) {
	DatabaseQueryLatency.WithLabelValues(operation, table).Observe(time.Since(start).Seconds())
}
