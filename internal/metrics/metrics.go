// Package metrics declares the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPRequestsTotal counts API requests by route, method and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anima_http_requests_total",
			Help: "Total HTTP requests processed",
		},
		[]string{"route", "method", "status"},
	)

	// HTTPRequestDuration observes request latency per route.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "anima_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)

	// EmbeddingRequestsTotal counts gateway calls by provider and outcome.
	EmbeddingRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anima_embedding_requests_total",
			Help: "Embedding gateway calls by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	// EmbeddingLatency observes provider round-trip time.
	EmbeddingLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "anima_embedding_latency_seconds",
			Help:    "Embedding provider latency",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"provider"},
	)

	// EmbeddingCacheHits / Misses track the process-local vector cache.
	EmbeddingCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "anima_embedding_cache_hits_total",
		Help: "Embedding cache hits",
	})
	EmbeddingCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "anima_embedding_cache_misses_total",
		Help: "Embedding cache misses",
	})

	// DBPoolOpen / Idle / Waiting mirror sql.DBStats on a periodic tick.
	DBPoolOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "anima_db_pool_open_connections",
		Help: "Open connections in the database pool",
	})
	DBPoolIdle = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "anima_db_pool_idle_connections",
		Help: "Idle connections in the database pool",
	})
	DBPoolWaiting = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "anima_db_pool_waiting",
		Help: "Goroutines waiting on the pool since the last tick",
	})

	// WorkerQueueDepth / WorkerJobsDropped track the async job pool.
	WorkerQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "anima_worker_queue_depth",
		Help: "Jobs queued in the background pool",
	})
	WorkerJobsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anima_worker_jobs_dropped_total",
			Help: "Background jobs dropped because the queue was full",
		},
		[]string{"job"},
	)
	WorkerJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anima_worker_jobs_total",
			Help: "Background jobs executed by name and outcome",
		},
		[]string{"job", "outcome"},
	)

	// ConsolidationMerges counts semantic merges by trigger path.
	ConsolidationMerges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anima_consolidation_merges_total",
			Help: "Semantic merges by path (sync or deferred)",
		},
		[]string{"path"},
	)

	// TierPromotions counts tier transitions by reason.
	TierPromotions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anima_tier_promotions_total",
			Help: "Tier transitions applied, by reason",
		},
		[]string{"reason"},
	)

	// HandshakeRequests counts handshake generations by cache outcome.
	HandshakeRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anima_handshake_requests_total",
			Help: "Handshake generations by cache reason and hit/miss",
		},
		[]string{"reason", "cached"},
	)

	// AssociationUpserts counts co-occurrence pairs written.
	AssociationUpserts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "anima_association_upserts_total",
		Help: "Co-occurrence pairs upserted",
	})
)
