package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueriesTotal tracks settled queries by outcome and source (remote or cache)
	QueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queryflow_queries_total",
			Help: "Total number of settled queries",
		},
		[]string{"outcome", "source"},
	)

	// QueryErrorsTotal tracks failed queries per error kind
	QueryErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queryflow_query_errors_total",
			Help: "Total number of failed queries",
		},
		[]string{"kind"},
	)

	// RetryAttemptsTotal tracks failed attempts seen by the retry executor
	RetryAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queryflow_retry_attempts_failed_total",
			Help: "Total number of failed attempts inside the retry executor",
		},
		[]string{"kind", "retryable"},
	)

	// CacheLookupsTotal tracks cache lookups per tier
	CacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queryflow_cache_lookups_total",
			Help: "Total number of result cache lookups",
		},
		[]string{"tier", "result"},
	)

	// CacheEntries tracks the number of live entries in the memory cache
	CacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "queryflow_cache_entries",
			Help: "Number of entries in the in-memory result cache",
		},
	)

	// CacheEvictionsTotal tracks entries removed by expiry or capacity
	CacheEvictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queryflow_cache_evictions_total",
			Help: "Total number of evicted cache entries",
		},
		[]string{"reason"},
	)

	// ResponseTime tracks end-to-end query latency
	ResponseTime = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "queryflow_response_time_seconds",
			Help:    "End-to-end query latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source"},
	)

	// NodeDuration tracks the simulated duration of each processing node
	NodeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "queryflow_node_duration_seconds",
			Help:    "Processing node duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.2, 0.4, 0.8, 1.6, 3.2},
		},
		[]string{"node"},
	)

	// QueriesWaiting tracks callers queued behind the in-flight query
	QueriesWaiting = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "queryflow_queries_waiting",
			Help: "Number of queries waiting for the in-flight query to settle",
		},
	)

	// RetryStates tracks operations with live retry state
	RetryStates = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "queryflow_retry_states",
			Help: "Number of operations with retained retry state",
		},
	)

	// DBConnectionPoolUsage tracks the percentage of the database pool in use
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "queryflow_db_connection_pool_usage_percent",
			Help: "Database connection pool usage percentage",
		},
	)
)
