package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	UpstreamCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamflow_upstream_calls_total",
			Help: "Total USGS water services API calls",
		},
		[]string{"series", "status"},
	)

	UpstreamLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "streamflow_upstream_latency_seconds",
			Help:    "USGS water services API call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"series"},
	)

	FetchAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamflow_fetch_attempts_total",
			Help: "Total observation fetch attempts by outcome",
		},
		[]string{"series", "outcome"},
	)

	CacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamflow_cache_lookups_total",
			Help: "Series cache lookups by result (hit, miss, stale, error)",
		},
		[]string{"series", "result"},
	)

	CacheWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamflow_cache_writes_total",
			Help: "Series cache writes by result",
		},
		[]string{"series", "result"},
	)

	ReadingsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamflow_readings_dropped_total",
			Help: "Readings excluded during water-year alignment",
		},
		[]string{"series"},
	)

	QueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "streamflow_query_duration_seconds",
			Help:    "End-to-end station query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)
)
