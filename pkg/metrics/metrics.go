// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	QueriesExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "olumine_queries_executed_total",
		Help: "Queries executed by the object store",
	}, []string{"path"})

	QueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "olumine_query_duration_seconds",
		Help:    "Duration of query execution including result conversion",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	}, []string{"path"})

	QueriesTooExpensive = promauto.NewCounter(prometheus.CounterOpts{
		Name: "olumine_queries_too_expensive_total",
		Help: "Queries rejected by the cost gate before execution",
	})

	SlowQueries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "olumine_slow_queries_total",
		Help: "Queries that ran longer than their permitted time",
	})

	ObjectCache = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "olumine_object_cache_requests_total",
		Help: "Identity cache lookups by result",
	}, []string{"result"})

	PrecomputedTables = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "olumine_precomputed_tables",
		Help: "Precomputed tables currently registered",
	})

	ObjectsStored = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "olumine_objects_stored_total",
		Help: "Objects merged by the integration writer by merge type",
	}, []string{"type"})

	DuplicateSources = promauto.NewCounter(prometheus.CounterOpts{
		Name: "olumine_duplicate_source_conflicts_total",
		Help: "Duplicate source conflicts detected during merges",
	})

	ObjectsLoaded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "olumine_loader_objects_total",
		Help: "Objects processed by the bulk loader",
	})
)

// CacheHit and CacheMiss count identity cache lookups
func CacheHit()  { ObjectCache.WithLabelValues("hit").Inc() }
func CacheMiss() { ObjectCache.WithLabelValues("miss").Inc() }
