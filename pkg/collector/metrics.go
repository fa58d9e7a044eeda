package collector

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	unitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fund_units_total",
			Help: "Total number of work unit outcomes",
		},
		[]string{"result"}, // "done", "deferred", "failed"
	)

	entitiesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fund_entities_total",
			Help: "Total number of entity outcomes in completed units",
		},
		[]string{"result"}, // "succeeded", "skipped", "filtered"
	)

	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fund_runs_total",
			Help: "Total number of collection runs by final status",
		},
		[]string{"status"}, // "completed", "aborted", "cancelled"
	)

	runDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fund_run_duration_seconds",
			Help:    "Wall-clock duration of collection runs",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10), // 1s .. ~73h
		},
	)
)
