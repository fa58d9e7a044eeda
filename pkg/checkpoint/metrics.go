package checkpoint

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MarksTotal counts units marked done, by backend.
	MarksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fund_checkpoint_marks_total",
			Help: "Total number of work units marked done",
		},
		[]string{"backend"}, // "file", "redis"
	)

	// ResetsTotal counts explicit checkpoint resets (fresh-run requests).
	ResetsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fund_checkpoint_resets_total",
			Help: "Total number of explicit checkpoint resets",
		},
		[]string{"backend"},
	)

	// Errors counts failed checkpoint store operations.
	Errors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fund_checkpoint_errors_total",
			Help: "Total number of checkpoint store operation errors",
		},
		[]string{"operation", "backend"}, // "mark", "get", "list", "reset"
	)
)
