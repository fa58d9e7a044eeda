// Package sink fans successfully collected fundamentals out to the
// configured downstream stores: a relational store for querying and a
// spreadsheet export for review. The orchestrator persists a whole work unit
// at a time and only checkpoints the unit once every sink accepted it, so a
// sink failure keeps the unit pending and it is re-persisted on the next
// pass without refetching.
package sink

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/valuescan/fundcollect/pkg/fundamental"
	"github.com/valuescan/fundcollect/pkg/logging"
)

var (
	persistsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fund_sink_persists_total",
			Help: "Total number of unit persist calls per sink",
		},
		[]string{"sink"},
	)

	persistErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fund_sink_persist_errors_total",
			Help: "Total number of failed unit persist calls per sink",
		},
		[]string{"sink"},
	)

	recordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fund_sink_records_total",
			Help: "Total number of records handed to each sink",
		},
		[]string{"sink"},
	)
)

// Sink receives the surviving records of a completed work unit. Persist must
// be idempotent per unit: a unit may be persisted again after an interrupted
// run or a failed sibling sink. Flush finalizes anything buffered (e.g.
// writing the spreadsheet file) at the end of a run.
type Sink interface {
	Name() string
	Persist(ctx context.Context, unit int, records []*fundamental.Record) error
	Flush(ctx context.Context) error
}

// Fanout forwards every unit to each configured sink in order. The first
// failing sink aborts the unit so the orchestrator can retry it; sinks
// already written for that unit must tolerate the replay.
type Fanout struct {
	sinks  []Sink
	logger zerolog.Logger
}

var _ Sink = (*Fanout)(nil)

// NewFanout creates a fan-out over the given sinks.
func NewFanout(sinks ...Sink) *Fanout {
	return &Fanout{
		sinks:  sinks,
		logger: logging.NewLogger("sink"),
	}
}

func (f *Fanout) Name() string { return "fanout" }

// Persist writes the unit to every sink, stopping at the first failure.
func (f *Fanout) Persist(ctx context.Context, unit int, records []*fundamental.Record) error {
	for _, s := range f.sinks {
		persistsTotal.WithLabelValues(s.Name()).Inc()
		if err := s.Persist(ctx, unit, records); err != nil {
			persistErrorsTotal.WithLabelValues(s.Name()).Inc()
			return fmt.Errorf("sink %s: unit %d: %w", s.Name(), unit, err)
		}
		recordsTotal.WithLabelValues(s.Name()).Add(float64(len(records)))
	}

	f.logger.Debug().
		Int("unit", unit).
		Int("records", len(records)).
		Int("sinks", len(f.sinks)).
		Msg("Unit persisted")
	return nil
}

// Flush finalizes every sink. All sinks are flushed even if one fails; the
// first error is returned.
func (f *Fanout) Flush(ctx context.Context) error {
	var firstErr error
	for _, s := range f.sinks {
		if err := s.Flush(ctx); err != nil {
			persistErrorsTotal.WithLabelValues(s.Name()).Inc()
			if firstErr == nil {
				firstErr = fmt.Errorf("sink %s: flush: %w", s.Name(), err)
			}
		}
	}
	return firstErr
}
