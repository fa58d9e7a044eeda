package collector

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/valuescan/fundcollect/pkg/tokenpool"
)

// Summary is the terminal report of a collection run. It distinguishes
// "nothing to fetch" from "upstream blocked us": entity outcomes are split
// into succeeded, permanently skipped, and filtered, and the credential
// utilization snapshot shows where the quota went.
type Summary struct {
	RunID string `json:"run_id"`

	UnitsTotal     int   `json:"units_total"`
	UnitsResumed   int   `json:"units_resumed"`
	UnitsCompleted int   `json:"units_completed"`
	UnitsFailed    int   `json:"units_failed"`
	FailedUnits    []int `json:"failed_units,omitempty"`

	EntitiesSucceeded int `json:"entities_succeeded"`
	EntitiesSkipped   int `json:"entities_skipped"`
	EntitiesFiltered  int `json:"entities_filtered"`
	// EntitiesDeferred counts entities stranded in units that exhausted the
	// deferral budget.
	EntitiesDeferred int `json:"entities_deferred"`

	Passes  int             `json:"passes"`
	Elapsed time.Duration   `json:"elapsed"`
	Pool    tokenpool.Stats `json:"pool"`
}

// addUnit folds a completed unit's entity outcomes into the summary and the
// exported metrics. Deferred units contribute nothing until they complete.
func (s *Summary) addUnit(res unitResult) {
	if res.deferred {
		return
	}
	s.EntitiesSucceeded += res.succeeded
	s.EntitiesSkipped += res.skipped
	s.EntitiesFiltered += res.filtered
	entitiesTotal.WithLabelValues("succeeded").Add(float64(res.succeeded))
	entitiesTotal.WithLabelValues("skipped").Add(float64(res.skipped))
	entitiesTotal.WithLabelValues("filtered").Add(float64(res.filtered))
}

func (s *Summary) log(logger zerolog.Logger) {
	logger.Info().
		Int("units_total", s.UnitsTotal).
		Int("units_resumed", s.UnitsResumed).
		Int("units_completed", s.UnitsCompleted).
		Int("units_failed", s.UnitsFailed).
		Int("succeeded", s.EntitiesSucceeded).
		Int("skipped", s.EntitiesSkipped).
		Int("filtered", s.EntitiesFiltered).
		Int("deferred", s.EntitiesDeferred).
		Int("passes", s.Passes).
		Int64("requests", s.Pool.TotalRequests).
		Float64("success_rate", s.Pool.SuccessRate()).
		Interface("credentials", s.Pool.Tokens).
		Dur("elapsed", s.Elapsed).
		Msg("Collection run finished")
}
