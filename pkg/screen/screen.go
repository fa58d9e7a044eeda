// Package screen holds the domain-side decisions applied to collected
// fundamentals: the skip predicate the orchestrator runs before persistence,
// and the multi-criteria threshold scorer used to rank securities after a
// run. Both operate purely on records; neither touches the upstream API.
package screen

import (
	"fmt"
	"sort"

	"github.com/valuescan/fundcollect/pkg/fundamental"
)

// Predicate decides whether a fetched record should be excluded from
// persistence. The orchestrator applies it once per entity per run.
type Predicate func(rec *fundamental.Record) fundamental.SkipDecision

// LossStreak returns a predicate that skips records whose net margin was
// negative in each of the last n collected years. A missing year breaks the
// streak: absence of data is not evidence of a loss.
func LossStreak(n int) Predicate {
	return func(rec *fundamental.Record) fundamental.SkipDecision {
		years := rec.Years()
		if n <= 0 || len(years) == 0 {
			return fundamental.SkipDecision{}
		}

		end := years[len(years)-1]
		losses := 0
		for i := 0; i < n; i++ {
			v, ok := rec.Value(fundamental.MetricNetMargin, end-i)
			if !ok || v >= 0 {
				return fundamental.SkipDecision{}
			}
			losses++
		}
		return fundamental.SkipDecision{
			Skip:   true,
			Reason: fmt.Sprintf("net margin negative %d consecutive years (%d-%d)", losses, end-n+1, end),
		}
	}
}

// Thresholds are the pass lines of the five scoring criteria. Every passed
// criterion is worth 20 points, for a 100-point scale.
type Thresholds struct {
	MinAvgROE         float64
	MinAvgGrossMargin float64
	MinAvgNetMargin   float64
	PELow             float64
	PEHigh            float64
	MinAvgDividend    float64
}

// DefaultThresholds returns the standard value-investing pass lines.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinAvgROE:         15,
		MinAvgGrossMargin: 30,
		MinAvgNetMargin:   10,
		PELow:             10,
		PEHigh:            25,
		MinAvgDividend:    2,
	}
}

// Score is one security's scoring result.
type Score struct {
	Code  string
	Name  string
	Total int
	// Notes lists the criteria that passed, for the run report.
	Notes []string
}

// Scorer evaluates records against a fixed set of thresholds.
type Scorer struct {
	t Thresholds
}

// NewScorer creates a scorer with the given thresholds.
func NewScorer(t Thresholds) *Scorer {
	return &Scorer{t: t}
}

const criterionPoints = 20

// Score evaluates one record. Criteria with no collected data score zero
// rather than failing the security outright.
func (s *Scorer) Score(rec *fundamental.Record) Score {
	sc := Score{Code: rec.Code, Name: rec.Name}

	if avg, ok := rec.Average(fundamental.MetricROE); ok && avg > s.t.MinAvgROE {
		sc.Total += criterionPoints
		sc.Notes = append(sc.Notes, fmt.Sprintf("avg roe %.1f > %.0f", avg, s.t.MinAvgROE))
	}
	if avg, ok := rec.Average(fundamental.MetricGrossMargin); ok && avg > s.t.MinAvgGrossMargin {
		sc.Total += criterionPoints
		sc.Notes = append(sc.Notes, fmt.Sprintf("avg gross margin %.1f > %.0f", avg, s.t.MinAvgGrossMargin))
	}
	if avg, ok := rec.Average(fundamental.MetricNetMargin); ok && avg > s.t.MinAvgNetMargin {
		sc.Total += criterionPoints
		sc.Notes = append(sc.Notes, fmt.Sprintf("avg net margin %.1f > %.0f", avg, s.t.MinAvgNetMargin))
	}
	if avg, ok := rec.Average(fundamental.MetricPE); ok && avg > s.t.PELow && avg < s.t.PEHigh {
		sc.Total += criterionPoints
		sc.Notes = append(sc.Notes, fmt.Sprintf("avg pe %.1f in (%.0f, %.0f)", avg, s.t.PELow, s.t.PEHigh))
	}
	if avg, ok := rec.Average(fundamental.MetricDividend); ok && avg > s.t.MinAvgDividend {
		sc.Total += criterionPoints
		sc.Notes = append(sc.Notes, fmt.Sprintf("avg dividend %.1f > %.0f", avg, s.t.MinAvgDividend))
	}
	return sc
}

// Rank scores every record and returns the results ordered best first, ties
// broken by code for stable output.
func (s *Scorer) Rank(recs []*fundamental.Record) []Score {
	scores := make([]Score, 0, len(recs))
	for _, rec := range recs {
		scores = append(scores, s.Score(rec))
	}
	sort.SliceStable(scores, func(i, j int) bool {
		if scores[i].Total != scores[j].Total {
			return scores[i].Total > scores[j].Total
		}
		return scores[i].Code < scores[j].Code
	})
	return scores
}
