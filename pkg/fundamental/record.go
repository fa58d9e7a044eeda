// Package fundamental defines the domain model for per-security yearly
// fundamentals: the metric catalogue, the sparse record produced by a
// successful fetch, and the skip decision attached by domain filtering.
package fundamental

import (
	"fmt"
	"sort"
	"time"
)

// Metric names as persisted in the relational store and used as spreadsheet
// column prefixes.
const (
	MetricROE           = "roe"
	MetricGrossMargin   = "gross_margin"
	MetricNetMargin     = "net_margin"
	MetricDebtRatio     = "debt_ratio"
	MetricCurrentRatio  = "current_ratio"
	MetricAssetTurnover = "asset_turnover"
	MetricTotalAssets   = "total_assets"
	MetricOCFToProfit   = "ocf_to_profit"
	MetricDividend      = "dividend"
	MetricPE            = "pe"
	MetricPB            = "pb"
)

// Metrics lists every collected metric in stable output order.
var Metrics = []string{
	MetricROE,
	MetricGrossMargin,
	MetricNetMargin,
	MetricDebtRatio,
	MetricCurrentRatio,
	MetricAssetTurnover,
	MetricTotalAssets,
	MetricOCFToProfit,
	MetricDividend,
	MetricPE,
	MetricPB,
}

// Security identifies one listed company in the entity universe.
type Security struct {
	Code     string `json:"code"`
	Name     string `json:"name"`
	Industry string `json:"industry"`
	ListDate string `json:"list_date"`
}

// Record holds one security's static attributes plus a sparse mapping from
// (metric, year) to value. Upstream gaps simply leave entries absent.
type Record struct {
	Code     string `json:"code"`
	Name     string `json:"name"`
	Industry string `json:"industry"`
	// ListDate is the listing date as reported upstream (YYYYMMDD).
	ListDate string `json:"list_date"`

	Values map[string]map[int]float64 `json:"values"`
}

// NewRecord creates an empty record for a security.
func NewRecord(code, name, industry, listDate string) *Record {
	return &Record{
		Code:     code,
		Name:     name,
		Industry: industry,
		ListDate: listDate,
		Values:   make(map[string]map[int]float64),
	}
}

// Set stores a metric value for a year.
func (r *Record) Set(metric string, year int, value float64) {
	if r.Values == nil {
		r.Values = make(map[string]map[int]float64)
	}
	byYear, ok := r.Values[metric]
	if !ok {
		byYear = make(map[int]float64)
		r.Values[metric] = byYear
	}
	byYear[year] = value
}

// Value returns the stored value and whether it exists.
func (r *Record) Value(metric string, year int) (float64, bool) {
	byYear, ok := r.Values[metric]
	if !ok {
		return 0, false
	}
	v, ok := byYear[year]
	return v, ok
}

// Years returns every year present in the record, ascending.
func (r *Record) Years() []int {
	seen := make(map[int]struct{})
	for _, byYear := range r.Values {
		for year := range byYear {
			seen[year] = struct{}{}
		}
	}
	years := make([]int, 0, len(seen))
	for year := range seen {
		years = append(years, year)
	}
	sort.Ints(years)
	return years
}

// Average returns the mean of a metric across all years it was collected for.
// The second return is false when the metric has no values at all.
func (r *Record) Average(metric string) (float64, bool) {
	byYear := r.Values[metric]
	if len(byYear) == 0 {
		return 0, false
	}
	var sum float64
	for _, v := range byYear {
		sum += v
	}
	return sum / float64(len(byYear)), true
}

// SkipDecision marks an entity as excluded from persistence, either by the
// domain filter or by a fatal fetch outcome. Computed once per entity per run.
type SkipDecision struct {
	Skip   bool   `json:"skip"`
	Reason string `json:"reason,omitempty"`
}

// YearRange is the inclusive span of calendar years a collection run covers.
type YearRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Clamp bounds the range so it never includes the current (incomplete) year
// and never runs backwards.
func (yr YearRange) Clamp(now time.Time) YearRange {
	last := now.Year() - 1
	if yr.End > last {
		yr.End = last
	}
	if yr.Start > yr.End {
		yr.Start = yr.End
	}
	return yr
}

// Years expands the range into an ascending slice.
func (yr YearRange) Years() []int {
	if yr.End < yr.Start {
		return nil
	}
	years := make([]int, 0, yr.End-yr.Start+1)
	for y := yr.Start; y <= yr.End; y++ {
		years = append(years, y)
	}
	return years
}

// WideHeader returns the spreadsheet header row: static columns followed by
// one {metric}_{year} column per metric and year, years ascending within
// each metric.
func WideHeader(years []int) []string {
	header := []string{"code", "name", "industry", "list_date"}
	for _, metric := range Metrics {
		for _, year := range years {
			header = append(header, fmt.Sprintf("%s_%d", metric, year))
		}
	}
	return header
}

// WideRow flattens the record into the column order produced by WideHeader.
// Missing values yield nil cells.
func (r *Record) WideRow(years []int) []any {
	row := []any{r.Code, r.Name, r.Industry, r.ListDate}
	for _, metric := range Metrics {
		for _, year := range years {
			if v, ok := r.Value(metric, year); ok {
				row = append(row, v)
			} else {
				row = append(row, nil)
			}
		}
	}
	return row
}
