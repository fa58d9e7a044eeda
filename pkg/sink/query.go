package sink

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

// RankedSecurity is one row of a leaderboard query.
type RankedSecurity struct {
	Code     string
	Name     string
	Industry string
	Value    float64
}

// MetricPoint is one year's observation of a single metric.
type MetricPoint struct {
	Year  int
	Value float64
}

// TopByMetric returns the securities with the highest value for a metric in
// a given year, best first.
func (s *Store) TopByMetric(ctx context.Context, metric string, year, limit int) ([]RankedSecurity, error) {
	db, err := s.db.DB()
	if err != nil {
		return nil, fmt.Errorf("underlying db: %w", err)
	}

	rows, err := sq.Select("f.code", "s.name", "s.industry", "f.value").
		From("fundamentals f").
		Join("securities s ON s.code = f.code").
		Where(sq.Eq{"f.metric": metric, "f.year": year}).
		OrderBy("f.value DESC").
		Limit(uint64(limit)).
		RunWith(db).
		QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("top by %s: %w", metric, err)
	}
	defer rows.Close()

	var ranked []RankedSecurity
	for rows.Next() {
		var r RankedSecurity
		if err := rows.Scan(&r.Code, &r.Name, &r.Industry, &r.Value); err != nil {
			return nil, fmt.Errorf("scan ranked row: %w", err)
		}
		ranked = append(ranked, r)
	}
	return ranked, rows.Err()
}

// MetricHistory returns one security's values for a metric, years ascending.
func (s *Store) MetricHistory(ctx context.Context, code, metric string) ([]MetricPoint, error) {
	db, err := s.db.DB()
	if err != nil {
		return nil, fmt.Errorf("underlying db: %w", err)
	}

	rows, err := sq.Select("year", "value").
		From("fundamentals").
		Where(sq.Eq{"code": code, "metric": metric}).
		OrderBy("year ASC").
		RunWith(db).
		QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("history for %s/%s: %w", code, metric, err)
	}
	defer rows.Close()

	var points []MetricPoint
	for rows.Next() {
		var p MetricPoint
		if err := rows.Scan(&p.Year, &p.Value); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		points = append(points, p)
	}
	return points, rows.Err()
}
