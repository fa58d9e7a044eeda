package provider

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/valuescan/fundcollect/pkg/fundamental"
)

// Field lists requested per upstream table.
var (
	stockBasicFields    = []string{"ts_code", "name", "industry", "list_date"}
	finaIndicatorFields = []string{"ts_code", "end_date", "roe", "grossprofit_margin", "netprofit_margin", "debt_to_assets", "current_ratio", "assets_turn"}
	balanceSheetFields  = []string{"ts_code", "end_date", "total_assets"}
	incomeFields        = []string{"ts_code", "end_date", "n_income"}
	cashflowFields      = []string{"ts_code", "end_date", "n_cashflow_act"}
	dailyBasicFields    = []string{"ts_code", "trade_date", "pe", "pb", "dv_ratio"}
)

// Year-end valuation snapshots fall back across the last trading days of
// December, since the 31st is not always a trading day.
var yearEndDays = []string{"1231", "1230", "1229", "1228"}

// ListSecurities fetches the universe of listed securities.
func (c *Client) ListSecurities(ctx context.Context, secret string) ([]fundamental.Security, error) {
	table, err := c.Query(ctx, secret, apiStockBasic, map[string]string{
		"exchange":    "",
		"list_status": "L",
	}, stockBasicFields)
	if err != nil {
		return nil, err
	}

	securities := make([]fundamental.Security, 0, table.Len())
	for i := 0; i < table.Len(); i++ {
		code := table.StringAt(i, "ts_code")
		if code == "" {
			continue
		}
		securities = append(securities, fundamental.Security{
			Code:     code,
			Name:     table.StringAt(i, "name"),
			Industry: table.StringAt(i, "industry"),
			ListDate: table.StringAt(i, "list_date"),
		})
	}

	c.logger.Info().Int("securities", len(securities)).Msg("Security universe fetched")
	return securities, nil
}

// FetchFundamentals performs the full logical fetch for one security: annual
// indicator ratios, balance/income/cashflow statement values, and per-year
// valuation snapshots. Upstream gaps leave holes in the sparse record; only
// wire and API errors abort the fetch.
func (c *Client) FetchFundamentals(ctx context.Context, secret string, sec fundamental.Security, years []int) (*fundamental.Record, error) {
	if len(years) == 0 {
		return nil, fmt.Errorf("fetch %s: no years requested", sec.Code)
	}

	rec := fundamental.NewRecord(sec.Code, sec.Name, sec.Industry, sec.ListDate)
	startDate := fmt.Sprintf("%d0101", years[0])
	endDate := fmt.Sprintf("%d1231", years[len(years)-1])

	wanted := make(map[int]bool, len(years))
	for _, y := range years {
		wanted[y] = true
	}

	rangeParams := map[string]string{
		"ts_code":    sec.Code,
		"start_date": startDate,
		"end_date":   endDate,
	}

	// Annual profitability and structure ratios.
	ind, err := c.Query(ctx, secret, apiFinaIndicator, rangeParams, finaIndicatorFields)
	if err != nil {
		return nil, err
	}
	for i := 0; i < ind.Len(); i++ {
		year, ok := annualYear(ind.StringAt(i, "end_date"))
		if !ok || !wanted[year] {
			continue
		}
		setIfPresent(rec, fundamental.MetricROE, year, ind, i, "roe")
		setIfPresent(rec, fundamental.MetricGrossMargin, year, ind, i, "grossprofit_margin")
		setIfPresent(rec, fundamental.MetricNetMargin, year, ind, i, "netprofit_margin")
		setIfPresent(rec, fundamental.MetricDebtRatio, year, ind, i, "debt_to_assets")
		setIfPresent(rec, fundamental.MetricCurrentRatio, year, ind, i, "current_ratio")
		setIfPresent(rec, fundamental.MetricAssetTurnover, year, ind, i, "assets_turn")
	}

	// Total assets from the annual balance sheet.
	bal, err := c.Query(ctx, secret, apiBalanceSheet, rangeParams, balanceSheetFields)
	if err != nil {
		return nil, err
	}
	for i := 0; i < bal.Len(); i++ {
		year, ok := annualYear(bal.StringAt(i, "end_date"))
		if !ok || !wanted[year] {
			continue
		}
		setIfPresent(rec, fundamental.MetricTotalAssets, year, bal, i, "total_assets")
	}

	// Operating cash flow to net profit needs both statements.
	inc, err := c.Query(ctx, secret, apiIncome, rangeParams, incomeFields)
	if err != nil {
		return nil, err
	}
	netIncome := make(map[int]float64)
	for i := 0; i < inc.Len(); i++ {
		year, ok := annualYear(inc.StringAt(i, "end_date"))
		if !ok || !wanted[year] {
			continue
		}
		if v, ok := inc.FloatAt(i, "n_income"); ok {
			netIncome[year] = v
		}
	}

	cf, err := c.Query(ctx, secret, apiCashflow, rangeParams, cashflowFields)
	if err != nil {
		return nil, err
	}
	for i := 0; i < cf.Len(); i++ {
		year, ok := annualYear(cf.StringAt(i, "end_date"))
		if !ok || !wanted[year] {
			continue
		}
		ocf, ok := cf.FloatAt(i, "n_cashflow_act")
		if !ok {
			continue
		}
		if ni, ok := netIncome[year]; ok && ni != 0 {
			rec.Set(fundamental.MetricOCFToProfit, year, ocf/ni)
		}
	}

	// Per-year valuation snapshot at the last trading day of the year.
	for _, year := range years {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		snap, err := c.yearEndSnapshot(ctx, secret, sec.Code, year)
		if err != nil {
			return nil, err
		}
		if snap == nil {
			continue
		}
		setIfPresent(rec, fundamental.MetricPE, year, snap, 0, "pe")
		setIfPresent(rec, fundamental.MetricPB, year, snap, 0, "pb")
		setIfPresent(rec, fundamental.MetricDividend, year, snap, 0, "dv_ratio")
	}

	return rec, nil
}

// yearEndSnapshot queries the daily valuation table at the year's last
// trading day, walking the fallback dates. Returns nil when no fallback day
// has data (suspended or delisted around year end).
func (c *Client) yearEndSnapshot(ctx context.Context, secret, code string, year int) (*Table, error) {
	for _, day := range yearEndDays {
		table, err := c.Query(ctx, secret, apiDailyBasic, map[string]string{
			"ts_code":    code,
			"trade_date": fmt.Sprintf("%d%s", year, day),
		}, dailyBasicFields)
		if err != nil {
			return nil, err
		}
		if table.Len() > 0 {
			return table, nil
		}
	}
	return nil, nil
}

// annualYear extracts the year from an annual period end date (YYYY1231).
func annualYear(endDate string) (int, bool) {
	if len(endDate) != 8 || !strings.HasSuffix(endDate, "1231") {
		return 0, false
	}
	year, err := strconv.Atoi(endDate[:4])
	if err != nil {
		return 0, false
	}
	return year, true
}

func setIfPresent(rec *fundamental.Record, metric string, year int, t *Table, row int, field string) {
	if v, ok := t.FloatAt(row, field); ok {
		rec.Set(metric, year, v)
	}
}
