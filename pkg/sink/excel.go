package sink

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/xuri/excelize/v2"

	"github.com/valuescan/fundcollect/pkg/fundamental"
	"github.com/valuescan/fundcollect/pkg/logging"
)

// SheetName is the worksheet holding the wide-format export.
const SheetName = "Fundamentals"

// Excel accumulates records in memory and writes a single wide-format
// workbook on Flush: one row per security, one {metric}_{year} column per
// metric and collected year. Records are keyed by security code, so
// replaying a unit replaces its rows instead of duplicating them.
type Excel struct {
	mu     sync.Mutex
	path   string
	years  []int
	byCode map[string]*fundamental.Record
	logger zerolog.Logger
}

var _ Sink = (*Excel)(nil)

// NewExcel creates a spreadsheet sink writing to path, with columns for the
// given collection years.
func NewExcel(path string, years []int) *Excel {
	return &Excel{
		path:   path,
		years:  years,
		byCode: make(map[string]*fundamental.Record),
		logger: logging.NewLogger("excel"),
	}
}

func (e *Excel) Name() string { return "excel" }

// Persist buffers the unit's records, replacing any prior rows for the same
// securities.
func (e *Excel) Persist(ctx context.Context, unit int, records []*fundamental.Record) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, rec := range records {
		e.byCode[rec.Code] = rec
	}
	return nil
}

// Flush writes the workbook. Rows are ordered by security code for
// deterministic output.
func (e *Excel) Flush(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	codes := make([]string, 0, len(e.byCode))
	for code := range e.byCode {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SheetName); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}

	header := fundamental.WideHeader(e.years)
	if err := f.SetSheetRow(SheetName, "A1", &header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	for i, code := range codes {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return fmt.Errorf("cell name for row %d: %w", i+2, err)
		}
		row := e.byCode[code].WideRow(e.years)
		if err := f.SetSheetRow(SheetName, cell, &row); err != nil {
			return fmt.Errorf("write row %s: %w", code, err)
		}
	}

	if err := f.SaveAs(e.path); err != nil {
		return fmt.Errorf("save workbook %s: %w", e.path, err)
	}

	e.logger.Info().
		Str("path", e.path).
		Int("rows", len(codes)).
		Msg("Workbook written")
	return nil
}
