package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/valuescan/fundcollect/pkg/fundamental"
	"github.com/valuescan/fundcollect/pkg/logging"
)

// SecurityRow is the relational shape of a security's static attributes.
type SecurityRow struct {
	Code      string    `gorm:"primaryKey;size:16"`
	Name      string    `gorm:"size:64"`
	Industry  string    `gorm:"size:64;index"`
	ListDate  string    `gorm:"size:8"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// TableName implements the gorm naming override.
func (SecurityRow) TableName() string { return "securities" }

// FundamentalRow is one (security, year, metric) observation in long form.
// The unique index makes unit replays upserts instead of duplicates.
type FundamentalRow struct {
	ID        uint      `gorm:"primaryKey"`
	Code      string    `gorm:"size:16;not null;uniqueIndex:idx_code_year_metric,priority:1"`
	Year      int       `gorm:"not null;uniqueIndex:idx_code_year_metric,priority:2"`
	Metric    string    `gorm:"size:32;not null;uniqueIndex:idx_code_year_metric,priority:3"`
	Value     float64   `gorm:"not null"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// TableName implements the gorm naming override.
func (FundamentalRow) TableName() string { return "fundamentals" }

// Store persists fundamentals into a relational database through GORM. Each
// unit is written in a single transaction so a failure leaves no partial
// unit behind.
type Store struct {
	db     *gorm.DB
	logger zerolog.Logger
}

var _ Sink = (*Store)(nil)

// Open opens the SQLite database at path with quiet logging.
func Open(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	return db, nil
}

// NewStore creates a relational sink on the given database.
func NewStore(db *gorm.DB) *Store {
	return &Store{
		db:     db,
		logger: logging.NewLogger("store"),
	}
}

func (s *Store) Name() string { return "store" }

// Migrate creates or updates the schema.
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&SecurityRow{}, &FundamentalRow{})
}

// Persist upserts the unit's securities and their metric values in one
// transaction. Replaying a unit overwrites the prior values.
func (s *Store) Persist(ctx context.Context, unit int, records []*fundamental.Record) error {
	if len(records) == 0 {
		return nil
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, rec := range records {
			sec := SecurityRow{
				Code:     rec.Code,
				Name:     rec.Name,
				Industry: rec.Industry,
				ListDate: rec.ListDate,
			}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "code"}},
				DoUpdates: clause.AssignmentColumns([]string{"name", "industry", "list_date", "updated_at"}),
			}).Create(&sec).Error; err != nil {
				return fmt.Errorf("upsert security %s: %w", rec.Code, err)
			}

			rows := flattenRecord(rec)
			if len(rows) == 0 {
				continue
			}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "code"}, {Name: "year"}, {Name: "metric"}},
				DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
			}).Create(&rows).Error; err != nil {
				return fmt.Errorf("upsert fundamentals %s: %w", rec.Code, err)
			}
		}
		return nil
	})
}

// Flush is a no-op: every unit commits its own transaction.
func (s *Store) Flush(ctx context.Context) error { return nil }

// flattenRecord expands the sparse record into long-form rows in stable
// metric-then-year order.
func flattenRecord(rec *fundamental.Record) []FundamentalRow {
	years := rec.Years()
	rows := make([]FundamentalRow, 0, len(fundamental.Metrics)*len(years))
	for _, metric := range fundamental.Metrics {
		for _, year := range years {
			if v, ok := rec.Value(metric, year); ok {
				rows = append(rows, FundamentalRow{
					Code:   rec.Code,
					Year:   year,
					Metric: metric,
					Value:  v,
				})
			}
		}
	}
	return rows
}

// LoadRecords rebuilds sparse records from everything persisted so far, for
// screening and re-export without touching the upstream API.
func (s *Store) LoadRecords(ctx context.Context) ([]*fundamental.Record, error) {
	var secs []SecurityRow
	if err := s.db.WithContext(ctx).Order("code ASC").Find(&secs).Error; err != nil {
		return nil, fmt.Errorf("load securities: %w", err)
	}

	var rows []FundamentalRow
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load fundamentals: %w", err)
	}

	byCode := make(map[string]*fundamental.Record, len(secs))
	records := make([]*fundamental.Record, 0, len(secs))
	for _, sec := range secs {
		rec := fundamental.NewRecord(sec.Code, sec.Name, sec.Industry, sec.ListDate)
		byCode[sec.Code] = rec
		records = append(records, rec)
	}
	for _, row := range rows {
		rec, ok := byCode[row.Code]
		if !ok {
			// Value without a securities row; keep it rather than drop data.
			rec = fundamental.NewRecord(row.Code, "", "", "")
			byCode[row.Code] = rec
			records = append(records, rec)
		}
		rec.Set(row.Metric, row.Year, row.Value)
	}
	return records, nil
}
