package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"meter_billing/internal/model"
)

// SummaryRow is the queryable table form of a DailySummary. Each run
// inserts its own rows; queries read the newest run per date.
type SummaryRow struct {
	ID                   uint      `gorm:"primaryKey"`
	RunID                string    `gorm:"size:64;index:idx_run_date,priority:1;not null"`
	Date                 time.Time `gorm:"type:date;index:idx_run_date,priority:2;index;not null"`
	AvgGlobalActivePower float64
	AvgVoltage           float64
	MinVoltage           float64
	MaxVoltage           float64
	TotalSubMetering1    float64
	TotalSubMetering2    float64
	TotalSubMetering3    float64
	TotalDailySum        float64
	AnomalyFlag          bool
	AnomalyReasons       string          `gorm:"size:255"`
	PeakCharge           decimal.Decimal `gorm:"type:decimal(12,2)"`
	OffPeakCharge        decimal.Decimal `gorm:"type:decimal(12,2)"`
	TotalCharge          decimal.Decimal `gorm:"type:decimal(12,2)"`
	SampleCount          int
	PeakSamples          int
	MaxSubMetering       float64
	Sparse               bool
	CreatedAt            time.Time
}

func (SummaryRow) TableName() string { return "daily_summaries" }

// SQLStore writes summaries to MySQL for the external query engine.
type SQLStore struct {
	db *gorm.DB
}

// OpenSQLStore connects with a go-sql-driver DSN and migrates the table.
func OpenSQLStore(dsn string) (*SQLStore, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("opening mysql: %w", err)
	}
	if err := db.AutoMigrate(&SummaryRow{}); err != nil {
		return nil, fmt.Errorf("migrating daily_summaries: %w", err)
	}
	return &SQLStore{db: db}, nil
}

func NewSQLStore(db *gorm.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Save inserts one row per summary under runID.
func (s *SQLStore) Save(ctx context.Context, runID string, summaries []model.DailySummary) error {
	if len(summaries) == 0 {
		return nil
	}
	rows := make([]SummaryRow, len(summaries))
	for i, sum := range summaries {
		rows[i] = ToRow(runID, sum)
	}
	if err := s.db.WithContext(ctx).CreateInBatches(rows, 500).Error; err != nil {
		return fmt.Errorf("inserting %d rows for run %s: %w", len(rows), runID, err)
	}
	return nil
}

// Range returns the newest run's row for each date from..to inclusive.
func (s *SQLStore) Range(ctx context.Context, from, to model.Day) ([]model.DailySummary, error) {
	latest := s.db.Model(&SummaryRow{}).
		Select("date, MAX(run_id) AS run_id").
		Where("date BETWEEN ? AND ?", from.String(), to.String()).
		Group("date")

	var rows []SummaryRow
	err := s.db.WithContext(ctx).
		Joins("JOIN (?) AS latest ON latest.date = daily_summaries.date AND latest.run_id = daily_summaries.run_id", latest).
		Order("daily_summaries.date").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("querying %s..%s: %w", from, to, err)
	}

	out := make([]model.DailySummary, len(rows))
	for i, r := range rows {
		out[i] = FromRow(r)
	}
	return out, nil
}

func ToRow(runID string, s model.DailySummary) SummaryRow {
	return SummaryRow{
		RunID:                runID,
		Date:                 s.Date.Time(time.UTC),
		AvgGlobalActivePower: s.AvgGlobalActivePower,
		AvgVoltage:           s.AvgVoltage,
		MinVoltage:           s.MinVoltage,
		MaxVoltage:           s.MaxVoltage,
		TotalSubMetering1:    s.TotalSubMetering[0],
		TotalSubMetering2:    s.TotalSubMetering[1],
		TotalSubMetering3:    s.TotalSubMetering[2],
		TotalDailySum:        s.TotalDailySum,
		AnomalyFlag:          s.AnomalyFlag,
		AnomalyReasons:       joinReasons(s.AnomalyReasons),
		PeakCharge:           s.PeakCharge,
		OffPeakCharge:        s.OffPeakCharge,
		TotalCharge:          s.TotalCharge,
		SampleCount:          s.SampleCount,
		PeakSamples:          s.PeakSamples,
		MaxSubMetering:       s.MaxSubMetering,
		Sparse:               s.Sparse,
	}
}

func FromRow(r SummaryRow) model.DailySummary {
	s := model.DailySummary{
		PeakCharge:     r.PeakCharge,
		OffPeakCharge:  r.OffPeakCharge,
		TotalCharge:    r.TotalCharge,
		AnomalyFlag:    r.AnomalyFlag,
		AnomalyReasons: splitReasons(r.AnomalyReasons),
	}
	s.Date = model.DayOf(r.Date.UTC())
	s.AvgGlobalActivePower = r.AvgGlobalActivePower
	s.AvgVoltage = r.AvgVoltage
	s.MinVoltage = r.MinVoltage
	s.MaxVoltage = r.MaxVoltage
	s.TotalSubMetering = [3]float64{r.TotalSubMetering1, r.TotalSubMetering2, r.TotalSubMetering3}
	s.TotalDailySum = r.TotalDailySum
	s.SampleCount = r.SampleCount
	s.PeakSamples = r.PeakSamples
	s.MaxSubMetering = r.MaxSubMetering
	s.Sparse = r.Sparse
	return s
}

func joinReasons(reasons []model.Reason) string {
	s := ""
	for i, r := range reasons {
		if i > 0 {
			s += "|"
		}
		s += string(r)
	}
	return s
}

func splitReasons(s string) []model.Reason {
	if s == "" {
		return nil
	}
	var out []model.Reason
	for _, r := range strings.Split(s, "|") {
		out = append(out, model.Reason(r))
	}
	return out
}
