package summary

import (
	"fmt"
	"time"

	"meter_billing/internal/model"
)

// MonthLayout is the billing month key format.
const MonthLayout = "2006-01"

// ParseMonth validates a YYYY-MM month key.
func ParseMonth(s string) (year int, month time.Month, err error) {
	t, err := time.Parse(MonthLayout, s)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid month %q, expected YYYY-MM", s)
	}
	return t.Year(), t.Month(), nil
}

// ForMonth returns the summaries whose date falls in month (YYYY-MM).
func ForMonth(summaries []model.DailySummary, month string) ([]model.DailySummary, error) {
	y, m, err := ParseMonth(month)
	if err != nil {
		return nil, err
	}
	var out []model.DailySummary
	for _, s := range summaries {
		if s.Date.Year == y && s.Date.Month == m {
			out = append(out, s)
		}
	}
	return out, nil
}

// InRange returns the summaries dated from..to, both inclusive.
func InRange(summaries []model.DailySummary, from, to model.Day) []model.DailySummary {
	var out []model.DailySummary
	for _, s := range summaries {
		if !s.Date.Before(from) && !s.Date.After(to) {
			out = append(out, s)
		}
	}
	return out
}

// Record is the JSON view of a DailySummary served to billing clients.
type Record struct {
	Date                 model.Day      `json:"date"`
	AvgGlobalActivePower float64        `json:"avg_global_active_power"`
	AvgVoltage           float64        `json:"avg_voltage"`
	MinVoltage           float64        `json:"min_voltage"`
	MaxVoltage           float64        `json:"max_voltage"`
	TotalSubMetering1    float64        `json:"total_sub_metering_1"`
	TotalSubMetering2    float64        `json:"total_sub_metering_2"`
	TotalSubMetering3    float64        `json:"total_sub_metering_3"`
	TotalDailySum        float64        `json:"total_daily_sum"`
	AnomalyFlag          bool           `json:"anomaly_flag"`
	AnomalyReasons       []model.Reason `json:"anomaly_reasons"`
	PeakCharge           float64        `json:"peak_charge"`
	OffPeakCharge        float64        `json:"offpeak_charge"`
	TotalCharge          float64        `json:"total_charge"`
	SampleCount          int            `json:"sample_count"`
}

func ToRecord(s model.DailySummary) Record {
	reasons := s.AnomalyReasons
	if reasons == nil {
		reasons = []model.Reason{}
	}
	return Record{
		Date:                 s.Date,
		AvgGlobalActivePower: s.AvgGlobalActivePower,
		AvgVoltage:           s.AvgVoltage,
		MinVoltage:           s.MinVoltage,
		MaxVoltage:           s.MaxVoltage,
		TotalSubMetering1:    s.TotalSubMetering[0],
		TotalSubMetering2:    s.TotalSubMetering[1],
		TotalSubMetering3:    s.TotalSubMetering[2],
		TotalDailySum:        s.TotalDailySum,
		AnomalyFlag:          s.AnomalyFlag,
		AnomalyReasons:       reasons,
		PeakCharge:           s.PeakCharge.InexactFloat64(),
		OffPeakCharge:        s.OffPeakCharge.InexactFloat64(),
		TotalCharge:          s.TotalCharge.InexactFloat64(),
		SampleCount:          s.SampleCount,
	}
}

func Records(summaries []model.DailySummary) []Record {
	out := make([]Record, len(summaries))
	for i, s := range summaries {
		out[i] = ToRecord(s)
	}
	return out
}

// Aggregates extracts the aggregate part of each summary.
func Aggregates(summaries []model.DailySummary) []model.DailyAggregate {
	out := make([]model.DailyAggregate, len(summaries))
	for i, s := range summaries {
		out[i] = s.DailyAggregate
	}
	return out
}
