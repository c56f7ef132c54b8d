package model

import "github.com/shopspring/decimal"

// DailyAggregate is one calendar day's rollup of validated readings.
type DailyAggregate struct {
	Date                 Day
	AvgGlobalActivePower float64
	AvgVoltage           float64
	MinVoltage           float64
	MaxVoltage           float64
	TotalSubMetering     [3]float64 // Wh
	TotalDailySum        float64    // kWh
	SampleCount          int

	// PeakSamples counts readings that fell inside the peak window.
	PeakSamples int
	// MaxSubMetering is the largest single-reading value over all sub-meters.
	MaxSubMetering float64
	// Sparse is set when a field had to be imputed from the global mean.
	Sparse bool
}

// BillingRecord holds one day's charges in currency units, rounded to 2 places.
type BillingRecord struct {
	Date          Day
	PeakCharge    decimal.Decimal
	OffPeakCharge decimal.Decimal
	TotalCharge   decimal.Decimal
}

// Reason is an anomaly reason code.
type Reason string

const (
	ReasonStatisticalOutlier Reason = "statistical outlier"
	ReasonHighConsumption    Reason = "high consumption"
	ReasonZeroConsumption    Reason = "zero consumption"
	ReasonSubMeterSpike      Reason = "sub-meter spike"
	ReasonSparseData         Reason = "sparse data"
)

// ReasonOrder is the fixed evaluation order of anomaly rules.
var ReasonOrder = []Reason{
	ReasonStatisticalOutlier,
	ReasonHighConsumption,
	ReasonZeroConsumption,
	ReasonSubMeterSpike,
	ReasonSparseData,
}

// AnomalyFlag is the per-day anomaly classification. Flag is true iff
// Reasons is non-empty; build it with NewAnomalyFlag.
type AnomalyFlag struct {
	Date    Day
	Flag    bool
	Reasons []Reason
}

func NewAnomalyFlag(date Day, reasons []Reason) AnomalyFlag {
	return AnomalyFlag{Date: date, Flag: len(reasons) > 0, Reasons: reasons}
}

// HasReason reports whether r is among the flag's reasons.
func (a AnomalyFlag) HasReason(r Reason) bool {
	for _, have := range a.Reasons {
		if have == r {
			return true
		}
	}
	return false
}

// DailySummary joins a day's aggregate, billing and anomaly results. It is
// immutable once emitted; reprocessing produces a new run instead.
type DailySummary struct {
	DailyAggregate

	PeakCharge    decimal.Decimal
	OffPeakCharge decimal.Decimal
	TotalCharge   decimal.Decimal

	AnomalyFlag    bool
	AnomalyReasons []Reason
}

// Anomaly returns the summary's anomaly classification.
func (s DailySummary) Anomaly() AnomalyFlag {
	return NewAnomalyFlag(s.Date, s.AnomalyReasons)
}

// Billing returns the summary's billing record.
func (s DailySummary) Billing() BillingRecord {
	return BillingRecord{
		Date:          s.Date,
		PeakCharge:    s.PeakCharge,
		OffPeakCharge: s.OffPeakCharge,
		TotalCharge:   s.TotalCharge,
	}
}
