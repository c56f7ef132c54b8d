package anomaly

import (
	"math"

	"meter_billing/internal/model"
)

// Baseline is the historical daily consumption profile a day is judged
// against. It is always passed explicitly; nothing is carried between runs.
type Baseline struct {
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
	Days   int     `json:"days"`
}

// NewBaseline computes the mean and population standard deviation of daily
// totals (kWh).
func NewBaseline(totals []float64) Baseline {
	if len(totals) == 0 {
		return Baseline{}
	}
	var sum float64
	for _, v := range totals {
		sum += v
	}
	n := float64(len(totals))
	mean := sum / n

	var sq float64
	for _, v := range totals {
		d := v - mean
		sq += d * d
	}
	return Baseline{Mean: mean, StdDev: math.Sqrt(sq / n), Days: len(totals)}
}

// BaselineFrom derives a baseline from the days of a batch.
func BaselineFrom(aggs []model.DailyAggregate) Baseline {
	totals := make([]float64, len(aggs))
	for i, a := range aggs {
		totals[i] = a.TotalDailySum
	}
	return NewBaseline(totals)
}
