package billing

import (
	"fmt"

	"github.com/shopspring/decimal"

	"meter_billing/internal/model"
)

// Decimal places kept on every charge.
const chargePlaces = 2

var (
	DefaultPeakRate    = decimal.RequireFromString("8.5")
	DefaultOffPeakRate = decimal.RequireFromString("5.0")
)

// Rates are currency units per kWh.
type Rates struct {
	Peak    decimal.Decimal
	OffPeak decimal.Decimal
}

func DefaultRates() Rates {
	return Rates{Peak: DefaultPeakRate, OffPeak: DefaultOffPeakRate}
}

// Calculator turns daily aggregates into charges. The day's energy is split
// between peak and off-peak in proportion to the aggregate's peak samples,
// which the aggregator counted with the same peak window.
type Calculator struct {
	Rates  Rates
	Window PeakWindow
}

func NewCalculator(rates Rates, window PeakWindow) *Calculator {
	return &Calculator{Rates: rates, Window: window}
}

// Calculate bills one day. Each part is rounded to two places half away
// from zero and the total is the sum of the rounded parts.
func (c *Calculator) Calculate(agg model.DailyAggregate) (model.BillingRecord, error) {
	rec := model.BillingRecord{
		Date:          agg.Date,
		PeakCharge:    decimal.Zero,
		OffPeakCharge: decimal.Zero,
		TotalCharge:   decimal.Zero,
	}
	if agg.TotalDailySum < 0 {
		return rec, &model.InvariantViolation{
			Date:   agg.Date,
			Detail: fmt.Sprintf("negative total_daily_sum %v", agg.TotalDailySum),
		}
	}
	if agg.PeakSamples < 0 || agg.PeakSamples > agg.SampleCount {
		return rec, &model.InvariantViolation{
			Date:   agg.Date,
			Detail: fmt.Sprintf("peak samples %d outside [0, %d]", agg.PeakSamples, agg.SampleCount),
		}
	}
	if agg.SampleCount == 0 {
		return rec, nil
	}

	total := decimal.NewFromFloat(agg.TotalDailySum)
	peakEnergy := total.Mul(decimal.NewFromInt(int64(agg.PeakSamples))).
		Div(decimal.NewFromInt(int64(agg.SampleCount)))
	offPeakEnergy := total.Sub(peakEnergy)

	rec.PeakCharge = peakEnergy.Mul(c.Rates.Peak).Round(chargePlaces)
	rec.OffPeakCharge = offPeakEnergy.Mul(c.Rates.OffPeak).Round(chargePlaces)
	rec.TotalCharge = rec.PeakCharge.Add(rec.OffPeakCharge)

	if rec.TotalCharge.IsNegative() {
		return rec, &model.InvariantViolation{
			Date:   agg.Date,
			Detail: "negative total charge " + rec.TotalCharge.StringFixed(chargePlaces),
		}
	}
	return rec, nil
}

// CalculateAll bills every aggregate, stopping at the first violation.
func (c *Calculator) CalculateAll(aggs []model.DailyAggregate) ([]model.BillingRecord, error) {
	out := make([]model.BillingRecord, 0, len(aggs))
	for _, agg := range aggs {
		rec, err := c.Calculate(agg)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}
