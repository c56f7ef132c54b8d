package anomaly

import (
	"math"

	"meter_billing/internal/model"
)

// Thresholds configure the detection rules.
type Thresholds struct {
	Sigma           float64 // statistical outlier distance in standard deviations
	HighRatio       float64 // high consumption multiple of the baseline mean
	ZeroEpsilon     float64 // kWh at or below which a day counts as zero
	SpikeWh         float64 // single-reading sub-meter limit
	MinBaselineDays int     // days needed before the statistical rule applies
	MinSamples      int     // readings/day below which a day is sparse; 0 disables
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		Sigma:           3,
		HighRatio:       1.5,
		ZeroEpsilon:     1e-9,
		SpikeWh:         10000,
		MinBaselineDays: 2,
	}
}

// Detector classifies days. It holds no state between calls, so the same
// detector serves the nightly batch and standalone alert jobs.
type Detector struct {
	Thresholds Thresholds
}

func NewDetector(th Thresholds) *Detector {
	return &Detector{Thresholds: th}
}

// Evaluate classifies one day against a baseline. Reasons are collected in
// model.ReasonOrder.
func (d *Detector) Evaluate(agg model.DailyAggregate, base Baseline) model.AnomalyFlag {
	th := d.Thresholds
	total := agg.TotalDailySum
	var reasons []model.Reason

	if base.Days >= th.MinBaselineDays && base.StdDev > 0 &&
		math.Abs(total-base.Mean) > th.Sigma*base.StdDev {
		reasons = append(reasons, model.ReasonStatisticalOutlier)
	}
	if base.Mean > 0 && total > th.HighRatio*base.Mean {
		reasons = append(reasons, model.ReasonHighConsumption)
	}
	if agg.SampleCount > 0 && total <= th.ZeroEpsilon {
		reasons = append(reasons, model.ReasonZeroConsumption)
	}
	if agg.MaxSubMetering > th.SpikeWh {
		reasons = append(reasons, model.ReasonSubMeterSpike)
	}
	if agg.Sparse || (th.MinSamples > 0 && agg.SampleCount < th.MinSamples) {
		reasons = append(reasons, model.ReasonSparseData)
	}

	return model.NewAnomalyFlag(agg.Date, reasons)
}

// EvaluateAll classifies a batch against a baseline computed from the batch.
func (d *Detector) EvaluateAll(aggs []model.DailyAggregate) []model.AnomalyFlag {
	return d.EvaluateAgainst(aggs, BaselineFrom(aggs))
}

// EvaluateAgainst classifies a batch against an externally supplied baseline.
func (d *Detector) EvaluateAgainst(aggs []model.DailyAggregate, base Baseline) []model.AnomalyFlag {
	flags := make([]model.AnomalyFlag, len(aggs))
	for i, agg := range aggs {
		flags[i] = d.Evaluate(agg, base)
	}
	return flags
}

// Flagged returns only the flags with at least one reason.
func Flagged(flags []model.AnomalyFlag) []model.AnomalyFlag {
	var out []model.AnomalyFlag
	for _, f := range flags {
		if f.Flag {
			out = append(out, f)
		}
	}
	return out
}
