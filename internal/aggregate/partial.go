package aggregate

import (
	"meter_billing/internal/model"
)

// minutesPerHour converts summed per-minute kW readings into kWh.
const minutesPerHour = 60

// Partial is a running rollup of one day's readings. It only holds sums,
// counts and extrema in fixed-point, so Merge is exactly associative and
// commutative and means are derived once in Finalize.
type Partial struct {
	Date model.Day

	Count       int
	PeakCount   int
	PowerSum    model.Micro
	VoltageSum  model.Micro
	MinVoltage  model.Micro
	MaxVoltage  model.Micro
	SubSums     [3]model.Micro
	MaxSubMeter model.Micro
	Sparse      bool
}

// Add folds a single reading into the partial.
func (p *Partial) Add(r model.Reading, inPeak bool) {
	v := model.ToMicro(r.Value(model.Voltage))
	if p.Count == 0 || v < p.MinVoltage {
		p.MinVoltage = v
	}
	if p.Count == 0 || v > p.MaxVoltage {
		p.MaxVoltage = v
	}
	p.Count++
	if inPeak {
		p.PeakCount++
	}
	p.PowerSum += model.ToMicro(r.Value(model.GlobalActivePower))
	p.VoltageSum += v
	for i, f := range model.SubMeters {
		s := model.ToMicro(r.Value(f))
		p.SubSums[i] += s
		if s > p.MaxSubMeter {
			p.MaxSubMeter = s
		}
	}
}

// Merge folds o into p. Both must describe the same day.
func (p *Partial) Merge(o Partial) {
	if o.Count == 0 {
		p.Sparse = p.Sparse || o.Sparse
		return
	}
	if p.Count == 0 || o.MinVoltage < p.MinVoltage {
		p.MinVoltage = o.MinVoltage
	}
	if p.Count == 0 || o.MaxVoltage > p.MaxVoltage {
		p.MaxVoltage = o.MaxVoltage
	}
	p.Count += o.Count
	p.PeakCount += o.PeakCount
	p.PowerSum += o.PowerSum
	p.VoltageSum += o.VoltageSum
	for i := range p.SubSums {
		p.SubSums[i] += o.SubSums[i]
	}
	if o.MaxSubMeter > p.MaxSubMeter {
		p.MaxSubMeter = o.MaxSubMeter
	}
	p.Sparse = p.Sparse || o.Sparse
}

// Finalize derives the day's aggregate. It returns false for an empty
// partial; such a day never produces an aggregate.
func (p Partial) Finalize() (model.DailyAggregate, bool) {
	if p.Count == 0 {
		return model.DailyAggregate{}, false
	}
	n := float64(p.Count)
	agg := model.DailyAggregate{
		Date:                 p.Date,
		AvgGlobalActivePower: p.PowerSum.Float() / n,
		AvgVoltage:           p.VoltageSum.Float() / n,
		MinVoltage:           p.MinVoltage.Float(),
		MaxVoltage:           p.MaxVoltage.Float(),
		TotalDailySum:        p.PowerSum.Float() / minutesPerHour,
		SampleCount:          p.Count,
		PeakSamples:          p.PeakCount,
		MaxSubMetering:       p.MaxSubMeter.Float(),
		Sparse:               p.Sparse,
	}
	for i, s := range p.SubSums {
		agg.TotalSubMetering[i] = s.Float()
	}
	return agg, true
}
