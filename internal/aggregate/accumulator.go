package aggregate

import (
	"sort"
	"time"

	"meter_billing/internal/model"
)

// Accumulator groups readings by calendar day into per-day partials.
// Chunks may arrive in any order; each chunk can also be aggregated in its
// own Accumulator and the results merged.
type Accumulator struct {
	isPeak func(time.Time) bool
	days   map[model.Day]*Partial
}

// New returns an Accumulator. isPeak classifies a reading's timestamp into
// the billing peak window; nil treats every reading as off-peak.
func New(isPeak func(time.Time) bool) *Accumulator {
	if isPeak == nil {
		isPeak = func(time.Time) bool { return false }
	}
	return &Accumulator{
		isPeak: isPeak,
		days:   make(map[model.Day]*Partial),
	}
}

func (a *Accumulator) partial(day model.Day) *Partial {
	p, ok := a.days[day]
	if !ok {
		p = &Partial{Date: day}
		a.days[day] = p
	}
	return p
}

// Add folds a chunk of validated readings.
func (a *Accumulator) Add(readings []model.Reading) {
	for _, r := range readings {
		a.partial(r.Day()).Add(r, a.isPeak(r.Timestamp))
	}
}

// Merge folds every partial of o into a.
func (a *Accumulator) Merge(o *Accumulator) {
	for day, p := range o.days {
		a.partial(day).Merge(*p)
	}
}

// MarkSparse flags days whose readings needed a batch-wide fallback during
// imputation.
func (a *Accumulator) MarkSparse(days ...model.Day) {
	for _, d := range days {
		if p, ok := a.days[d]; ok {
			p.Sparse = true
		}
	}
}

// Len returns the number of days seen so far.
func (a *Accumulator) Len() int { return len(a.days) }

// Finalize returns one aggregate per day, sorted by date.
func (a *Accumulator) Finalize() []model.DailyAggregate {
	out := make([]model.DailyAggregate, 0, len(a.days))
	for _, p := range a.days {
		if agg, ok := p.Finalize(); ok {
			out = append(out, agg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out
}

// Aggregate is a convenience for in-memory batches.
func Aggregate(readings []model.Reading, isPeak func(time.Time) bool) []model.DailyAggregate {
	acc := New(isPeak)
	acc.Add(readings)
	return acc.Finalize()
}
