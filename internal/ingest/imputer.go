package ingest

import (
	"fmt"
	"sort"
	"time"

	"meter_billing/internal/model"
)

// fieldSums accumulates per-field sums and counts of valid values.
type fieldSums struct {
	sum   [model.FieldCount]model.Micro
	count [model.FieldCount]int
}

func (s *fieldSums) add(rec model.RawRecord) {
	for f := model.Field(0); f < model.FieldCount; f++ {
		if rec.Missing[f] {
			continue
		}
		s.sum[f] += model.ToMicro(rec.Values[f])
		s.count[f]++
	}
}

func (s *fieldSums) mean(f model.Field) (float64, bool) {
	if s == nil || s.count[f] == 0 {
		return 0, false
	}
	return s.sum[f].Float() / float64(s.count[f]), true
}

// Imputer resolves missing field values in two explicit phases. Observe
// must see every record of the batch before Fill is called; Fill replaces a
// missing value with the mean of that field over the same day's valid
// readings, falling back to the batch-wide mean and marking the day sparse.
// A field with no valid value anywhere is fatal only if it is aggregated;
// otherwise it is left at zero and the day is marked sparse.
//
// Both phases ignore repeated minutes after the first occurrence.
type Imputer struct {
	days   map[model.Day]*fieldSums
	global fieldSums

	observed map[int64]struct{}
	filled   map[int64]struct{}

	sparse     map[model.Day]bool
	imputed    int
	duplicates int
	skips      []model.RowSkipped
}

func NewImputer() *Imputer {
	return &Imputer{
		days:     make(map[model.Day]*fieldSums),
		observed: make(map[int64]struct{}),
		filled:   make(map[int64]struct{}),
		sparse:   make(map[model.Day]bool),
	}
}

// Observe is the first phase: it collects per-day statistics.
func (im *Imputer) Observe(recs []model.RawRecord) {
	for _, rec := range recs {
		key := rec.Timestamp.Unix()
		if _, dup := im.observed[key]; dup {
			continue
		}
		im.observed[key] = struct{}{}

		day := model.DayOf(rec.Timestamp)
		sums, ok := im.days[day]
		if !ok {
			sums = &fieldSums{}
			im.days[day] = sums
		}
		sums.add(rec)
		im.global.add(rec)
	}
}

// Fill is the second phase: it returns validated readings for recs.
func (im *Imputer) Fill(recs []model.RawRecord) ([]model.Reading, error) {
	out := make([]model.Reading, 0, len(recs))
	for _, rec := range recs {
		key := rec.Timestamp.Unix()
		if _, dup := im.filled[key]; dup {
			im.duplicates++
			if len(im.skips) < maxSkipDetail {
				im.skips = append(im.skips, model.RowSkipped{
					Line:   rec.Line,
					Reason: "duplicate timestamp " + rec.Timestamp.Format(time.RFC3339),
				})
			}
			continue
		}
		im.filled[key] = struct{}{}

		day := model.DayOf(rec.Timestamp)
		r := model.Reading{Timestamp: rec.Timestamp, Values: rec.Values}
		for f := model.Field(0); f < model.FieldCount; f++ {
			if !rec.Missing[f] {
				continue
			}
			v, ok := im.days[day].mean(f)
			if !ok {
				v, ok = im.global.mean(f)
				if !ok && f.Aggregated() {
					return nil, &model.IngestError{
						Reason: fmt.Sprintf("no valid %s values in input", f),
						Rows:   len(im.observed),
					}
				}
				im.sparse[day] = true
			}
			r.Values[f] = v
			im.imputed++
		}
		out = append(out, r)
	}
	return out, nil
}

// Imputed returns how many field values Fill replaced.
func (im *Imputer) Imputed() int { return im.imputed }

// Duplicates returns how many records Fill skipped as repeated minutes.
func (im *Imputer) Duplicates() int { return im.duplicates }

// Skips returns detail for the first skipped duplicates.
func (im *Imputer) Skips() []model.RowSkipped { return im.skips }

// IsSparse reports whether day needed a batch-wide fallback mean.
func (im *Imputer) IsSparse(day model.Day) bool { return im.sparse[day] }

// SparseDays returns the days that needed a batch-wide fallback, sorted.
func (im *Imputer) SparseDays() []model.Day {
	days := make([]model.Day, 0, len(im.sparse))
	for d := range im.sparse {
		days = append(days, d)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
	return days
}

// Validate runs both phases over an in-memory batch and returns the readings
// sorted by timestamp.
func Validate(recs []model.RawRecord) ([]model.Reading, *Imputer, error) {
	if len(recs) == 0 {
		return nil, nil, &model.IngestError{Reason: "empty input"}
	}
	im := NewImputer()
	im.Observe(recs)
	readings, err := im.Fill(recs)
	if err != nil {
		return nil, im, err
	}
	sort.SliceStable(readings, func(i, j int) bool {
		return readings[i].Timestamp.Before(readings[j].Timestamp)
	})
	return readings, im, nil
}
