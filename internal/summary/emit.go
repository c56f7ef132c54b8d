package summary

import (
	"fmt"
	"sort"

	"meter_billing/internal/model"
)

// Emit joins aggregates, billing records and anomaly flags by date. Every
// date must be present on all three sides; otherwise a *model.JoinMismatch
// lists what is missing where. Output is sorted by date.
func Emit(aggs []model.DailyAggregate, bills []model.BillingRecord, flags []model.AnomalyFlag) ([]model.DailySummary, error) {
	aggByDay := make(map[model.Day]model.DailyAggregate, len(aggs))
	for _, a := range aggs {
		if _, dup := aggByDay[a.Date]; dup {
			return nil, &model.InvariantViolation{Date: a.Date, Detail: "duplicate aggregate"}
		}
		aggByDay[a.Date] = a
	}
	billByDay := make(map[model.Day]model.BillingRecord, len(bills))
	for _, b := range bills {
		if _, dup := billByDay[b.Date]; dup {
			return nil, &model.InvariantViolation{Date: b.Date, Detail: "duplicate billing record"}
		}
		billByDay[b.Date] = b
	}
	flagByDay := make(map[model.Day]model.AnomalyFlag, len(flags))
	for _, f := range flags {
		if _, dup := flagByDay[f.Date]; dup {
			return nil, &model.InvariantViolation{Date: f.Date, Detail: "duplicate anomaly flag"}
		}
		if f.Flag != (len(f.Reasons) > 0) {
			return nil, &model.InvariantViolation{
				Date:   f.Date,
				Detail: fmt.Sprintf("anomaly flag %v with %d reasons", f.Flag, len(f.Reasons)),
			}
		}
		flagByDay[f.Date] = f
	}

	all := make(map[model.Day]struct{})
	for d := range aggByDay {
		all[d] = struct{}{}
	}
	for d := range billByDay {
		all[d] = struct{}{}
	}
	for d := range flagByDay {
		all[d] = struct{}{}
	}
	days := make([]model.Day, 0, len(all))
	for d := range all {
		days = append(days, d)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })

	var mismatch model.JoinMismatch
	for _, d := range days {
		if _, ok := aggByDay[d]; !ok {
			mismatch.MissingAggregate = append(mismatch.MissingAggregate, d)
		}
		if _, ok := billByDay[d]; !ok {
			mismatch.MissingBilling = append(mismatch.MissingBilling, d)
		}
		if _, ok := flagByDay[d]; !ok {
			mismatch.MissingAnomaly = append(mismatch.MissingAnomaly, d)
		}
	}
	if len(mismatch.MissingAggregate)+len(mismatch.MissingBilling)+len(mismatch.MissingAnomaly) > 0 {
		return nil, &mismatch
	}

	out := make([]model.DailySummary, 0, len(days))
	for _, d := range days {
		b := billByDay[d]
		f := flagByDay[d]
		out = append(out, model.DailySummary{
			DailyAggregate: aggByDay[d],
			PeakCharge:     b.PeakCharge,
			OffPeakCharge:  b.OffPeakCharge,
			TotalCharge:    b.TotalCharge,
			AnomalyFlag:    f.Flag,
			AnomalyReasons: f.Reasons,
		})
	}
	return out, nil
}
