package summary

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"meter_billing/internal/model"
)

// Columns is the output header. The first thirteen columns form the fixed
// query schema; the trailing ones keep what downstream anomaly re-evaluation
// needs.
var Columns = []string{
	"date",
	"avg_global_active_power",
	"avg_voltage",
	"min_voltage",
	"max_voltage",
	"total_sub_metering_1",
	"total_sub_metering_2",
	"total_sub_metering_3",
	"total_daily_sum",
	"anomaly_flag",
	"peak_charge",
	"offpeak_charge",
	"total_charge",
	"anomaly_reasons",
	"sample_count",
	"peak_samples",
	"max_sub_metering",
	"sparse",
}

const reasonSep = "|"

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func row(s model.DailySummary) []string {
	reasons := make([]string, len(s.AnomalyReasons))
	for i, r := range s.AnomalyReasons {
		reasons[i] = string(r)
	}
	return []string{
		s.Date.String(),
		formatFloat(s.AvgGlobalActivePower),
		formatFloat(s.AvgVoltage),
		formatFloat(s.MinVoltage),
		formatFloat(s.MaxVoltage),
		formatFloat(s.TotalSubMetering[0]),
		formatFloat(s.TotalSubMetering[1]),
		formatFloat(s.TotalSubMetering[2]),
		formatFloat(s.TotalDailySum),
		strconv.FormatBool(s.AnomalyFlag),
		s.PeakCharge.StringFixed(2),
		s.OffPeakCharge.StringFixed(2),
		s.TotalCharge.StringFixed(2),
		strings.Join(reasons, reasonSep),
		strconv.Itoa(s.SampleCount),
		strconv.Itoa(s.PeakSamples),
		formatFloat(s.MaxSubMetering),
		strconv.FormatBool(s.Sparse),
	}
}

// WriteCSV writes summaries with a header row. Identical input always
// produces identical bytes.
func WriteCSV(w io.Writer, summaries []model.DailySummary) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Columns); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	for _, s := range summaries {
		if err := cw.Write(row(s)); err != nil {
			return fmt.Errorf("writing %s: %w", s.Date, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// ErrNoDateColumn is returned by ReadCSV when the header has no date column.
var ErrNoDateColumn = errors.New("summary CSV missing date column")

// ReadCSV loads persisted summaries. It is lenient: headers match
// case-insensitively, dates may be YYYY-MM-DD or day-first, rows with a bad
// date are skipped, and missing or malformed numbers read as zero.
func ReadCSV(r io.Reader) ([]model.DailySummary, []model.RowSkipped, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, nil, ErrNoDateColumn
	}
	if err != nil {
		return nil, nil, fmt.Errorf("reading header: %w", err)
	}

	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))] = i
	}
	if _, ok := idx["date"]; !ok {
		return nil, nil, ErrNoDateColumn
	}
	// Files without the trailing columns carry no per-reading detail: a row
	// still stands for a day that had readings, and the largest sub-meter
	// total is the best available spike figure.
	_, hasSamples := idx["sample_count"]
	_, hasMaxSub := idx["max_sub_metering"]

	var (
		out   []model.DailySummary
		skips []model.RowSkipped
	)
	lineNum := 1
	for {
		lineNum++
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				skips = append(skips, model.RowSkipped{Line: lineNum, Reason: pe.Err.Error()})
				continue
			}
			return out, skips, fmt.Errorf("reading CSV line %d: %w", lineNum, err)
		}

		get := func(col string) string {
			i, ok := idx[col]
			if !ok || i >= len(rec) {
				return ""
			}
			return strings.TrimSpace(rec[i])
		}

		day, err := model.ParseDay(get("date"))
		if err != nil {
			skips = append(skips, model.RowSkipped{Line: lineNum, Reason: err.Error()})
			continue
		}

		s := model.DailySummary{}
		s.Date = day
		s.AvgGlobalActivePower = num(get("avg_global_active_power"))
		s.AvgVoltage = num(get("avg_voltage"))
		s.MinVoltage = num(get("min_voltage"))
		s.MaxVoltage = num(get("max_voltage"))
		for i := range s.TotalSubMetering {
			s.TotalSubMetering[i] = num(get(fmt.Sprintf("total_sub_metering_%d", i+1)))
		}
		s.TotalDailySum = num(get("total_daily_sum"))
		s.PeakCharge = money(get("peak_charge"))
		s.OffPeakCharge = money(get("offpeak_charge"))
		s.TotalCharge = money(get("total_charge"))
		s.SampleCount = int(num(get("sample_count")))
		s.PeakSamples = int(num(get("peak_samples")))
		s.MaxSubMetering = num(get("max_sub_metering"))
		if !hasSamples {
			s.SampleCount = 1
		}
		if !hasMaxSub {
			for _, v := range s.TotalSubMetering {
				s.MaxSubMetering = math.Max(s.MaxSubMetering, v)
			}
		}
		s.Sparse, _ = strconv.ParseBool(get("sparse"))

		if raw := get("anomaly_reasons"); raw != "" {
			for _, r := range strings.Split(raw, reasonSep) {
				if r = strings.TrimSpace(r); r != "" {
					s.AnomalyReasons = append(s.AnomalyReasons, model.Reason(r))
				}
			}
		}
		flag, _ := strconv.ParseBool(get("anomaly_flag"))
		s.AnomalyFlag = flag || len(s.AnomalyReasons) > 0

		out = append(out, s)
	}
	return out, skips, nil
}

func num(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

func money(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
