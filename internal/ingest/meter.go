package ingest

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"meter_billing/internal/model"
)

// MeterParser parses minute-level household meter exports.
//
// Two layouts are accepted, with the delimiter detected from the header:
//
//	Date;Time;Global_active_power;Global_reactive_power;Voltage;Global_intensity;Sub_metering_1;Sub_metering_2;Sub_metering_3
//	16/12/2006;17:24:00;4.216;0.418;234.840;18.400;0.000;1.000;17.000
//
//	timestamp,global_active_power,global_reactive_power,voltage,global_intensity,sub_metering_1,sub_metering_2,sub_metering_3
//	2006-12-16T17:24:00Z,4.216,0.418,234.840,18.400,0,1,17
//
// "?" and empty cells mark missing values.
type MeterParser struct {
	// Location is used for timestamps without a zone. Defaults to UTC.
	Location *time.Location
	Log      logrus.FieldLogger
}

func NewMeterParser(loc *time.Location, log logrus.FieldLogger) *MeterParser {
	if loc == nil {
		loc = time.UTC
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &MeterParser{Location: loc, Log: log}
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04",
}

// columns maps header positions for one input file.
type columns struct {
	timestamp int
	date      int
	time      int
	fields    [model.FieldCount]int
}

func (p *MeterParser) Parse(r io.Reader, chunkSize int, fn func([]model.RawRecord) error) (Stats, error) {
	var stats Stats
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	br := bufio.NewReader(r)
	first, err := br.ReadString('\n')
	if err != nil && err != io.EOF {
		return stats, &model.IngestError{Reason: "reading header", Err: err}
	}
	if strings.TrimSpace(first) == "" {
		return stats, &model.IngestError{Reason: "empty input"}
	}

	cr := csv.NewReader(io.MultiReader(strings.NewReader(first), br))
	cr.Comma = detectDelimiter(first)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return stats, &model.IngestError{Reason: "reading header", Err: err}
	}
	cols, err := mapColumns(header)
	if err != nil {
		return stats, err
	}

	chunk := make([]model.RawRecord, 0, chunkSize)
	lineNum := 1 // header was line 1

	for {
		lineNum++
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				stats.Rows++
				stats.skip(lineNum, pe.Err.Error())
				p.Log.WithField("line", lineNum).Debugf("skipping row: %v", err)
				continue
			}
			return stats, fmt.Errorf("reading CSV line %d: %w", lineNum, err)
		}
		stats.Rows++

		rec, err := p.parseRecord(record, cols, lineNum)
		if err != nil {
			// Skip rows without a usable timestamp
			stats.skip(lineNum, err.Error())
			p.Log.WithField("line", lineNum).Debugf("skipping row: %v", err)
			continue
		}
		missing := rec.MissingCount()
		if missing == int(model.FieldCount) {
			stats.drop(lineNum)
			continue
		}
		stats.Missing += missing
		stats.Parsed++

		chunk = append(chunk, rec)
		if len(chunk) >= chunkSize {
			if err := fn(chunk); err != nil {
				return stats, err
			}
			chunk = make([]model.RawRecord, 0, chunkSize)
		}
	}

	if len(chunk) > 0 {
		if err := fn(chunk); err != nil {
			return stats, err
		}
	}

	if stats.Parsed == 0 {
		return stats, &model.IngestError{
			Reason:  "no parseable rows",
			Rows:    stats.Rows,
			Skipped: stats.Skipped + stats.Dropped,
		}
	}
	return stats, nil
}

func detectDelimiter(header string) rune {
	if strings.Count(header, ";") > strings.Count(header, ",") {
		return ';'
	}
	return ','
}

func mapColumns(header []string) (columns, error) {
	cols := columns{timestamp: -1, date: -1, time: -1}
	for i := range cols.fields {
		cols.fields[i] = -1
	}

	for i, h := range header {
		name := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		switch name {
		case "timestamp", "datetime":
			cols.timestamp = i
		case "date":
			cols.date = i
		case "time":
			cols.time = i
		default:
			if f, ok := model.FieldByColumn[name]; ok {
				cols.fields[f] = i
			}
		}
	}

	if cols.timestamp < 0 && (cols.date < 0 || cols.time < 0) {
		return cols, &model.IngestError{Reason: "no parseable timestamp column (expected timestamp or date+time)"}
	}
	for f, idx := range cols.fields {
		if idx < 0 {
			return cols, &model.IngestError{Reason: fmt.Sprintf("missing required column %q", model.Field(f))}
		}
	}
	return cols, nil
}

func (p *MeterParser) parseRecord(record []string, cols columns, lineNum int) (model.RawRecord, error) {
	rec := model.RawRecord{Line: lineNum}

	ts, err := p.parseTimestamp(record, cols)
	if err != nil {
		return rec, err
	}
	rec.Timestamp = ts

	for f, idx := range cols.fields {
		v, ok := parseValue(cell(record, idx))
		if !ok {
			rec.Missing[f] = true
			continue
		}
		rec.Values[f] = v
	}
	return rec, nil
}

func (p *MeterParser) parseTimestamp(record []string, cols columns) (time.Time, error) {
	if cols.timestamp >= 0 {
		raw := strings.TrimSpace(cell(record, cols.timestamp))
		for _, layout := range timestampLayouts {
			if t, err := time.ParseInLocation(layout, raw, p.Location); err == nil {
				return toMinute(t.In(p.Location)), nil
			}
		}
		return time.Time{}, fmt.Errorf("parsing timestamp %q", raw)
	}

	day, err := model.ParseDay(cell(record, cols.date))
	if err != nil {
		return time.Time{}, err
	}
	raw := strings.TrimSpace(cell(record, cols.time))
	clock, err := time.Parse("15:04:05", raw)
	if err != nil {
		if clock, err = time.Parse("15:04", raw); err != nil {
			return time.Time{}, fmt.Errorf("parsing time %q", raw)
		}
	}
	return time.Date(day.Year, day.Month, day.Day, clock.Hour(), clock.Minute(), 0, 0, p.Location), nil
}

func toMinute(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, t.Location())
}

func cell(record []string, idx int) string {
	if idx < 0 || idx >= len(record) {
		return ""
	}
	return record[idx]
}

// MaxValue is the largest reading accepted for any field. Day and batch sums
// are kept in int64 millionths, so this bound leaves room for millions of
// readings per batch; anything above it is treated as missing.
const MaxValue = 1e6

// parseValue casts a cell to a non-negative float no larger than MaxValue.
// Anything else is missing.
func parseValue(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" || s == "?" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || v < 0 || v > MaxValue {
		return 0, false
	}
	return v, true
}
