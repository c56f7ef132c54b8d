package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meter_billing/internal/anomaly"
	"meter_billing/internal/billing"
	"meter_billing/internal/ingest"
	"meter_billing/internal/logging"
	"meter_billing/internal/metrics"
	"meter_billing/internal/model"
)

const header = "timestamp,global_active_power,global_reactive_power,voltage,global_intensity,sub_metering_1,sub_metering_2,sub_metering_3\n"

func newTestEngine() *Engine {
	log := logging.Discard()
	e := New(
		ingest.NewMeterParser(time.UTC, log),
		billing.NewCalculator(billing.DefaultRates(), billing.DefaultPeakWindow),
		anomaly.NewDetector(anomaly.DefaultThresholds()),
		log,
	)
	e.now = func() time.Time { return time.Date(2024, 5, 5, 2, 0, 0, 0, time.UTC) }
	return e
}

// hourlyRows returns one reading per hour of day at a constant power.
func hourlyRows(day string, power float64) []string {
	rows := make([]string, 24)
	for h := range rows {
		rows[h] = fmt.Sprintf("%s %02d:00:00,%g,0.1,240,4.2,0,0,0", day, h, power)
	}
	return rows
}

func source(rows []string) ingest.BytesSource {
	return ingest.BytesSource{Label: "test.csv", Data: []byte(header + strings.Join(rows, "\n") + "\n")}
}

func fourDays() []string {
	var rows []string
	rows = append(rows, hourlyRows("2024-05-01", 1)...)
	rows = append(rows, hourlyRows("2024-05-02", 1)...)
	rows = append(rows, hourlyRows("2024-05-03", 1)...)
	rows = append(rows, hourlyRows("2024-05-04", 0)...)
	return rows
}

func TestNewRunID(t *testing.T) {
	now := time.Date(2024, 5, 5, 4, 0, 0, 0, time.FixedZone("CEST", 2*3600))
	id := NewRunID(now)
	assert.Regexp(t, `^20240505T020000Z-[0-9a-f]{8}$`, id)
	assert.NotEqual(t, id, NewRunID(now))
}

func TestEngine_Run(t *testing.T) {
	e := newTestEngine()
	rep, err := e.Run(context.Background(), source(fourDays()))
	require.NoError(t, err)

	assert.Regexp(t, `^20240505T020000Z-`, rep.RunID)
	assert.Equal(t, "test.csv", rep.Source)
	assert.Equal(t, 96, rep.Stats.Parsed)
	assert.Equal(t, "batch", rep.BaselineSource)
	require.Len(t, rep.Summaries, 4)

	day1 := rep.Summaries[0]
	assert.Equal(t, model.Day{Year: 2024, Month: time.May, Day: 1}, day1.Date)
	assert.Equal(t, 24, day1.SampleCount)
	assert.Equal(t, 8, day1.PeakSamples)
	assert.InDelta(t, 0.4, day1.TotalDailySum, 1e-9)
	assert.Equal(t, "1.13", day1.PeakCharge.StringFixed(2))
	assert.Equal(t, "1.33", day1.OffPeakCharge.StringFixed(2))
	assert.Equal(t, "2.46", day1.TotalCharge.StringFixed(2))
	assert.False(t, day1.AnomalyFlag)

	// Zero-consumption day
	zero := rep.Summaries[3]
	assert.Equal(t, 0.0, zero.TotalDailySum)
	assert.True(t, zero.AnomalyFlag)
	assert.Equal(t, []model.Reason{model.ReasonZeroConsumption}, zero.AnomalyReasons)
	assert.True(t, zero.TotalCharge.IsZero())

	require.Len(t, rep.Anomalies(), 1)
	assert.Equal(t, zero.Date, rep.Anomalies()[0].Date)
}

func TestEngine_Idempotent(t *testing.T) {
	src := source(fourDays())

	first, err := newTestEngine().Run(context.Background(), src)
	require.NoError(t, err)
	second, err := newTestEngine().Run(context.Background(), src)
	require.NoError(t, err)

	a, err := first.CSV()
	require.NoError(t, err)
	b, err := second.CSV()
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
	assert.NotEqual(t, first.RunID, second.RunID)
}

func TestEngine_ChunkAndOrderInvariance(t *testing.T) {
	rows := fourDays()
	// Give the readings some variety so sums are not trivially equal.
	for i := range rows {
		if i%5 == 0 {
			rows[i] = strings.Replace(rows[i], ",0.1,240,", ",0.1,231.7,", 1)
		}
	}

	base := newTestEngine()
	want, err := base.Run(context.Background(), source(rows))
	require.NoError(t, err)
	wantCSV, err := want.CSV()
	require.NoError(t, err)

	shuffled := append([]string(nil), rows...)
	rand.New(rand.NewSource(7)).Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	for _, chunk := range []int{1, 7, 50, 1000} {
		t.Run(fmt.Sprintf("chunk %d", chunk), func(t *testing.T) {
			e := newTestEngine()
			e.ChunkSize = chunk
			rep, err := e.Run(context.Background(), source(shuffled))
			require.NoError(t, err)
			got, err := rep.CSV()
			require.NoError(t, err)
			assert.Equal(t, string(wantCSV), string(got))
		})
	}
}

func TestEngine_Imputation(t *testing.T) {
	rows := []string{
		"2024-05-01 10:00:00,1,0.1,230,4.2,0,0,0",
		"2024-05-01 11:00:00,1,0.1,240,4.2,0,0,0",
		"2024-05-01 12:00:00,1,0.1,?,4.2,0,0,0",
		// No valid voltage on the second day
		"2024-05-02 10:00:00,1,0.1,,4.2,0,0,0",
		"2024-05-02 11:00:00,1,0.1,?,4.2,0,0,0",
	}
	rep, err := newTestEngine().Run(context.Background(), source(rows))
	require.NoError(t, err)
	require.Len(t, rep.Summaries, 2)

	assert.Equal(t, 3, rep.Imputed)
	assert.InDelta(t, 235.0, rep.Summaries[0].AvgVoltage, 1e-9)
	assert.False(t, rep.Summaries[0].Sparse)

	sparse := rep.Summaries[1]
	assert.True(t, sparse.Sparse)
	assert.InDelta(t, 235.0, sparse.AvgVoltage, 1e-9)
	assert.True(t, sparse.AnomalyFlag)
	assert.Contains(t, sparse.AnomalyReasons, model.ReasonSparseData)
	assert.Equal(t, []model.Day{{Year: 2024, Month: time.May, Day: 2}}, rep.SparseDays)
}

func TestEngine_OutOfRangeSubMeter(t *testing.T) {
	rows := append(fourDays(),
		"2024-05-02 12:30:00,1,0.1,240,4.2,10000000000000,0,0",
		"2024-05-03 12:30:00,1,0.1,240,4.2,20000,0,0",
	)
	rep, err := newTestEngine().Run(context.Background(), source(rows))
	require.NoError(t, err)
	require.Len(t, rep.Summaries, 4)

	// The implausible reading is imputed from its day, never wrapped negative.
	day2 := rep.Summaries[1]
	assert.Equal(t, 25, day2.SampleCount)
	assert.Equal(t, 0.0, day2.TotalSubMetering[0])
	assert.Equal(t, 0.0, day2.MaxSubMetering)
	assert.NotContains(t, day2.AnomalyReasons, model.ReasonSubMeterSpike)

	day3 := rep.Summaries[2]
	assert.Equal(t, 20000.0, day3.MaxSubMetering)
	assert.Equal(t, 20000.0, day3.TotalSubMetering[0])
	assert.True(t, day3.AnomalyFlag)
	assert.Contains(t, day3.AnomalyReasons, model.ReasonSubMeterSpike)
}

func TestEngine_SkippedRows(t *testing.T) {
	rows := append(hourlyRows("2024-05-01", 1),
		"not a time,1,0.1,240,4.2,0,0,0",
		"2024-05-01 05:00:00,9,0.1,240,4.2,0,0,0", // duplicate minute
		"2024-05-01 23:30:00,?,?,?,?,?,?,?",
	)
	rep, err := newTestEngine().Run(context.Background(), source(rows))
	require.NoError(t, err)

	assert.Equal(t, 1, rep.Stats.Skipped)
	assert.Equal(t, 1, rep.Stats.Dropped)
	assert.Equal(t, 1, rep.Duplicates)
	assert.Len(t, rep.Skips, 3)
	require.Len(t, rep.Summaries, 1)
	assert.Equal(t, 24, rep.Summaries[0].SampleCount)
	assert.InDelta(t, 0.4, rep.Summaries[0].TotalDailySum, 1e-9)
}

func TestEngine_IngestErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"empty", ""},
		{"no timestamp column", "power,voltage\n1,240\n"},
		{"no parseable rows", header + "garbage,1,1,1,1,1,1,1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := metrics.New()
			e := newTestEngine()
			e.Metrics = m

			_, err := e.Run(context.Background(), ingest.BytesSource{Label: "bad.csv", Data: []byte(tt.data)})
			require.Error(t, err)
			var ie *model.IngestError
			assert.True(t, errors.As(err, &ie), "got %T: %v", err, err)
		})
	}
}

func TestEngine_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestEngine().Run(ctx, source(fourDays()))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEngine_HistoryBaseline(t *testing.T) {
	ctx := context.Background()
	hist := anomaly.NewMemoryHistory()

	var past []model.DailyAggregate
	for d := 1; d <= 10; d++ {
		past = append(past, model.DailyAggregate{
			Date:          model.Day{Year: 2024, Month: time.April, Day: 20 + d},
			TotalDailySum: 0.4,
		})
	}
	require.NoError(t, hist.Record(ctx, past[:9]))

	e := newTestEngine()
	e.History = hist
	e.WindowDays = 30

	// A single high day has no batch baseline of its own.
	rep, err := e.Run(ctx, source(hourlyRows("2024-05-01", 2)))
	require.NoError(t, err)

	assert.Equal(t, "history", rep.BaselineSource)
	assert.Equal(t, 9, rep.Baseline.Days)
	require.Len(t, rep.Summaries, 1)
	assert.Equal(t, []model.Reason{model.ReasonHighConsumption}, rep.Summaries[0].AnomalyReasons)

	// The run's totals were recorded for later runs.
	base, err := hist.Baseline(ctx, model.Day{Year: 2024, Month: time.May, Day: 2}, 0)
	require.NoError(t, err)
	assert.Equal(t, 10, base.Days)
}

func TestEngine_ShortHistoryFallsBack(t *testing.T) {
	ctx := context.Background()
	hist := anomaly.NewMemoryHistory()
	require.NoError(t, hist.Record(ctx, []model.DailyAggregate{
		{Date: model.Day{Year: 2024, Month: time.April, Day: 30}, TotalDailySum: 0.4},
	}))

	e := newTestEngine()
	e.History = hist

	rep, err := e.Run(ctx, source(fourDays()))
	require.NoError(t, err)
	assert.Equal(t, "batch", rep.BaselineSource)
	assert.Equal(t, 4, rep.Baseline.Days)
}
