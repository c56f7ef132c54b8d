package ingest

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meter_billing/internal/model"
)

func parseAll(t *testing.T, input string, chunkSize int) ([]model.RawRecord, Stats, error) {
	t.Helper()
	var recs []model.RawRecord
	p := NewMeterParser(time.UTC, nil)
	stats, err := p.Parse(strings.NewReader(input), chunkSize, func(chunk []model.RawRecord) error {
		recs = append(recs, chunk...)
		return nil
	})
	return recs, stats, err
}

func TestMeterParser_HouseholdFormat(t *testing.T) {
	input := `Date;Time;Global_active_power;Global_reactive_power;Voltage;Global_intensity;Sub_metering_1;Sub_metering_2;Sub_metering_3
16/12/2006;17:24:00;4.216;0.418;234.840;18.400;0.000;1.000;17.000
16/12/2006;17:25:00;5.360;0.436;233.630;23.000;0.000;1.000;16.000
1/1/2007;00:00:00;2.580;0.136;241.970;10.600;0.000;0.000;0.000`

	recs, stats, err := parseAll(t, input, 0)
	require.NoError(t, err)
	require.Len(t, recs, 3)

	assert.Equal(t, 3, stats.Rows)
	assert.Equal(t, 3, stats.Parsed)
	assert.Equal(t, time.Date(2006, 12, 16, 17, 24, 0, 0, time.UTC), recs[0].Timestamp)
	assert.InDelta(t, 4.216, recs[0].Values[model.GlobalActivePower], 0.0001)
	assert.InDelta(t, 234.84, recs[0].Values[model.Voltage], 0.0001)
	assert.InDelta(t, 17.0, recs[0].Values[model.SubMetering3], 0.0001)
	assert.Equal(t, 2, recs[0].Line)
	assert.Equal(t, time.Date(2007, 1, 1, 0, 0, 0, 0, time.UTC), recs[2].Timestamp)
}

func TestMeterParser_TimestampFormat(t *testing.T) {
	input := `timestamp,global_active_power,global_reactive_power,voltage,global_intensity,sub_metering_1,sub_metering_2,sub_metering_3
2024-03-01T10:15:42Z,1.5,0.1,230,6.5,0,0,1
2024-03-01 10:16,1.4,0.1,231,6.1,0,0,1`

	recs, _, err := parseAll(t, input, 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	// Seconds are dropped: readings have minute resolution.
	assert.Equal(t, time.Date(2024, 3, 1, 10, 15, 0, 0, time.UTC), recs[0].Timestamp)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 16, 0, 0, time.UTC), recs[1].Timestamp)
}

func TestMeterParser_MissingAndMalformedValues(t *testing.T) {
	input := `Date;Time;Global_active_power;Global_reactive_power;Voltage;Global_intensity;Sub_metering_1;Sub_metering_2;Sub_metering_3
16/12/2006;17:24:00;4.216;0.418;?;18.400;0.000;1.000;17.000
16/12/2006;17:25:00;abc;0.436;233.630;-1;;1.000;16.000`

	recs, stats, err := parseAll(t, input, 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	assert.True(t, recs[0].Missing[model.Voltage])
	assert.Equal(t, 1, recs[0].MissingCount())

	assert.True(t, recs[1].Missing[model.GlobalActivePower])
	assert.True(t, recs[1].Missing[model.GlobalIntensity], "negative values are treated as missing")
	assert.True(t, recs[1].Missing[model.SubMetering1])
	assert.Equal(t, 4, stats.Missing)
}

func TestMeterParser_OutOfRangeValues(t *testing.T) {
	input := `timestamp,global_active_power,global_reactive_power,voltage,global_intensity,sub_metering_1,sub_metering_2,sub_metering_3
2024-05-01 10:00,1.5,0.1,240,4.2,10000000000000,0,0
2024-05-01 10:01,1e300,0.1,240,4.2,20000,0,1000000`

	recs, stats, err := parseAll(t, input, 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	assert.True(t, recs[0].Missing[model.SubMetering1])
	assert.Equal(t, 1.5, recs[0].Values[model.GlobalActivePower])

	assert.True(t, recs[1].Missing[model.GlobalActivePower])
	assert.False(t, recs[1].Missing[model.SubMetering1])
	assert.Equal(t, 20000.0, recs[1].Values[model.SubMetering1])
	assert.Equal(t, MaxValue, recs[1].Values[model.SubMetering3])
	assert.Equal(t, 2, stats.Missing)
}

func TestMeterParser_SkipsAndDrops(t *testing.T) {
	input := `Date;Time;Global_active_power;Global_reactive_power;Voltage;Global_intensity;Sub_metering_1;Sub_metering_2;Sub_metering_3
16/12/2006;17:24:00;4.216;0.418;234.840;18.400;0.000;1.000;17.000
not-a-date;17:25:00;4.216;0.418;234.840;18.400;0.000;1.000;17.000
16/12/2006;17:26:00;?;?;?;?;?;?;?
16/12/2006;xx;4.216;0.418;234.840;18.400;0.000;1.000;17.000`

	recs, stats, err := parseAll(t, input, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	assert.Equal(t, 4, stats.Rows)
	assert.Equal(t, 2, stats.Skipped)
	assert.Equal(t, 1, stats.Dropped)
	require.Len(t, stats.Skips, 3)
	assert.Equal(t, 3, stats.Skips[0].Line)
	assert.Equal(t, "all fields missing", stats.Skips[1].Reason)
	assert.Equal(t, 5, stats.Skips[2].Line)
}

func TestMeterParser_Chunks(t *testing.T) {
	var b strings.Builder
	b.WriteString("timestamp,global_active_power,global_reactive_power,voltage,global_intensity,sub_metering_1,sub_metering_2,sub_metering_3\n")
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 7; i++ {
		b.WriteString(base.Add(time.Duration(i)*time.Minute).Format(time.RFC3339) + ",1,0,230,4,0,0,0\n")
	}

	var sizes []int
	p := NewMeterParser(nil, nil)
	_, err := p.Parse(strings.NewReader(b.String()), 3, func(chunk []model.RawRecord) error {
		sizes = append(sizes, len(chunk))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{3, 3, 1}, sizes)
}

func TestMeterParser_CallbackError(t *testing.T) {
	input := `timestamp,global_active_power,global_reactive_power,voltage,global_intensity,sub_metering_1,sub_metering_2,sub_metering_3
2024-03-01T10:15:00Z,1.5,0.1,230,6.5,0,0,1`

	boom := errors.New("boom")
	p := NewMeterParser(nil, nil)
	_, err := p.Parse(strings.NewReader(input), 1, func([]model.RawRecord) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestMeterParser_IngestErrors(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		reason string
	}{
		{"empty input", "", "empty input"},
		{"blank lines", "\n\n", "empty input"},
		{"no timestamp column", "global_active_power,global_reactive_power,voltage,global_intensity,sub_metering_1,sub_metering_2,sub_metering_3\n1,0,230,4,0,0,0", "timestamp"},
		{"date without time", "date,global_active_power,global_reactive_power,voltage,global_intensity,sub_metering_1,sub_metering_2,sub_metering_3\n2024-01-01,1,0,230,4,0,0,0", "timestamp"},
		{"missing field column", "timestamp,global_active_power,voltage\n2024-01-01T00:00:00Z,1,230", "global_reactive_power"},
		{"header only", "timestamp,global_active_power,global_reactive_power,voltage,global_intensity,sub_metering_1,sub_metering_2,sub_metering_3\n", "no parseable rows"},
		{"no valid rows", "timestamp,global_active_power,global_reactive_power,voltage,global_intensity,sub_metering_1,sub_metering_2,sub_metering_3\nbad,1,0,230,4,0,0,0", "no parseable rows"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := parseAll(t, tt.input, 0)
			require.Error(t, err)
			var ie *model.IngestError
			require.ErrorAs(t, err, &ie)
			assert.Contains(t, ie.Error(), tt.reason)
		})
	}
}
