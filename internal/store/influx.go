package store

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"meter_billing/internal/model"
)

const summaryMeasurement = "daily_billing"

// InfluxSink writes daily summaries as points for time-series dashboards.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	loc      *time.Location
}

// NewInfluxSink connects and verifies the server is healthy.
func NewInfluxSink(ctx context.Context, url, token, org, bucket string, loc *time.Location) (*InfluxSink, error) {
	client := influxdb2.NewClient(url, token)
	if _, err := client.Health(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to InfluxDB: %w", err)
	}
	if loc == nil {
		loc = time.UTC
	}
	return &InfluxSink{client: client, writeAPI: client.WriteAPIBlocking(org, bucket), loc: loc}, nil
}

// SummaryPoint maps one summary to a point stamped at local midnight.
func SummaryPoint(runID string, s model.DailySummary, loc *time.Location) *write.Point {
	return write.NewPoint(
		summaryMeasurement,
		map[string]string{
			"run_id":  runID,
			"anomaly": fmt.Sprintf("%t", s.AnomalyFlag),
		},
		map[string]interface{}{
			"avg_global_active_power": s.AvgGlobalActivePower,
			"avg_voltage":             s.AvgVoltage,
			"min_voltage":             s.MinVoltage,
			"max_voltage":             s.MaxVoltage,
			"total_sub_metering_1":    s.TotalSubMetering[0],
			"total_sub_metering_2":    s.TotalSubMetering[1],
			"total_sub_metering_3":    s.TotalSubMetering[2],
			"total_daily_sum":         s.TotalDailySum,
			"peak_charge":             s.PeakCharge.InexactFloat64(),
			"offpeak_charge":          s.OffPeakCharge.InexactFloat64(),
			"total_charge":            s.TotalCharge.InexactFloat64(),
			"sample_count":            s.SampleCount,
		},
		s.Date.Time(loc),
	)
}

// WriteSummaries writes every summary of a run.
func (s *InfluxSink) WriteSummaries(ctx context.Context, runID string, summaries []model.DailySummary) error {
	points := make([]*write.Point, len(summaries))
	for i, sum := range summaries {
		points[i] = SummaryPoint(runID, sum, s.loc)
	}
	if err := s.writeAPI.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("writing %d points: %w", len(points), err)
	}
	return nil
}

func (s *InfluxSink) Close() {
	s.client.Close()
}
