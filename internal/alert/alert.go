package alert

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"meter_billing/internal/logging"
	"meter_billing/internal/metrics"
	"meter_billing/internal/model"
)

// Alert is the payload sent for one anomalous day. Formatting a human
// message is left to the receiving transport.
type Alert struct {
	Date          model.Day      `json:"date"`
	Reasons       []model.Reason `json:"anomaly_reasons"`
	TotalDailySum float64        `json:"total_daily_sum"`
	RunID         string         `json:"run_id,omitempty"`
	Source        string         `json:"source,omitempty"`
}

func (a Alert) Marshal() ([]byte, error) { return json.Marshal(a) }

// FromSummaries returns one alert per flagged summary.
func FromSummaries(runID string, summaries []model.DailySummary) []Alert {
	var out []Alert
	for _, s := range summaries {
		if !s.AnomalyFlag {
			continue
		}
		out = append(out, Alert{Date: s.Date, Reasons: s.AnomalyReasons, TotalDailySum: s.TotalDailySum, RunID: runID})
	}
	return out
}

// FromFlags returns one alert per flagged day. totals supplies each day's
// consumption and may be nil.
func FromFlags(runID string, flags []model.AnomalyFlag, totals map[model.Day]float64) []Alert {
	var out []Alert
	for _, f := range flags {
		if !f.Flag {
			continue
		}
		out = append(out, Alert{Date: f.Date, Reasons: f.Reasons, TotalDailySum: totals[f.Date], RunID: runID})
	}
	return out
}

// Notifier delivers alerts to one transport.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, a Alert) error
}

// Dispatcher fans alerts out to notifiers without blocking the caller.
// Delivery failures are logged and counted, never returned.
type Dispatcher struct {
	notifiers []Notifier
	log       logrus.FieldLogger
	metrics   *metrics.Metrics
	timeout   time.Duration

	wg sync.WaitGroup
}

func NewDispatcher(log logrus.FieldLogger, m *metrics.Metrics, timeout time.Duration, notifiers ...Notifier) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{notifiers: notifiers, log: log, metrics: m, timeout: timeout}
}

// Dispatch starts delivery of alerts and returns immediately.
func (d *Dispatcher) Dispatch(alerts []Alert) {
	for _, a := range alerts {
		for _, n := range d.notifiers {
			d.wg.Add(1)
			go func(n Notifier, a Alert) {
				defer d.wg.Done()
				ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
				defer cancel()

				err := n.Notify(ctx, a)
				d.metrics.Alert(n.Name(), err)
				if err != nil {
					logging.LogError(d.log, "alert", "Dispatch", "notifying "+n.Name(), a.Date.String(), err)
					return
				}
				d.log.WithFields(logrus.Fields{"notifier": n.Name(), "date": a.Date.String()}).Debug("alert delivered")
			}(n, a)
		}
	}
}

// Wait blocks until every started delivery has finished. Command-line
// jobs call it before exiting.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// LogNotifier writes alerts to the log. It is always available.
type LogNotifier struct {
	Log logrus.FieldLogger
}

func (LogNotifier) Name() string { return "log" }

func (n LogNotifier) Notify(_ context.Context, a Alert) error {
	reasons := make([]string, len(a.Reasons))
	for i, r := range a.Reasons {
		reasons[i] = string(r)
	}
	n.Log.WithFields(logrus.Fields{
		"date":            a.Date.String(),
		"anomaly_reasons": reasons,
		"total_daily_sum": a.TotalDailySum,
		"run_id":          a.RunID,
	}).Warn("billing anomaly")
	return nil
}
