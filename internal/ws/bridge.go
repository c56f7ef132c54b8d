package ws

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"meter_billing/internal/alert"
	"meter_billing/internal/model"
)

// Bridge broadcasts published runs and anomaly alerts to the WebSocket hub.
// It is also an alert.Notifier, so dashboards receive alerts alongside the
// other transports.
type Bridge struct {
	hub *Hub
	log logrus.FieldLogger
}

var _ alert.Notifier = (*Bridge)(nil)

func NewBridge(hub *Hub) *Bridge {
	return &Bridge{hub: hub, log: hub.log}
}

func (b *Bridge) Name() string { return "websocket" }

// Notify pushes an alert:anomaly envelope. Clients too slow to take it
// make the delivery count as failed.
func (b *Bridge) Notify(_ context.Context, a alert.Alert) error {
	missed, err := b.hub.Broadcast(TypeAlertAnomaly, AlertPayload(a))
	if err != nil {
		return err
	}
	if missed > 0 {
		return fmt.Errorf("alert for %s dropped by %d dashboard client(s)", a.Date, missed)
	}
	return nil
}

// OnPublished announces a newly loaded run.
func (b *Bridge) OnPublished(runID string, summaries []model.DailySummary) {
	missed, err := b.hub.Broadcast(TypeSummaryPublished, PublishedFromRun(runID, summaries))
	if err != nil {
		b.log.WithError(err).Error("broadcasting summary:published")
		return
	}
	if missed > 0 {
		b.log.WithFields(logrus.Fields{"run_id": runID, "missed": missed}).Warn("summary:published not delivered to every client")
	}
}
