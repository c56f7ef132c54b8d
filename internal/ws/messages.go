package ws

import (
	"encoding/json"

	"meter_billing/internal/alert"
	"meter_billing/internal/model"
	"meter_billing/internal/summary"
)

// Envelope wraps all WebSocket messages with a type discriminator.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Message type constants
const (
	// Client -> Server
	TypeRangeRequest = "summaries:range"
	TypeMonthRequest = "billing:month"

	// Server -> Client
	TypeDataLoaded       = "data:loaded"
	TypeSummaryPublished = "summary:published"
	TypeAlertAnomaly     = "alert:anomaly"
	TypeRangeResult      = "summaries:range"
	TypeMonthResult      = "billing:month"
	TypeError            = "error"
)

// Client -> Server messages

type RangeRequestPayload struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type MonthRequestPayload struct {
	Month string `json:"month"`
}

// Server -> Client messages

type DateRangeInfo struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

type DataLoadedPayload struct {
	RunID     string         `json:"run_id"`
	Days      int            `json:"days"`
	DateRange *DateRangeInfo `json:"date_range,omitempty"`
}

type SummaryPublishedPayload struct {
	RunID     string         `json:"run_id"`
	Days      int            `json:"days"`
	Anomalies int            `json:"anomalies"`
	DateRange *DateRangeInfo `json:"date_range,omitempty"`
}

type SummariesPayload struct {
	Records []summary.Record `json:"records"`
}

type MonthPayload struct {
	Month   string           `json:"month"`
	Records []summary.Record `json:"records"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

func NewEnvelope(msgType string, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		var err error
		raw, err = json.Marshal(payload)
		if err != nil {
			return nil, err
		}
	}
	return json.Marshal(Envelope{Type: msgType, Payload: raw})
}

func dateRange(first, last model.Day, ok bool) *DateRangeInfo {
	if !ok {
		return nil
	}
	return &DateRangeInfo{Start: first.String(), End: last.String()}
}

// PublishedFromRun summarizes a freshly published run.
func PublishedFromRun(runID string, summaries []model.DailySummary) SummaryPublishedPayload {
	p := SummaryPublishedPayload{RunID: runID, Days: len(summaries)}
	for _, s := range summaries {
		if s.AnomalyFlag {
			p.Anomalies++
		}
	}
	if len(summaries) > 0 {
		p.DateRange = dateRange(summaries[0].Date, summaries[len(summaries)-1].Date, true)
	}
	return p
}

// AlertPayload is the alert as pushed to dashboards.
func AlertPayload(a alert.Alert) alert.Alert {
	if a.Reasons == nil {
		a.Reasons = []model.Reason{}
	}
	return a
}
