package alert

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"meter_billing/internal/logging"
	"meter_billing/internal/metrics"
	"meter_billing/internal/model"
)

var may4 = model.Day{Year: 2024, Month: time.May, Day: 4}

type recordingNotifier struct {
	mu     sync.Mutex
	name   string
	err    error
	alerts []Alert
}

func (n *recordingNotifier) Name() string { return n.name }

func (n *recordingNotifier) Notify(_ context.Context, a Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, a)
	return n.err
}

func (n *recordingNotifier) received() []Alert {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Alert(nil), n.alerts...)
}

func TestFromSummaries(t *testing.T) {
	var flagged, normal model.DailySummary
	flagged.Date = may4
	flagged.TotalDailySum = 0
	flagged.AnomalyFlag = true
	flagged.AnomalyReasons = []model.Reason{model.ReasonZeroConsumption}
	normal.Date = model.Day{Year: 2024, Month: time.May, Day: 5}

	alerts := FromSummaries("run-1", []model.DailySummary{flagged, normal})
	require.Len(t, alerts, 1)
	assert.Equal(t, Alert{Date: may4, Reasons: flagged.AnomalyReasons, RunID: "run-1"}, alerts[0])
}

func TestFromFlags(t *testing.T) {
	flags := []model.AnomalyFlag{
		model.NewAnomalyFlag(may4, []model.Reason{model.ReasonHighConsumption}),
		model.NewAnomalyFlag(model.Day{Year: 2024, Month: time.May, Day: 5}, nil),
	}
	alerts := FromFlags("", flags, map[model.Day]float64{may4: 42})
	require.Len(t, alerts, 1)
	assert.Equal(t, 42.0, alerts[0].TotalDailySum)

	assert.Empty(t, FromFlags("", flags[1:], nil))
}

func TestAlert_JSON(t *testing.T) {
	b, err := Alert{Date: may4, Reasons: []model.Reason{model.ReasonSubMeterSpike}}.Marshal()
	require.NoError(t, err)
	assert.JSONEq(t, `{"date":"2024-05-04","anomaly_reasons":["sub-meter spike"],"total_daily_sum":0}`, string(b))
}

func TestDispatcher_FanOutAndFailures(t *testing.T) {
	ok := &recordingNotifier{name: "ok"}
	failing := &recordingNotifier{name: "failing", err: errors.New("transport down")}
	d := NewDispatcher(logging.Discard(), metrics.New(), time.Second, ok, failing)

	alerts := []Alert{{Date: may4}, {Date: model.Day{Year: 2024, Month: time.May, Day: 5}}}
	d.Dispatch(alerts)
	d.Wait()

	assert.Len(t, ok.received(), 2)
	assert.Len(t, failing.received(), 2, "failures do not stop other deliveries")
}

func TestDispatcher_NoNotifiers(t *testing.T) {
	d := NewDispatcher(logging.Discard(), nil, 0)
	d.Dispatch([]Alert{{Date: may4}})
	d.Wait()
}

func TestLogNotifier(t *testing.T) {
	n := LogNotifier{Log: logging.Discard()}
	assert.Equal(t, "log", n.Name())
	assert.NoError(t, n.Notify(context.Background(), Alert{Date: may4}))
}

func TestPubSubNotifier(t *testing.T) {
	ctx := context.Background()
	srv := pstest.NewServer()
	defer srv.Close()

	conn, err := grpc.Dial(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	client, err := pubsub.NewClient(ctx, "test-project", option.WithGRPCConn(conn))
	require.NoError(t, err)
	defer client.Close()

	n, err := NewPubSubNotifier(ctx, client, "billing-anomalies")
	require.NoError(t, err)
	defer n.Stop()

	a := Alert{Date: may4, Reasons: []model.Reason{model.ReasonHighConsumption}, TotalDailySum: 61.5, RunID: "run-1"}
	require.NoError(t, n.Notify(ctx, a))

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "2024-05-04", msgs[0].Attributes["date"])

	var got Alert
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	assert.Equal(t, a, got)
}

type fakeWriter struct {
	msgs []kafka.Message
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestKafkaNotifier(t *testing.T) {
	w := &fakeWriter{}
	n := &KafkaNotifier{writer: w}

	require.NoError(t, n.Notify(context.Background(), Alert{Date: may4, RunID: "run-1"}))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "2024-05-04", string(w.msgs[0].Key))
	assert.Equal(t, "run_id", w.msgs[0].Headers[0].Key)
	assert.Equal(t, "kafka", n.Name())
	assert.NoError(t, n.Close())
}
