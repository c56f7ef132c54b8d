package main

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meter_billing/internal/alert"
	"meter_billing/internal/logging"
	"meter_billing/internal/model"
	"meter_billing/internal/store"
	"meter_billing/internal/summary"
)

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (n *recordingNotifier) Name() string { return "recording" }

func (n *recordingNotifier) Notify(_ context.Context, a alert.Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, a)
	return nil
}

func putRun(t *testing.T, runs *store.DirStore, runID string, sums []model.DailySummary) {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, summary.WriteCSV(&buf, sums))
	_, err := runs.Put(context.Background(), runID, buf.Bytes())
	require.NoError(t, err)
}

func newTestLoader(t *testing.T) (*runLoader, *store.DirStore, *recordingNotifier, *[]string) {
	runs := store.NewDirStore(t.TempDir())
	rec := &recordingNotifier{}
	published := &[]string{}
	l := &runLoader{
		runs:       runs,
		store:      store.New(),
		dispatcher: alert.NewDispatcher(logging.Discard(), nil, time.Second, rec),
		onPublished: func(runID string, _ []model.DailySummary) {
			*published = append(*published, runID)
		},
		log: logging.Discard(),
	}
	return l, runs, rec, published
}

func TestRunLoader_Load(t *testing.T) {
	ctx := context.Background()
	l, runs, rec, published := newTestLoader(t)

	_, err := l.Load(ctx)
	assert.ErrorIs(t, err, store.ErrNoRuns)
	assert.Equal(t, 0, l.store.Len())

	sums := []model.DailySummary{
		{DailyAggregate: model.DailyAggregate{Date: model.Day{Year: 2024, Month: time.May, Day: 1}, TotalDailySum: 10, SampleCount: 1440}},
		{
			DailyAggregate: model.DailyAggregate{Date: model.Day{Year: 2024, Month: time.May, Day: 2}, SampleCount: 1440},
			AnomalyFlag:    true,
			AnomalyReasons: []model.Reason{model.ReasonZeroConsumption},
		},
	}
	putRun(t, runs, "20240503T020000Z-00000001", sums)

	runID, err := l.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "20240503T020000Z-00000001", runID)
	assert.Equal(t, runID, l.store.RunID())
	assert.Equal(t, 2, l.store.Len())
	assert.Equal(t, []string{runID}, *published)

	l.dispatcher.Wait()
	require.Len(t, rec.alerts, 1)
	assert.Equal(t, model.Day{Year: 2024, Month: time.May, Day: 2}, rec.alerts[0].Date)
	assert.Equal(t, runID, rec.alerts[0].RunID)

	// Same run again: nothing is re-announced.
	again, err := l.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, runID, again)
	assert.Len(t, *published, 1)
}

func TestRunLoader_NewerRun(t *testing.T) {
	ctx := context.Background()
	l, runs, _, published := newTestLoader(t)

	putRun(t, runs, "20240503T020000Z-00000001", []model.DailySummary{
		{DailyAggregate: model.DailyAggregate{Date: model.Day{Year: 2024, Month: time.May, Day: 1}, SampleCount: 1}},
	})
	_, err := l.Load(ctx)
	require.NoError(t, err)

	putRun(t, runs, "20240504T020000Z-00000002", nil)
	runID, err := l.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "20240504T020000Z-00000002", runID)
	assert.Equal(t, 0, l.store.Len())
	assert.Len(t, *published, 2)
}

func TestRunLoader_PollStops(t *testing.T) {
	l, _, _, _ := newTestLoader(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		l.Poll(ctx, 10*time.Millisecond)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Poll did not stop")
	}

	// Zero interval returns at once.
	l.Poll(context.Background(), 0)
}
