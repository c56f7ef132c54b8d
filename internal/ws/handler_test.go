package ws

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meter_billing/internal/logging"
	"meter_billing/internal/model"
	"meter_billing/internal/store"
)

// testStore returns a store loaded with five days from 2024-04-29.
func testStore() *store.Store {
	s := store.New()
	sums := make([]model.DailySummary, 5)
	start := time.Date(2024, 4, 29, 0, 0, 0, 0, time.UTC)
	for i := range sums {
		sums[i].Date = model.DayOf(start.AddDate(0, 0, i))
		sums[i].TotalDailySum = float64(10 * (i + 1))
		sums[i].SampleCount = 1440
		sums[i].TotalCharge = decimal.NewFromInt(int64(50 * (i + 1)))
	}
	s.Replace("run-1", sums)
	return s
}

// dialHandler sets up a test server with the handler and returns a WS connection.
func dialHandler(t *testing.T, handler *Handler) (*websocket.Conn, func()) {
	t.Helper()
	server := httptest.NewServer(handler)
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	return conn, func() {
		conn.Close()
		server.Close()
	}
}

// readJSON reads the next JSON message from the connection.
func readJSON(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var env Envelope
	require.NoError(t, json.Unmarshal(msg, &env))
	return env
}

// sendJSON sends a JSON message on the connection.
func sendJSON(t *testing.T, conn *websocket.Conn, msgType string, payload any) {
	t.Helper()
	data, err := NewEnvelope(msgType, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func TestHandler_InitialMessage(t *testing.T) {
	handler := NewHandler(NewHub(logging.Discard()), testStore())

	conn, cleanup := dialHandler(t, handler)
	defer cleanup()

	env := readJSON(t, conn)
	assert.Equal(t, TypeDataLoaded, env.Type)

	var dl DataLoadedPayload
	require.NoError(t, json.Unmarshal(env.Payload, &dl))
	assert.Equal(t, "run-1", dl.RunID)
	assert.Equal(t, 5, dl.Days)
	require.NotNil(t, dl.DateRange)
	assert.Equal(t, "2024-04-29", dl.DateRange.Start)
	assert.Equal(t, "2024-05-03", dl.DateRange.End)
}

func TestHandler_EmptyStore(t *testing.T) {
	handler := NewHandler(NewHub(logging.Discard()), store.New())

	conn, cleanup := dialHandler(t, handler)
	defer cleanup()

	var dl DataLoadedPayload
	require.NoError(t, json.Unmarshal(readJSON(t, conn).Payload, &dl))
	assert.Equal(t, 0, dl.Days)
	assert.Nil(t, dl.DateRange)
}

func TestHandler_RangeRequest(t *testing.T) {
	handler := NewHandler(NewHub(logging.Discard()), testStore())

	conn, cleanup := dialHandler(t, handler)
	defer cleanup()
	readJSON(t, conn) // data:loaded

	sendJSON(t, conn, TypeRangeRequest, RangeRequestPayload{From: "2024-04-30", To: "2024-05-01"})

	env := readJSON(t, conn)
	assert.Equal(t, TypeRangeResult, env.Type)

	var p SummariesPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	require.Len(t, p.Records, 2)
	assert.Equal(t, model.Day{Year: 2024, Month: time.April, Day: 30}, p.Records[0].Date)
	assert.Equal(t, 20.0, p.Records[0].TotalDailySum)
	assert.Equal(t, 150.0, p.Records[1].TotalCharge)
}

func TestHandler_MonthRequest(t *testing.T) {
	handler := NewHandler(NewHub(logging.Discard()), testStore())

	conn, cleanup := dialHandler(t, handler)
	defer cleanup()
	readJSON(t, conn) // data:loaded

	sendJSON(t, conn, TypeMonthRequest, MonthRequestPayload{Month: "2024-05"})

	env := readJSON(t, conn)
	assert.Equal(t, TypeMonthResult, env.Type)

	var p MonthPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.Equal(t, "2024-05", p.Month)
	assert.Len(t, p.Records, 3)
}

func TestHandler_BadRequests(t *testing.T) {
	handler := NewHandler(NewHub(logging.Discard()), testStore())

	conn, cleanup := dialHandler(t, handler)
	defer cleanup()
	readJSON(t, conn) // data:loaded

	tests := []struct {
		name    string
		msgType string
		payload any
		want    string
	}{
		{"bad month", TypeMonthRequest, MonthRequestPayload{Month: "May"}, "invalid month"},
		{"bad from", TypeRangeRequest, RangeRequestPayload{From: "x", To: "2024-05-01"}, "invalid from date"},
		{"unknown type", "sim:start", nil, "unknown message type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sendJSON(t, conn, tt.msgType, tt.payload)
			env := readJSON(t, conn)
			assert.Equal(t, TypeError, env.Type)

			var p ErrorPayload
			require.NoError(t, json.Unmarshal(env.Payload, &p))
			assert.Contains(t, p.Message, tt.want)
		})
	}
}

func TestHandler_BroadcastDataLoaded(t *testing.T) {
	hub := NewHub(logging.Discard())
	s := testStore()
	handler := NewHandler(hub, s)

	conn, cleanup := dialHandler(t, handler)
	defer cleanup()
	readJSON(t, conn) // data:loaded

	// Wait for registration before broadcasting
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	s.Replace("run-2", nil)
	handler.BroadcastDataLoaded()

	var dl DataLoadedPayload
	require.NoError(t, json.Unmarshal(readJSON(t, conn).Payload, &dl))
	assert.Equal(t, "run-2", dl.RunID)
	assert.Equal(t, 0, dl.Days)
}
