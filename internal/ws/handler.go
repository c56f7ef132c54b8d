package ws

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"meter_billing/internal/model"
	"meter_billing/internal/store"
	"meter_billing/internal/summary"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler manages WebSocket connections and answers summary queries from
// the loaded run.
type Handler struct {
	hub   *Hub
	store *store.Store
	log   logrus.FieldLogger
}

func NewHandler(hub *Hub, s *store.Store) *Handler {
	return &Handler{hub: hub, store: s, log: hub.log}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("WebSocket upgrade error")
		return
	}

	client := &Client{
		hub:  h.hub,
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}

	h.hub.Register(client)
	go client.writePump()

	// Send initial data:loaded message
	if msg, err := NewEnvelope(TypeDataLoaded, h.dataLoaded()); err == nil {
		client.trySend(TypeDataLoaded, msg)
	}

	// Read messages from client
	h.readPump(client)
}

func (h *Handler) readPump(c *Client) {
	defer func() {
		h.hub.Unregister(c)
		c.conn.Close()
	}()

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.WithError(err).Warn("WebSocket read error")
			}
			return
		}

		if msgType, reply := h.handleMessage(msg); reply != nil {
			c.trySend(msgType, reply)
		}
	}
}

// handleMessage returns the reply type and envelope for the requesting
// client, if any.
func (h *Handler) handleMessage(msg []byte) (string, []byte) {
	var env Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return h.errorMessage("invalid message: " + err.Error())
	}

	switch env.Type {
	case TypeRangeRequest:
		var p RangeRequestPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return h.errorMessage("invalid summaries:range payload")
		}
		from, err := model.ParseDay(p.From)
		if err != nil {
			return h.errorMessage("invalid from date")
		}
		to, err := model.ParseDay(p.To)
		if err != nil {
			return h.errorMessage("invalid to date")
		}
		return h.reply(TypeRangeResult, SummariesPayload{Records: summary.Records(h.store.InRange(from, to))})

	case TypeMonthRequest:
		var p MonthRequestPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return h.errorMessage("invalid billing:month payload")
		}
		y, m, err := summary.ParseMonth(p.Month)
		if err != nil {
			return h.errorMessage(err.Error())
		}
		return h.reply(TypeMonthResult, MonthPayload{Month: p.Month, Records: summary.Records(h.store.Month(y, m))})

	default:
		return h.errorMessage("unknown message type: " + env.Type)
	}
}

func (h *Handler) reply(msgType string, payload any) (string, []byte) {
	msg, err := NewEnvelope(msgType, payload)
	if err != nil {
		h.log.WithError(err).Errorf("marshaling %s", msgType)
		return msgType, nil
	}
	return msgType, msg
}

func (h *Handler) errorMessage(text string) (string, []byte) {
	return h.reply(TypeError, ErrorPayload{Message: text})
}

// BroadcastDataLoaded tells every client the loaded run changed.
func (h *Handler) BroadcastDataLoaded() {
	missed, err := h.hub.Broadcast(TypeDataLoaded, h.dataLoaded())
	if err != nil {
		h.log.WithError(err).Error("broadcasting data:loaded")
		return
	}
	if missed > 0 {
		h.log.WithFields(logrus.Fields{"run_id": h.store.RunID(), "missed": missed}).Warn("data:loaded not delivered to every client")
	}
}

func (h *Handler) dataLoaded() DataLoadedPayload {
	first, last, ok := h.store.DateRange()
	return DataLoadedPayload{
		RunID:     h.store.RunID(),
		Days:      h.store.Len(),
		DateRange: dateRange(first, last, ok),
	}
}
