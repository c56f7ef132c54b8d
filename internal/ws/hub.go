package ws

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// sendBuffer is how many envelopes may queue per client before new ones
// are dropped for that client.
const sendBuffer = 256

// Client is one dashboard connection.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// Hub fans summary and alert envelopes out to connected dashboards.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]bool
	log     logrus.FieldLogger
	dropped atomic.Int64
}

func NewHub(log logrus.FieldLogger) *Hub {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Hub{
		clients: make(map[*Client]bool),
		log:     log,
	}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = true
}

func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// Broadcast wraps payload in a msgType envelope and queues it for every
// client. It returns how many clients missed it because their buffer was
// full.
func (h *Hub) Broadcast(msgType string, payload any) (int, error) {
	msg, err := NewEnvelope(msgType, payload)
	if err != nil {
		return 0, fmt.Errorf("marshaling %s: %w", msgType, err)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	missed := 0
	for c := range h.clients {
		if !c.trySend(msgType, msg) {
			missed++
		}
	}
	return missed, nil
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns how many envelopes were dropped for slow clients.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// trySend queues an envelope of msgType without blocking.
func (c *Client) trySend(msgType string, msg []byte) bool {
	select {
	case c.send <- msg:
		return true
	default:
	}
	c.hub.dropped.Add(1)
	fields := logrus.Fields{"type": msgType, "bytes": len(msg)}
	if c.conn != nil {
		fields["remote"] = c.conn.RemoteAddr().String()
	}
	c.hub.log.WithFields(fields).Warn("client buffer full, dropping envelope")
	return false
}

func (c *Client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}
