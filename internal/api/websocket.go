package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quantumlife/ponder/internal/core"
	"github.com/quantumlife/ponder/internal/logging"
	"github.com/quantumlife/ponder/internal/orphans"
)

// Feed message types
const (
	MsgPassCompleted    = "pass.completed"
	MsgAnalysisFinished = "analysis.finished"
	MsgOrphanChanged    = "orphan.changed"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 64
)

// WebSocketMessage is one message on the live feed
type WebSocketMessage struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans analysis progress out to websocket clients. It observes the
// analyzer and the orphan manager. Clients that fall behind are dropped.
type Hub struct {
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	closed  bool
}

// NewHub creates a websocket hub
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // the feed is read-only
			},
		},
		clients: make(map[*wsClient]struct{}),
	}
}

// ServeHTTP upgrades the request and registers the client
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response
		return
	}

	c := &wsClient{conn: conn, send: make(chan []byte, sendBuffer)}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.writePump(c)
	go h.readPump(c)
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends a message to all clients
func (h *Hub) Broadcast(msgType string, data interface{}) {
	payload, err := json.Marshal(WebSocketMessage{
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		logging.Error("marshal %s message: %v", msgType, err)
		return
	}

	var slow []*wsClient
	h.mu.RLock()
	for c := range h.clients {
		select {
		case c.send <- payload:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		logging.Warn("dropping slow websocket client %s", c.conn.RemoteAddr())
		h.remove(c)
	}
}

// Close disconnects every client and refuses new ones
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := h.clients
	h.clients = make(map[*wsClient]struct{})
	h.mu.Unlock()

	for c := range clients {
		close(c.send)
	}
}

// remove unregisters c; its write pump then closes the connection
func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) writePump(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.remove(c)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(c)
				return
			}
		}
	}
}

// readPump discards client messages and notices disconnects
func (h *Hub) readPump(c *wsClient) {
	defer h.remove(c)
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// PassCompleted implements analyzer.Observer
func (h *Hub) PassCompleted(_ context.Context, ev *core.PerceivedEvent, p *core.PassResult) {
	h.Broadcast(MsgPassCompleted, map[string]interface{}{
		"event_id":          ev.ID,
		"pass":              p.PassNumber,
		"tier":              p.Tier,
		"action":            p.Action,
		"action_confidence": p.ActionConfidence,
		"changed":           p.ChangedCount,
		"degraded":          p.Degraded,
	})
}

// AnalysisFinished implements analyzer.Observer
func (h *Hub) AnalysisFinished(_ context.Context, ev *core.PerceivedEvent, a *core.Analysis) {
	h.Broadcast(MsgAnalysisFinished, map[string]interface{}{
		"event_id":        ev.ID,
		"decision":        a.Decision,
		"high_stakes":     a.HighStakes,
		"escalation_path": a.EscalationPath,
	})
}

// OrphanChanged is an orphans.Hook
func (h *Hub) OrphanChanged(q *core.OrphanQuestion, outcome orphans.Outcome) {
	h.Broadcast(MsgOrphanChanged, map[string]interface{}{
		"outcome":  outcome,
		"question": q,
	})
}
