package handlers

// File: internal/handlers/stream.go
// Purpose: Websocket hub pushing run snapshots and new steps to dashboard clients.

import (
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"simdash/internal/logging"
	"simdash/internal/metrics"
	"simdash/internal/models"
)

const (
	clientBuffer = 64
	writeWait    = 5 * time.Second
)

// Hub fans stream events out to websocket clients. A client that cannot keep
// up is disconnected instead of slowing the others down.
type Hub struct {
	upgrader websocket.Upgrader
	log      *logging.Logger
	metrics  *metrics.Metrics
	current  func() models.RunSnapshot

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	closed  bool
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte

	// floor is the snapshot the client was greeted with; events it already
	// covers are not sent. Cleared by the first newer state event.
	floor *models.RunSnapshot
}

// stale reports whether e is older than the client's greeting snapshot.
func (c *wsClient) stale(e models.StreamEvent) bool {
	if c.floor == nil {
		return false
	}
	switch e.Type {
	case models.StreamState:
		if e.Snapshot != nil && e.Snapshot.Version <= c.floor.Version {
			return true
		}
		c.floor = nil
	case models.StreamSteps:
		if n := len(e.Steps); n > 0 && e.RunID == c.floor.RunID && e.Steps[n-1].Step <= c.floor.LastStep {
			return true
		}
	}
	return false
}

// NewHub returns a hub. current, when set, supplies the snapshot sent to each
// new client before any broadcast.
func NewHub(log *logging.Logger, m *metrics.Metrics, current func() models.RunSnapshot) *Hub {
	if log == nil {
		log = logging.Default("stream")
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log:     log,
		metrics: m,
		current: current,
		clients: make(map[*wsClient]struct{}),
	}
}

// SetCurrent sets the snapshot source for new clients.
func (h *Hub) SetCurrent(current func() models.RunSnapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.current = current
}

// Broadcast implements services.Broadcaster.
func (h *Hub) Broadcast(event models.StreamEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		h.log.WithError(err).Error("marshal stream event")
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.stale(event) {
			continue
		}
		select {
		case c.send <- data:
		default:
			h.log.Warn("websocket client too slow, disconnecting")
			h.removeLocked(c)
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		h.removeLocked(c)
	}
}

// ServeHTTP upgrades the request and registers the client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	c := &wsClient{conn: conn, send: make(chan []byte, clientBuffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	current := h.current
	if current != nil {
		snap := current()
		if data, err := json.Marshal(models.StreamEvent{Type: models.StreamState, RunID: snap.RunID, Snapshot: &snap}); err == nil {
			c.send <- data
			c.floor = &snap
		}
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.metrics.WSConnected(1)

	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) removeLocked(c *wsClient) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	h.metrics.WSConnected(-1)
}

func (h *Hub) writePump(c *wsClient) {
	defer c.conn.Close()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.mu.Lock()
			h.removeLocked(c)
			h.mu.Unlock()
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
}

// readPump only watches for the client going away.
func (h *Hub) readPump(c *wsClient) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.WithError(err).Debug("websocket read error")
			}
			break
		}
	}
	h.mu.Lock()
	h.removeLocked(c)
	h.mu.Unlock()
}
