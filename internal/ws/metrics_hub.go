package ws

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"clipwatch/internal/pipeline"
)

// MetricsSource is polled by the hub for snapshots.
type MetricsSource interface {
	Metrics() pipeline.Metrics
}

// client serializes writes to one connection; gorilla allows a single writer.
type client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *client) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(messageType, data)
}

// MetricsHub fans pipeline metrics and label changes out to WebSocket clients
type MetricsHub struct {
	clients map[*client]bool
	mu      sync.RWMutex
	logger  *log.Logger
}

// NewMetricsHub creates a new metrics hub
func NewMetricsHub(logger *log.Logger) *MetricsHub {
	if logger == nil {
		logger = log.Default()
	}
	return &MetricsHub{
		clients: make(map[*client]bool),
		logger:  logger,
	}
}

// register adds a connection
func (h *MetricsHub) register(conn *websocket.Conn) *client {
	c := &client{conn: conn}

	h.mu.Lock()
	h.clients[c] = true
	total := len(h.clients)
	h.mu.Unlock()

	h.logger.Printf("[WS] Client registered (total: %d)", total)
	return c
}

// unregister removes a connection
func (h *MetricsHub) unregister(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()

	if ok {
		h.logger.Printf("[WS] Client unregistered")
	}
}

// ClientCount returns the number of connected clients
func (h *MetricsHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends message as JSON to every client. Clients that fail to
// receive it are dropped.
func (h *MetricsHub) Broadcast(message any) {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	if len(clients) == 0 {
		return
	}

	data, err := json.Marshal(message)
	if err != nil {
		h.logger.Printf("[WS] Error marshaling message: %v", err)
		return
	}

	for _, c := range clients {
		if err := c.write(websocket.TextMessage, data); err != nil {
			h.logger.Printf("[WS] Error sending to client: %v", err)
			h.unregister(c)
			c.conn.Close()
		}
	}
}

// Run polls src every interval and broadcasts a metrics message, plus a
// label message whenever the played-back label changes. It returns when ctx
// is done.
func (h *MetricsHub) Run(ctx context.Context, src MetricsSource, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastRun string
	var lastLabel pipeline.Label

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if h.ClientCount() == 0 {
			continue
		}

		m := src.Metrics()
		h.Broadcast(NewMetricsMessage(m))

		if m.LastLabel != nil && (m.RunID != lastRun || *m.LastLabel != lastLabel) {
			h.Broadcast(NewLabelMessage(m.RunID, *m.LastLabel))
			lastRun, lastLabel = m.RunID, *m.LastLabel
		}
	}
}
