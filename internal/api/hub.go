package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/opsline/anomalyd/internal/logger"
	"github.com/opsline/anomalyd/internal/schema"
)

const (
	// Per-client send buffer; a client this far behind is dropped.
	sendBuffer   = 32
	writeTimeout = 5 * time.Second
)

// client is one websocket subscriber. Writes go through the buffered send
// channel so the broadcaster never touches the connection itself.
type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub pushes every stored anomaly to connected websocket clients. A slow
// or dead client is dropped rather than ever back-pressuring detection:
// Broadcast only does a non-blocking channel send per client, and each
// client has its own writer goroutine with a write deadline.
type Hub struct {
	log      *logger.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]bool
}

// NewHub builds an empty hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*client]bool),
	}
}

// Broadcast queues rec for every connected client and returns immediately.
// A client whose send buffer is full is dropped on the spot. Implements
// detector.Notifier.
func (h *Hub) Broadcast(rec schema.AnomalyRecord) {
	msg, err := json.Marshal(rec)
	if err != nil {
		h.log.Error().Err(err).Msg("anomaly record not marshalable for live feed")
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.log.Debug().Msg("dropping websocket client that stopped reading")
			delete(h.clients, c)
			close(c.send)
		}
	}
}

// ServeHTTP upgrades the connection and registers the client until it
// disconnects or falls behind.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()

	go h.writer(c)
	go h.reader(c)
}

// writer drains the client's send channel onto the connection. Exits when
// the channel is closed (client dropped) or a write fails.
func (h *Hub) writer(c *client) {
	defer c.conn.Close()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.log.Debug().Err(err).Msg("dropping websocket client")
			h.drop(c)
			return
		}
	}
}

// reader exists only to notice the close.
func (h *Hub) reader(c *client) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			h.drop(c)
			c.conn.Close()
			return
		}
	}
}

// drop unregisters c exactly once; the closed send channel stops its
// writer.
func (h *Hub) drop(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c] {
		delete(h.clients, c)
		close(c.send)
	}
}

// Close disconnects all clients.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
		c.conn.Close()
	}
}
