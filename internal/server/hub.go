package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/steveyegge/gtwatch/internal/metrics"
)

const (
	// sendBuffer is the per-client outbound queue. A client that cannot
	// drain it loses frames rather than blocking the fan-out.
	sendBuffer = 64

	writeWait     = 10 * time.Second
	closeGrace    = time.Second
	maxMessageLen = 4 << 10
)

// frame is the push-channel wire shape.
type frame struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The read API is already open cross-origin; the push channel matches.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Client is one push-channel connection.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *Client) close() {
	c.once.Do(func() {
		close(c.send)
	})
}

// Hub fans bus-derived frames out to every connected client. Sends are
// per-client and never block each other.
type Hub struct {
	collector *metrics.Collector
	logger    *slog.Logger

	// initialFrame builds the mandatory first frame for a new client.
	initialFrame func() ([]byte, error)

	// onMessage handles an advisory inbound message.
	onMessage func(*Client, []byte)

	mu      sync.Mutex
	clients map[*Client]struct{}
	closed  bool
}

// NewHub creates an empty hub.
func NewHub(collector *metrics.Collector, logger *slog.Logger, initialFrame func() ([]byte, error), onMessage func(*Client, []byte)) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		collector:    collector,
		logger:       logger,
		initialFrame: initialFrame,
		onMessage:    onMessage,
		clients:      map[*Client]struct{}{},
	}
}

// ClientCount reports the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// HandleWS upgrades the request and runs the connection. The state frame
// is queued before the client joins the broadcast set, so it always
// precedes any broadcast frame.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("ws upgrade failed", "error", err)
		return
	}

	c := &Client{conn: conn, send: make(chan []byte, sendBuffer)}

	initial, err := h.initialFrame()
	if err != nil {
		h.logger.Warn("initial frame failed", "error", err)
		conn.Close()
		return
	}
	c.send <- initial

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	if h.collector != nil {
		h.collector.RecordWsConnection()
	}

	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) writePump(c *Client) {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.drop(c)
			return
		}
	}
	// Channel closed: shutdown path. Say goodbye within the grace window.
	c.conn.SetWriteDeadline(time.Now().Add(closeGrace))
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
}

func (h *Hub) readPump(c *Client) {
	c.conn.SetReadLimit(maxMessageLen)
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			h.drop(c)
			return
		}
		if h.collector != nil {
			h.collector.RecordWsMessage()
		}
		if h.onMessage != nil {
			h.onMessage(c, msg)
		}
	}
}

// drop removes a client and closes its queue. Safe to call from both
// pumps; only the first call does anything.
func (h *Hub) drop(c *Client) {
	h.mu.Lock()
	_, present := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if !present {
		return
	}
	c.close()
	if h.collector != nil {
		h.collector.RecordWsDisconnection()
	}
}

// Broadcast sends one frame to every connected client. A client with a
// full queue skips the frame; it re-syncs from a fresh snapshot on
// reconnect.
func (h *Hub) Broadcast(frameType string, data any) {
	payload, err := json.Marshal(frame{Type: frameType, Data: data})
	if err != nil {
		h.logger.Warn("frame marshal failed", "type", frameType, "error", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- payload:
		default:
		}
	}
}

// SendTo queues one frame for a single client.
func (h *Hub) SendTo(c *Client, frameType string, data any) {
	payload, err := json.Marshal(frame{Type: frameType, Data: data})
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- payload:
	default:
	}
}

// Shutdown broadcasts the shutdown frame and closes every connection,
// waiting at most the grace window per client.
func (h *Hub) Shutdown() {
	h.Broadcast("shutdown", nil)

	h.mu.Lock()
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = map[*Client]struct{}{}
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
		if h.collector != nil {
			h.collector.RecordWsDisconnection()
		}
	}
}
