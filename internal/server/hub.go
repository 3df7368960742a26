package server

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	clientBuffer = 16
	writeTimeout = 5 * time.Second
	maxClients   = 64
)

// client owns one websocket connection. Only its writer goroutine writes to
// conn.
type client struct {
	id     uuid.UUID
	conn   *websocket.Conn
	sendCh chan []byte
	done   chan struct{}
	once   sync.Once
}

func newClient(conn *websocket.Conn) *client {
	c := &client{
		id:     uuid.New(),
		conn:   conn,
		sendCh: make(chan []byte, clientBuffer),
		done:   make(chan struct{}),
	}
	go c.run()
	return c
}

func (c *client) run() {
	for {
		select {
		case msg := <-c.sendCh:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.stop()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *client) stop() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// hub fans commits out to the connected clients.
type hub struct {
	logger *slog.Logger
	gauge  prometheus.Gauge

	mu      sync.Mutex
	clients map[uuid.UUID]*client
	closed  bool
}

func newHub(logger *slog.Logger, gauge prometheus.Gauge) *hub {
	return &hub{
		logger:  logger,
		gauge:   gauge,
		clients: make(map[uuid.UUID]*client),
	}
}

// register adds conn, queueing first as its first message. It returns nil
// when the hub is closed or full, in which case conn has been closed.
func (h *hub) register(conn *websocket.Conn, first func(id uuid.UUID) []byte) *client {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || len(h.clients) >= maxClients {
		h.logger.Warn("rejecting websocket client", "clients", len(h.clients), "closed", h.closed)
		_ = conn.Close()
		return nil
	}
	c := newClient(conn)
	if first != nil {
		c.sendCh <- first(c.id)
	}
	h.clients[c.id] = c
	h.gauge.Set(float64(len(h.clients)))
	h.logger.Debug("websocket client registered", "client", c.id, "clients", len(h.clients))
	return c
}

func (h *hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.id]; !ok {
		return
	}
	delete(h.clients, c.id)
	c.stop()
	h.gauge.Set(float64(len(h.clients)))
	h.logger.Debug("websocket client unregistered", "client", c.id, "clients", len(h.clients))
}

// broadcast queues data for every client. Clients that cannot keep up are
// dropped.
func (h *hub) broadcast(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		select {
		case c.sendCh <- data:
		case <-c.done:
			delete(h.clients, id)
		default:
			h.logger.Warn("dropping slow websocket client", "client", id)
			delete(h.clients, id)
			c.stop()
		}
	}
	h.gauge.Set(float64(len(h.clients)))
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, c := range h.clients {
		c.stop()
		delete(h.clients, id)
	}
	h.gauge.Set(0)
}
