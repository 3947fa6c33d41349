package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"resgov/internal/signal"
)

const (
	eventQueueDepth = 64
	writeDeadline   = 10 * time.Second
)

// eventHub fans governor bus events out to websocket subscribers. Slow
// clients drop events rather than stall the bus.
type eventHub struct {
	logger   *zap.Logger
	upgrader *websocket.Upgrader

	mu          sync.Mutex
	clients     map[*client]struct{}
	closed      bool
	unsubscribe func()
}

type client struct {
	conn *websocket.Conn
	send chan signal.Event
}

func newEventHub(bus *signal.Bus, logger *zap.Logger) *eventHub {
	h := &eventHub{
		logger: logger,
		upgrader: &websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
	h.unsubscribe = bus.SubscribeAll(h.broadcast)
	return h
}

func (h *eventHub) broadcast(ev signal.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- ev:
		default:
			// Client is not keeping up; skip this event
		}
	}
}

func (h *eventHub) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Failed to upgrade event stream connection", zap.Error(err))
		return
	}

	c := &client{conn: conn, send: make(chan signal.Event, eventQueueDepth)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	h.logger.Debug("Event stream client connected", zap.String("remote", r.RemoteAddr))
	go h.writeLoop(c)
	h.readLoop(c)
}

// readLoop discards inbound messages and detects disconnects
func (h *eventHub) readLoop(c *client) {
	defer h.drop(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *eventHub) writeLoop(c *client) {
	for ev := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
		if err := c.conn.WriteJSON(ev); err != nil {
			h.drop(c)
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
}

func (h *eventHub) drop(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	if ok {
		c.conn.Close()
	}
}

func (h *eventHub) close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()

	h.unsubscribe()
	for _, c := range clients {
		close(c.send)
		c.conn.Close()
	}
}
