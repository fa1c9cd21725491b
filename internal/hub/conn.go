package hub

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rcmckee/tradewire/internal/domain"
)

const (
	// writeWait is the maximum time to wait for a write to complete.
	writeWait = 10 * time.Second

	// pongWait is the maximum time to wait for a pong from the client.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the maximum size of an incoming message.
	maxMessageSize = 4096
)

// upgrader configures the WebSocket upgrade parameters.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins. In production, restrict this to known origins.
		return true
	},
}

// Conn is one streaming client connection. Delivery runs through a single
// writer goroutine draining the bounded queue, which preserves enqueue order.
type Conn struct {
	ID   string
	User domain.UserPrincipal

	hub *Hub
	ws  *websocket.Conn

	mu        sync.Mutex
	queue     [][]byte
	closed    bool
	tokens    float64
	lastRefill time.Time
	lastSent  map[string]time.Time

	notify  chan struct{}
	done    chan struct{}
	drops   atomic.Int64
	onClose []func()

	// sink receives outbound frames for in-process connections (tests and
	// internal consumers); nil when a websocket is attached.
	sink chan []byte
}

// DropCount reports messages dropped for this connection.
func (c *Conn) DropCount() int64 { return c.drops.Load() }

// OnClose registers a cleanup callback run when the connection is removed.
// Used to cancel per-connection tasks such as streaming scanners.
func (c *Conn) OnClose(f func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = append(c.onClose, f)
}

func (c *Conn) wake() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *Conn) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	callbacks := c.onClose
	c.onClose = nil
	c.mu.Unlock()

	close(c.done)
	for _, f := range callbacks {
		f()
	}
	if c.ws != nil {
		c.ws.Close()
	}
	if c.sink != nil {
		close(c.sink)
	}
}

func (h *Hub) newConn(id string, user domain.UserPrincipal) *Conn {
	return &Conn{
		ID:         id,
		User:       user,
		hub:        h,
		tokens:     h.opts.MaxMessagesPerSec,
		lastRefill: h.clock.Now(),
		lastSent:   make(map[string]time.Time),
		notify:     make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// ConnectInProcess registers a connection whose outbound frames are exposed
// on the returned channel. Tests and embedded consumers use it; the channel
// closes when the connection is removed.
func (h *Hub) ConnectInProcess(id string, user domain.UserPrincipal) (*Conn, <-chan []byte, error) {
	c := h.newConn(id, user)
	c.sink = make(chan []byte, h.opts.QueueCapacity*2)
	if err := h.register(c); err != nil {
		return nil, nil, err
	}
	go c.drainToSink()
	return c, c.sink, nil
}

// drainToSink is the writer loop for in-process connections.
func (c *Conn) drainToSink() {
	for {
		select {
		case <-c.done:
			return
		case <-c.notify:
			for {
				c.mu.Lock()
				if len(c.queue) == 0 {
					c.mu.Unlock()
					break
				}
				msg := c.queue[0]
				c.queue = c.queue[1:]
				c.mu.Unlock()

				select {
				case c.sink <- msg:
				case <-c.done:
					return
				}
			}
		}
	}
}

// HandleWS upgrades an HTTP request to a WebSocket connection and registers
// the client with the hub.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request, id string, user domain.UserPrincipal) {
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("hub: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := h.newConn(id, user)
	c.ws = wsConn
	if err := h.register(c); err != nil {
		wsConn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// readPump reads client commands until the connection drops. Missed
// heartbeats surface as read-deadline errors and terminate the connection.
func (c *Conn) readPump() {
	defer c.hub.Remove(c)

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("hub: unexpected close",
					slog.String("conn_id", c.ID),
					slog.String("error", err.Error()),
				)
			}
			return
		}
		c.hub.HandleCommand(c, message)
	}
}

// writePump drains the queue to the socket and keeps the heartbeat alive.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case <-c.notify:
			for {
				c.mu.Lock()
				if len(c.queue) == 0 {
					c.mu.Unlock()
					break
				}
				msg := c.queue[0]
				c.queue = c.queue[1:]
				c.mu.Unlock()

				c.ws.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
					go c.hub.Remove(c)
					return
				}
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				go c.hub.Remove(c)
				return
			}
		}
	}
}

// command is the client-to-server message shape.
type command struct {
	Type      string   `json:"type"`
	Symbols   []string `json:"symbols,omitempty"`
	ScannerID string   `json:"scanner_id,omitempty"`
	DataTypes []string `json:"data_types,omitempty"`
}

// errorData is the payload of a typed error envelope.
type errorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HandleCommand processes one client command. Malformed or unauthorized
// commands yield a typed error message; they never drop the connection.
func (h *Hub) HandleCommand(c *Conn, raw []byte) {
	var cmd command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		h.sendError(c, CodeBadCommand, "malformed command")
		return
	}

	switch cmd.Type {
	case "subscribe":
		if len(cmd.Symbols) == 0 && cmd.ScannerID == "" {
			h.sendError(c, CodeBadCommand, "subscribe requires symbols or scanner_id")
			return
		}
		if len(cmd.Symbols) > 0 {
			h.SubscribeSymbols(c, cmd.Symbols, ParseTypes(cmd.DataTypes))
		}
		if cmd.ScannerID != "" {
			h.SubscribeScanner(c, cmd.ScannerID)
		}
		h.sendList(c)

	case "unsubscribe":
		if len(cmd.Symbols) == 0 && cmd.ScannerID == "" {
			h.sendError(c, CodeBadCommand, "unsubscribe requires symbols or scanner_id")
			return
		}
		if len(cmd.Symbols) > 0 {
			h.UnsubscribeSymbols(c, cmd.Symbols)
		}
		if cmd.ScannerID != "" {
			h.UnsubscribeScanner(c, cmd.ScannerID)
		}
		h.sendList(c)

	case "ping":
		h.send(c, Envelope{Type: "pong", Timestamp: h.clock.Now()})

	case "list":
		h.sendList(c)

	default:
		h.sendError(c, CodeBadCommand, "unknown command type "+cmd.Type)
	}
}

func (h *Hub) sendList(c *Conn) {
	symbols, scanners := h.Subscriptions(c)
	h.send(c, Envelope{
		Type: "list",
		Data: map[string]any{
			"symbols":  symbols,
			"scanners": scanners,
		},
		Timestamp: h.clock.Now(),
	})
}

func (h *Hub) sendError(c *Conn, code, msg string) {
	h.send(c, Envelope{
		Type:      "error",
		Data:      errorData{Code: code, Message: msg},
		Timestamp: h.clock.Now(),
	})
}
