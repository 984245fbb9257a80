// Package ws streams trade results and risk events to dashboard clients
// over WebSocket.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256
	historyLimit   = 100
	historyTimeout = 3 * time.Second
)

// Message types sent to clients.
const (
	TypeStatus = "status"
	TypeTrade  = "trade"
	TypeRisk   = "risk"
)

// bridged maps bus channels to client message types.
var bridged = map[string]string{
	domain.ChannelTrades: TypeTrade,
	domain.ChannelRisk:   TypeRisk,
}

// Envelope is the frame sent to clients. ID is set on history frames and is
// the cursor for the next history request.
type Envelope struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data"`
}

// clientMsg is a request from a client. Subscriptions narrow the message
// types it receives: {"action":"subscribe","types":["risk"]}. History
// replays the durable trade stream after a cursor:
// {"action":"history","after":"0","limit":50}.
type clientMsg struct {
	Action string   `json:"action"`
	Types  []string `json:"types"`
	After  string   `json:"after"`
	Limit  int      `json:"limit"`
}

// directFrame is a frame for a single client.
type directFrame struct {
	c     *client
	frame []byte
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu    sync.RWMutex
	types map[string]bool // empty means everything
}

// Hub fans bus messages out to connected clients.
type Hub struct {
	bus      domain.SignalBus
	status   func() domain.BotStatus
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]bool

	broadcast  chan Envelope
	direct     chan directFrame
	register   chan *client
	unregister chan *client
	done       chan struct{}
	logger     *slog.Logger
}

// NewHub creates a Hub. status, when set, is sent to every client on
// connect. allowedOrigins restricts the upgrade; empty allows all.
func NewHub(bus domain.SignalBus, status func() domain.BotStatus, allowedOrigins []string, logger *slog.Logger) *Hub {
	origins := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[o] = true
	}
	return &Hub{
		bus:    bus,
		status: status,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return len(origins) == 0 || origins["*"] || origin == "" || origins[origin]
			},
		},
		clients:    make(map[*client]bool),
		broadcast:  make(chan Envelope, 256),
		direct:     make(chan directFrame, 64),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		logger:     logger.With(slog.String("component", "ws_hub")),
	}
}

// Run subscribes to the bridged channels and serves clients until ctx is
// cancelled.
func (h *Hub) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer close(h.done)

	subs := make(map[string]<-chan []byte, len(bridged))
	for channel, typ := range bridged {
		msgs, err := h.bus.Subscribe(ctx, channel)
		if err != nil {
			return fmt.Errorf("ws: subscribe %s: %w", channel, err)
		}
		h.logger.InfoContext(ctx, "ws: subscribed", slog.String("channel", channel))
		subs[typ] = msgs
	}

	var g errgroup.Group
	for typ, msgs := range subs {
		g.Go(func() error {
			h.forward(ctx, typ, msgs)
			return nil
		})
	}
	h.loop(ctx)
	_ = g.Wait()
	return ctx.Err()
}

func (h *Hub) forward(ctx context.Context, typ string, msgs <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-msgs:
			if !ok {
				h.logger.WarnContext(ctx, "ws: subscription closed", slog.String("type", typ))
				return
			}
			if !json.Valid(data) {
				continue
			}
			select {
			case h.broadcast <- Envelope{Type: typ, Data: data}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (h *Hub) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws: client connected", slog.Int("total_clients", n))

		case c := <-h.unregister:
			h.mu.Lock()
			if h.clients[c] {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws: client disconnected", slog.Int("total_clients", n))

		case d := <-h.direct:
			h.mu.RLock()
			if h.clients[d.c] {
				select {
				case d.c.send <- d.frame:
				default:
				}
			}
			h.mu.RUnlock()

		case env := <-h.broadcast:
			frame, err := json.Marshal(env)
			if err != nil {
				continue
			}
			h.mu.RLock()
			for c := range h.clients {
				if !c.wants(env.Type) {
					continue
				}
				select {
				case c.send <- frame:
				default:
					h.logger.Warn("ws: dropping message for slow client")
				}
			}
			h.mu.RUnlock()
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWS upgrades the request and registers the client.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}
	c := &client{
		hub:   h,
		conn:  conn,
		send:  make(chan []byte, sendBufferSize),
		types: make(map[string]bool),
	}
	if h.status != nil {
		if data, err := json.Marshal(h.status()); err == nil {
			if frame, err := json.Marshal(Envelope{Type: TypeStatus, Data: data}); err == nil {
				c.send <- frame
			}
		}
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

func (c *client) wants(typ string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.types) == 0 || c.types[typ]
}

func (c *client) apply(msg clientMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch msg.Action {
	case "subscribe":
		for _, t := range msg.Types {
			c.types[t] = true
		}
	case "unsubscribe":
		for _, t := range msg.Types {
			delete(c.types, t)
		}
	}
}

// history queues trade stream entries after the cursor. Entries that do not
// fit in the send buffer are dropped. The client can ask again from the last
// ID it received.
func (c *client) history(after string, limit int) {
	if after == "" {
		after = "0"
	}
	if limit <= 0 || limit > historyLimit {
		limit = historyLimit
	}
	ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
	defer cancel()

	msgs, err := c.hub.bus.StreamRead(ctx, domain.StreamTrades, after, limit)
	if err != nil {
		c.hub.logger.Warn("ws: history read failed", slog.String("error", err.Error()))
		return
	}
	for _, m := range msgs {
		if !json.Valid(m.Payload) {
			continue
		}
		frame, err := json.Marshal(Envelope{Type: TypeTrade, ID: m.ID, Data: m.Payload})
		if err != nil {
			continue
		}
		select {
		case c.hub.direct <- directFrame{c: c, frame: frame}:
		case <-c.hub.done:
			return
		}
	}
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("ws: unexpected close", slog.String("error", err.Error()))
			}
			return
		}
		var msg clientMsg
		if json.Unmarshal(message, &msg) != nil || msg.Action == "" {
			continue
		}
		if msg.Action == "history" {
			c.history(msg.After, msg.Limit)
			continue
		}
		c.apply(msg)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
