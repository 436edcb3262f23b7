// Package realtime fans events out to connected observers over WebSocket
// and dispatches the events they send back.
//
// Every message in either direction is a JSON envelope
// {"event": <name>, "data": <payload>}. Delivery to each observer goes
// through a bounded queue; when an observer falls behind, new messages for
// it are dropped and counted rather than blocking the sender.
package realtime

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"tripwire/internal/logging"
	"tripwire/internal/metrics"
)

// Event names. Image broadcasts are named by the retention package.
const (
	EventSecrets = "secrets broadcast"
	EventReget   = "reget photos"
)

var (
	ErrHubClosed     = errors.New("realtime: hub closed")
	ErrClientClosed  = errors.New("realtime: client closed")
	ErrQueueFull     = errors.New("realtime: client queue full")
	ErrUnknownClient = errors.New("realtime: unknown client")
)

// Envelope is the wire format of every message.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Handler handles one inbound event from an observer.
type Handler func(c *Client, data json.RawMessage)

// Config configures a Hub. Zero values take defaults.
type Config struct {
	SendBuffer     int
	WriteWait      time.Duration
	PongWait       time.Duration
	MaxMessageSize int64
	CheckOrigin    func(r *http.Request) bool
	Logger         *logging.Logger
	Metrics        *metrics.TripwireMetrics
}

func (c *Config) setDefaults() {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 32
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 64 << 10
	}
	if c.CheckOrigin == nil {
		// Observers are browsers on the local network served by this
		// process; callers are not authenticated.
		c.CheckOrigin = func(r *http.Request) bool { return true }
	}
	if c.Logger == nil {
		c.Logger = logging.Discard()
	}
}

// Stats is a snapshot of hub counters.
type Stats struct {
	Clients   int
	Published uint64
	Sent      uint64
	Dropped   uint64
}

// Hub tracks connected observers.
type Hub struct {
	cfg      Config
	upgrader websocket.Upgrader
	logger   *logging.Logger

	mu       sync.RWMutex
	clients  map[string]*Client
	handlers map[string]Handler
	closed   bool

	published atomic.Uint64
	sent      atomic.Uint64
	dropped   atomic.Uint64
}

// NewHub creates a Hub.
func NewHub(cfg Config) *Hub {
	cfg.setDefaults()
	return &Hub{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 64 << 10,
			CheckOrigin:     cfg.CheckOrigin,
		},
		logger:   cfg.Logger.WithComponent("realtime"),
		clients:  make(map[string]*Client),
		handlers: make(map[string]Handler),
	}
}

// On registers the handler for an inbound event, replacing any previous one.
func (h *Hub) On(event string, fn Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[event] = fn
}

// Broadcast sends an event to every observer. It never blocks.
func (h *Hub) Broadcast(event string, data any) {
	msg, err := encode(event, data)
	if err != nil {
		h.logger.Error("encode broadcast", "event", event, "error", err)
		return
	}
	h.published.Add(1)

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for _, c := range h.clients {
		h.deliver(c, msg)
	}
}

// SendTo sends an event to a single observer.
func (h *Hub) SendTo(id string, event string, data any) error {
	msg, err := encode(event, data)
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrHubClosed
	}
	c, ok := h.clients[id]
	if !ok {
		return ErrUnknownClient
	}
	if !h.deliver(c, msg) {
		return ErrQueueFull
	}
	return nil
}

func (h *Hub) deliver(c *Client, msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- msg:
		h.sent.Add(1)
		return true
	default:
		c.dropped.Add(1)
		h.dropped.Add(1)
		h.cfg.Metrics.RecordDrop()
		return false
	}
}

func encode(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

// Count returns the number of connected observers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stats returns a snapshot of hub counters.
func (h *Hub) Stats() Stats {
	return Stats{
		Clients:   h.Count(),
		Published: h.published.Load(),
		Sent:      h.sent.Load(),
		Dropped:   h.dropped.Load(),
	}
}

// ServeHTTP upgrades the request to a WebSocket and serves the observer
// until it disconnects or the hub closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an error response.
		h.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := newClient(h, conn)
	if err := h.register(c); err != nil {
		conn.Close()
		return
	}
	h.logger.Info("observer connected", "client_id", c.id, "remote", r.RemoteAddr)

	go c.writePump()
	c.readPump()

	h.unregister(c)
	h.logger.Info("observer disconnected", "client_id", c.id)
}

func (h *Hub) register(c *Client) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHubClosed
	}
	h.clients[c.id] = c
	n := len(h.clients)
	h.mu.Unlock()

	h.cfg.Metrics.SetObservers(n)
	return nil
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c.id]; ok {
		delete(h.clients, c.id)
	}
	n := len(h.clients)
	h.mu.Unlock()

	c.close()
	h.cfg.Metrics.SetObservers(n)
}

func (h *Hub) dispatch(c *Client, env Envelope) {
	h.mu.RLock()
	fn, ok := h.handlers[env.Event]
	h.mu.RUnlock()

	if !ok {
		h.logger.Debug("no handler for event", "event", env.Event, "client_id", c.id)
		return
	}
	fn(c, env.Data)
}

// Close disconnects every observer. Later broadcasts are discarded.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
	return nil
}

// Client is one connected observer.
type Client struct {
	id      string
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	dropped atomic.Uint64
}

func newClient(h *Hub, conn *websocket.Conn) *Client {
	return &Client{
		id:   uuid.NewString(),
		hub:  h,
		conn: conn,
		send: make(chan []byte, h.cfg.SendBuffer),
		done: make(chan struct{}),
	}
}

// ID returns the observer's identifier.
func (c *Client) ID() string {
	return c.id
}

// Dropped returns how many messages were dropped for this observer.
func (c *Client) Dropped() uint64 {
	return c.dropped.Load()
}

func (c *Client) close() {
	c.once.Do(func() { close(c.done) })
}

func (c *Client) readPump() {
	defer c.close()

	c.conn.SetReadLimit(c.hub.cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.PongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "client_id", c.id, "error", err)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(message, &env); err != nil || env.Event == "" {
			c.hub.logger.Warn("malformed message from observer", "client_id", c.id)
			continue
		}
		c.hub.dispatch(c, env)
	}
}

func (c *Client) writePump() {
	pingPeriod := c.hub.cfg.PongWait * 9 / 10
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			c.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(c.hub.cfg.WriteWait),
			)
			return
		}
	}
}
