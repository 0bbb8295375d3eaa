// Package notify pushes session lifecycle events to browser clients over
// websockets and disconnects users whose login was superseded.
package notify

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/drksbr/vncmux/internal/session"
)

const (
	MessageSessionKicked = "session-kicked"
	MessageSession       = "session"

	defaultWriteTimeout = 10 * time.Second
	defaultPingInterval = 30 * time.Second
	sendQueueSize       = 32
)

// Message is the JSON envelope written to clients.
type Message struct {
	Type   string          `json:"type"`
	Reason string          `json:"reason,omitempty"`
	Event  *session.Event  `json:"event,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

type Options struct {
	WriteTimeout time.Duration
	PingInterval time.Duration
	// AllowedOrigins restricts the Origin header on upgrade. Empty allows any.
	AllowedOrigins []string
	Metrics        prometheus.Registerer
	Logger         *slog.Logger
}

type client struct {
	conn     *websocket.Conn
	username string
	remote   string

	send chan []byte
	done chan struct{}
	// kick makes the writer close the connection once the queue is drained.
	kick     chan struct{}
	kickOnce sync.Once
}

// Hub tracks connected clients by username. All sends are fire-and-forget:
// a client whose queue is full is dropped.
type Hub struct {
	upgrader     websocket.Upgrader
	writeTimeout time.Duration
	pingInterval time.Duration
	logger       *slog.Logger

	clientsGauge prometheus.GaugeFunc
	dropped      prometheus.Counter

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

func NewHub(opts Options) *Hub {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	origins := make(map[string]struct{}, len(opts.AllowedOrigins))
	for _, o := range opts.AllowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins[strings.ToLower(o)] = struct{}{}
		}
	}

	h := &Hub{
		writeTimeout: opts.WriteTimeout,
		pingInterval: opts.PingInterval,
		logger:       logger.With("component", "notify"),
		clients:      make(map[*client]struct{}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vncmux_notify_dropped_clients_total",
			Help: "Websocket clients dropped because their send queue was full",
		}),
		upgrader: websocket.Upgrader{
			HandshakeTimeout:  10 * time.Second,
			EnableCompression: false,
			CheckOrigin: func(r *http.Request) bool {
				if len(origins) == 0 {
					return true
				}
				_, ok := origins[strings.ToLower(r.Header.Get("Origin"))]
				return ok
			},
		},
	}
	h.clientsGauge = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "vncmux_notify_clients",
		Help: "Connected websocket notification clients",
	}, func() float64 { return float64(h.Count()) })

	if opts.Metrics != nil {
		opts.Metrics.MustRegister(h.clientsGauge, h.dropped)
	}
	return h
}

// ServeHTTP upgrades the request and registers the client under the
// username query parameter.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &client{
		conn:     conn,
		username: strings.TrimSpace(r.URL.Query().Get("username")),
		remote:   r.RemoteAddr,
		send:     make(chan []byte, sendQueueSize),
		done:     make(chan struct{}),
		kick:     make(chan struct{}),
	}
	if !h.register(c) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(h.writeTimeout))
		_ = conn.Close()
		return
	}
	h.logger.Debug("notification client connected", "username", c.username, "remote", c.remote)

	go h.writeLoop(c)
	h.readLoop(c)
}

// Publish implements session.Publisher by broadcasting the event.
func (h *Hub) Publish(e session.Event) {
	h.Broadcast(Message{Type: MessageSession, Event: &e})
}

// Broadcast sends msg to every connected client.
func (h *Hub) Broadcast(msg Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("encode notification", "type", msg.Type, "error", err)
		return
	}
	for _, c := range h.snapshot("") {
		h.enqueue(c, payload)
	}
}

// NotifyUserDisconnected tells each of username's clients it was kicked and
// then closes their connections.
func (h *Hub) NotifyUserDisconnected(username string, reason session.Reason) {
	payload, err := json.Marshal(Message{Type: MessageSessionKicked, Reason: string(reason)})
	if err != nil {
		return
	}
	clients := h.snapshot(username)
	for _, c := range clients {
		if h.enqueue(c, payload) {
			c.kickOnce.Do(func() { close(c.kick) })
		}
	}
	if len(clients) > 0 {
		h.logger.Info("disconnected user clients", "username", username, "clients", len(clients), "reason", reason)
	}
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	deadline := time.Now().Add(h.writeTimeout)
	for _, c := range clients {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), deadline)
		h.unregister(c)
	}
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		close(c.done)
		_ = c.conn.Close()
	}
}

func (h *Hub) snapshot(username string) []*client {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		if username == "" || c.username == username {
			out = append(out, c)
		}
	}
	return out
}

func (h *Hub) enqueue(c *client, payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- payload:
		return true
	default:
		h.dropped.Inc()
		h.logger.Warn("notification queue full, dropping client", "username", c.username, "remote", c.remote)
		h.unregister(c)
		return false
	}
}

func (h *Hub) readLoop(c *client) {
	defer h.unregister(c)
	c.conn.SetReadLimit(4096)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !errors.Is(err, net.ErrClosed) {
				h.logger.Debug("notification client read ended", "username", c.username, "error", err)
			}
			return
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case payload := <-c.send:
			if err := h.write(c, payload); err != nil {
				h.unregister(c)
				return
			}
		case <-c.kick:
			h.drain(c)
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, MessageSessionKicked),
				time.Now().Add(h.writeTimeout))
			h.unregister(c)
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.writeTimeout)); err != nil {
				h.unregister(c)
				return
			}
		}
	}
}

func (h *Hub) drain(c *client) {
	for {
		select {
		case payload := <-c.send:
			if err := h.write(c, payload); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (h *Hub) write(c *client, payload []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}
