package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(*http.Request) bool {
		// Cross-origin access is controlled at the gateway.
		return true
	},
}

// HubConfig tunes the websocket hub.
type HubConfig struct {
	WriteTimeout time.Duration
	SendBuffer   int
}

const (
	defaultWriteTimeout = 5 * time.Second
	defaultSendBuffer   = 64
)

// Hub is a websocket Broadcaster. Clients connect once and subscribe to
// any number of group names; Send delivers to every member of the named
// groups, deduplicating clients subscribed to more than one of them.
type Hub struct {
	cfg    HubConfig
	logger *zap.Logger

	mu      sync.RWMutex
	groups  map[string]map[*client]struct{}
	clients map[*client]struct{}
}

type client struct {
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	groups    map[string]struct{}
}

// shutdown stops the client's write pump and closes the connection. It
// is safe to call from any goroutine, any number of times.
func (c *client) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// frame is the wire shape pushed to subscribers.
type frame struct {
	Event   string    `json:"event"`
	Payload any       `json:"payload"`
	SentAt  time.Time `json:"sentAt"`
}

// NewHub builds a Hub with defaults applied.
func NewHub(cfg HubConfig, logger *zap.Logger) *Hub {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		groups:  make(map[string]map[*client]struct{}),
		clients: make(map[*client]struct{}),
	}
}

// ServeHTTP upgrades the request to a websocket and subscribes it to the
// comma-separated group names in the "groups" query parameter. The
// connection is read only to detect closure; this hub is push-only.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	names := parseGroupNames(r.URL.Query().Get("groups"))
	if len(names) == 0 {
		http.Error(w, "groups query parameter is required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{
		conn:   conn,
		send:   make(chan []byte, h.cfg.SendBuffer),
		done:   make(chan struct{}),
		groups: make(map[string]struct{}, len(names)),
	}
	for _, name := range names {
		c.groups[name] = struct{}{}
	}
	h.register(c)
	h.logger.Debug("realtime client subscribed", zap.Strings("groups", names))

	go h.writePump(c)
	go h.readUntilClose(c)
}

// Send implements Broadcaster. It marshals the frame once and enqueues
// it for each distinct subscriber of the target groups; a per-client
// write pump drains the queue. A client whose queue is full is dropped
// rather than allowed to stall the broadcast.
func (h *Hub) Send(_ context.Context, groups []Group, eventName string, payload any) error {
	data, err := json.Marshal(frame{Event: eventName, Payload: payload, SentAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal broadcast frame: %w", err)
	}

	targets := h.collect(groups)
	for _, c := range targets {
		select {
		case c.send <- data:
		default:
			h.logger.Warn("send queue full, dropping slow client",
				zap.String("event", eventName),
			)
			h.unregister(c)
		}
	}
	return nil
}

// SubscriberCount reports the number of clients in one group.
func (h *Hub) SubscriberCount(group Group) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[group.Name()])
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.groups = make(map[string]map[*client]struct{})
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()

	for _, c := range clients {
		c.shutdown()
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
	for name := range c.groups {
		members := h.groups[name]
		if members == nil {
			members = make(map[*client]struct{})
			h.groups[name] = members
		}
		members[c] = struct{}{}
	}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		for name := range c.groups {
			delete(h.groups[name], c)
			if len(h.groups[name]) == 0 {
				delete(h.groups, name)
			}
		}
	}
	h.mu.Unlock()
	c.shutdown()
}

func (h *Hub) collect(groups []Group) []*client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := make(map[*client]struct{})
	var targets []*client
	for _, g := range groups {
		for c := range h.groups[g.Name()] {
			if _, dup := seen[c]; dup {
				continue
			}
			seen[c] = struct{}{}
			targets = append(targets, c)
		}
	}
	return targets
}

// writePump drains the client's send queue onto the socket. It owns all
// writes to the connection, so no write lock is needed. A failed write
// drops the client.
func (h *Hub) writePump(c *client) {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Warn("websocket write failed, dropping client", zap.Error(err))
				h.unregister(c)
				return
			}
		}
	}
}

// readUntilClose drains inbound frames so close/ping control messages
// are processed, then unregisters the client.
func (h *Hub) readUntilClose(c *client) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			h.unregister(c)
			return
		}
	}
}

func parseGroupNames(raw string) []string {
	parts := strings.Split(raw, ",")
	names := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		names = append(names, part)
	}
	return names
}
