// Package relay is the LAN server clients discover and connect to. It routes
// chat envelopes between connected users without decrypting them, queues
// them for offline recipients, and broadcasts presence snapshots.
package relay

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/peder1981/securecarrier/internal/identity"
	"github.com/peder1981/securecarrier/internal/logging"
	"github.com/peder1981/securecarrier/internal/metrics"
	"github.com/peder1981/securecarrier/internal/protocol"
)

const (
	DefaultQueueLimit = 100
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	maxFrameSize      = 2 << 20
	clientSendQueue   = 256
)

// Options configures a Hub.
type Options struct {
	// QueueLimit bounds the frames kept per offline recipient; the oldest
	// are dropped first.
	QueueLimit int
	Logger     log.Logger
	Metrics    *metrics.Metrics
	// Gatherer, when set, is exposed on /metrics.
	Gatherer prometheus.Gatherer
	Now      func() time.Time
}

// Hub tracks connected clients. Safe for concurrent use.
type Hub struct {
	opts     Options
	logger   log.Logger
	codec    *protocol.Codec
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client
	order   []string // join order, used for presence
	queue   map[string][][]byte
	queued  int
	closed  bool
}

type client struct {
	id, name string
	conn     *websocket.Conn
	send     chan []byte
	quit     chan struct{}
	once     sync.Once
}

func (c *client) stop() {
	c.once.Do(func() { close(c.quit) })
}

// NewHub returns an empty hub.
func NewHub(opts Options) *Hub {
	if opts.QueueLimit <= 0 {
		opts.QueueLimit = DefaultQueueLimit
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Hub{
		opts:   opts,
		logger: logging.Component(opts.Logger, "relay"),
		codec:  &protocol.Codec{Plaintext: true, Now: opts.Now},
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[string]*client),
		queue:   make(map[string][][]byte),
	}
}

// Handler serves /ws, /health, /stats and, with a Gatherer, /metrics.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.serveWS)
	mux.HandleFunc("/health", h.serveHealth)
	mux.HandleFunc("/stats", h.serveStats)
	if h.opts.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(h.opts.Gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// Health is the /health response.
type Health struct {
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
	Clients   int    `json:"clients"`
}

// Stats is the /stats response.
type Stats struct {
	OnlineClients  int   `json:"online_clients"`
	QueuedMessages int   `json:"queued_messages"`
	Timestamp      int64 `json:"timestamp"`
}

func (h *Hub) serveHealth(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	writeJSON(w, Health{Status: "healthy", Timestamp: h.opts.Now().Unix(), Clients: n})
}

func (h *Hub) serveStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.Stats())
}

// Stats returns the current counters.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Stats{OnlineClients: len(h.clients), QueuedMessages: h.queued, Timestamp: h.opts.Now().Unix()}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	json.NewEncoder(w).Encode(v)
}

// bearer extracts the token from "Authorization: Bearer" or the token query
// parameter.
func bearer(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(auth[len("Bearer "):])
	}
	return r.URL.Query().Get("token")
}

func (h *Hub) serveWS(w http.ResponseWriter, r *http.Request) {
	token := bearer(r)
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	claims, err := identity.ParseToken(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		level.Debug(h.logger).Log("msg", "upgrade failed", "err", err)
		return
	}
	c := &client{
		id:   claims.UserID,
		name: claims.DisplayName,
		conn: conn,
		send: make(chan []byte, clientSendQueue),
		quit: make(chan struct{}),
	}
	if !h.register(c) {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(writeWait))
		conn.Close()
		return
	}
	go h.writePump(c)
	h.readPump(c)
}

// register adds c, replacing an older connection of the same user, hands
// it any queued frames and broadcasts presence.
func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	if old, ok := h.clients[c.id]; ok {
		old.stop()
		h.removeOrder(c.id)
	}
	h.clients[c.id] = c
	h.order = append(h.order, c.id)
	pending := h.queue[c.id]
	delete(h.queue, c.id)
	h.queued -= len(pending)
	for _, frame := range pending {
		select {
		case c.send <- frame:
		default:
			level.Warn(h.logger).Log("msg", "queued frame dropped on delivery", "user", c.id)
		}
	}
	n := len(h.clients)
	h.mu.Unlock()

	h.opts.Metrics.SetRelayClients(n)
	h.opts.Metrics.SetRelayQueued(h.queuedCount())
	level.Info(h.logger).Log("msg", "client registered", "user", c.id, "name", c.name, "delivered", len(pending))
	h.broadcastPresence()
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	current, ok := h.clients[c.id]
	if ok && current == c {
		delete(h.clients, c.id)
		h.removeOrder(c.id)
	}
	n := len(h.clients)
	h.mu.Unlock()
	c.stop()
	if !ok || current != c {
		return
	}
	h.opts.Metrics.SetRelayClients(n)
	level.Info(h.logger).Log("msg", "client left", "user", c.id)
	h.broadcastPresence()
}

func (h *Hub) removeOrder(id string) {
	for i, v := range h.order {
		if v == id {
			h.order = append(h.order[:i], h.order[i+1:]...)
			return
		}
	}
}

func (h *Hub) queuedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.queued
}

func (h *Hub) broadcastPresence() {
	h.mu.RLock()
	users := make([]protocol.User, 0, len(h.order))
	targets := make([]*client, 0, len(h.order))
	for _, id := range h.order {
		c := h.clients[id]
		users = append(users, protocol.User{ID: c.id, Name: c.name})
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	frame, err := h.codec.EncodePresence(users)
	if err != nil {
		level.Error(h.logger).Log("msg", "encode presence", "err", err)
		return
	}
	for _, c := range targets {
		h.deliver(c, frame)
	}
}

// deliver queues frame on c without blocking. A client whose send queue is
// full is disconnected; frames routed to it afterwards wait in the offline
// queue until it registers again.
func (h *Hub) deliver(c *client, frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	case <-c.quit:
		return false
	default:
	}
	select {
	case <-c.quit:
		return false
	default:
	}
	level.Warn(h.logger).Log("msg", "client too slow, disconnecting", "user", c.id)
	h.opts.Metrics.Evicted()
	h.unregister(c)
	return false
}

// routed is the part of a chat envelope the relay reads.
type routed struct {
	Type        string `json:"type"`
	SenderID    string `json:"sender_id"`
	Recipient   string `json:"recipient"`
	RecipientID string `json:"recipient_id"`
}

// route forwards a frame from c. Chat frames with a recipient go to that
// user, or to its queue when offline; without one they go to every other
// client. Frames claiming another sender are dropped.
func (h *Hub) route(c *client, frame []byte) {
	var env routed
	if err := json.Unmarshal(frame, &env); err != nil || env.Type != protocol.TypeChat {
		level.Debug(h.logger).Log("msg", "ignoring frame", "user", c.id)
		return
	}
	if env.SenderID != c.id {
		level.Warn(h.logger).Log("msg", "sender mismatch, frame dropped", "user", c.id, "claimed", env.SenderID)
		return
	}
	to := env.Recipient
	if to == "" {
		to = env.RecipientID
	}

	h.mu.Lock()
	if to == "" {
		targets := make([]*client, 0, len(h.clients))
		for id, other := range h.clients {
			if id != c.id {
				targets = append(targets, other)
			}
		}
		h.mu.Unlock()
		for _, t := range targets {
			h.deliver(t, frame)
		}
		return
	}
	if dst, ok := h.clients[to]; ok {
		h.mu.Unlock()
		if h.deliver(dst, frame) {
			return
		}
		h.mu.Lock()
		// the user may have reconnected meanwhile
		if cur, ok := h.clients[to]; ok && cur != dst {
			select {
			case cur.send <- frame:
				h.mu.Unlock()
				return
			default:
			}
		}
	}
	q := append(h.queue[to], frame)
	if len(q) > h.opts.QueueLimit {
		q = q[len(q)-h.opts.QueueLimit:]
		level.Warn(h.logger).Log("msg", "offline queue full, oldest dropped", "user", to)
	} else {
		h.queued++
	}
	h.queue[to] = q
	queued := h.queued
	h.mu.Unlock()
	h.opts.Metrics.SetRelayQueued(queued)
	level.Debug(h.logger).Log("msg", "queued for offline user", "from", c.id, "to", to)
}

func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				level.Debug(h.logger).Log("msg", "read error", "user", c.id, "err", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		h.route(c, frame)
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				level.Debug(h.logger).Log("msg", "write error", "user", c.id, "err", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.quit:
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeWait))
			return
		}
	}
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.stop()
	}
}
