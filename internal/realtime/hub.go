// Package realtime pushes challenge lifecycle events to the owning user
// over WebSocket, so a checkout page can react to a verify or an expiry
// without polling the status endpoint.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/mbd888/stepup/internal/auth"
	"github.com/mbd888/stepup/internal/logging"
	"github.com/mbd888/stepup/internal/metrics"
	"github.com/mbd888/stepup/internal/verification"
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

const (
	// MaxClients is the maximum number of concurrent WebSocket connections.
	MaxClients = 10000
	// MaxClientsPerUser bounds tabs per user.
	MaxClientsPerUser = 8

	sendBuffer   = 32
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
)

// Message is the frame written to subscribers.
type Message struct {
	verification.Event
	TokenRef string `json:"tokenRef"`
}

// Subscription narrows what a client receives. An empty subscription
// receives every event for the user.
type Subscription struct {
	EventTypes []verification.EventType `json:"eventTypes"`
	Token      string                   `json:"token"`
}

// Client represents a WebSocket connection owned by one user.
type Client struct {
	hub    *Hub
	userID string
	conn   *websocket.Conn
	send   chan []byte
	mu     sync.RWMutex
	sub    Subscription
}

type delivery struct {
	userID string
	ev     verification.Event
}

// Hub routes challenge events to the connections of the owning user.
type Hub struct {
	clients    map[string]map[*Client]struct{}
	publish    chan delivery
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	done       chan struct{} // closed when Run exits; prevents upgrade race
	maxClients int

	count        atomic.Int64
	totalEvents  atomic.Int64
	droppedSlow  atomic.Int64
	totalClients atomic.Int64
}

// NewHub creates a hub. allowedOrigins lists browser origins permitted to
// connect in addition to the server's own host; "*" allows any.
func NewHub(logger *slog.Logger, allowedOrigins []string) *Hub {
	h := &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		publish:    make(chan delivery, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser clients
		}
		if origin == "http://"+r.Host || origin == "https://"+r.Host {
			return true
		}
		for _, o := range allowed {
			if o == "*" || o == origin {
				return true
			}
		}
		return false
	}
}

// Run starts the hub's main loop.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("realtime hub shutting down, closing client connections")
			h.mu.Lock()
			for userID, set := range h.clients {
				for client := range set {
					close(client.send) // writePump sends CloseMessage on closed channel
				}
				delete(h.clients, userID)
			}
			h.mu.Unlock()
			h.count.Store(0)
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			set := h.clients[client.userID]
			if set == nil {
				set = make(map[*Client]struct{})
				h.clients[client.userID] = set
			}
			set[client] = struct{}{}
			h.mu.Unlock()
			n := h.count.Add(1)
			h.totalClients.Add(1)
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client connected", "user_id", client.userID, "total", n)

		case client := <-h.unregister:
			h.remove(client)

		case d := <-h.publish:
			h.totalEvents.Add(1)
			h.deliver(d)
		}
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	set, ok := h.clients[client.userID]
	if ok {
		if _, ok = set[client]; ok {
			delete(set, client)
			close(client.send)
			if len(set) == 0 {
				delete(h.clients, client.userID)
			}
		}
	}
	h.mu.Unlock()
	if ok {
		n := h.count.Add(-1)
		metrics.ActiveWebSocketClients.Set(float64(n))
		h.logger.Debug("client disconnected", "user_id", client.userID, "total", n)
	}
}

func (h *Hub) deliver(d delivery) {
	payload, err := json.Marshal(Message{Event: d.ev, TokenRef: logging.TokenRef(d.ev.Token)})
	if err != nil {
		h.logger.Error("failed to encode challenge event", "error", err)
		return
	}

	h.mu.RLock()
	var slow []*Client
	for client := range h.clients[d.userID] {
		if !client.wants(d.ev) {
			continue
		}
		select {
		case client.send <- payload:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range slow {
		h.droppedSlow.Add(1)
		h.remove(client)
	}
}

func (c *Client) wants(ev verification.Event) bool {
	c.mu.RLock()
	sub := c.sub
	c.mu.RUnlock()

	if sub.Token != "" && sub.Token != ev.Token {
		return false
	}
	if len(sub.EventTypes) == 0 {
		return true
	}
	for _, t := range sub.EventTypes {
		if t == ev.Type {
			return true
		}
	}
	return false
}

// NotifyChallenge queues ev for userID's connections. It never blocks; a
// full queue drops the event since clients can always fall back to the
// status endpoint.
func (h *Hub) NotifyChallenge(userID string, ev verification.Event) {
	select {
	case h.publish <- delivery{userID: userID, ev: ev}:
	default:
		h.logger.Warn("publish channel full, dropping event", "type", ev.Type)
	}
}

// Stats returns hub statistics.
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	users := len(h.clients)
	h.mu.RUnlock()
	return map[string]interface{}{
		"connectedClients": h.count.Load(),
		"connectedUsers":   users,
		"totalEvents":      h.totalEvents.Load(),
		"totalClients":     h.totalClients.Load(),
		"droppedSlow":      h.droppedSlow.Load(),
	}
}

// RegisterRoutes mounts the event stream. The group must carry session auth.
func (h *Hub) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/verification/events", h.HandleEvents)
}

// HandleEvents upgrades GET /verification/events to a WebSocket.
func (h *Hub) HandleEvents(c *gin.Context) {
	userID := auth.UserID(c)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "Session required",
		})
		return
	}

	// Reject upgrades after the hub has stopped to prevent orphaned connections.
	select {
	case <-h.done:
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "shutting_down",
			"message": "Server is shutting down",
		})
		return
	default:
	}

	h.mu.RLock()
	perUser := len(h.clients[userID])
	h.mu.RUnlock()
	if h.count.Load() >= int64(h.maxClients) || perUser >= MaxClientsPerUser {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "too_many_connections",
			"message": "Too many open event streams",
		})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:    h,
		userID: userID,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		sub:    Subscription{Token: c.Query("token")},
	}

	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump reads subscription updates and keeps the read deadline fresh.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(4 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Debug("websocket read error", "error", err)
			}
			return
		}

		var sub Subscription
		if err := json.Unmarshal(message, &sub); err == nil {
			c.mu.Lock()
			c.sub = sub
			c.mu.Unlock()
		}
	}
}

// writePump writes queued events and pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Debug("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.logger.Debug("websocket ping failed", "error", err)
				return
			}
		}
	}
}
