// Package realtime maintains live WebSocket connections keyed by user and
// pushes notification frames to every connection a user holds.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/assertly/backend/internal/monitoring"
)

// Upgrader with origin validation. In production only origins listed in
// FRONTEND_ORIGIN are accepted; elsewhere all origins pass.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     buildCheckOrigin(),
}

func buildCheckOrigin() func(r *http.Request) bool {
	env := os.Getenv("APP_ENV")
	allowedRaw := os.Getenv("FRONTEND_ORIGIN")

	if env == "production" && allowedRaw != "" {
		allowed := make(map[string]bool)
		for _, origin := range strings.Split(allowedRaw, ",") {
			allowed[strings.TrimSpace(origin)] = true
		}
		return func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if allowed[origin] {
				return true
			}
			slog.Warn("websocket origin rejected", "origin", origin)
			return false
		}
	}

	if env == "production" {
		slog.Warn("FRONTEND_ORIGIN not set in production, allowing all websocket origins")
	}
	return func(r *http.Request) bool { return true }
}

// Authenticator resolves the user behind an upgrade request. Satisfied by
// the auth session layer.
type Authenticator interface {
	UserFromRequest(ctx context.Context, r *http.Request) (string, error)
}

// Hub is the connection registry. A user may hold several connections
// (multiple tabs, multiple devices); delivery fans out to all of them.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}

	auth    Authenticator
	metrics *monitoring.Metrics
	logger  *slog.Logger
}

func NewHub(auth Authenticator, metrics *monitoring.Metrics) *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		auth:    auth,
		metrics: metrics,
		logger:  slog.Default().With("component", "realtime"),
	}
}

// ServeWS authenticates and upgrades a connection. Authentication happens
// before the upgrade so failures come back as plain 401s, not close frames.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID, err := h.auth.UserFromRequest(r.Context(), r)
	if err != nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := newClient(h, userID, conn)
	h.register(client)

	// Handshake frame so the client knows the session is live.
	if hello, err := json.Marshal(map[string]string{
		"type":    "connected",
		"userId":  userID,
		"message": "connection established",
	}); err == nil {
		client.enqueue(hello)
	}

	go client.writePump()
	go client.readPump()
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	set, ok := h.clients[c.userID]
	if !ok {
		set = make(map[*Client]struct{})
		h.clients[c.userID] = set
	}
	set[c] = struct{}{}
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.WSConnections.Inc()
	}
	h.logger.Info("websocket connected", "userId", c.userID)
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if set, ok := h.clients[c.userID]; ok {
		if _, present := set[c]; present {
			delete(set, c)
			if len(set) == 0 {
				delete(h.clients, c.userID)
			}
			if h.metrics != nil {
				h.metrics.WSConnections.Dec()
			}
		}
	}
	h.mu.Unlock()
	h.logger.Info("websocket disconnected", "userId", c.userID)
}

// DeliverToUser pushes a payload to every live connection of a user.
// Returns how many connections accepted the frame and how many exist; a
// full send buffer counts as not delivered.
func (h *Hub) DeliverToUser(recipientID string, payload interface{}) (delivered, connections int) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("payload marshal failed", "userId", recipientID, "error", err)
		return 0, 0
	}

	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients[recipientID]))
	for c := range h.clients[recipientID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if c.enqueue(data) {
			delivered++
		}
	}
	return delivered, len(targets)
}

// ConnectionCount reports the number of live connections across all users.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.clients {
		n += len(set)
	}
	return n
}

// Shutdown closes every connection with 1001 (going away).
func (h *Hub) Shutdown() {
	h.mu.RLock()
	all := make([]*Client, 0)
	for _, set := range h.clients {
		for c := range set {
			all = append(all, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range all {
		c.closeGoingAway()
	}
	h.logger.Info("realtime hub shut down", "connections", len(all))
}
