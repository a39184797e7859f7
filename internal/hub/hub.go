// Package hub tracks user-scoped push connections for one-way notifications.
package hub

import (
	"sync"

	"github.com/stridehq/meetstream/internal/logging"
)

// Conn is a push connection handle. *websocket.Conn from gorilla/websocket
// satisfies it directly.
type Conn interface {
	WriteJSON(v interface{}) error
}

// Event is the envelope delivered on every push connection.
type Event struct {
	Event   string      `json:"event"`
	Payload interface{} `json:"payload"`
}

// Hub is a registry of live push connections keyed by user id. Delivery is
// best-effort and fire-and-forget: failed connections are dropped from the
// registry, users without listeners are a logged no-op.
type Hub struct {
	mu    sync.Mutex
	conns map[string]map[Conn]struct{}
}

// New creates an empty hub.
func New() *Hub {
	return &Hub{conns: make(map[string]map[Conn]struct{})}
}

// Register adds a connection for the user.
func (h *Hub) Register(userID string, conn Conn) {
	h.mu.Lock()
	bucket, ok := h.conns[userID]
	if !ok {
		bucket = make(map[Conn]struct{})
		h.conns[userID] = bucket
	}
	bucket[conn] = struct{}{}
	total := len(bucket)
	h.mu.Unlock()
	logging.Info(logging.CategoryHub, "registered notification connection user=%s total=%d", userID, total)
}

// Unregister removes a connection for the user.
func (h *Hub) Unregister(userID string, conn Conn) {
	h.mu.Lock()
	if bucket, ok := h.conns[userID]; ok {
		delete(bucket, conn)
		if len(bucket) == 0 {
			delete(h.conns, userID)
		}
	}
	h.mu.Unlock()
	logging.Info(logging.CategoryHub, "unregistered notification connection user=%s", userID)
}

// Emit delivers an event to every live connection of the user. The target
// set is snapshotted first so delivery does not hold the registry lock;
// connections that fail to accept the write are pruned.
func (h *Hub) Emit(userID, event string, payload interface{}) {
	h.mu.Lock()
	bucket := h.conns[userID]
	targets := make([]Conn, 0, len(bucket))
	for conn := range bucket {
		targets = append(targets, conn)
	}
	h.mu.Unlock()

	if len(targets) == 0 {
		logging.Info(logging.CategoryHub, "no listeners for user=%s; dropping event %s", userID, event)
		return
	}

	message := Event{Event: event, Payload: payload}
	var stale []Conn
	for _, conn := range targets {
		if err := conn.WriteJSON(message); err != nil {
			logging.Warning(logging.CategoryHub, "failed to deliver event %s to user=%s: %v", event, userID, err)
			stale = append(stale, conn)
		}
	}
	if len(stale) == 0 {
		return
	}
	h.mu.Lock()
	if bucket, ok := h.conns[userID]; ok {
		for _, conn := range stale {
			delete(bucket, conn)
		}
		if len(bucket) == 0 {
			delete(h.conns, userID)
		}
	}
	h.mu.Unlock()
}
