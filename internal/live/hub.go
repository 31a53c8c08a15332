// Package live pushes session store snapshots to open dashboard tabs over WebSocket.
package live

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// Hub tracks the open WebSocket connection of every user tab.
type Hub struct {
	mu     sync.RWMutex
	active map[string]map[string]*websocket.Conn
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		active: make(map[string]map[string]*websocket.Conn),
	}
}

// Register adds the connection for a user tab, closing any connection it replaces.
// The replaced connection is closed in the background, since Close waits on the
// peer's close handshake.
func (h *Hub) Register(userID, sessionID string, conn *websocket.Conn) {
	h.mu.Lock()
	if _, exists := h.active[userID]; !exists {
		h.active[userID] = make(map[string]*websocket.Conn)
	}
	existing, replaced := h.active[userID][sessionID]
	h.active[userID][sessionID] = conn
	h.mu.Unlock()

	slog.Debug("Live connection registered", "user_id", userID, "session_id", sessionID)
	if replaced && existing != conn {
		go func() { _ = existing.Close(websocket.StatusNormalClosure, "session replaced") }()
	}
}

// Unregister removes the connection if it is still the current one for the tab.
func (h *Hub) Unregister(userID, sessionID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if tabs, ok := h.active[userID]; ok {
		if current, exists := tabs[sessionID]; exists && current == conn {
			delete(tabs, sessionID)
			if len(tabs) == 0 {
				delete(h.active, userID)
			}
			slog.Debug("Live connection unregistered", "user_id", userID, "session_id", sessionID)
		}
	}
}

// CloseUser closes every open connection of a user.
func (h *Hub) CloseUser(userID string) {
	h.mu.Lock()
	tabs, ok := h.active[userID]
	delete(h.active, userID)
	h.mu.Unlock()

	if !ok {
		return
	}
	for sid, conn := range tabs {
		_ = conn.Close(websocket.StatusNormalClosure, "session closed")
		slog.Info("Live connection closed", "user_id", userID, "session_id", sid)
	}
}

// Count returns the number of open connections of a user.
func (h *Hub) Count(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.active[userID])
}
