package live

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/ashureev/site-insights/internal/domain"
	"github.com/ashureev/site-insights/internal/identity"
	"github.com/ashureev/site-insights/internal/session"
	"github.com/coder/websocket"
)

const writeTimeout = 10 * time.Second

// Message is the envelope of every frame exchanged on the live socket.
type Message struct {
	Type  string           `json:"type"`
	State *domain.AppState `json:"state,omitempty"`
}

// Handler upgrades requests to WebSocket and streams the user's store snapshots.
type Handler struct {
	sessions       *session.Registry
	hub            *Hub
	allowedOrigins []string
	isDev          bool
	log            *slog.Logger
}

// NewHandler creates a new live handler.
func NewHandler(sessions *session.Registry, hub *Hub, allowedOrigins []string, isDev bool, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		sessions:       sessions,
		hub:            hub,
		allowedOrigins: allowedOrigins,
		isDev:          isDev,
		log:            logger,
	}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	if userID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	log := h.log.With("user_id", userID, "session_id", sessionID)

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		log.Error("Failed to accept WebSocket", "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			log.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	h.hub.Register(userID, sessionID, ws)
	defer h.hub.Unregister(userID, sessionID, ws)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	st := h.sessions.Get(ctx, userID)
	updates, unsubscribe := st.Subscribe()
	defer unsubscribe()

	initial := st.Snapshot()
	if err := writeJSON(ctx, ws, Message{Type: "state", State: &initial}); err != nil {
		log.Debug("Failed to send initial state", "error", err)
		return
	}

	go func() {
		defer cancel()
		h.readLoop(ctx, ws, log)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-updates:
			if !ok {
				log.Info("Store closed, ending live session")
				return
			}
			if err := writeJSON(ctx, ws, Message{Type: "state", State: &snap}); err != nil {
				log.Debug("Failed to push state", "error", err)
				return
			}
		}
	}
}

// readLoop answers client pings until the socket closes. Any other frame is ignored.
func (h *Handler) readLoop(ctx context.Context, ws *websocket.Conn, log *slog.Logger) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				log.Debug("WebSocket closed by client")
			} else if ctx.Err() == nil {
				log.Debug("WebSocket read error", "error", err)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == "ping" {
			if err := writeJSON(ctx, ws, Message{Type: "pong"}); err != nil {
				log.Debug("Failed to send pong", "error", err)
				return
			}
		}
	}
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || slices.Contains(h.allowedOrigins, "*") || slices.Contains(h.allowedOrigins, origin) {
		return true
	}
	h.log.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigins)
	return false
}

func writeJSON(ctx context.Context, ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return ws.Write(ctx, websocket.MessageText, data)
}
