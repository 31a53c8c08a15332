package api

import (
	"net/http"

	"github.com/ashureev/site-insights/internal/identity"
)

type chatRequest struct {
	Message string `json:"message"`
}

// OpenChat moves the session from tech-ready into chat.
func (h *Handler) OpenChat(w http.ResponseWriter, r *http.Request) {
	st, ok := h.storeFor(r)
	if !ok {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if err := h.flow.OpenChat(st); err != nil {
		WriteError(w, err)
		return
	}
	writeSession(w, st)
}

// SendChat sends one chat turn. A failed reply shows up as a failed
// assistant message in the returned transcript.
func (h *Handler) SendChat(w http.ResponseWriter, r *http.Request) {
	st, ok := h.storeFor(r)
	if !ok {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if h.limiter != nil && !h.limiter.Allow(identity.UserIDFromContext(r.Context())) {
		h.log.Warn("Chat rate limit exceeded", "user_id", st.UserID())
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	var req chatRequest
	if err := decode(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	if err := h.flow.SendChat(r.Context(), st, req.Message); err != nil {
		WriteError(w, err)
		return
	}
	writeSession(w, st)
}
