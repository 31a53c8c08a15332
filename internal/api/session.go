package api

import (
	"io"
	"net/http"
	"time"

	"github.com/ashureev/site-insights/internal/domain"
	"github.com/ashureev/site-insights/internal/identity"
	"github.com/ashureev/site-insights/internal/session"
)

// sessionResponse is returned by every action that moves the active session.
type sessionResponse struct {
	Session domain.Session `json:"session"`
}

func writeSession(w http.ResponseWriter, st *session.Store) {
	JSON(w, http.StatusOK, sessionResponse{Session: st.Current()})
}

// GetMe returns the current user's information.
func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	user, err := h.repo.GetUser(r.Context(), userID)
	if err != nil || user == nil {
		Error(w, http.StatusUnauthorized, "user not found")
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"user_id":      user.UserID,
		"session_id":   identity.SessionIDFromContext(r.Context()),
		"created_at":   user.CreatedAt.UTC().Format(time.RFC3339),
		"last_seen_at": user.LastSeenAt.UTC().Format(time.RFC3339),
	})
}

// GetSession returns the user's whole state: active session, history and settings.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	st, ok := h.storeFor(r)
	if !ok {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	JSON(w, http.StatusOK, st.Snapshot())
}

// ResetSession discards the active session from any stage.
func (h *Handler) ResetSession(w http.ResponseWriter, r *http.Request) {
	st, ok := h.storeFor(r)
	if !ok {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	h.flow.Reset(st)
	writeSession(w, st)
}

// RetrySession leaves the error stage keeping the domain.
func (h *Handler) RetrySession(w http.ResponseWriter, r *http.Request) {
	st, ok := h.storeFor(r)
	if !ok {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if err := h.flow.Retry(st); err != nil {
		WriteError(w, err)
		return
	}
	writeSession(w, st)
}

// ExportState returns the persisted form of the user's state.
func (h *Handler) ExportState(w http.ResponseWriter, r *http.Request) {
	st, ok := h.storeFor(r)
	if !ok {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	data, err := session.EncodeSnapshot(st.Snapshot())
	if err != nil {
		h.log.Error("Failed to encode state export", "error", err, "user_id", st.UserID())
		Error(w, http.StatusInternalServerError, "failed to export state")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="site-insights-state.json"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// ImportState replaces the user's state with a previously exported one.
func (h *Handler) ImportState(w http.ResponseWriter, r *http.Request) {
	st, ok := h.storeFor(r)
	if !ok {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		Error(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if err := st.Import(data); err != nil {
		h.log.Warn("Rejected state import", "error", err, "user_id", st.UserID())
		Error(w, http.StatusBadRequest, "invalid state snapshot")
		return
	}
	h.log.Info("State imported", "user_id", st.UserID(), "history", len(st.History()))
	JSON(w, http.StatusOK, st.Snapshot())
}
