package api

import (
	"fmt"
	"net/http"

	"github.com/ashureev/site-insights/internal/domain"
	"github.com/containerd/errdefs"
	"github.com/go-chi/chi/v5"
)

type historyResponse struct {
	History     []domain.HistoryEntry `json:"history"`
	MaxSessions int                   `json:"max_sessions"`
}

// ListHistory returns saved sessions, most recent first.
func (h *Handler) ListHistory(w http.ResponseWriter, r *http.Request) {
	st, ok := h.storeFor(r)
	if !ok {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	snap := st.Snapshot()
	JSON(w, http.StatusOK, historyResponse{History: snap.History, MaxSessions: snap.Settings.MaxSessions})
}

// SaveHistory saves the active chat session into history.
func (h *Handler) SaveHistory(w http.ResponseWriter, r *http.Request) {
	st, ok := h.storeFor(r)
	if !ok {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	id, err := h.flow.SaveSession(st)
	if err != nil {
		WriteError(w, err)
		return
	}
	JSON(w, http.StatusCreated, map[string]string{"id": id})
}

// RestoreHistory makes a saved session active again in the chat stage.
func (h *Handler) RestoreHistory(w http.ResponseWriter, r *http.Request) {
	st, ok := h.storeFor(r)
	if !ok {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	id := chi.URLParam(r, "entryID")
	if !st.RestoreSession(id) {
		WriteError(w, fmt.Errorf("history entry %q: %w", id, errdefs.ErrNotFound))
		return
	}
	h.log.Info("Session restored from history", "user_id", st.UserID(), "entry_id", id)
	writeSession(w, st)
}

// DeleteHistory removes one saved session.
func (h *Handler) DeleteHistory(w http.ResponseWriter, r *http.Request) {
	st, ok := h.storeFor(r)
	if !ok {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	id := chi.URLParam(r, "entryID")
	if !st.DeleteHistoryEntry(id) {
		WriteError(w, fmt.Errorf("history entry %q: %w", id, errdefs.ErrNotFound))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ClearHistory removes every saved session and resets the active one.
func (h *Handler) ClearHistory(w http.ResponseWriter, r *http.Request) {
	st, ok := h.storeFor(r)
	if !ok {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	st.ClearHistory()
	h.log.Info("History cleared", "user_id", st.UserID())
	w.WriteHeader(http.StatusNoContent)
}
