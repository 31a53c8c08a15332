// Package api provides HTTP handlers for the Site Insights API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/ashureev/site-insights/internal/analytics"
	"github.com/ashureev/site-insights/internal/assistant"
	"github.com/ashureev/site-insights/internal/identity"
	"github.com/ashureev/site-insights/internal/session"
	"github.com/ashureev/site-insights/internal/store"
	"github.com/ashureev/site-insights/internal/workflow"
	"github.com/containerd/errdefs"
	"github.com/containerd/errdefs/pkg/errhttp"
	"github.com/go-chi/chi/v5"
)

const maxBodySize = 1 << 20

// Analytics is the part of the analytics client proxied directly to the browser.
type Analytics interface {
	KeywordVolume(ctx context.Context, req analytics.KeywordVolumeRequest) (json.RawMessage, error)
	DomainTechnologies(ctx context.Context, target string) (json.RawMessage, error)
	DomainsByTechnology(ctx context.Context, req analytics.DomainsByTechnologyRequest) (json.RawMessage, error)
}

// Handler serves the dashboard API on top of the per-user session stores.
type Handler struct {
	repo     store.Repository
	sessions *session.Registry
	flow     *workflow.Controller
	backend  Analytics
	limiter  *assistant.RateLimiter
	log      *slog.Logger
}

// NewHandler creates a new Handler with common dependencies.
// A nil limiter disables chat rate limiting.
func NewHandler(repo store.Repository, sessions *session.Registry, flow *workflow.Controller, backend Analytics, limiter *assistant.RateLimiter, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		repo:     repo,
		sessions: sessions,
		flow:     flow,
		backend:  backend,
		limiter:  limiter,
		log:      logger,
	}
}

// RegisterRoutes registers the API routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/me", h.GetMe)

		r.Route("/session", func(r chi.Router) {
			r.Get("/", h.GetSession)
			r.Post("/reset", h.ResetSession)
			r.Post("/retry", h.RetrySession)
		})

		r.Route("/analysis", func(r chi.Router) {
			r.Post("/traffic", h.AnalyzeTraffic)
			r.Post("/tech", h.AnalyzeTech)
			r.Post("/trends", h.SearchTrends)
			r.Get("/summary", h.GetSummary)
			r.Post("/keyword-volume", h.KeywordVolume)
			r.Post("/domain-technologies", h.DomainTechnologies)
			r.Post("/domains-by-technology", h.DomainsByTechnology)
		})

		r.Route("/chat", func(r chi.Router) {
			r.Post("/open", h.OpenChat)
			r.Post("/", h.SendChat)
		})

		r.Route("/history", func(r chi.Router) {
			r.Get("/", h.ListHistory)
			r.Post("/", h.SaveHistory)
			r.Delete("/", h.ClearHistory)
			r.Post("/{entryID}/restore", h.RestoreHistory)
			r.Delete("/{entryID}", h.DeleteHistory)
		})

		r.Get("/state/export", h.ExportState)
		r.Post("/state/import", h.ImportState)
	})
}

// storeFor returns the calling user's session store.
func (h *Handler) storeFor(r *http.Request) (*session.Store, bool) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		return nil, false
	}
	return h.sessions.Get(r.Context(), userID), true
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// WriteError writes err with the status matching its errdefs class.
func WriteError(w http.ResponseWriter, err error) {
	Error(w, StatusFor(err), err.Error())
}

// StatusFor maps an error to an HTTP status code.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errdefs.IsAborted(err), errdefs.IsFailedPrecondition(err), errdefs.IsConflict(err):
		return http.StatusConflict
	case errdefs.IsDataLoss(err):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return errhttp.ToHTTP(err)
}

// decode reads a JSON request body into v. An empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid request body: %w", errdefs.ErrInvalidArgument)
	}
	return nil
}
