// Site Insights - competitive website analysis dashboard server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/site-insights/internal/analytics"
	"github.com/ashureev/site-insights/internal/api"
	"github.com/ashureev/site-insights/internal/assistant"
	"github.com/ashureev/site-insights/internal/config"
	"github.com/ashureev/site-insights/internal/identity"
	"github.com/ashureev/site-insights/internal/live"
	"github.com/ashureev/site-insights/internal/middleware"
	"github.com/ashureev/site-insights/internal/retention"
	"github.com/ashureev/site-insights/internal/session"
	"github.com/ashureev/site-insights/internal/store"
	"github.com/ashureev/site-insights/internal/workflow"
	"github.com/ashureev/site-insights/web"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server",
		"port", cfg.Port,
		"dev", cfg.IsDevelopment(),
		"analytics_url", cfg.Analytics.BaseURL,
		"trends_url", cfg.Analytics.TrendsURL,
	)

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	conversationLogger, err := assistant.NewConversationLogger(assistant.ConversationLogConfig{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize conversation logger", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := conversationLogger.Close(); closeErr != nil {
			slog.Warn("Failed to close conversation logger", "error", closeErr)
		}
	}()

	// Initialize services.
	client := analytics.New(analytics.Config{
		BaseURL:   cfg.Analytics.BaseURL,
		TrendsURL: cfg.Analytics.TrendsURL,
		Timeout:   cfg.Analytics.Timeout,
		Logger:    logger,
	})
	sessions := session.NewRegistry(repo, session.Options{
		MaxSessions: cfg.History.MaxSessions,
		Logger:      logger,
	})
	flow := workflow.New(client, workflow.Config{
		DefaultCompetitors: cfg.Workflow.DefaultCompetitors,
		ProgressTick:       cfg.Workflow.ProgressTick,
		ProgressStep:       cfg.Workflow.ProgressStep,
		RequestTimeout:     cfg.Analytics.Timeout,
		TrendsTimeframe:    cfg.Workflow.TrendsTimeframe,
		TrendsGeo:          cfg.Workflow.TrendsGeo,
		VisualReportGeo:    cfg.Workflow.VisualReportGeo,
	}, logger, conversationLogger)
	limiter := assistant.NewRateLimiter(cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration)
	defer limiter.Stop()
	hub := live.NewHub()

	// Initialize handlers.
	apiHandler := api.NewHandler(repo, sessions, flow, client, limiter, logger)
	healthHandler := api.NewHealthHandler(repo, 5*time.Second)
	liveHandler := live.NewHandler(sessions, hub, cfg.AllowedOrigins(), cfg.IsDevelopment(), logger)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(cfg.AllowedOrigins(), identity.SessionHeaderName))

	// Public routes.
	healthHandler.RegisterHealth(r)

	// Everything else needs the anonymous user id.
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(repo, cfg.IsDevelopment()))
		apiHandler.RegisterRoutes(r)
		r.Get("/ws/session", liveHandler.ServeHTTP)
	})

	// Serve embedded frontend (SPA catch-all).
	r.Handle("/*", web.SPAHandler())

	// Create server.
	// WebSocket connections are long-lived, so there is no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start retention worker.
	retention.New(repo, cfg.Retention.StateRetention, cfg.Retention.Interval, func(userID string) {
		hub.CloseUser(userID)
		sessions.Evict(userID)
	}, logger).Start(ctx)

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
