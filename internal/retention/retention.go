// Package retention discards the persisted dashboard state of users who have
// not visited for longer than the retention period.
package retention

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/site-insights/internal/domain"
)

// StateStore is the part of the repository the worker needs.
type StateStore interface {
	GetIdleUsers(ctx context.Context, idle time.Duration) ([]*domain.User, error)
	DeleteState(ctx context.Context, userID string) error
}

// CleanupCallback is called for each user once their state is deleted.
// It is not called when the delete fails.
type CleanupCallback func(userID string)

// Worker periodically sweeps idle users.
type Worker struct {
	repo      StateStore
	retention time.Duration
	interval  time.Duration
	onCleanup CleanupCallback
	log       *slog.Logger
}

// New creates a worker. onCleanup may be nil.
func New(repo StateStore, retention, interval time.Duration, onCleanup CleanupCallback, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		repo:      repo,
		retention: retention,
		interval:  interval,
		onCleanup: onCleanup,
		log:       logger,
	}
}

// Start runs the sweep loop in a background goroutine until ctx is done.
func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	go func() {
		defer ticker.Stop()
		w.log.Info("Retention worker started", "interval", w.interval, "retention", w.retention)

		for {
			select {
			case <-ticker.C:
				w.Sweep(ctx)
			case <-ctx.Done():
				w.log.Info("Retention worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// Sweep deletes the state of every idle user once and returns how many were removed.
func (w *Worker) Sweep(ctx context.Context) int {
	idle, err := w.repo.GetIdleUsers(ctx, w.retention)
	if err != nil {
		w.log.Error("Retention worker failed to list idle users", "error", err)
		return 0
	}
	if len(idle) == 0 {
		return 0
	}

	w.log.Info("Retention worker found idle users", "count", len(idle))

	removed := 0
	for _, user := range idle {
		if ctx.Err() != nil {
			break
		}
		// State must be gone before eviction, or a request can reload and persist it again.
		if err := w.repo.DeleteState(ctx, user.UserID); err != nil {
			w.log.Warn("Retention worker failed to delete state",
				"error", err,
				"user_id", user.UserID)
			continue
		}
		if w.onCleanup != nil {
			w.onCleanup(user.UserID)
		}
		removed++
	}

	w.log.Info("Retention worker cleanup completed", "removed", removed)
	return removed
}
