// Package identity provides anonymous per-device identity primitives.
package identity

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/ashureev/site-insights/internal/domain"
	"github.com/google/uuid"
)

const (
	// UserCookieName holds the anonymous user id, generated once and reused.
	UserCookieName = "site_insights_uid"
	// SessionHeaderName carries the per-tab session id.
	SessionHeaderName     = "X-Site-Insights-Session"
	DefaultSessionIDValue = "default"
	userCookieMaxAge      = 365 * 24 * time.Hour
	lastSeenResolution    = time.Minute
)

type contextKey int

const (
	userIDKey contextKey = iota
	sessionIDKey
)

var (
	userIDPattern    = regexp.MustCompile(`^user-[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)
	sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)
)

// UserStore is the part of the repository identity needs.
type UserStore interface {
	GetUser(ctx context.Context, userID string) (*domain.User, error)
	UpsertUser(ctx context.Context, user *domain.User) error
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error
}

// UserIDFromContext extracts the user ID from the request context.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// SessionIDFromContext extracts the tab session ID from the request context.
func SessionIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey).(string); ok {
		return v
	}
	return DefaultSessionIDValue
}

// WithUserID returns a context carrying userID, for handlers invoked without the middleware.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// NewUserID returns a fresh anonymous user id.
func NewUserID() string {
	return "user-" + uuid.NewString()
}

// IsValidUserID reports whether id has the anonymous user id format.
func IsValidUserID(id string) bool {
	return userIDPattern.MatchString(id)
}

func sanitizeSessionID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || !sessionIDPattern.MatchString(id) {
		return DefaultSessionIDValue
	}
	return id
}

// touchUser creates the user on first sight and refreshes last_seen_at at most
// once per lastSeenResolution.
func touchUser(ctx context.Context, users UserStore, userID string, now time.Time) error {
	user, err := users.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if user == nil {
		return users.UpsertUser(ctx, &domain.User{
			UserID:     userID,
			LastSeenAt: now,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
	}
	if now.Sub(user.LastSeenAt) < lastSeenResolution {
		return nil
	}
	return users.UpdateLastSeen(ctx, userID, now)
}

func setUserCookie(w http.ResponseWriter, id string, isDev bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     UserCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(userCookieMaxAge.Seconds()),
		Expires:  time.Now().Add(userCookieMaxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
}

func getOrCreateUserID(w http.ResponseWriter, r *http.Request, isDev bool) string {
	var id string
	if c, err := r.Cookie(UserCookieName); err == nil && IsValidUserID(c.Value) {
		id = c.Value
	} else {
		id = NewUserID()
	}
	setUserCookie(w, id, isDev)
	return id
}

func sessionIDFromRequest(r *http.Request) string {
	sid := r.Header.Get(SessionHeaderName)
	if sid == "" {
		sid = r.URL.Query().Get("session_id")
	}
	return sanitizeSessionID(sid)
}

// Middleware injects the anonymous user id and the per-request tab session id.
func Middleware(users UserStore, isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := getOrCreateUserID(w, r, isDev)

			if err := touchUser(r.Context(), users, userID, time.Now()); err != nil {
				slog.Error("Failed to record anonymous user", "user_id", userID, "error", err)
				http.Error(w, `{"error":"failed to initialize anonymous user"}`, http.StatusInternalServerError)
				return
			}

			ctx := context.WithValue(r.Context(), userIDKey, userID)
			ctx = context.WithValue(ctx, sessionIDKey, sessionIDFromRequest(r))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IPFromRequest returns a normalized remote IP for request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
