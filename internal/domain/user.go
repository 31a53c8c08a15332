// Package domain contains core domain types for the Site Insights service.
package domain

import (
	"time"
)

// User is an anonymous dashboard visitor identified by a long-lived cookie.
type User struct {
	UserID     string    `json:"user_id"`
	LastSeenAt time.Time `json:"last_seen_at"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// IdleFor returns how long the user has been inactive as of now.
// Returns 0 if the user was seen in the future (clock skew).
func (u *User) IdleFor(now time.Time) time.Duration {
	idle := now.Sub(u.LastSeenAt)
	if idle < 0 {
		return 0
	}
	return idle
}
