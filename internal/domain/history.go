package domain

import (
	"encoding/json"
	"time"
)

// DefaultMaxSessions is the default history cap.
const DefaultMaxSessions = 10

// HistoryEntry is a frozen snapshot of a completed session.
type HistoryEntry struct {
	ID             string          `json:"id"`
	Domain         string          `json:"domain"`
	Competitors    []string        `json:"competitors"`
	Keywords       []string        `json:"keywords,omitempty"`
	TrafficPayload json.RawMessage `json:"traffic_payload,omitempty"`
	TechPayload    json.RawMessage `json:"tech_payload,omitempty"`
	TrendsPayload  json.RawMessage `json:"trends_payload,omitempty"`
	Transcript     []Message       `json:"transcript"`
	CreatedAt      time.Time       `json:"created_at"`
	LastActivity   time.Time       `json:"last_activity"`
}

// Clone returns a deep copy of the entry.
func (e HistoryEntry) Clone() HistoryEntry {
	e.Competitors = cloneStrings(e.Competitors)
	e.Keywords = cloneStrings(e.Keywords)
	e.TrafficPayload = cloneRaw(e.TrafficPayload)
	e.TechPayload = cloneRaw(e.TechPayload)
	e.TrendsPayload = cloneRaw(e.TrendsPayload)
	e.Transcript = cloneMessages(e.Transcript)
	return e
}

// Settings holds per-user store settings.
type Settings struct {
	SaveToStorage bool `json:"save_to_storage"`
	MaxSessions   int  `json:"max_sessions"`
}

// AppState is everything one user's store owns.
type AppState struct {
	UserID   string         `json:"user_id"`
	Current  Session        `json:"current"`
	History  []HistoryEntry `json:"history"`
	Settings Settings       `json:"settings"`
}

// Clone returns a deep copy of the state.
func (a AppState) Clone() AppState {
	a.Current = a.Current.Clone()
	if a.History != nil {
		h := make([]HistoryEntry, len(a.History))
		for i, e := range a.History {
			h[i] = e.Clone()
		}
		a.History = h
	}
	return a
}
