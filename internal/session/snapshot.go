package session

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ashureev/site-insights/internal/domain"
	"github.com/containerd/errdefs"
)

const snapshotVersion = 1

// persisted* mirror the domain types with timestamps held as text, so decoding
// has to turn every timestamp back into a time.Time explicitly.
type persistedState struct {
	Version  int              `json:"version"`
	UserID   string           `json:"user_id"`
	Current  persistedSession `json:"current"`
	History  []persistedEntry `json:"history"`
	Settings domain.Settings  `json:"settings"`
}

type persistedSession struct {
	ID             string             `json:"id"`
	Domain         string             `json:"domain"`
	Stage          string             `json:"stage"`
	Competitors    []string           `json:"competitors"`
	Keywords       []string           `json:"keywords,omitempty"`
	TrafficPayload json.RawMessage    `json:"traffic_payload,omitempty"`
	TechPayload    json.RawMessage    `json:"tech_payload,omitempty"`
	TrendsPayload  json.RawMessage    `json:"trends_payload,omitempty"`
	Transcript     []persistedMessage `json:"transcript"`
}

type persistedEntry struct {
	ID             string             `json:"id"`
	Domain         string             `json:"domain"`
	Competitors    []string           `json:"competitors"`
	Keywords       []string           `json:"keywords,omitempty"`
	TrafficPayload json.RawMessage    `json:"traffic_payload,omitempty"`
	TechPayload    json.RawMessage    `json:"tech_payload,omitempty"`
	TrendsPayload  json.RawMessage    `json:"trends_payload,omitempty"`
	Transcript     []persistedMessage `json:"transcript"`
	CreatedAt      string             `json:"created_at"`
	LastActivity   string             `json:"last_activity"`
}

type persistedMessage struct {
	ID                 string   `json:"id"`
	Role               string   `json:"role"`
	Text               string   `json:"text"`
	Timestamp          string   `json:"timestamp"`
	SuggestedFollowUps []string `json:"suggested_follow_ups,omitempty"`
	Failed             bool     `json:"failed,omitempty"`
}

// EncodeSnapshot serializes state for storage. Transient fields (in-flight marker,
// error, progress) are dropped and transient stages are stored as the stage a
// restored session should resume in.
func EncodeSnapshot(state domain.AppState) ([]byte, error) {
	cur := state.Current
	ps := persistedState{
		Version: snapshotVersion,
		UserID:  state.UserID,
		Current: persistedSession{
			ID:             cur.ID,
			Domain:         cur.Domain,
			Stage:          string(cur.Stage.Stable()),
			Competitors:    nonNil(cur.Competitors),
			Keywords:       cur.Keywords,
			TrafficPayload: cur.TrafficPayload,
			TechPayload:    cur.TechPayload,
			TrendsPayload:  cur.TrendsPayload,
			Transcript:     encodeMessages(cur.Transcript),
		},
		History:  make([]persistedEntry, 0, len(state.History)),
		Settings: state.Settings,
	}
	for _, e := range state.History {
		ps.History = append(ps.History, persistedEntry{
			ID:             e.ID,
			Domain:         e.Domain,
			Competitors:    nonNil(e.Competitors),
			Keywords:       e.Keywords,
			TrafficPayload: e.TrafficPayload,
			TechPayload:    e.TechPayload,
			TrendsPayload:  e.TrendsPayload,
			Transcript:     encodeMessages(e.Transcript),
			CreatedAt:      formatTime(e.CreatedAt),
			LastActivity:   formatTime(e.LastActivity),
		})
	}
	data, err := json.Marshal(ps)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return data, nil
}

// DecodeSnapshot parses data produced by EncodeSnapshot. Every load path (restore
// on startup and import) goes through here so timestamps are always rebuilt.
func DecodeSnapshot(data []byte) (domain.AppState, error) {
	var ps persistedState
	if err := json.Unmarshal(data, &ps); err != nil {
		return domain.AppState{}, fmt.Errorf("unmarshal snapshot: %w: %w", errdefs.ErrDataLoss, err)
	}
	if ps.Version != snapshotVersion {
		return domain.AppState{}, fmt.Errorf("unsupported snapshot version %d: %w", ps.Version, errdefs.ErrDataLoss)
	}

	stage := domain.Stage(ps.Current.Stage)
	if stage == "" {
		stage = domain.StageIdle
	}
	if !stage.Valid() {
		return domain.AppState{}, fmt.Errorf("unknown stage %q: %w", ps.Current.Stage, errdefs.ErrDataLoss)
	}

	transcript, err := decodeMessages(ps.Current.Transcript)
	if err != nil {
		return domain.AppState{}, fmt.Errorf("current session: %w", err)
	}

	state := domain.AppState{
		UserID: ps.UserID,
		Current: domain.Session{
			ID:             ps.Current.ID,
			Domain:         ps.Current.Domain,
			Stage:          stage.Stable(),
			Competitors:    nonNil(ps.Current.Competitors),
			Keywords:       ps.Current.Keywords,
			TrafficPayload: ps.Current.TrafficPayload,
			TechPayload:    ps.Current.TechPayload,
			TrendsPayload:  ps.Current.TrendsPayload,
			Transcript:     transcript,
		},
		History:  make([]domain.HistoryEntry, 0, len(ps.History)),
		Settings: ps.Settings,
	}

	for i, pe := range ps.History {
		entry, err := decodeEntry(pe)
		if err != nil {
			return domain.AppState{}, fmt.Errorf("history entry %d: %w", i, err)
		}
		state.History = append(state.History, entry)
	}
	return state, nil
}

func decodeEntry(pe persistedEntry) (domain.HistoryEntry, error) {
	createdAt, err := parseTime(pe.CreatedAt)
	if err != nil {
		return domain.HistoryEntry{}, fmt.Errorf("created_at: %w", err)
	}
	lastActivity, err := parseTime(pe.LastActivity)
	if err != nil {
		return domain.HistoryEntry{}, fmt.Errorf("last_activity: %w", err)
	}
	transcript, err := decodeMessages(pe.Transcript)
	if err != nil {
		return domain.HistoryEntry{}, err
	}
	return domain.HistoryEntry{
		ID:             pe.ID,
		Domain:         pe.Domain,
		Competitors:    nonNil(pe.Competitors),
		Keywords:       pe.Keywords,
		TrafficPayload: pe.TrafficPayload,
		TechPayload:    pe.TechPayload,
		TrendsPayload:  pe.TrendsPayload,
		Transcript:     transcript,
		CreatedAt:      createdAt,
		LastActivity:   lastActivity,
	}, nil
}

func encodeMessages(in []domain.Message) []persistedMessage {
	out := make([]persistedMessage, 0, len(in))
	for _, m := range in {
		out = append(out, persistedMessage{
			ID:                 m.ID,
			Role:               string(m.Role),
			Text:               m.Text,
			Timestamp:          formatTime(m.Timestamp),
			SuggestedFollowUps: m.SuggestedFollowUps,
			Failed:             m.Failed,
		})
	}
	return out
}

func decodeMessages(in []persistedMessage) ([]domain.Message, error) {
	out := make([]domain.Message, 0, len(in))
	for i, pm := range in {
		role := domain.Role(pm.Role)
		if role != domain.RoleUser && role != domain.RoleAssistant {
			return nil, fmt.Errorf("message %d: unknown role %q: %w", i, pm.Role, errdefs.ErrDataLoss)
		}
		ts, err := parseTime(pm.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("message %d timestamp: %w", i, err)
		}
		out = append(out, domain.Message{
			ID:                 pm.ID,
			Role:               role,
			Text:               pm.Text,
			Timestamp:          ts,
			SuggestedFollowUps: pm.SuggestedFollowUps,
			Failed:             pm.Failed,
		})
	}
	return out, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %q: %w: %w", v, errdefs.ErrDataLoss, err)
	}
	return t, nil
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
