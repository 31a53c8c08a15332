package session

import (
	"encoding/json"
	"slices"
	"time"

	"github.com/ashureev/site-insights/internal/domain"
)

// Intent is one discrete state change dispatched to a Store.
// apply runs with the store lock held and reports whether state changed.
type Intent interface {
	apply(s *Store) bool
}

// transientIntent marks intents that only touch fields which are never
// persisted. A batch made only of these notifies subscribers without a write.
type transientIntent interface {
	transient()
}

// SetDomain replaces the subject domain of the active session.
type SetDomain struct{ Value string }

func (i SetDomain) apply(s *Store) bool {
	if s.state.Current.Domain == i.Value {
		return false
	}
	s.state.Current.Domain = i.Value
	return true
}

// SetStage transitions the active session. No transition guard is applied here.
type SetStage struct{ Stage domain.Stage }

func (i SetStage) apply(s *Store) bool {
	if s.state.Current.Stage == i.Stage {
		return false
	}
	s.state.Current.Stage = i.Stage
	return true
}

// SetPayload stores a fetched payload verbatim.
type SetPayload struct {
	Kind domain.PayloadKind
	Data json.RawMessage
}

func (i SetPayload) apply(s *Store) bool {
	data := append(json.RawMessage(nil), i.Data...)
	switch i.Kind {
	case domain.PayloadTraffic:
		s.state.Current.TrafficPayload = data
	case domain.PayloadTech:
		s.state.Current.TechPayload = data
	case domain.PayloadTrends:
		s.state.Current.TrendsPayload = data
	default:
		s.log.Warn("Ignoring payload of unknown kind", "kind", i.Kind)
		return false
	}
	return true
}

// SetCompetitors replaces the competitor list.
type SetCompetitors struct{ List []string }

func (i SetCompetitors) apply(s *Store) bool {
	s.state.Current.Competitors = append([]string{}, i.List...)
	return true
}

// SetKeywords replaces the trends keyword list.
type SetKeywords struct{ List []string }

func (i SetKeywords) apply(s *Store) bool {
	s.state.Current.Keywords = append([]string{}, i.List...)
	return true
}

// SetError records a user-facing error message.
type SetError struct{ Message string }

func (i SetError) apply(s *Store) bool {
	if s.state.Current.Error == i.Message {
		return false
	}
	s.state.Current.Error = i.Message
	return true
}

// ClearError removes the error message.
type ClearError struct{}

func (ClearError) apply(s *Store) bool {
	return SetError{}.apply(s)
}

// SetProgress updates the cosmetic progress counters, clamped to 0..100.
type SetProgress struct {
	Progress    int
	SubProgress int
}

func (SetProgress) transient() {}

func (i SetProgress) apply(s *Store) bool {
	p, sp := clampPercent(i.Progress), clampPercent(i.SubProgress)
	if s.state.Current.Progress == p && s.state.Current.SubProgress == sp {
		return false
	}
	s.state.Current.Progress = p
	s.state.Current.SubProgress = sp
	return true
}

// SetCurrentCompetitor names the domain the tech progress display is on.
type SetCurrentCompetitor struct{ Domain string }

func (SetCurrentCompetitor) transient() {}

func (i SetCurrentCompetitor) apply(s *Store) bool {
	if s.state.Current.CurrentCompetitor == i.Domain {
		return false
	}
	s.state.Current.CurrentCompetitor = i.Domain
	return true
}

// AppendMessage appends to the transcript. Missing id and timestamp are filled in.
type AppendMessage struct{ Message domain.Message }

func (i AppendMessage) apply(s *Store) bool {
	m := i.Message
	if m.ID == "" {
		m.ID = s.newID()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = s.now()
	}
	m.SuggestedFollowUps = append([]string(nil), m.SuggestedFollowUps...)
	s.state.Current.Transcript = append(s.state.Current.Transcript, m)
	return true
}

// ResetSession restores the active session to empty/idle, preserving history.
type ResetSession struct{}

func (ResetSession) apply(s *Store) bool {
	s.state.Current = domain.NewSession(s.newID())
	s.epoch++
	return true
}

// SaveToHistory snapshots the active session into history.
// It is a no-op when the active session has no domain.
type SaveToHistory struct{ ID string }

func (i SaveToHistory) apply(s *Store) bool {
	cur := s.state.Current
	if cur.Domain == "" {
		return false
	}
	id := i.ID
	if id == "" {
		id = s.newID()
	}
	now := s.now()
	entry := domain.HistoryEntry{
		ID:             id,
		Domain:         cur.Domain,
		Competitors:    cur.Competitors,
		Keywords:       cur.Keywords,
		TrafficPayload: cur.TrafficPayload,
		TechPayload:    cur.TechPayload,
		TrendsPayload:  cur.TrendsPayload,
		Transcript:     cur.Transcript,
		CreatedAt:      now,
		LastActivity:   lastActivity(cur.Transcript, now),
	}.Clone()

	history := append([]domain.HistoryEntry{entry}, s.state.History...)
	if limit := s.state.Settings.MaxSessions; limit > 0 && len(history) > limit {
		history = history[:limit]
	}
	s.state.History = history
	return true
}

// RestoreSession copies a history entry back into the active session in the chat stage.
// Unknown ids are a no-op.
type RestoreSession struct{ ID string }

func (i RestoreSession) apply(s *Store) bool {
	idx := slices.IndexFunc(s.state.History, func(e domain.HistoryEntry) bool { return e.ID == i.ID })
	if idx < 0 {
		return false
	}
	e := s.state.History[idx].Clone()
	cur := domain.NewSession(s.newID())
	cur.Domain = e.Domain
	cur.Competitors = e.Competitors
	cur.Keywords = e.Keywords
	cur.TrafficPayload = e.TrafficPayload
	cur.TechPayload = e.TechPayload
	cur.TrendsPayload = e.TrendsPayload
	cur.Transcript = e.Transcript
	if cur.Competitors == nil {
		cur.Competitors = []string{}
	}
	if cur.Transcript == nil {
		cur.Transcript = []domain.Message{}
	}
	cur.Stage = domain.StageChat
	s.state.Current = cur
	s.epoch++
	return true
}

// DeleteHistoryEntry removes one history entry. Unknown ids are a no-op.
type DeleteHistoryEntry struct{ ID string }

func (i DeleteHistoryEntry) apply(s *Store) bool {
	before := len(s.state.History)
	s.state.History = slices.DeleteFunc(s.state.History, func(e domain.HistoryEntry) bool { return e.ID == i.ID })
	return len(s.state.History) != before
}

// ClearHistory empties the history list and resets the active session.
type ClearHistory struct{}

func (ClearHistory) apply(s *Store) bool {
	s.state.History = []domain.HistoryEntry{}
	return ResetSession{}.apply(s)
}

func clampPercent(v int) int {
	return max(0, min(100, v))
}

func lastActivity(transcript []domain.Message, fallback time.Time) time.Time {
	if len(transcript) == 0 {
		return fallback
	}
	return transcript[len(transcript)-1].Timestamp
}
