package domain

import (
	"encoding/json"
	"slices"
	"time"
)

// Stage is a named point in the domain-analysis workflow.
type Stage string

const (
	StageIdle         Stage = "idle"
	StageLoading      Stage = "loading"
	StageTrafficReady Stage = "traffic-ready"
	StageTechLoading  Stage = "tech-loading"
	StageTechReady    Stage = "tech-ready"
	StageChat         Stage = "chat"
	StageError        Stage = "error"
)

var knownStages = []Stage{
	StageIdle, StageLoading, StageTrafficReady, StageTechLoading,
	StageTechReady, StageChat, StageError,
}

// Valid reports whether s is one of the known workflow stages.
func (s Stage) Valid() bool {
	return slices.Contains(knownStages, s)
}

// Stable maps transient stages to the stage a restored session should resume in.
// Loading and error resume idle; tech-loading resumes traffic-ready.
func (s Stage) Stable() Stage {
	switch s {
	case StageLoading, StageError:
		return StageIdle
	case StageTechLoading:
		return StageTrafficReady
	default:
		return s
	}
}

// PayloadKind names one of the remote payloads a session accumulates.
type PayloadKind string

const (
	PayloadTraffic PayloadKind = "traffic"
	PayloadTech    PayloadKind = "tech"
	PayloadTrends  PayloadKind = "trends"
)

// Role identifies the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one transcript entry.
type Message struct {
	ID                 string    `json:"id"`
	Role               Role      `json:"role"`
	Text               string    `json:"text"`
	Timestamp          time.Time `json:"timestamp"`
	SuggestedFollowUps []string  `json:"suggested_follow_ups,omitempty"`
	// Failed marks an assistant entry standing in for a chat turn whose request failed.
	Failed bool `json:"failed,omitempty"`
}

// Session is the working set of data for analyzing one domain.
type Session struct {
	ID                string          `json:"id"`
	Domain            string          `json:"domain"`
	Stage             Stage           `json:"stage"`
	Competitors       []string        `json:"competitors"`
	Keywords          []string        `json:"keywords,omitempty"`
	TrafficPayload    json.RawMessage `json:"traffic_payload,omitempty"`
	TechPayload       json.RawMessage `json:"tech_payload,omitempty"`
	TrendsPayload     json.RawMessage `json:"trends_payload,omitempty"`
	Progress          int             `json:"progress"`
	SubProgress       int             `json:"sub_progress"`
	CurrentCompetitor string          `json:"current_competitor,omitempty"`
	Error             string          `json:"error"`
	Transcript        []Message       `json:"transcript"`
	// InFlight names the lookup currently awaiting a response, if any.
	InFlight string `json:"in_flight,omitempty"`
}

// Payload returns the stored payload of the given kind.
func (s Session) Payload(kind PayloadKind) json.RawMessage {
	switch kind {
	case PayloadTraffic:
		return s.TrafficPayload
	case PayloadTech:
		return s.TechPayload
	case PayloadTrends:
		return s.TrendsPayload
	}
	return nil
}

// HasPayloads reports whether any remote payload has been stored.
func (s Session) HasPayloads() bool {
	return len(s.TrafficPayload) > 0 || len(s.TechPayload) > 0 || len(s.TrendsPayload) > 0
}

// Clone returns a deep copy safe to hand out of the store.
func (s Session) Clone() Session {
	s.Competitors = cloneStrings(s.Competitors)
	s.Keywords = cloneStrings(s.Keywords)
	s.TrafficPayload = cloneRaw(s.TrafficPayload)
	s.TechPayload = cloneRaw(s.TechPayload)
	s.TrendsPayload = cloneRaw(s.TrendsPayload)
	s.Transcript = cloneMessages(s.Transcript)
	return s
}

// NewSession returns an empty idle session.
func NewSession(id string) Session {
	return Session{
		ID:          id,
		Stage:       StageIdle,
		Competitors: []string{},
		Transcript:  []Message{},
	}
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string{}, in...)
}

func cloneRaw(in json.RawMessage) json.RawMessage {
	if in == nil {
		return nil
	}
	return append(json.RawMessage{}, in...)
}

func cloneMessages(in []Message) []Message {
	if in == nil {
		return nil
	}
	out := make([]Message, len(in))
	for i, m := range in {
		m.SuggestedFollowUps = cloneStrings(m.SuggestedFollowUps)
		out[i] = m
	}
	return out
}
