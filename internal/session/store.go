// Package session holds the per-user session store: the active analysis session,
// the bounded history of past sessions, and the hooks that mirror both to storage.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/ashureev/site-insights/internal/domain"
	"github.com/containerd/errdefs"
	"github.com/google/uuid"
)

var (
	// ErrInFlight is returned by Begin when another lookup has not resolved yet.
	ErrInFlight = fmt.Errorf("a lookup is already in flight: %w", errdefs.ErrConflict)
	// ErrWrongStage is returned by Begin when the session is not in an allowed stage.
	ErrWrongStage = fmt.Errorf("action not allowed in current stage: %w", errdefs.ErrFailedPrecondition)
	// ErrStale is returned by Complete when the session moved on since the ticket was issued.
	ErrStale = fmt.Errorf("response no longer matches the session it was issued for: %w", errdefs.ErrAborted)
)

// Persister mirrors serialized store state to durable storage.
// LoadState returns nil data and a nil error when nothing was saved yet.
type Persister interface {
	LoadState(ctx context.Context, userID string) ([]byte, error)
	SaveState(ctx context.Context, userID string, data []byte) error
}

// Options configures a Store.
type Options struct {
	MaxSessions    int
	PersistTimeout time.Duration
	Logger         *slog.Logger
	Now            func() time.Time
	NewID          func() string
}

func (o Options) withDefaults() Options {
	if o.MaxSessions <= 0 {
		o.MaxSessions = domain.DefaultMaxSessions
	}
	if o.PersistTimeout <= 0 {
		o.PersistTimeout = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.NewID == nil {
		o.NewID = uuid.NewString
	}
	return o
}

// Ticket identifies a lookup issued for a particular session generation.
type Ticket struct {
	Epoch     uint64
	Op        string
	SessionID string
}

// Store is the single source of truth for one user's sessions.
// All mutations go through Dispatch; every changing transition is persisted once.
type Store struct {
	mu             sync.Mutex
	state          domain.AppState
	epoch          uint64
	persister      Persister
	persistTimeout time.Duration
	log            *slog.Logger
	now            func() time.Time
	newID          func() string

	subs    map[int]chan domain.AppState
	nextSub int

	// loadFailed holds back persistence: the state in memory is not what storage
	// holds, and writing it would overwrite the saved history.
	loadFailed bool
}

// NewStore creates the store for userID, restoring any previously persisted state.
// Missing or malformed persisted data falls back to the empty initial state.
func NewStore(ctx context.Context, userID string, p Persister, opts Options) *Store {
	opts = opts.withDefaults()
	s := &Store{
		persister:      p,
		persistTimeout: opts.PersistTimeout,
		log:            opts.Logger.With("user_id", userID),
		now:            opts.Now,
		newID:          opts.NewID,
		subs:           make(map[int]chan domain.AppState),
	}
	s.state = s.initialState(userID, opts.MaxSessions)
	s.restore(ctx, userID, opts.MaxSessions)
	return s
}

func (s *Store) initialState(userID string, maxSessions int) domain.AppState {
	return domain.AppState{
		UserID:  userID,
		Current: domain.NewSession(s.newID()),
		History: []domain.HistoryEntry{},
		Settings: domain.Settings{
			SaveToStorage: true,
			MaxSessions:   maxSessions,
		},
	}
}

func (s *Store) restore(ctx context.Context, userID string, maxSessions int) {
	if s.persister == nil {
		return
	}
	// A caller hanging up must not turn into an empty store.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.persistTimeout)
	defer cancel()

	data, err := s.persister.LoadState(ctx, userID)
	if err != nil {
		s.log.Warn("Failed to load persisted state, starting empty without persistence", "error", err)
		s.loadFailed = true
		return
	}
	if len(data) == 0 {
		return
	}
	restored, err := DecodeSnapshot(data)
	if err != nil {
		s.log.Warn("Discarding malformed persisted state", "error", err)
		return
	}
	restored.UserID = userID
	restored.Settings.MaxSessions = maxSessions
	if len(restored.History) > maxSessions {
		restored.History = restored.History[:maxSessions]
	}
	if restored.Current.ID == "" {
		restored.Current.ID = s.newID()
	}
	s.state = restored
	s.log.Info("State restored", "history", len(restored.History), "stage", restored.Current.Stage)
}

// Dispatch applies intents as one transition.
// It reports whether anything changed; only changing transitions are persisted.
func (s *Store) Dispatch(intents ...Intent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitLocked(intents)
}

func (s *Store) commitLocked(intents []Intent) bool {
	changed, durable := false, false
	for _, in := range intents {
		if in.apply(s) {
			changed = true
			if _, ok := in.(transientIntent); !ok {
				durable = true
			}
		}
	}
	if durable {
		s.persistLocked()
	}
	if changed {
		s.notifyLocked()
	}
	return changed
}

// Begin starts a lookup. It fails with ErrWrongStage unless the active stage is one
// of allowed, and with ErrInFlight while another lookup is pending. Otherwise intents
// are applied, op is marked in flight, and a ticket tagging the current session
// generation is returned with a copy of the session as of that point.
func (s *Store) Begin(op string, allowed []domain.Stage, intents ...Intent) (Ticket, domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.state.Current
	if cur.InFlight != "" {
		return Ticket{}, domain.Session{}, fmt.Errorf("%s while %s is pending: %w", op, cur.InFlight, ErrInFlight)
	}
	if len(allowed) > 0 && !slices.Contains(allowed, cur.Stage) {
		return Ticket{}, domain.Session{}, fmt.Errorf("%s in stage %s: %w", op, cur.Stage, ErrWrongStage)
	}

	s.commitLocked(append(intents[:len(intents):len(intents)], markInFlight{op: op}))
	t := Ticket{Epoch: s.epoch, Op: op, SessionID: s.state.Current.ID}
	return t, s.state.Current.Clone(), nil
}

// Complete ends the lookup identified by t, applying intents only if the session is
// still the one the ticket was issued for. Otherwise it returns ErrStale and leaves
// state untouched.
func (s *Store) Complete(t Ticket, intents ...Intent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.matchesLocked(t) {
		return ErrStale
	}
	s.commitLocked(append(intents[:len(intents):len(intents)], markInFlight{}))
	return nil
}

// Touch applies intents while the lookup identified by t is still pending.
func (s *Store) Touch(t Ticket, intents ...Intent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.matchesLocked(t) {
		return false
	}
	s.commitLocked(intents)
	return true
}

func (s *Store) matchesLocked(t Ticket) bool {
	return t.Epoch == s.epoch &&
		t.SessionID == s.state.Current.ID &&
		t.Op != "" && t.Op == s.state.Current.InFlight
}

type markInFlight struct{ op string }

func (markInFlight) transient() {}

func (m markInFlight) apply(s *Store) bool {
	if s.state.Current.InFlight == m.op {
		return false
	}
	s.state.Current.InFlight = m.op
	return true
}

func (s *Store) persistLocked() {
	if s.persister == nil || !s.state.Settings.SaveToStorage {
		return
	}
	if s.loadFailed {
		s.log.Debug("Skipping persist, state was never loaded")
		return
	}
	data, err := EncodeSnapshot(s.state)
	if err != nil {
		s.log.Error("Failed to encode state", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.persistTimeout)
	defer cancel()
	if err := s.persister.SaveState(ctx, s.state.UserID, data); err != nil {
		s.log.Error("Failed to persist state", "error", err, "bytes", len(data))
	}
}

func (s *Store) notifyLocked() {
	if len(s.subs) == 0 {
		return
	}
	snap := s.state.Clone()
	for _, ch := range s.subs {
		select {
		case ch <- snap:
		default:
			// Drop the unread snapshot so the subscriber sees the latest one.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

// Subscribe returns a channel receiving a snapshot after every changing transition.
// Slow readers only ever see the most recent snapshot. The returned func unsubscribes.
func (s *Store) Subscribe() (<-chan domain.AppState, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan domain.AppState, 1)
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if c, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(c)
			}
		})
	}
}

// Close drops all subscribers.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
}

// Snapshot returns a deep copy of the whole state.
func (s *Store) Snapshot() domain.AppState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// Current returns a copy of the active session.
func (s *Store) Current() domain.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Current.Clone()
}

// History returns copies of the history entries, most recent first.
func (s *Store) History() []domain.HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone().History
}

// UserID returns the owner of the store.
func (s *Store) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.UserID
}

// Import replaces the whole state with a previously exported snapshot.
func (s *Store) Import(data []byte) error {
	imported, err := DecodeSnapshot(data)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	imported.UserID = s.state.UserID
	imported.Settings.MaxSessions = s.state.Settings.MaxSessions
	imported.Settings.SaveToStorage = s.state.Settings.SaveToStorage
	if limit := imported.Settings.MaxSessions; len(imported.History) > limit {
		imported.History = imported.History[:limit]
	}
	imported.Current.ID = s.newID()
	s.state = imported
	s.loadFailed = false
	s.epoch++
	s.persistLocked()
	s.notifyLocked()
	return nil
}

// Convenience wrappers for single intents.

// SetDomain updates the subject domain.
func (s *Store) SetDomain(value string) { s.Dispatch(SetDomain{Value: value}) }

// SetStage transitions the stage.
func (s *Store) SetStage(stage domain.Stage) { s.Dispatch(SetStage{Stage: stage}) }

// SetPayload stores a fetched payload.
func (s *Store) SetPayload(kind domain.PayloadKind, data []byte) {
	s.Dispatch(SetPayload{Kind: kind, Data: data})
}

// SetCompetitors replaces the competitor list.
func (s *Store) SetCompetitors(list []string) { s.Dispatch(SetCompetitors{List: list}) }

// SetError records an error message.
func (s *Store) SetError(message string) { s.Dispatch(SetError{Message: message}) }

// ClearError removes the error message.
func (s *Store) ClearError() { s.Dispatch(ClearError{}) }

// AppendMessage appends to the transcript.
func (s *Store) AppendMessage(m domain.Message) { s.Dispatch(AppendMessage{Message: m}) }

// ResetSession empties the active session, keeping history.
func (s *Store) ResetSession() { s.Dispatch(ResetSession{}) }

// SaveSessionToHistory snapshots the active session and returns the new entry id.
// It reports false when there was nothing to save.
func (s *Store) SaveSessionToHistory() (string, bool) {
	id := s.newID()
	if !s.Dispatch(SaveToHistory{ID: id}) {
		return "", false
	}
	return id, true
}

// RestoreSession loads a history entry into the active session.
// It reports false when id is not in history.
func (s *Store) RestoreSession(id string) bool { return s.Dispatch(RestoreSession{ID: id}) }

// DeleteHistoryEntry removes one history entry.
func (s *Store) DeleteHistoryEntry(id string) bool {
	return s.Dispatch(DeleteHistoryEntry{ID: id})
}

// ClearHistory empties history.
func (s *Store) ClearHistory() { s.Dispatch(ClearHistory{}) }

// IsStale reports whether err means a response arrived for a session that moved on.
func IsStale(err error) bool {
	return errors.Is(err, ErrStale)
}
