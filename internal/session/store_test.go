package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/site-insights/internal/domain"
	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memPersister struct {
	mu      sync.Mutex
	data    map[string][]byte
	saves   int
	saveErr error
	loadErr error
	// failLoads makes that many upcoming loads fail.
	failLoads int
}

func newMemPersister() *memPersister {
	return &memPersister{data: make(map[string][]byte)}
}

func (m *memPersister) LoadState(ctx context.Context, userID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.failLoads > 0 {
		m.failLoads--
		return nil, errors.New("database is locked")
	}
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	return m.data[userID], nil
}

func (m *memPersister) SaveState(_ context.Context, userID string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.saveErr != nil {
		return m.saveErr
	}
	m.data[userID] = append([]byte(nil), data...)
	return nil
}

func (m *memPersister) saveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

// testClock hands out strictly increasing timestamps.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func newTestStore(t *testing.T, p Persister, maxSessions int) *Store {
	t.Helper()
	clock := &testClock{t: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	n := 0
	return NewStore(context.Background(), "user-1", p, Options{
		MaxSessions: maxSessions,
		Now:         clock.Now,
		NewID: func() string {
			n++
			return fmt.Sprintf("id-%d", n)
		},
	})
}

func TestResetSession_FromAnyStage(t *testing.T) {
	stages := []domain.Stage{
		domain.StageIdle, domain.StageLoading, domain.StageTrafficReady,
		domain.StageTechLoading, domain.StageTechReady, domain.StageChat, domain.StageError,
	}
	for _, stage := range stages {
		t.Run(string(stage), func(t *testing.T) {
			s := newTestStore(t, newMemPersister(), 0)
			s.Dispatch(
				SetDomain{Value: "example.com"},
				SetStage{Stage: stage},
				SetCompetitors{List: []string{"rival.com"}},
				SetPayload{Kind: domain.PayloadTraffic, Data: []byte(`{"a":1}`)},
				SetPayload{Kind: domain.PayloadTech, Data: []byte(`{"b":2}`)},
				SetError{Message: "boom"},
			)

			s.ResetSession()
			s.ResetSession()

			cur := s.Current()
			assert.Equal(t, "", cur.Domain)
			assert.Equal(t, domain.StageIdle, cur.Stage)
			assert.Empty(t, cur.Competitors)
			assert.NotNil(t, cur.Competitors)
			assert.False(t, cur.HasPayloads())
			assert.Equal(t, "", cur.Error)
			assert.Empty(t, cur.Transcript)
		})
	}
}

func TestResetSession_PreservesHistory(t *testing.T) {
	s := newTestStore(t, newMemPersister(), 0)
	s.SetDomain("example.com")
	_, ok := s.SaveSessionToHistory()
	require.True(t, ok)

	s.ResetSession()

	assert.Len(t, s.History(), 1)
}

func TestSaveSessionToHistory_RespectsCap(t *testing.T) {
	s := newTestStore(t, newMemPersister(), 3)

	for i := 0; i < 7; i++ {
		s.ResetSession()
		s.SetDomain(fmt.Sprintf("site-%d.com", i))
		_, ok := s.SaveSessionToHistory()
		require.True(t, ok)
		require.LessOrEqual(t, len(s.History()), 3)
	}

	history := s.History()
	require.Len(t, history, 3)
	assert.Equal(t, "site-6.com", history[0].Domain)
	assert.Equal(t, "site-5.com", history[1].Domain)
	assert.Equal(t, "site-4.com", history[2].Domain)
	assert.True(t, history[0].CreatedAt.After(history[1].CreatedAt))
	assert.True(t, history[1].CreatedAt.After(history[2].CreatedAt))
}

func TestSaveSessionToHistory_NoDomainIsNoop(t *testing.T) {
	p := newMemPersister()
	s := newTestStore(t, p, 0)

	id, ok := s.SaveSessionToHistory()

	assert.False(t, ok)
	assert.Empty(t, id)
	assert.Empty(t, s.History())
	assert.Equal(t, 0, p.saveCount())
}

func TestSaveSessionToHistory_EntryIsFrozen(t *testing.T) {
	s := newTestStore(t, newMemPersister(), 0)
	s.SetDomain("example.com")
	s.AppendMessage(domain.Message{Role: domain.RoleUser, Text: "hi"})
	_, ok := s.SaveSessionToHistory()
	require.True(t, ok)

	s.AppendMessage(domain.Message{Role: domain.RoleAssistant, Text: "hello"})

	assert.Len(t, s.History()[0].Transcript, 1)
	assert.Len(t, s.Current().Transcript, 2)
}

func TestRestoreSession(t *testing.T) {
	s := newTestStore(t, newMemPersister(), 0)
	s.Dispatch(
		SetDomain{Value: "example.com"},
		SetCompetitors{List: []string{"rival.com"}},
		SetPayload{Kind: domain.PayloadTraffic, Data: []byte(`{"visits":10}`)},
		AppendMessage{Message: domain.Message{Role: domain.RoleUser, Text: "q"}},
	)
	id, ok := s.SaveSessionToHistory()
	require.True(t, ok)
	s.ResetSession()

	require.True(t, s.RestoreSession(id))

	cur := s.Current()
	assert.Equal(t, domain.StageChat, cur.Stage)
	assert.Equal(t, "example.com", cur.Domain)
	assert.Equal(t, []string{"rival.com"}, cur.Competitors)
	assert.JSONEq(t, `{"visits":10}`, string(cur.TrafficPayload))
	assert.Len(t, cur.Transcript, 1)
}

func TestRestoreSession_UnknownIDIsNoop(t *testing.T) {
	p := newMemPersister()
	s := newTestStore(t, p, 0)
	s.SetDomain("example.com")
	before := p.saveCount()

	assert.False(t, s.RestoreSession("missing"))
	assert.Equal(t, "example.com", s.Current().Domain)
	assert.Equal(t, before, p.saveCount())
}

func TestDeleteHistoryEntryAndClear(t *testing.T) {
	s := newTestStore(t, newMemPersister(), 0)
	var ids []string
	for _, d := range []string{"a.com", "b.com", "c.com"} {
		s.SetDomain(d)
		id, ok := s.SaveSessionToHistory()
		require.True(t, ok)
		ids = append(ids, id)
	}

	require.True(t, s.DeleteHistoryEntry(ids[1]))
	assert.False(t, s.DeleteHistoryEntry(ids[1]))

	history := s.History()
	require.Len(t, history, 2)
	assert.Equal(t, "c.com", history[0].Domain)
	assert.Equal(t, "a.com", history[1].Domain)

	s.ClearHistory()
	assert.Empty(t, s.History())
	assert.Equal(t, domain.StageIdle, s.Current().Stage)
}

func TestAppendMessage_KeepsOrderAndFillsFields(t *testing.T) {
	s := newTestStore(t, newMemPersister(), 0)
	for i := 0; i < 4; i++ {
		role := domain.RoleUser
		if i%2 == 1 {
			role = domain.RoleAssistant
		}
		s.AppendMessage(domain.Message{Role: role, Text: fmt.Sprintf("m%d", i)})
	}

	transcript := s.Current().Transcript
	require.Len(t, transcript, 4)
	for i, m := range transcript {
		assert.Equal(t, fmt.Sprintf("m%d", i), m.Text)
		assert.NotEmpty(t, m.ID)
		assert.False(t, m.Timestamp.IsZero())
	}
}

func TestPersistence_RoundTrip(t *testing.T) {
	p := newMemPersister()
	s := newTestStore(t, p, 0)

	for _, d := range []string{"a.com", "b.com"} {
		s.ResetSession()
		s.SetDomain(d)
		s.AppendMessage(domain.Message{Role: domain.RoleUser, Text: "q"})
		s.AppendMessage(domain.Message{Role: domain.RoleAssistant, Text: "a", SuggestedFollowUps: []string{"more?"}})
		_, ok := s.SaveSessionToHistory()
		require.True(t, ok)
	}

	restored := NewStore(context.Background(), "user-1", p, Options{})
	history := restored.History()
	require.Len(t, history, 2)
	assert.Equal(t, "b.com", history[0].Domain)
	assert.Equal(t, "a.com", history[1].Domain)
	assert.Len(t, history[0].Transcript, 2)
	assert.Len(t, history[1].Transcript, 2)
	assert.Equal(t, []string{"more?"}, history[0].Transcript[1].SuggestedFollowUps)

	// Restored timestamps must support date arithmetic.
	assert.True(t, history[0].CreatedAt.After(history[1].CreatedAt))
	assert.Greater(t, history[0].CreatedAt.Sub(history[1].CreatedAt), time.Duration(0))
	assert.True(t, history[0].Transcript[0].Timestamp.Before(history[0].Transcript[1].Timestamp))
	assert.True(t, history[0].CreatedAt.Equal(s.History()[0].CreatedAt))
}

func TestPersistence_TransientFieldsNotRestored(t *testing.T) {
	p := newMemPersister()
	s := newTestStore(t, p, 0)
	s.Dispatch(
		SetDomain{Value: "example.com"},
		SetStage{Stage: domain.StageError},
		SetError{Message: "backend down"},
		SetProgress{Progress: 40, SubProgress: 20},
	)

	restored := NewStore(context.Background(), "user-1", p, Options{}).Current()

	assert.Equal(t, "example.com", restored.Domain)
	assert.Equal(t, domain.StageIdle, restored.Stage)
	assert.Empty(t, restored.Error)
	assert.Zero(t, restored.Progress)
	assert.Zero(t, restored.SubProgress)
}

func TestPersistence_TechLoadingResumesTrafficReady(t *testing.T) {
	p := newMemPersister()
	s := newTestStore(t, p, 0)
	_, _, err := s.Begin("tech", nil, SetDomain{Value: "example.com"}, SetStage{Stage: domain.StageTechLoading})
	require.NoError(t, err)

	restored := NewStore(context.Background(), "user-1", p, Options{}).Current()

	assert.Equal(t, domain.StageTrafficReady, restored.Stage)
	assert.Empty(t, restored.InFlight)
}

func TestRestore_MalformedFallsBackToEmpty(t *testing.T) {
	cases := map[string]string{
		"not json":      `{"version":1,`,
		"bad version":   `{"version":99}`,
		"bad stage":     `{"version":1,"current":{"stage":"exploded"}}`,
		"bad timestamp": `{"version":1,"current":{"stage":"idle"},"history":[{"id":"h","domain":"a.com","created_at":"yesterday","last_activity":"2026-01-01T00:00:00Z"}]}`,
		"bad role":      `{"version":1,"current":{"stage":"chat","transcript":[{"role":"robot","timestamp":"2026-01-01T00:00:00Z"}]}}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			p := newMemPersister()
			p.data["user-1"] = []byte(raw)

			s := NewStore(context.Background(), "user-1", p, Options{})

			assert.Equal(t, domain.StageIdle, s.Current().Stage)
			assert.Empty(t, s.Current().Domain)
			assert.Empty(t, s.History())
		})
	}
}

func TestRestore_LoadErrorFallsBackToEmpty(t *testing.T) {
	p := newMemPersister()
	p.loadErr = errors.New("disk on fire")

	s := NewStore(context.Background(), "user-1", p, Options{})

	assert.Equal(t, domain.StageIdle, s.Current().Stage)
}

func TestRestore_LoadErrorDoesNotOverwriteStorage(t *testing.T) {
	p := newMemPersister()
	seed := newTestStore(t, p, 0)
	seed.SetDomain("kept.com")
	_, ok := seed.SaveSessionToHistory()
	require.True(t, ok)
	saved := p.saveCount()

	p.failLoads = 1
	s := NewStore(context.Background(), "user-1", p, Options{})
	s.SetDomain("other.com")
	s.ClearHistory()

	assert.Equal(t, saved, p.saveCount())
	restored := NewStore(context.Background(), "user-1", p, Options{})
	require.Len(t, restored.History(), 1)
	assert.Equal(t, "kept.com", restored.History()[0].Domain)
}

func TestRestore_IgnoresCallerCancellation(t *testing.T) {
	p := newMemPersister()
	seed := newTestStore(t, p, 0)
	seed.SetDomain("kept.com")
	_, ok := seed.SaveSessionToHistory()
	require.True(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := NewStore(ctx, "user-1", p, Options{})

	require.Len(t, s.History(), 1)
	assert.Equal(t, "kept.com", s.Current().Domain)
}

func TestRestore_TruncatesToConfiguredCap(t *testing.T) {
	p := newMemPersister()
	s := newTestStore(t, p, 5)
	for i := 0; i < 5; i++ {
		s.SetDomain(fmt.Sprintf("s%d.com", i))
		_, ok := s.SaveSessionToHistory()
		require.True(t, ok)
	}

	restored := NewStore(context.Background(), "user-1", p, Options{MaxSessions: 2})

	history := restored.History()
	require.Len(t, history, 2)
	assert.Equal(t, "s4.com", history[0].Domain)
}

func TestPersistFailure_DoesNotBlockTransition(t *testing.T) {
	p := newMemPersister()
	p.saveErr = errors.New("quota exceeded")
	s := newTestStore(t, p, 0)

	s.SetDomain("example.com")
	s.SetStage(domain.StageLoading)

	assert.Equal(t, "example.com", s.Current().Domain)
	assert.Equal(t, domain.StageLoading, s.Current().Stage)
	assert.Equal(t, 2, p.saveCount())
}

func TestDispatch_PersistsOncePerTransition(t *testing.T) {
	p := newMemPersister()
	s := newTestStore(t, p, 0)

	s.Dispatch(SetDomain{Value: "a.com"}, SetStage{Stage: domain.StageLoading}, ClearError{})
	assert.Equal(t, 1, p.saveCount())

	assert.False(t, s.Dispatch(SetStage{Stage: domain.StageLoading}))
	assert.Equal(t, 1, p.saveCount())
}

func TestDispatch_TransientOnlyBatchIsNotPersisted(t *testing.T) {
	p := newMemPersister()
	s := newTestStore(t, p, 0)
	ch, cancel := s.Subscribe()
	defer cancel()

	ticket, _, err := s.Begin("tech", nil, SetDomain{Value: "a.com"})
	require.NoError(t, err)
	saved := p.saveCount()

	require.True(t, s.Touch(ticket, SetProgress{Progress: 40, SubProgress: 20}, SetCurrentCompetitor{Domain: "b.com"}))
	require.True(t, s.Touch(ticket, SetProgress{Progress: 50}))
	assert.Equal(t, saved, p.saveCount())

	select {
	case snap := <-ch:
		assert.Equal(t, 50, snap.Current.Progress)
	case <-time.After(time.Second):
		t.Fatal("expected a snapshot for a progress change")
	}

	require.NoError(t, s.Complete(ticket, SetStage{Stage: domain.StageTechReady}, SetProgress{}))
	assert.Equal(t, saved+1, p.saveCount())
}

func TestBegin_RejectsConcurrentLookup(t *testing.T) {
	s := newTestStore(t, newMemPersister(), 0)
	_, _, err := s.Begin("traffic", []domain.Stage{domain.StageIdle}, SetStage{Stage: domain.StageLoading})
	require.NoError(t, err)

	_, _, err = s.Begin("trends", nil)
	require.ErrorIs(t, err, ErrInFlight)
	assert.True(t, errdefs.IsConflict(err))
}

func TestBegin_RejectsWrongStage(t *testing.T) {
	s := newTestStore(t, newMemPersister(), 0)

	_, _, err := s.Begin("tech", []domain.Stage{domain.StageTrafficReady})

	require.ErrorIs(t, err, ErrWrongStage)
	assert.True(t, errdefs.IsFailedPrecondition(err))
	assert.Empty(t, s.Current().InFlight)
}

func TestComplete_DiscardsResponseAfterReset(t *testing.T) {
	s := newTestStore(t, newMemPersister(), 0)
	ticket, _, err := s.Begin("traffic", nil, SetDomain{Value: "example.com"}, SetStage{Stage: domain.StageLoading})
	require.NoError(t, err)

	s.ResetSession()
	err = s.Complete(ticket, SetStage{Stage: domain.StageTrafficReady}, SetCompetitors{List: []string{"late.com"}})

	require.True(t, IsStale(err))
	cur := s.Current()
	assert.Equal(t, domain.StageIdle, cur.Stage)
	assert.Empty(t, cur.Competitors)
	assert.False(t, s.Touch(ticket, SetProgress{Progress: 50}))
}

func TestComplete_ClearsInFlight(t *testing.T) {
	s := newTestStore(t, newMemPersister(), 0)
	ticket, snap, err := s.Begin("traffic", nil, SetDomain{Value: "example.com"})
	require.NoError(t, err)
	assert.Equal(t, "traffic", snap.InFlight)
	assert.Equal(t, "example.com", snap.Domain)

	require.NoError(t, s.Complete(ticket, SetStage{Stage: domain.StageTrafficReady}))

	assert.Empty(t, s.Current().InFlight)
	require.ErrorIs(t, s.Complete(ticket), ErrStale)
}

func TestSubscribe_ReceivesLatestSnapshot(t *testing.T) {
	s := newTestStore(t, newMemPersister(), 0)
	ch, cancel := s.Subscribe()
	defer cancel()

	s.SetDomain("a.com")
	s.SetDomain("b.com")

	select {
	case snap := <-ch:
		assert.Equal(t, "b.com", snap.Current.Domain)
	case <-time.After(time.Second):
		t.Fatal("expected a snapshot")
	}

	cancel()
	_, open := <-ch
	assert.False(t, open)
}

func TestImport_ReplacesState(t *testing.T) {
	src := newTestStore(t, newMemPersister(), 0)
	src.SetDomain("exported.com")
	_, ok := src.SaveSessionToHistory()
	require.True(t, ok)
	data, err := EncodeSnapshot(src.Snapshot())
	require.NoError(t, err)

	dst := newTestStore(t, newMemPersister(), 0)
	require.NoError(t, dst.Import(data))

	assert.Equal(t, "user-1", dst.UserID())
	require.Len(t, dst.History(), 1)
	assert.Equal(t, "exported.com", dst.History()[0].Domain)

	err = dst.Import([]byte(`garbage`))
	assert.True(t, errdefs.IsDataLoss(err))
}

func TestImport_KeepsStorageSetting(t *testing.T) {
	src := newTestStore(t, newMemPersister(), 0)
	src.SetDomain("exported.com")
	snap := src.Snapshot()
	snap.Settings.SaveToStorage = false
	data, err := EncodeSnapshot(snap)
	require.NoError(t, err)

	p := newMemPersister()
	dst := newTestStore(t, p, 0)
	require.NoError(t, dst.Import(data))
	saved := p.saveCount()
	require.Equal(t, 1, saved)

	dst.SetDomain("after-import.com")

	assert.True(t, dst.Snapshot().Settings.SaveToStorage)
	assert.Equal(t, saved+1, p.saveCount())
}
