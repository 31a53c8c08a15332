package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/site-insights/internal/domain"
	"github.com/ashureev/site-insights/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "nested", "insights.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestUserUpsertAndLastSeen(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	got, err := s.GetUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Nil(t, got)

	created := time.Unix(1_700_000_000, 0)
	require.NoError(t, s.UpsertUser(ctx, &domain.User{
		UserID: "user-1", LastSeenAt: created, CreatedAt: created, UpdatedAt: created,
	}))

	later := created.Add(time.Hour)
	require.NoError(t, s.UpsertUser(ctx, &domain.User{
		UserID: "user-1", LastSeenAt: later, CreatedAt: later, UpdatedAt: later,
	}))
	got, err = s.GetUser(ctx, "user-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.CreatedAt.Equal(created))
	assert.True(t, got.LastSeenAt.Equal(later))

	seen := later.Add(time.Hour)
	require.NoError(t, s.UpdateLastSeen(ctx, "user-1", seen))
	require.NoError(t, s.UpdateLastSeen(ctx, "missing", seen))
	got, err = s.GetUser(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, got.LastSeenAt.Equal(seen))
}

func TestStateSaveLoadDelete(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	data, err := s.LoadState(ctx, "user-1")
	require.NoError(t, err)
	assert.Nil(t, data)

	require.NoError(t, s.SaveState(ctx, "user-1", []byte(`{"version":1}`)))
	require.NoError(t, s.SaveState(ctx, "user-1", []byte(`{"version":1,"user_id":"user-1"}`)))

	data, err = s.LoadState(ctx, "user-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"version":1,"user_id":"user-1"}`, string(data))

	require.NoError(t, s.DeleteState(ctx, "user-1"))
	data, err = s.LoadState(ctx, "user-1")
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestGetIdleUsersOnlyReturnsUsersWithState(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	recent := time.Now()
	for id, seen := range map[string]time.Time{"old-with-state": old, "old-no-state": old, "recent": recent} {
		require.NoError(t, s.UpsertUser(ctx, &domain.User{UserID: id, LastSeenAt: seen, CreatedAt: seen, UpdatedAt: seen}))
	}
	require.NoError(t, s.SaveState(ctx, "old-with-state", []byte(`{}`)))
	require.NoError(t, s.SaveState(ctx, "recent", []byte(`{}`)))

	users, err := s.GetIdleUsers(ctx, 24*time.Hour)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "old-with-state", users[0].UserID)
}

func TestSessionStoreRoundTripThroughSQLite(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	st := session.NewStore(ctx, "user-1", s, session.Options{})
	for _, d := range []string{"a.com", "b.com"} {
		st.ResetSession()
		st.SetDomain(d)
		st.AppendMessage(domain.Message{Role: domain.RoleUser, Text: "q"})
		st.AppendMessage(domain.Message{Role: domain.RoleAssistant, Text: "a"})
		_, ok := st.SaveSessionToHistory()
		require.True(t, ok)
	}

	restored := session.NewStore(ctx, "user-1", s, session.Options{})
	history := restored.History()
	require.Len(t, history, 2)
	assert.Equal(t, "b.com", history[0].Domain)
	assert.Equal(t, "a.com", history[1].Domain)
	assert.Len(t, history[0].Transcript, 2)
	assert.False(t, history[0].CreatedAt.Before(history[1].CreatedAt))
	assert.False(t, history[0].Transcript[0].Timestamp.IsZero())
}
