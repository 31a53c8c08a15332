package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_GetReturnsSameStore(t *testing.T) {
	r := NewRegistry(newMemPersister(), Options{})
	ctx := context.Background()

	a := r.Get(ctx, "user-a")
	assert.Same(t, a, r.Get(ctx, "user-a"))
	assert.NotSame(t, a, r.Get(ctx, "user-b"))
	assert.Equal(t, 2, r.Len())
}

func TestRegistry_EvictReloadsFromPersister(t *testing.T) {
	p := newMemPersister()
	r := NewRegistry(p, Options{})
	ctx := context.Background()

	first := r.Get(ctx, "user-a")
	first.SetDomain("kept.com")
	ch, cancel := first.Subscribe()
	defer cancel()

	require.True(t, r.Evict("user-a"))
	_, open := <-ch
	assert.False(t, open)
	_, ok := r.Lookup("user-a")
	assert.False(t, ok)

	second := r.Get(ctx, "user-a")
	assert.NotSame(t, first, second)
	assert.Equal(t, "kept.com", second.Current().Domain)
	assert.False(t, r.Evict("nobody"))
}

func TestRegistry_FailedLoadIsNotCached(t *testing.T) {
	p := newMemPersister()
	ctx := context.Background()
	seed := NewStore(ctx, "user-a", p, Options{})
	seed.SetDomain("kept.com")
	_, ok := seed.SaveSessionToHistory()
	require.True(t, ok)
	saved := p.saveCount()

	p.failLoads = 1
	r := NewRegistry(p, Options{})

	broken := r.Get(ctx, "user-a")
	assert.Empty(t, broken.History())
	_, cached := r.Lookup("user-a")
	assert.False(t, cached)

	broken.SetDomain("other.com")
	assert.Equal(t, saved, p.saveCount())

	reloaded := r.Get(ctx, "user-a")
	require.Len(t, reloaded.History(), 1)
	assert.Equal(t, "kept.com", reloaded.History()[0].Domain)
	assert.Equal(t, "kept.com", reloaded.Current().Domain)
	assert.Same(t, reloaded, r.Get(ctx, "user-a"))
}

func TestRegistry_GetWithCancelledContextKeepsHistory(t *testing.T) {
	p := newMemPersister()
	seed := NewStore(context.Background(), "user-a", p, Options{})
	seed.SetDomain("kept.com")
	_, ok := seed.SaveSessionToHistory()
	require.True(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := NewRegistry(p, Options{})
	s := r.Get(ctx, "user-a")
	s.SetDomain("other.com")

	reloaded := NewStore(context.Background(), "user-a", p, Options{})
	require.Len(t, reloaded.History(), 1)
	assert.Equal(t, "other.com", reloaded.Current().Domain)
}
