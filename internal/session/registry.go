package session

import (
	"context"
	"sync"
)

// Registry hands out one Store per user, restoring it from the persister on first use.
type Registry struct {
	mu        sync.Mutex
	stores    map[string]*Store
	persister Persister
	opts      Options
}

// NewRegistry creates a registry whose stores share p and opts.
func NewRegistry(p Persister, opts Options) *Registry {
	return &Registry{
		stores:    make(map[string]*Store),
		persister: p,
		opts:      opts,
	}
}

// Get returns the store for userID, creating and restoring it if needed.
// A store whose load failed is handed out but not kept, so the next call
// retries the load.
func (r *Registry) Get(ctx context.Context, userID string) *Store {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.stores[userID]; ok {
		return s
	}
	s := NewStore(ctx, userID, r.persister, r.opts)
	if !s.loadFailed {
		r.stores[userID] = s
	}
	return s
}

// Lookup returns the store for userID only if it is already loaded.
func (r *Registry) Lookup(userID string) (*Store, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stores[userID]
	return s, ok
}

// Evict drops the in-memory store for userID and closes its subscribers.
func (r *Registry) Evict(userID string) bool {
	r.mu.Lock()
	s, ok := r.stores[userID]
	delete(r.stores, userID)
	r.mu.Unlock()

	if ok {
		s.Close()
	}
	return ok
}

// Len returns the number of loaded stores.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.stores)
}
