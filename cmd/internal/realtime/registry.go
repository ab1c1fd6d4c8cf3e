package realtime

import "sync"

// Registry is the single source of truth for "is this channel already
// open". At most one live handle exists per name at any time.
//
// Pure bookkeeping, no I/O. Entries are added on setup, removed when a
// channel reaches a terminal state, and cleared wholesale on teardown.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]*Channel
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{channels: make(map[string]*Channel)}
}

// Get returns the live handle for name, if any.
func (r *Registry) Get(name string) (*Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[name]
	return ch, ok
}

// Put registers a handle under name, replacing any previous entry.
func (r *Registry) Put(name string, ch *Channel) {
	if name == "" || ch == nil {
		return
	}
	r.mu.Lock()
	r.channels[name] = ch
	r.mu.Unlock()
}

// Remove drops the entry for name. Idempotent.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	delete(r.channels, name)
	r.mu.Unlock()
}

// removeMatch drops the entry for name only if it still points at ch.
// This keeps a stale handle's teardown from evicting its replacement.
func (r *Registry) removeMatch(name string, ch *Channel) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.channels[name]
	if !ok || cur != ch {
		return false
	}
	delete(r.channels, name)
	return true
}

// Clear empties the registry and returns the handles that were live so
// the caller can release their underlying connections.
func (r *Registry) Clear() []*Channel {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		out = append(out, ch)
	}
	r.channels = make(map[string]*Channel)
	return out
}

// Len reports the number of live handles.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}
