// Package pathlock implements the per-path advisory lock registry described
// in the cache core's concurrency model: a lock is created on first use for a
// given key and reused by subsequent callers for that same key, with no lock
// held for keys nobody is using.
package pathlock

import "sync"

// entry is a single per-key lock together with a reference count tracking how
// many callers currently hold or are waiting for a handle referencing it.
type entry struct {
	mu       sync.Mutex
	refcount int
}

// Registry maps string keys (e.g. absolute filesystem paths) to mutexes
// created on demand. Distinct keys proceed fully in parallel; the same key
// serializes across callers. A Registry is safe for concurrent use.
type Registry struct {
	guard sync.Mutex
	locks map[string]*entry
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{locks: make(map[string]*entry)}
}

// Handle represents a held lock for a single key. Release must be called
// exactly once to release it.
type Handle struct {
	registry *Registry
	key      string
	entry    *entry
}

// Acquire blocks until the lock for key is held and returns a Handle that
// releases it. Per the registry's deadlock-avoidance contract, callers must
// never acquire a second path lock (for a different key) while holding a
// Handle returned by this method, and must never call back into a global
// cache guard mutex while holding one beyond what's needed for bookkeeping
// immediately around the handle's own acquisition.
func (r *Registry) Acquire(key string) *Handle {
	for {
		r.guard.Lock()
		e, ok := r.locks[key]
		if !ok {
			e = &entry{}
			r.locks[key] = e
		}
		e.refcount++
		r.guard.Unlock()

		e.mu.Lock()

		// Re-check identity: the entry we locked might have been removed from
		// the map (and replaced by a fresh one) between our lookup and our
		// lock acquisition, if the previous holder's Release ran the cleanup
		// path concurrently. If so, release this stale entry's lock, undo our
		// reservation on it, and retry against the current map state.
		r.guard.Lock()
		current, ok := r.locks[key]
		if ok && current == e {
			r.guard.Unlock()
			return &Handle{registry: r, key: key, entry: e}
		}
		r.guard.Unlock()
		e.mu.Unlock()

		r.guard.Lock()
		e.refcount--
		r.guard.Unlock()
	}
}

// Release releases the lock held by the handle. If no other caller is
// waiting on the same key, the registry's entry for that key is removed so
// that memory does not grow unboundedly with the set of distinct paths ever
// locked.
func (h *Handle) Release() {
	r := h.registry
	r.guard.Lock()
	h.entry.refcount--
	if h.entry.refcount == 0 {
		if current, ok := r.locks[h.key]; ok && current == h.entry {
			delete(r.locks, h.key)
		}
	}
	r.guard.Unlock()
	h.entry.mu.Unlock()
}
