// Package registry tracks the relay's live sessions so that operational
// surfaces can enumerate them and stale entries are reclaimed.
package registry

import (
	"sync"
	"time"
)

// Entry is one live client session.
type Entry struct {
	SessionID string
	UserID    string
	StartedAt time.Time
	LastSeen  time.Time
}

// Registry is a concurrency-safe map of active sessions keyed by session id.
// The close path removes entries eagerly; the TTL sweep is a backstop for
// sessions whose teardown never ran.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*Entry
	ttl     time.Duration

	now func() time.Time // test hook
}

func New(ttl time.Duration) *Registry {
	return &Registry{
		entries: make(map[string]*Entry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Insert records a session. It reports false when the id is already bound to
// a live connection; one session id is never held by two connections at
// once.
func (r *Registry) Insert(sessionID, userID string) bool {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[sessionID]; exists {
		return false
	}
	r.entries[sessionID] = &Entry{
		SessionID: sessionID,
		UserID:    userID,
		StartedAt: now,
		LastSeen:  now,
	}
	return true
}

// Touch refreshes a session's liveness timestamp. Unknown ids are ignored.
func (r *Registry) Touch(sessionID string) {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[sessionID]; ok {
		e.LastSeen = now
	}
}

// Remove deletes a session. Removing an unknown id is a no-op.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, sessionID)
}

// Lookup returns a copy of the entry for sessionID.
func (r *Registry) Lookup(sessionID string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[sessionID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Sweep removes entries not seen within the TTL and returns how many were
// reclaimed.
func (r *Registry) Sweep() int {
	cutoff := r.now().Add(-r.ttl)
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, e := range r.entries {
		if e.LastSeen.Before(cutoff) {
			delete(r.entries, id)
			removed++
		}
	}
	return removed
}

// RunJanitor sweeps on the given interval until stop is closed.
func (r *Registry) RunJanitor(interval time.Duration, stop <-chan struct{}, onSweep func(removed int)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			removed := r.Sweep()
			if removed > 0 && onSweep != nil {
				onSweep(removed)
			}
		}
	}
}
