package streaming

import (
	"sync"
	"time"
)

// registry is the concurrency-safe map of in-flight sessions keyed by
// subtask id. The mutex guards only insert/remove/lookup; session state has
// its own lock.
type registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func newRegistry() registry {
	return registry{sessions: make(map[string]*Session)}
}

func (r *registry) get(subtaskID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[subtaskID]
	return session, ok
}

func (r *registry) getOrCreate(taskID, subtaskID string, now time.Time) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if session, ok := r.sessions[subtaskID]; ok {
		return session, false
	}
	session := newSession(taskID, subtaskID, now)
	r.sessions[subtaskID] = session
	return session, true
}

func (r *registry) remove(subtaskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, subtaskID)
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// sweep removes sessions idle since before cutoff. onRemove runs outside the
// registry lock.
func (r *registry) sweep(cutoff time.Time, onRemove func(subtaskID string)) int {
	r.mu.Lock()
	var stale []string
	for subtaskID, session := range r.sessions {
		if session.idleSince().Before(cutoff) {
			stale = append(stale, subtaskID)
		}
	}
	for _, subtaskID := range stale {
		delete(r.sessions, subtaskID)
	}
	r.mu.Unlock()

	if onRemove != nil {
		for _, subtaskID := range stale {
			onRemove(subtaskID)
		}
	}
	return len(stale)
}
