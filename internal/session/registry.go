package session

import "sync"

// Registry is the process-wide mapping from session id to *Session
// (component C). All operations are point accesses; no enumeration is
// exposed beyond Len, which only feeds the active-session gauge.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	downlinkCap int
	uplinkCap   int
}

// NewRegistry constructs an empty registry. downlinkCap/uplinkCap bound
// every session's pending queues; zero means unbounded.
func NewRegistry(downlinkCap, uplinkCap int) *Registry {
	return &Registry{
		sessions:    make(map[string]*Session),
		downlinkCap: downlinkCap,
		uplinkCap:   uplinkCap,
	}
}

// Get looks up an existing session by id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// GetOrCreate returns the existing session for id, or creates and
// registers a new one in IDLE state.
func (r *Registry) GetOrCreate(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		return s, false
	}
	s := New(id, r.downlinkCap, r.uplinkCap, r.remove)
	r.sessions[id] = s
	return s, true
}

// Remove deletes id from the registry. Idempotent.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Len reports the number of live sessions, for the active-session gauge.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[s.ID]; ok && cur == s {
		delete(r.sessions, s.ID)
	}
}
