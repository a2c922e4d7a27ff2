package session

import (
	"fmt"
	"sync"
)

// Registry is the single source of truth for live sessions. Transport
// adapters depend on this capability, not on a concrete map.
type Registry interface {
	// Create registers a session. At most one session per identity may
	// exist at any time.
	Create(s *Session) error
	// Get looks up a session by identity.
	Get(id string) (*Session, bool)
	// Remove drops a session. Idempotent.
	Remove(id string)
	// Touch updates a session's last-activity timestamp, if it exists.
	Touch(id string)
	// ListAll snapshots the live sessions.
	ListAll() []*Session
	// Len reports the live session count.
	Len() int
}

type memRegistry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry returns the in-memory registry used by a single process.
func NewRegistry() Registry {
	return &memRegistry{sessions: make(map[string]*Session)}
}

func (r *memRegistry) Create(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.ID]; ok {
		return fmt.Errorf("session %s already registered", s.ID)
	}
	r.sessions[s.ID] = s
	return nil
}

func (r *memRegistry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *memRegistry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

func (r *memRegistry) Touch(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	r.mu.Unlock()
	if ok {
		s.Touch()
	}
}

func (r *memRegistry) ListAll() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

func (r *memRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
