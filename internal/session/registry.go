package session

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// Registry holds the mounted sessions of a process, keyed by project
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Add registers s. A session already mounted for the project is replaced
// and returned so the caller can close it.
func (r *Registry) Add(s *Session) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.sessions[s.ProjectID()]
	r.sessions[s.ProjectID()] = s
	return prev
}

// Session returns the session of projectID
func (r *Registry) Session(projectID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[projectID]
	return s, ok
}

// ProjectIDs lists the mounted projects in order
func (r *Registry) ProjectIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CloseAll closes and forgets every session
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
