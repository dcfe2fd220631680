package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("session not found")

// Registry is the single authority for session existence. Lookups on an
// unknown or released id fail with ErrNotFound; they never return a default
// record.
type Registry struct {
	mu           sync.RWMutex
	sessions     map[uuid.UUID]*Session
	released     map[uuid.UUID]struct{}
	releaseGrace time.Duration
}

func NewRegistry(releaseGrace time.Duration) *Registry {
	if releaseGrace < 0 {
		releaseGrace = 0
	}
	return &Registry{
		sessions:     make(map[uuid.UUID]*Session),
		released:     make(map[uuid.UUID]struct{}),
		releaseGrace: releaseGrace,
	}
}

// Create allocates a fresh session record and returns it. Ids are never
// reused.
func (r *Registry) Create() *Session {
	s := newSession()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
	return s
}

func (r *Registry) Get(id uuid.UUID) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, gone := r.released[id]; gone {
		return nil, ErrNotFound
	}
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Release removes the record. The caller must have torn down recognition and
// synthesis first. Releasing twice is a no-op; the map entry lingers for a
// short grace period to absorb disconnect/reconnect races, but Get fails
// immediately.
func (r *Registry) Release(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return
	}
	if _, already := r.released[id]; already {
		return
	}
	r.released[id] = struct{}{}
	if r.releaseGrace == 0 {
		delete(r.sessions, id)
		delete(r.released, id)
		return
	}
	time.AfterFunc(r.releaseGrace, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.sessions, id)
		delete(r.released, id)
	})
}

// Count reports live (non-released) sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions) - len(r.released)
}
