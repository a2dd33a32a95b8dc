package session

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/onecast/onecast/internal/media"
)

// Registry maps connection identity to its Session. Entries are owned by the
// registry; one identity maps to at most one live session.
type Registry struct {
	client media.Client

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry(client media.Client) *Registry {
	return &Registry{
		client:   client,
		sessions: make(map[string]*Session),
	}
}

// GetOrCreate returns the session for sid, creating it if absent. The
// check-and-insert is atomic, so two concurrent offers for the same identity
// can never race to create two sessions. The second caller gets the existing
// session and created=false; hitting an existing entry is an anomaly worth a
// warning, not a fault.
func (r *Registry) GetOrCreate(sid string) (sess *Session, created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[sid]; ok {
		log.Warn().Str("module", "session.registry").Str("sid", sid).Msg("session already exists")
		return s, false
	}
	s := newSession(sid, r.client)
	r.sessions[sid] = s
	log.Info().Str("module", "session.registry").Str("sid", sid).Msg("created session")
	return s, true
}

func (r *Registry) Get(sid string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sid]
	return s, ok
}

// FindByEndpoint resolves the session owning a backend endpoint. Used to
// route backend events back to their viewer.
func (r *Registry) FindByEndpoint(endpoint media.ObjectID) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		if s.Endpoint() == endpoint {
			return s, true
		}
	}
	return nil, false
}

// Remove closes the session for sid and deletes the entry. The delete
// happens under the registry lock, so a reconnect reusing the same identity
// always observes the old entry fully gone.
func (r *Registry) Remove(ctx context.Context, sid string) {
	r.mu.Lock()
	s, ok := r.sessions[sid]
	delete(r.sessions, sid)
	r.mu.Unlock()
	if !ok {
		return
	}
	s.Close(ctx)
	log.Info().Str("module", "session.registry").Str("sid", sid).Msg("removed session")
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
