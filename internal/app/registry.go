package app

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/CamSignal/internal/domain"
)

// Entry is what the registry stores per target.
type Entry interface {
	ID() domain.SessionID
	Target() domain.TargetID
	// Active reports whether the entry still blocks a new session for its target.
	Active() bool
}

// Registry maps targets to their current session.
type Registry[E Entry] struct {
	mu       sync.RWMutex
	sessions map[domain.TargetID]E
}

func NewRegistry[E Entry]() *Registry[E] {
	return &Registry[E]{
		sessions: make(map[domain.TargetID]E),
	}
}

// Claim binds e to its target unless an active entry is already there.
// On conflict the active entry is returned with ok=false.
func (r *Registry[E]) Claim(e E) (E, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[e.Target()]; ok && cur.Active() {
		return cur, false
	}
	r.sessions[e.Target()] = e
	log.Info().Str("module", "app.registry").Str("target", string(e.Target())).Str("session", string(e.ID())).Msg("bound session")
	return e, true
}

func (r *Registry[E]) Get(target domain.TargetID) (E, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[target]
	return e, ok
}

// Unbind removes the entry of target only if it is still session id.
func (r *Registry[E]) Unbind(target domain.TargetID, id domain.SessionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.sessions[target]
	if !ok || cur.ID() != id {
		return false
	}
	delete(r.sessions, target)
	log.Info().Str("module", "app.registry").Str("target", string(target)).Str("session", string(id)).Msg("unbind session")
	return true
}

func (r *Registry[E]) List() []E {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]E, 0, len(r.sessions))
	for _, e := range r.sessions {
		out = append(out, e)
	}
	return out
}

func (r *Registry[E]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
