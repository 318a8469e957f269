package network

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lockstep-project/lockstep/internal/protocol"
	"github.com/lockstep-project/lockstep/internal/session"
)

// Registry tracks live sessions by ID.
//
// Sessions are always closed outside the registry lock: closing a session
// runs its OnClose hook, which usually calls Unregister.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]session.Session
	logger   zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]session.Session),
		logger:   logger.With().Str("component", "registry").Logger(),
	}
}

// Register adds s. A session already registered under the same ID is closed.
func (r *Registry) Register(s session.Session) {
	r.mu.Lock()
	existing, ok := r.sessions[s.ID()]
	r.sessions[s.ID()] = s
	r.mu.Unlock()

	if ok && existing != s {
		existing.Close()
	}
	r.logger.Debug().Str("session", s.ID()).Str("transport", string(s.Transport())).Msg("session registered")
}

// Unregister removes s without closing it. A different session registered
// under the same ID since is left in place.
func (r *Registry) Unregister(s session.Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.sessions[s.ID()]; !ok || current != s {
		return false
	}
	delete(r.sessions, s.ID())
	r.logger.Debug().Str("session", s.ID()).Msg("session unregistered")
	return true
}

// Get returns the session with id.
func (r *Registry) Get(id string) (session.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) snapshot() []session.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]session.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// List describes every registered session, oldest first.
func (r *Registry) List() []session.Info {
	sessions := r.snapshot()
	infos := make([]session.Info, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, session.Describe(s))
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Stats.OpenedAt.Equal(infos[j].Stats.OpenedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].Stats.OpenedAt.Before(infos[j].Stats.OpenedAt)
	})
	return infos
}

// CloseAll closes every registered session and empties the registry.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := make([]session.Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		sessions = append(sessions, s)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	r.logger.Info().Int("sessions", len(sessions)).Msg("all sessions closed")
}

// CloseIdle closes sessions of the given transport (any when empty) whose
// last activity is older than timeout. It returns how many it closed.
func (r *Registry) CloseIdle(timeout time.Duration, transport session.Transport) int {
	if timeout <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-timeout)

	closed := 0
	for _, s := range r.snapshot() {
		if transport != "" && s.Transport() != transport {
			continue
		}
		last := s.Stats().LastActivity
		if last.After(cutoff) {
			continue
		}
		r.logger.Warn().
			Str("session", s.ID()).
			Time("last_activity", last).
			Msg("closing idle session")
		s.Close()
		r.Unregister(s)
		closed++
	}
	return closed
}

// Broadcast sends one frame to every connected session.
func (r *Registry) Broadcast(code protocol.RequestCode, payload []byte) int {
	sent := 0
	for _, s := range r.snapshot() {
		if !s.IsConnected() {
			continue
		}
		s.SendFrame(code, payload)
		sent++
	}
	return sent
}
