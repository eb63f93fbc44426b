package session

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultEndedTTL is how long a finished session is remembered so late
// webhooks and sockets for the same call do not resurrect it.
const DefaultEndedTTL = 10 * time.Minute

// Registry maps call ids to sessions. Sessions are created on first mention
// by any event source.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	ended    map[string]*Session
	now      func() time.Time

	evictIdle     time.Duration
	evictInterval time.Duration
	endedTTL      time.Duration
	evictRunning  bool
	onEvict       func(*Session)
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: map[string]*Session{},
		ended:    map[string]*Session{},
		now:      time.Now,
		endedTTL: DefaultEndedTTL,
	}
}

// Upsert returns the session for id, creating it if needed. For a recently
// finished call it returns the completed session without re-registering it.
func (r *Registry) Upsert(id string) (s *Session, created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		return s, false
	}
	if s, ok := r.ended[id]; ok {
		return s, false
	}
	s = newSession(id, r.now())
	r.sessions[id] = s
	log.Debug().Str("component", "session").Str("call_sid", id).Msg("session created")
	return s, true
}

// Get returns a live session.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Lookup returns a live or recently finished session.
func (r *Registry) Lookup(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		return s, true
	}
	s, ok := r.ended[id]
	return s, ok
}

// Purge drops a session's live state, closing its media channel.
func (r *Registry) Purge(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
		r.ended[id] = s
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	s.mu.Lock()
	if s.endedAt.IsZero() {
		s.endedAt = r.now()
	}
	s.mu.Unlock()
	if ch := s.Media(); ch != nil {
		s.UnbindMedia(ch)
		_ = ch.Close()
	}
	log.Debug().Str("component", "session").Str("call_sid", id).Msg("session purged")
}

// List returns live sessions ordered by creation time.
func (r *Registry) List() []*Session {
	r.mu.Lock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
