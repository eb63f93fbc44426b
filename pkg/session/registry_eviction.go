package session

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// SetEvictionConfig configures idle eviction. onEvict finalizes a stale
// session; when nil the session is purged directly.
func (r *Registry) SetEvictionConfig(idle, interval time.Duration, onEvict func(*Session)) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.evictIdle = idle
	r.evictInterval = interval
	r.onEvict = onEvict
	r.mu.Unlock()
}

func (r *Registry) StartEvictionLoop(ctx context.Context) {
	if r == nil {
		return
	}
	if ctx == nil {
		panic("session: StartEvictionLoop requires non-nil ctx")
	}
	r.mu.Lock()
	if r.evictRunning {
		r.mu.Unlock()
		return
	}
	idle := r.evictIdle
	interval := r.evictInterval
	if idle <= 0 || interval <= 0 {
		r.mu.Unlock()
		return
	}
	r.evictRunning = true
	r.mu.Unlock()

	go r.runEvictionLoop(ctx, interval)
}

func (r *Registry) runEvictionLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.mu.Lock()
			r.evictRunning = false
			r.mu.Unlock()
			return
		case now := <-ticker.C:
			r.evictIdleOnce(now)
		}
	}
}

func (r *Registry) evictIdleOnce(now time.Time) int {
	if r == nil {
		return 0
	}
	if now.IsZero() {
		now = time.Now()
	}

	r.mu.Lock()
	idle := r.evictIdle
	onEvict := r.onEvict
	for id, s := range r.ended {
		if s.endedAtOr(now).Add(r.endedTTL).Before(now) {
			delete(r.ended, id)
		}
	}
	if idle <= 0 {
		r.mu.Unlock()
		return 0
	}
	candidates := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		candidates = append(candidates, s)
	}
	r.mu.Unlock()

	evicted := 0
	for _, s := range candidates {
		if !shouldEvict(s, now, idle) {
			continue
		}
		log.Info().Str("component", "session").Str("call_sid", s.ID).Dur("idle", now.Sub(s.LastActivity())).Msg("evicting idle session")
		if onEvict != nil {
			onEvict(s)
		} else {
			r.Purge(s.ID)
		}
		evicted++
	}
	return evicted
}

func shouldEvict(s *Session, now time.Time, idle time.Duration) bool {
	if s == nil || s.Media() != nil {
		return false
	}
	return now.Sub(s.LastActivity()) >= idle
}

func (s *Session) endedAtOr(fallback time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.endedAt.IsZero() {
		return fallback
	}
	return s.endedAt
}
