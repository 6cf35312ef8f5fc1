// Package session owns audience session lifecycle: admission, per
// session rate limiting, disconnect grace, and idle timeout. The
// registry is the sole mutator of its session table.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/livelab/crowdcue/internal/bus"
	"github.com/livelab/crowdcue/internal/consensus"
	"github.com/livelab/crowdcue/internal/metrics"
)

var (
	ErrUnknownSession = errors.New("unknown session")
	ErrRateLimited    = errors.New("session rate limit exceeded")
)

// Config holds the registry tunables.
type Config struct {
	RateLimitHz    float64       // sustained inputs per second, default 20
	RateLimitBurst int           // bucket burst, default 40
	IdleTimeout    time.Duration // close after no input, default 60s
	GracePeriod    time.Duration // keep state after disconnect, default 2s
	SweepInterval  time.Duration // lifecycle sweep cadence, default 1s
}

// DefaultConfig returns the standard lifecycle tuning.
func DefaultConfig() Config {
	return Config{
		RateLimitHz:    20,
		RateLimitBurst: 40,
		IdleTimeout:    60 * time.Second,
		GracePeriod:    2 * time.Second,
		SweepInterval:  time.Second,
	}
}

// Session is one admitted participant. The rate limiter travels with
// the session across reconnects inside the grace window.
type Session struct {
	ID             string
	ConnectedAt    time.Time
	LastInputAt    time.Time
	Location       *consensus.Location
	limiter        *rate.Limiter
	disconnectedAt time.Time // zero while connected
}

// Registry tracks active participants.
type Registry struct {
	mu       sync.RWMutex
	cfg      Config
	sessions map[string]*Session
	bus      *bus.Bus
	metrics  *metrics.Registry
	now      func() time.Time
}

// NewRegistry creates a registry publishing JOIN/LEAVE on the given
// bus. bus and metrics may be nil in tests.
func NewRegistry(cfg Config, b *bus.Bus, reg *metrics.Registry) *Registry {
	if cfg.RateLimitHz <= 0 {
		cfg.RateLimitHz = 20
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 40
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 2 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Second
	}
	return &Registry{
		cfg:      cfg,
		sessions: make(map[string]*Session),
		bus:      b,
		metrics:  reg,
		now:      time.Now,
	}
}

// Admit creates a session, or restores one reconnecting within the
// grace window (the token bucket survives transient drops). An empty
// id gets a fresh one. Returns the session id.
func (r *Registry) Admit(id string, loc *consensus.Location) string {
	now := r.now()

	r.mu.Lock()
	if id != "" {
		if s, ok := r.sessions[id]; ok {
			// Rejoin: clear the grace mark, keep bucket state.
			s.disconnectedAt = time.Time{}
			if loc != nil {
				s.Location = loc
			}
			count := r.activeLocked()
			r.mu.Unlock()
			r.updateGauge(count)
			log.Debug().Str("session", id).Msg("session rejoined within grace")
			return id
		}
	}
	if id == "" {
		id = uuid.New().String()
	}
	r.sessions[id] = &Session{
		ID:          id,
		ConnectedAt: now,
		LastInputAt: now,
		Location:    loc,
		limiter:     rate.NewLimiter(rate.Limit(r.cfg.RateLimitHz), r.cfg.RateLimitBurst),
	}
	count := r.activeLocked()
	r.mu.Unlock()

	r.updateGauge(count)
	if r.bus != nil {
		r.bus.Publish(bus.KindParticipantJoin, bus.ParticipantEvent{SessionID: id, Count: count})
	}
	log.Info().Str("session", id).Int("active", count).Msg("participant joined")
	return id
}

// SetLocation records the venue position reported by a hello message.
func (r *Registry) SetLocation(id string, loc consensus.Location) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return ErrUnknownSession
	}
	s.Location = &loc
	return nil
}

// Location returns the session's reported position, if any.
func (r *Registry) Location(id string) *consensus.Location {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.sessions[id]; ok {
		return s.Location
	}
	return nil
}

// Accept charges one token against the session's bucket and stamps the
// input time. Quota and unknown-session failures leave the session
// open; the caller maps them to REJECTED events.
func (r *Registry) Accept(id string) error {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return ErrUnknownSession
	}
	if !s.limiter.AllowN(now, 1) {
		return ErrRateLimited
	}
	s.LastInputAt = now
	return nil
}

// Disconnect marks a session as dropped. It survives in the table for
// the grace period so a quick reconnect restores its bucket.
func (r *Registry) Disconnect(id string) {
	r.mu.Lock()
	if s, ok := r.sessions[id]; ok && s.disconnectedAt.IsZero() {
		s.disconnectedAt = r.now()
	}
	count := r.activeLocked()
	r.mu.Unlock()
	r.updateGauge(count)
}

// Count returns the number of connected sessions (grace-period
// sessions excluded).
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeLocked()
}

func (r *Registry) activeLocked() int {
	n := 0
	for _, s := range r.sessions {
		if s.disconnectedAt.IsZero() {
			n++
		}
	}
	return n
}

// Run drives the lifecycle sweep until the context is cancelled.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Sweep removes sessions past their grace window and sessions idle
// beyond the timeout, emitting LEAVE for each.
func (r *Registry) Sweep() {
	now := r.now()

	r.mu.Lock()
	var left []string
	for id, s := range r.sessions {
		graceExpired := !s.disconnectedAt.IsZero() && now.Sub(s.disconnectedAt) >= r.cfg.GracePeriod
		idle := now.Sub(s.LastInputAt) >= r.cfg.IdleTimeout
		if graceExpired || idle {
			delete(r.sessions, id)
			left = append(left, id)
		}
	}
	count := r.activeLocked()
	r.mu.Unlock()

	if len(left) == 0 {
		return
	}
	r.updateGauge(count)
	for _, id := range left {
		if r.bus != nil {
			r.bus.Publish(bus.KindParticipantLeave, bus.ParticipantEvent{SessionID: id, Count: count})
		}
		log.Info().Str("session", id).Int("active", count).Msg("participant left")
	}
}

func (r *Registry) updateGauge(count int) {
	if r.metrics != nil {
		r.metrics.ActiveSessions.Set(float64(count))
	}
}
