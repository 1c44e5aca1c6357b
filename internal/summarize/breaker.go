package summarize

import (
	"sync"
	"time"
)

// BreakerConfig tunes the per-endpoint circuit breaker. A negative Trip
// disables it.
type BreakerConfig struct {
	Trip       int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	ResetAfter time.Duration
}

func (c BreakerConfig) effective() (BreakerConfig, bool) {
	if c.Trip < 0 {
		return c, false
	}
	if c.Trip == 0 {
		c.Trip = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 30 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 10 * time.Minute
	}
	if c.ResetAfter <= 0 {
		c.ResetAfter = 30 * time.Minute
	}
	return c, true
}

// breakerState counts consecutive failures for one endpoint. Once fails
// reaches Trip the circuit opens for an exponentially growing cooldown.
type breakerState struct {
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

type breakerStore struct {
	mu sync.Mutex
	m  map[string]*breakerState
}

// state must be called with mu held.
func (s *breakerStore) state(key string) *breakerState {
	if s.m == nil {
		s.m = make(map[string]*breakerState)
	}
	st := s.m[key]
	if st == nil {
		st = &breakerState{}
		s.m[key] = st
	}
	return st
}

func (st *breakerState) maybeReset(now time.Time, cfg BreakerConfig) {
	if !st.lastFailure.IsZero() && now.Sub(st.lastFailure) > cfg.ResetAfter {
		st.fails = 0
		st.openUntil = time.Time{}
	}
}

func (s *breakerStore) isOpen(now time.Time, key string, cfg BreakerConfig) (bool, time.Time) {
	cfg, ok := cfg.effective()
	if !ok {
		return false, time.Time{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(key)
	st.maybeReset(now, cfg)
	if !st.openUntil.IsZero() && now.Before(st.openUntil) {
		return true, st.openUntil
	}
	return false, time.Time{}
}

func (s *breakerStore) record(now time.Time, key string, cfg BreakerConfig, err error) {
	cfg, ok := cfg.effective()
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(key)
	st.maybeReset(now, cfg)

	if err == nil {
		*st = breakerState{}
		return
	}
	st.fails++
	st.lastFailure = now
	if st.fails < cfg.Trip {
		return
	}
	d := cfg.BaseDelay
	for i := 0; i < st.fails-cfg.Trip && d < cfg.MaxDelay; i++ {
		d *= 2
	}
	if d > cfg.MaxDelay {
		d = cfg.MaxDelay
	}
	st.openUntil = now.Add(d)
}
