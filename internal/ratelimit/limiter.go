// Package ratelimit provides a per-action sliding-window limiter for governed
// tool calls. The window slides continuously (timestamps within the trailing
// window are counted) so boundary bursts cannot exceed the nominal cap.
package ratelimit

import (
	"sync"
	"time"

	"tradegate/internal/apperr"
)

// Config configures the limiter. A cap of zero or below means unlimited.
type Config struct {
	Window           time.Duration
	DefaultPerWindow int
	PerAction        map[string]int
}

// Limiter counts calls per action name within a trailing window. A single
// shared counter per action serves all concurrent callers.
type Limiter struct {
	mu   sync.Mutex
	cfg  Config
	hits map[string][]time.Time
	now  func() time.Time
}

// New creates a limiter. The window defaults to 60 seconds.
func New(cfg Config) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	return &Limiter{
		cfg:  cfg,
		hits: make(map[string][]time.Time),
		now:  time.Now,
	}
}

// Check records one call for the action if the trailing-window count is below
// the cap, and returns rate_limited otherwise. Per-action caps fall back to
// the default cap when unconfigured.
func (l *Limiter) Check(action string) *apperr.Error {
	limit, ok := l.cfg.PerAction[action]
	if !ok {
		limit = l.cfg.DefaultPerWindow
	}
	if limit <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.cfg.Window)
	recent := l.hits[action][:0]
	for _, ts := range l.hits[action] {
		if ts.After(cutoff) {
			recent = append(recent, ts)
		}
	}
	if len(recent) >= limit {
		l.hits[action] = recent
		return apperr.New(apperr.CodeRateLimited, "Rate limit exceeded.").
			With("action", action).
			With("limit", limit).
			With("window_seconds", int(l.cfg.Window.Seconds()))
	}
	l.hits[action] = append(recent, now)
	return nil
}

// Counts returns the current in-window count per action, for introspection.
func (l *Limiter) Counts() map[string]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-l.cfg.Window)
	out := make(map[string]int, len(l.hits))
	for action, stamps := range l.hits {
		n := 0
		for _, ts := range stamps {
			if ts.After(cutoff) {
				n++
			}
		}
		out[action] = n
	}
	return out
}

// Reset clears all counters.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hits = make(map[string][]time.Time)
}

// SetClock replaces the time source, for tests.
func (l *Limiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}
