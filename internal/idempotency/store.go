// Package idempotency deduplicates execution requests by caller-supplied key.
// The first caller for a key proceeds as fresh; concurrent callers for the
// same key wait for the fresh caller's outcome and receive it verbatim, so a
// venue adapter is never invoked twice for one key within the TTL.
package idempotency

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DefaultTTL is how long a completed entry shadows its key.
const DefaultTTL = 24 * time.Hour

// Outcome is the result of Begin. When Fresh is true the caller owns the key
// and must call Complete or Abort; otherwise Result holds the cached outcome.
type Outcome struct {
	Fresh  bool
	Result []byte
}

// Store is the dedup contract shared by the in-memory and Redis backends.
type Store interface {
	Begin(ctx context.Context, key string) (Outcome, error)
	Complete(ctx context.Context, key string, result []byte) error
	Abort(ctx context.Context, key string) error
	Close() error
}

type memoryEntry struct {
	done      chan struct{}
	result    []byte
	completed bool
	expiresAt time.Time
}

// Memory is the default in-process store. Entries reset on restart.
type Memory struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]*memoryEntry
	now     func() time.Time
}

// NewMemory creates an in-memory store. A non-positive ttl uses DefaultTTL.
func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{
		ttl:     ttl,
		entries: make(map[string]*memoryEntry),
		now:     time.Now,
	}
}

// Begin claims the key or returns the cached outcome. An empty key is always
// fresh: idempotency is opt-in. Racing callers on a new key serialize so that
// exactly one proceeds; the rest block until Complete or Abort.
func (m *Memory) Begin(ctx context.Context, key string) (Outcome, error) {
	if key == "" {
		return Outcome{Fresh: true}, nil
	}
	for {
		m.mu.Lock()
		e, ok := m.entries[key]
		if !ok {
			m.entries[key] = &memoryEntry{done: make(chan struct{})}
			m.mu.Unlock()
			return Outcome{Fresh: true}, nil
		}
		if e.completed {
			if m.now().Before(e.expiresAt) {
				result := e.result
				m.mu.Unlock()
				return Outcome{Result: result}, nil
			}
			// Expired: the key is eligible for reuse as if new.
			delete(m.entries, key)
			m.mu.Unlock()
			continue
		}
		done := e.done
		m.mu.Unlock()

		select {
		case <-done:
			// Loop: either a completed entry is now cached, or the fresh
			// caller aborted and the key is claimable again.
		case <-ctx.Done():
			return Outcome{}, fmt.Errorf("waiting on idempotency key: %w", ctx.Err())
		}
	}
}

// Complete records the outcome for a claimed key and wakes any waiters.
func (m *Memory) Complete(_ context.Context, key string, result []byte) error {
	if key == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || e.completed {
		return nil
	}
	e.result = result
	e.completed = true
	e.expiresAt = m.now().Add(m.ttl)
	close(e.done)
	return nil
}

// Abort releases a claimed key without recording an outcome, letting waiters
// retry as fresh.
func (m *Memory) Abort(_ context.Context, key string) error {
	if key == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || e.completed {
		return nil
	}
	delete(m.entries, key)
	close(e.done)
	return nil
}

// Close implements Store.
func (m *Memory) Close() error { return nil }

// SetClock replaces the time source, for tests.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}
