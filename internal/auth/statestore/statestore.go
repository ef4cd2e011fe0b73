// Package statestore keeps in-progress authorization-code logins between the
// redirect to the provider and the callback. Entries are single use.
package statestore

import (
	"context"
	"sync"
	"time"

	"github.com/pysugar/finlink/internal/auth/flow"
	"github.com/pysugar/finlink/internal/clock"
)

// DefaultTTL bounds how long a user may take to approve a login.
const DefaultTTL = 10 * time.Minute

// Entry is what a callback needs to finish a login.
type Entry struct {
	Provider string             `json:"provider"`
	Flow     flow.AuthCodeState `json:"flow"`
}

// Store saves entries keyed by OAuth state.
type Store interface {
	Save(ctx context.Context, key string, e Entry, ttl time.Duration) error
	// Consume returns the entry and removes it. A missing or expired key
	// reports false.
	Consume(ctx context.Context, key string) (Entry, bool, error)
}

type memEntry struct {
	entry   Entry
	expires time.Time
}

// Memory is a process-local Store.
type Memory struct {
	mu      sync.Mutex
	clock   clock.Clock
	entries map[string]memEntry
}

// NewMemory returns an empty in-memory store. A nil clock means the wall clock.
func NewMemory(c clock.Clock) *Memory {
	if c == nil {
		c = clock.Real()
	}
	return &Memory{clock: c, entries: make(map[string]memEntry)}
}

func (m *Memory) Save(_ context.Context, key string, e Entry, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	for k, v := range m.entries {
		if !now.Before(v.expires) {
			delete(m.entries, k)
		}
	}
	m.entries[key] = memEntry{entry: e, expires: now.Add(ttl)}
	return nil
}

func (m *Memory) Consume(_ context.Context, key string) (Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.entries[key]
	if !ok {
		return Entry{}, false, nil
	}
	delete(m.entries, key)
	if !m.clock.Now().Before(v.expires) {
		return Entry{}, false, nil
	}
	return v.entry, true, nil
}

// size reports the number of stored entries, expired ones included.
func (m *Memory) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
