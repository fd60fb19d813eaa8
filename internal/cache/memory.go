package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

const defaultCleanupInterval = 10 * time.Minute

type memoryEntry struct {
	value  []byte
	expiry time.Time // zero means no expiry
}

// Memory is an in-process TTL cache.
type Memory struct {
	mu              sync.Mutex
	entries         map[string]memoryEntry
	lastCleanup     atomic.Int64
	cleanupInterval time.Duration
	now             func() time.Time
}

// NewMemory creates an empty in-memory cache.
func NewMemory() *Memory {
	m := &Memory{
		entries:         map[string]memoryEntry{},
		cleanupInterval: defaultCleanupInterval,
		now:             time.Now,
	}
	m.lastCleanup.Store(m.now().Unix())
	return m
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	now := m.now()
	m.maybeCleanupExpired(now)

	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !e.expiry.IsZero() && !e.expiry.After(now) {
		delete(m.entries, key)
		return nil, false, nil
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, true, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	now := m.now()
	m.maybeCleanupExpired(now)

	e := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiry = now.Add(ttl)
	}
	m.mu.Lock()
	m.entries[key] = e
	m.mu.Unlock()
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Close() error { return nil }

// Len reports the number of stored entries, expired ones included until swept.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// maybeCleanupExpired sweeps expired entries on a fixed cadence to avoid unbounded growth.
func (m *Memory) maybeCleanupExpired(now time.Time) {
	last := time.Unix(m.lastCleanup.Load(), 0)
	if now.Sub(last) < m.cleanupInterval {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for k, e := range m.entries {
		if !e.expiry.IsZero() && !e.expiry.After(now) {
			delete(m.entries, k)
		}
	}
	m.lastCleanup.Store(now.Unix())
}
