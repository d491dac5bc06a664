package kvstore

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryKV is an in-process KV implementation used in tests and in
// single-instance deployments that have no shared store configured.
type MemoryKV struct {
	mu    sync.Mutex
	items map[string]memEntry
	now   func() time.Time
}

type memEntry struct {
	value    string
	expireAt time.Time // zero = no expiry
}

// NewMemoryKV creates an empty in-memory store.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{
		items: make(map[string]memEntry),
		now:   time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (m *MemoryKV) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// get returns the live entry for key, pruning it when expired.
// Caller must hold mu.
func (m *MemoryKV) get(key string) (memEntry, bool) {
	e, ok := m.items[key]
	if !ok {
		return memEntry{}, false
	}
	if !e.expireAt.IsZero() && !m.now().Before(e.expireAt) {
		delete(m.items, key)
		return memEntry{}, false
	}
	return e, true
}

func (m *MemoryKV) entry(value string, ttl time.Duration) memEntry {
	e := memEntry{value: value}
	if ttl > 0 {
		e.expireAt = m.now().Add(ttl)
	}
	return e
}

// Get implements KV.
func (m *MemoryKV) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.get(key)
	if !ok {
		return "", false, nil
	}
	return e.value, true, nil
}

// Set implements KV.
func (m *MemoryKV) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = m.entry(value, ttl)
	return nil
}

// SetNX implements KV.
func (m *MemoryKV) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.get(key); ok {
		return false, nil
	}
	m.items[key] = m.entry(value, ttl)
	return true, nil
}

// CompareAndSwap implements KV.
func (m *MemoryKV) CompareAndSwap(_ context.Context, key, old, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.get(key)
	if !ok || e.value != old {
		return false, nil
	}
	m.items[key] = m.entry(value, ttl)
	return true, nil
}

// Delete implements KV.
func (m *MemoryKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

// ScanPrefix implements KV.
func (m *MemoryKV) ScanPrefix(_ context.Context, prefix string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string)
	for key := range m.items {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if e, ok := m.get(key); ok {
			out[key] = e.value
		}
	}
	return out, nil
}
