package governor

import (
	"context"
	"sync"
	"time"
)

// Counter stores windowed call counts. Keys carry their window, so a counter
// only has to honour the expiry it was given.
type Counter interface {
	// Get returns the current count for key, or 0 if none exists or it expired.
	Get(ctx context.Context, key string) (int, error)
	// Incr adds one to key, expiring it at expireAt, and returns the new count.
	Incr(ctx context.Context, key string, expireAt time.Time) (int, error)
}

type memEntry struct {
	n        int
	expireAt time.Time
}

// MemoryCounter is a process-local Counter.
type MemoryCounter struct {
	mu      sync.Mutex
	entries map[string]memEntry
	nowFunc func() time.Time
}

// NewMemoryCounter creates an empty in-process counter. A nil clock means time.Now.
func NewMemoryCounter(nowFunc func() time.Time) *MemoryCounter {
	if nowFunc == nil {
		nowFunc = time.Now
	}
	return &MemoryCounter{
		entries: make(map[string]memEntry),
		nowFunc: nowFunc,
	}
}

// Get implements Counter.
func (m *MemoryCounter) Get(_ context.Context, key string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok || !m.nowFunc().Before(e.expireAt) {
		return 0, nil
	}
	return e.n, nil
}

// Incr implements Counter.
func (m *MemoryCounter) Incr(_ context.Context, key string, expireAt time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFunc()
	e, ok := m.entries[key]
	if !ok || !now.Before(e.expireAt) {
		e = memEntry{}
		m.evictLocked(now)
	}
	e.n++
	e.expireAt = expireAt
	m.entries[key] = e
	return e.n, nil
}

// evictLocked drops expired windows. Called when a new window opens.
func (m *MemoryCounter) evictLocked(now time.Time) {
	for k, e := range m.entries {
		if !now.Before(e.expireAt) {
			delete(m.entries, k)
		}
	}
}
