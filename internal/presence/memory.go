package presence

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Store used for single-node deployments and
// tests. Expired records are dropped lazily on lookup.
type Memory struct {
	mu      sync.RWMutex
	expires map[string]time.Time
	now     func() time.Time
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return NewMemoryWithClock(time.Now)
}

// NewMemoryWithClock lets tests control expiry.
func NewMemoryWithClock(now func() time.Time) *Memory {
	return &Memory{
		expires: make(map[string]time.Time),
		now:     now,
	}
}

func (m *Memory) MarkOnline(_ context.Context, userID string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expires[userID] = m.now().Add(ttl)
	return nil
}

func (m *Memory) MarkOffline(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.expires, userID)
	return nil
}

func (m *Memory) IsOnline(_ context.Context, userID string) (bool, error) {
	m.mu.RLock()
	exp, ok := m.expires[userID]
	m.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if m.now().Before(exp) {
		return true, nil
	}

	m.mu.Lock()
	if cur, still := m.expires[userID]; still && !m.now().Before(cur) {
		delete(m.expires, userID)
	}
	m.mu.Unlock()
	return false, nil
}
