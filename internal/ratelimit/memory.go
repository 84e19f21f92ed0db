package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Memory is a process-local sliding-window limiter. Each key owns its own
// lock, so a burst on one key never serialises evaluation of another. Keys
// idle for a whole window are swept at most once per window.
type Memory struct {
	limit  int
	window time.Duration
	opts   options

	mu        sync.RWMutex
	keys      map[string]*slidingWindow
	nextSweep atomic.Int64
}

type slidingWindow struct {
	mu     sync.Mutex
	stamps []time.Time
	// dead is set once the window has been swept from the map.
	dead bool
}

var _ Limiter = (*Memory)(nil)

// NewMemory creates a limiter admitting limit requests per window per key.
func NewMemory(limit int, window time.Duration, opts ...Option) *Memory {
	limit, window = sanitize(limit, window)
	return &Memory{
		limit:  limit,
		window: window,
		opts:   buildOptions(opts),
		keys:   make(map[string]*slidingWindow),
	}
}

// Allow records and admits the request if the key is under its limit.
func (m *Memory) Allow(_ context.Context, key string) (bool, error) {
	now := m.opts.clock()
	m.maybeSweep(now)

	key = m.opts.prefix + key
	for {
		w := m.windowFor(key)
		if allowed, live := w.admit(now, m.limit, m.window); live {
			return allowed, nil
		}
	}
}

// Keys reports how many keys currently hold a window.
func (m *Memory) Keys() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.keys)
}

func (m *Memory) maybeSweep(now time.Time) {
	next := m.nextSweep.Load()
	if now.UnixNano() < next {
		return
	}
	if !m.nextSweep.CompareAndSwap(next, now.Add(m.window).UnixNano()) {
		return
	}
	m.sweep(now)
}

// sweep drops every window whose newest timestamp has left the window.
func (m *Memory) sweep(now time.Time) {
	cutoff := now.Add(-m.window)

	m.mu.Lock()
	defer m.mu.Unlock()
	for key, w := range m.keys {
		w.mu.Lock()
		if n := len(w.stamps); n == 0 || !w.stamps[n-1].After(cutoff) {
			w.dead = true
			delete(m.keys, key)
		}
		w.mu.Unlock()
	}
}

// Len reports how many timestamps are currently held for key.
func (m *Memory) Len(key string) int {
	m.mu.RLock()
	w, ok := m.keys[m.opts.prefix+key]
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.stamps)
}

func (m *Memory) windowFor(key string) *slidingWindow {
	m.mu.RLock()
	w, ok := m.keys[key]
	m.mu.RUnlock()
	if ok {
		return w
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok = m.keys[key]; !ok {
		w = &slidingWindow{}
		m.keys[key] = w
	}
	return w
}

// admit reports whether the request is allowed. live is false when the
// window was swept concurrently and the caller must look the key up again.
func (w *slidingWindow) admit(now time.Time, limit int, size time.Duration) (allowed, live bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.dead {
		return false, false
	}

	cutoff := now.Add(-size)
	stale := 0
	for stale < len(w.stamps) && !w.stamps[stale].After(cutoff) {
		stale++
	}
	if stale > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[stale:]...)
	}

	if len(w.stamps) >= limit {
		return false, true
	}
	w.stamps = append(w.stamps, now)
	return true, true
}
