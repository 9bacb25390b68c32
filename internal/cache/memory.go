package cache

import (
	"context"
	"sync"
	"time"

	"matchsync/internal/clock"
	"matchsync/internal/match"
	"matchsync/internal/storage"
)

type completionEntry struct {
	c       storage.Completion
	expires time.Time
}

type MemoryCompletion struct {
	ttl   time.Duration
	clock clock.Clock

	mu      sync.Mutex
	entries map[match.EventID]completionEntry
}

func NewMemoryCompletion(ttl time.Duration, clk clock.Clock) *MemoryCompletion {
	if clk == nil {
		clk = clock.Real{}
	}
	return &MemoryCompletion{ttl: ttl, clock: clk, entries: map[match.EventID]completionEntry{}}
}

func (m *MemoryCompletion) Get(_ context.Context, id match.EventID) (storage.Completion, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return storage.Completion{}, false, nil
	}
	if m.ttl > 0 && !m.clock.Now().Before(e.expires) {
		delete(m.entries, id)
		return storage.Completion{}, false, nil
	}
	return e.c, true, nil
}

func (m *MemoryCompletion) Set(_ context.Context, c storage.Completion) error {
	m.mu.Lock()
	m.entries[c.EventID] = completionEntry{c: c, expires: m.clock.Now().Add(m.ttl)}
	m.mu.Unlock()
	return nil
}

func (m *MemoryCompletion) Invalidate(_ context.Context, id match.EventID) error {
	m.mu.Lock()
	delete(m.entries, id)
	m.mu.Unlock()
	return nil
}

type MemoryHistory struct {
	limit int

	mu   sync.Mutex
	hist map[match.EventID][]time.Time
}

func NewMemoryHistory(limit int) *MemoryHistory {
	if limit <= 0 {
		limit = DefaultHistoryLen
	}
	return &MemoryHistory{limit: limit, hist: map[match.EventID][]time.Time{}}
}

func (m *MemoryHistory) Record(_ context.Context, id match.EventID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := append([]time.Time{at}, m.hist[id]...)
	if len(h) > m.limit {
		h = h[:m.limit]
	}
	m.hist[id] = h
	return nil
}

func (m *MemoryHistory) List(_ context.Context, id match.EventID) ([]time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Time(nil), m.hist[id]...), nil
}

func (m *MemoryHistory) Reset(_ context.Context, id match.EventID) error {
	m.mu.Lock()
	delete(m.hist, id)
	m.mu.Unlock()
	return nil
}
