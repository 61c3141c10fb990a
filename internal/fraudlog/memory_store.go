package fraudlog

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps events in insertion order. Used when DATABASE_URL is unset
// and in tests.
type MemoryStore struct {
	mu     sync.RWMutex
	events []*FraudEvent
	byID   map[string]*FraudEvent
}

// NewMemoryStore creates an empty in-memory fraud event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*FraudEvent)}
}

func (m *MemoryStore) Append(_ context.Context, e *FraudEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.events = append(m.events, &cp)
	m.byID[cp.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*FraudEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) Range(_ context.Context, r TimeRange) ([]*FraudEvent, error) {
	m.mu.RLock()
	var out []*FraudEvent
	for _, e := range m.events {
		if r.Contains(e.Timestamp) {
			cp := *e
			out = append(out, &cp)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

func (m *MemoryStore) Recent(ctx context.Context, limit int) ([]*FraudEvent, error) {
	return m.List(ctx, Filter{Limit: limit})
}

func (m *MemoryStore) List(_ context.Context, f Filter) ([]*FraudEvent, error) {
	m.mu.RLock()
	var out []*FraudEvent
	for _, e := range m.events {
		if f.matches(e) {
			cp := *e
			out = append(out, &cp)
		}
	}
	m.mu.RUnlock()

	sortNewestFirst(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func sortNewestFirst(events []*FraudEvent) {
	sort.Slice(events, func(i, j int) bool {
		if events[i].Timestamp.Equal(events[j].Timestamp) {
			return events[i].ID > events[j].ID
		}
		return events[i].Timestamp.After(events[j].Timestamp)
	})
}
