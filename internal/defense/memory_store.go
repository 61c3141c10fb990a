package defense

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

type memRule struct {
	rule    *Rule // guarded by MemoryStore.mu
	hits    atomic.Int64
	lastHit atomic.Int64 // unix nanos, 0 when never triggered
}

func (m *memRule) snapshot() *Rule {
	r := m.rule.Clone()
	r.HitCount = m.hits.Load()
	if n := m.lastHit.Load(); n != 0 {
		t := time.Unix(0, n).UTC()
		r.LastTriggered = &t
	}
	return r
}

// MemoryStore is an in-memory Store. Hit counters are updated with atomics
// under the read lock so matches on the same rule never serialize.
type MemoryStore struct {
	mu     sync.RWMutex
	rules  map[string]*memRule
	active map[string]string // typeValueKey -> rule ID
}

// NewMemoryStore creates an empty in-memory rule store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rules:  make(map[string]*memRule),
		active: make(map[string]string),
	}
}

func typeValueKey(t RuleType, value string) string {
	return string(t) + "\x00" + value
}

func (m *MemoryStore) Create(_ context.Context, r *Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := typeValueKey(r.Type, r.Value)
	if r.IsActive {
		if _, exists := m.active[key]; exists {
			return ErrDuplicateActive
		}
	}
	mr := &memRule{rule: r.Clone()}
	mr.hits.Store(r.HitCount)
	if r.LastTriggered != nil {
		mr.lastHit.Store(r.LastTriggered.UnixNano())
	}
	m.rules[r.ID] = mr
	if r.IsActive {
		m.active[key] = r.ID
	}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mr, ok := m.rules[id]
	if !ok {
		return nil, ErrRuleNotFound
	}
	return mr.snapshot(), nil
}

func (m *MemoryStore) FindActive(_ context.Context, t RuleType, value string) (*Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.active[typeValueKey(t, value)]
	if !ok {
		return nil, ErrRuleNotFound
	}
	return m.rules[id].snapshot(), nil
}

func (m *MemoryStore) ListActive(ctx context.Context) ([]*Rule, error) {
	return m.List(ctx, ListFilter{ActiveOnly: true})
}

func (m *MemoryStore) List(_ context.Context, f ListFilter) ([]*Rule, error) {
	m.mu.RLock()
	var out []*Rule
	for _, mr := range m.rules {
		if f.matches(mr.rule) {
			out = append(out, mr.snapshot())
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) Update(_ context.Context, r *Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mr, ok := m.rules[r.ID]
	if !ok {
		return ErrRuleNotFound
	}
	key := typeValueKey(mr.rule.Type, mr.rule.Value)
	if r.IsActive && !mr.rule.IsActive {
		if _, exists := m.active[key]; exists {
			return ErrDuplicateActive
		}
	}

	cur := mr.rule
	cur.Reason = r.Reason
	cur.Confidence = r.Confidence
	cur.IsActive = r.IsActive
	cur.Source = r.Source
	cur.UpdatedAt = r.UpdatedAt
	cur.DecayedAt = nil
	if r.DecayedAt != nil {
		t := *r.DecayedAt
		cur.DecayedAt = &t
	}
	cur.EvidenceThrough = nil
	if r.EvidenceThrough != nil {
		t := *r.EvidenceThrough
		cur.EvidenceThrough = &t
	}

	if cur.IsActive {
		m.active[key] = cur.ID
	} else if m.active[key] == cur.ID {
		delete(m.active, key)
	}
	return nil
}

func (m *MemoryStore) RecordHit(_ context.Context, id string, at time.Time) error {
	m.mu.RLock()
	mr, ok := m.rules[id]
	m.mu.RUnlock()
	if !ok {
		return ErrRuleNotFound
	}
	mr.hits.Add(1)
	n := at.UnixNano()
	for {
		prev := mr.lastHit.Load()
		if prev >= n || mr.lastHit.CompareAndSwap(prev, n) {
			return nil
		}
	}
}

func (m *MemoryStore) Deactivate(_ context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mr, ok := m.rules[id]
	if !ok {
		return false, ErrRuleNotFound
	}
	if !mr.rule.IsActive {
		return false, nil
	}
	mr.rule.IsActive = false
	mr.rule.UpdatedAt = at
	key := typeValueKey(mr.rule.Type, mr.rule.Value)
	if m.active[key] == id {
		delete(m.active, key)
	}
	return true, nil
}
