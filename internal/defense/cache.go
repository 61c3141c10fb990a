package defense

import (
	"context"
	"sync"
	"time"

	"github.com/mbd888/giftguard/internal/metrics"
)

// Snapshot is an immutable view of the active rules, indexed for lookup.
type Snapshot struct {
	byKey    map[string]*Rule
	rules    []*Rule
	loadedAt time.Time
}

func newSnapshot(rules []*Rule, at time.Time) *Snapshot {
	s := &Snapshot{byKey: make(map[string]*Rule, len(rules)), loadedAt: at}
	for _, r := range rules {
		if !r.IsActive {
			continue
		}
		key := typeValueKey(r.Type, r.Value)
		// Active pairs are unique; keep the stronger rule if a store ever disagrees.
		if prev, ok := s.byKey[key]; ok && prev.Confidence >= r.Confidence {
			continue
		}
		s.byKey[key] = r
	}
	s.rules = make([]*Rule, 0, len(s.byKey))
	for _, r := range s.byKey {
		s.rules = append(s.rules, r)
	}
	return s
}

// NewSnapshot builds a snapshot from rules. Inactive rules are ignored.
func NewSnapshot(rules []*Rule) *Snapshot {
	return newSnapshot(rules, time.Now())
}

// Lookup returns the active rule for (t, value), or nil.
func (s *Snapshot) Lookup(t RuleType, value string) *Rule {
	if value == "" {
		return nil
	}
	return s.byKey[typeValueKey(t, value)]
}

// Rules returns copies of every rule in the snapshot.
func (s *Snapshot) Rules() []*Rule {
	out := make([]*Rule, len(s.rules))
	for i, r := range s.rules {
		out[i] = r.Clone()
	}
	return out
}

// Len returns the number of active rules.
func (s *Snapshot) Len() int { return len(s.rules) }

// CachedStore is a read-through cache of active rules in front of a Store.
// Every write through it drops the snapshot; the TTL bounds staleness for
// writes made by other processes.
type CachedStore struct {
	store Store
	ttl   time.Duration
	now   func() time.Time

	mu      sync.RWMutex
	snap    *Snapshot
	version uint64
}

// NewCachedStore wraps store. A zero ttl means snapshots live until the next write.
func NewCachedStore(store Store, ttl time.Duration) *CachedStore {
	return &CachedStore{store: store, ttl: ttl, now: time.Now}
}

// Snapshot returns the current active-rule snapshot, loading it if needed.
func (c *CachedStore) Snapshot(ctx context.Context) (*Snapshot, error) {
	c.mu.RLock()
	snap, version := c.snap, c.version
	c.mu.RUnlock()

	now := c.now()
	if snap != nil && (c.ttl <= 0 || now.Sub(snap.loadedAt) < c.ttl) {
		return snap, nil
	}

	rules, err := c.store.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	snap = newSnapshot(rules, now)
	metrics.ActiveDefenseRules.Set(float64(snap.Len()))

	c.mu.Lock()
	// A write that raced with the load bumps version; keep the old snapshot out.
	if c.version == version {
		c.snap = snap
	}
	c.mu.Unlock()
	return snap, nil
}

// Invalidate drops the cached snapshot.
func (c *CachedStore) Invalidate() {
	c.mu.Lock()
	c.snap = nil
	c.version++
	c.mu.Unlock()
}

func (c *CachedStore) Create(ctx context.Context, r *Rule) error {
	defer c.Invalidate()
	return c.store.Create(ctx, r)
}

func (c *CachedStore) Get(ctx context.Context, id string) (*Rule, error) {
	return c.store.Get(ctx, id)
}

func (c *CachedStore) FindActive(ctx context.Context, t RuleType, value string) (*Rule, error) {
	return c.store.FindActive(ctx, t, value)
}

func (c *CachedStore) ListActive(ctx context.Context) ([]*Rule, error) {
	return c.store.ListActive(ctx)
}

func (c *CachedStore) List(ctx context.Context, f ListFilter) ([]*Rule, error) {
	return c.store.List(ctx, f)
}

func (c *CachedStore) Update(ctx context.Context, r *Rule) error {
	defer c.Invalidate()
	return c.store.Update(ctx, r)
}

// RecordHit does not invalidate: hit statistics never change which rule matches.
func (c *CachedStore) RecordHit(ctx context.Context, id string, at time.Time) error {
	return c.store.RecordHit(ctx, id, at)
}

func (c *CachedStore) Deactivate(ctx context.Context, id string, at time.Time) (bool, error) {
	defer c.Invalidate()
	return c.store.Deactivate(ctx, id, at)
}
