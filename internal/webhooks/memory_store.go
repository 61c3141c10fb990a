package webhooks

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/giftguard/internal/idgen"
)

// MemoryStore is an in-memory Store for tests and local development. One
// mutex covers every table so state transitions are atomic.
type MemoryStore struct {
	mu         sync.Mutex
	subs       map[string]*Subscription
	deliveries map[string]*Delivery
	queue      map[string]*RetryEntry
	failures   map[string]*FailureEntry
	byDelivery map[string]string // delivery ID -> failure ID
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs:       make(map[string]*Subscription),
		deliveries: make(map[string]*Delivery),
		queue:      make(map[string]*RetryEntry),
		failures:   make(map[string]*FailureEntry),
		byDelivery: make(map[string]string),
	}
}

func (m *MemoryStore) CreateSubscription(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sub
	m.subs[sub.ID] = &cp
	return nil
}

func (m *MemoryStore) GetSubscription(_ context.Context, id string) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	cp := *sub
	return &cp, nil
}

func (m *MemoryStore) ListSubscriptions(_ context.Context, merchantID string, eventType EventType) ([]*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Subscription
	for _, sub := range m.subs {
		if sub.MerchantID != merchantID {
			continue
		}
		if eventType != "" && sub.EventType != eventType {
			continue
		}
		cp := *sub
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) DeleteSubscription(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return ErrSubscriptionNotFound
	}
	delete(m.subs, id)
	return nil
}

func (m *MemoryStore) CreateDelivery(_ context.Context, d *Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deliveries[d.ID] = cloneDelivery(d)
	return nil
}

func (m *MemoryStore) GetDelivery(_ context.Context, id string) (*Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return nil, ErrDeliveryNotFound
	}
	return cloneDelivery(d), nil
}

func (m *MemoryStore) UpdateDelivery(_ context.Context, d *Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deliveries[d.ID]; !ok {
		return ErrDeliveryNotFound
	}
	m.deliveries[d.ID] = cloneDelivery(d)
	return nil
}

func (m *MemoryStore) Enqueue(_ context.Context, d *Delivery, e *RetryEntry, claimToken string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deliveries[d.ID]; !ok {
		return ErrDeliveryNotFound
	}
	if err := m.checkClaim(d.ID, claimToken); err != nil {
		return err
	}
	entry := *e
	entry.DeliveryID = d.ID
	entry.ClaimedAt = nil
	entry.ClaimToken = ""
	m.queue[d.ID] = &entry
	m.deliveries[d.ID] = cloneDelivery(d)
	return nil
}

func (m *MemoryStore) ClaimDue(_ context.Context, now time.Time, limit int, ttl time.Duration) ([]*RetryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*RetryEntry
	for _, e := range m.queue {
		if e.NextRetryAt.After(now) || claimLive(e, now, ttl) {
			continue
		}
		due = append(due, e)
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].NextRetryAt.Equal(due[j].NextRetryAt) {
			return due[i].DeliveryID < due[j].DeliveryID
		}
		return due[i].NextRetryAt.Before(due[j].NextRetryAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	token := idgen.Hex(12)
	out := make([]*RetryEntry, len(due))
	for i, e := range due {
		at := now
		e.ClaimedAt = &at
		e.ClaimToken = token
		out[i] = cloneEntry(e)
	}
	return out, nil
}

func (m *MemoryStore) ClaimOne(_ context.Context, deliveryID string, now time.Time, ttl time.Duration) (*RetryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.queue[deliveryID]
	if !ok {
		return nil, ErrNotQueued
	}
	if claimLive(e, now, ttl) {
		return nil, ErrDeliveryBusy
	}
	at := now
	e.ClaimedAt = &at
	e.ClaimToken = idgen.Hex(12)
	return cloneEntry(e), nil
}

func (m *MemoryStore) GetRetryEntry(_ context.Context, deliveryID string) (*RetryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.queue[deliveryID]
	if !ok {
		return nil, ErrNotQueued
	}
	return cloneEntry(e), nil
}

func (m *MemoryStore) CountQueued(_ context.Context, merchantID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.queue {
		if e.MerchantID == merchantID {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Complete(_ context.Context, d *Delivery, f *FailureEntry, claimToken string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deliveries[d.ID]; !ok {
		return ErrDeliveryNotFound
	}
	if err := m.checkClaim(d.ID, claimToken); err != nil {
		return err
	}
	delete(m.queue, d.ID)
	m.deliveries[d.ID] = cloneDelivery(d)
	if f != nil {
		if prev, ok := m.byDelivery[f.DeliveryID]; ok && prev != f.ID {
			delete(m.failures, prev)
		}
		cp := cloneFailure(f)
		m.failures[f.ID] = cp
		m.byDelivery[f.DeliveryID] = f.ID
	}
	return nil
}

func (m *MemoryStore) GetFailure(_ context.Context, id string) (*FailureEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.failures[id]
	if !ok {
		return nil, ErrFailureNotFound
	}
	return cloneFailure(f), nil
}

func (m *MemoryStore) FailureForDelivery(_ context.Context, deliveryID string) (*FailureEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byDelivery[deliveryID]
	if !ok {
		return nil, ErrFailureNotFound
	}
	return cloneFailure(m.failures[id]), nil
}

func (m *MemoryStore) ResolveFailure(_ context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.failures[id]
	if !ok {
		return false, ErrFailureNotFound
	}
	if f.Resolved {
		return false, nil
	}
	f.Resolved = true
	f.ResolvedAt = &at
	return true, nil
}

func (m *MemoryStore) ListFailures(_ context.Context, filter FailureFilter) ([]*FailureEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*FailureEntry
	for _, f := range m.failures {
		if filter.matches(f) {
			out = append(out, cloneFailure(f))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FailedAt.Equal(out[j].FailedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].FailedAt.After(out[j].FailedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// checkClaim requires the queued entry to still carry token. Callers hold m.mu.
func (m *MemoryStore) checkClaim(deliveryID, token string) error {
	if token == "" {
		return nil
	}
	e, ok := m.queue[deliveryID]
	if !ok || e.ClaimToken != token {
		return ErrClaimLost
	}
	return nil
}

func claimLive(e *RetryEntry, now time.Time, ttl time.Duration) bool {
	return e.ClaimedAt != nil && now.Sub(*e.ClaimedAt) < ttl
}

func cloneDelivery(d *Delivery) *Delivery {
	cp := *d
	if d.Payload != nil {
		cp.Payload = append([]byte(nil), d.Payload...)
	}
	if d.StatusCode != nil {
		cp.StatusCode = intPtr(*d.StatusCode)
	}
	if d.ResponseTimeMs != nil {
		cp.ResponseTimeMs = int64Ptr(*d.ResponseTimeMs)
	}
	return &cp
}

func cloneEntry(e *RetryEntry) *RetryEntry {
	cp := *e
	if e.ClaimedAt != nil {
		t := *e.ClaimedAt
		cp.ClaimedAt = &t
	}
	return &cp
}

func cloneFailure(f *FailureEntry) *FailureEntry {
	cp := *f
	if f.StatusCode != nil {
		cp.StatusCode = intPtr(*f.StatusCode)
	}
	if f.ResolvedAt != nil {
		t := *f.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}
