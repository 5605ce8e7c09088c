package billing

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a thread-safe in-memory Store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	subs     map[string][]Subscription
	profiles map[string]string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs:     make(map[string][]Subscription),
		profiles: make(map[string]string),
	}
}

// AddSubscription records a subscription for s.UserID.
func (m *MemoryStore) AddSubscription(s Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[s.UserID] = append(m.subs[s.UserID], s)
}

// SetProfilePlan records planID on the user's profile.
func (m *MemoryStore) SetProfilePlan(userID, planID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[userID] = planID
}

func (m *MemoryStore) ActiveSubscription(_ context.Context, userID string, now time.Time) (Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var best *Subscription
	for i, s := range m.subs[userID] {
		if !s.ActiveAt(now) {
			continue
		}
		if best == nil || laterExpiry(s, *best) {
			best = &m.subs[userID][i]
		}
	}
	if best == nil {
		return Subscription{}, ErrNotFound
	}
	return *best, nil
}

func (m *MemoryStore) LatestExpiredSubscription(_ context.Context, userID string, now time.Time) (Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var best *Subscription
	for i, s := range m.subs[userID] {
		if s.ExpiresAt.IsZero() || now.Before(s.ExpiresAt) {
			continue
		}
		if best == nil || s.ExpiresAt.After(best.ExpiresAt) {
			best = &m.subs[userID][i]
		}
	}
	if best == nil {
		return Subscription{}, ErrNotFound
	}
	return *best, nil
}

func (m *MemoryStore) ProfilePlan(_ context.Context, userID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.profiles[userID]
	if !ok || p == "" {
		return "", ErrNotFound
	}
	return p, nil
}

// laterExpiry orders subscriptions with no expiry first, then by latest
// expiry.
func laterExpiry(a, b Subscription) bool {
	if a.ExpiresAt.IsZero() {
		return !b.ExpiresAt.IsZero()
	}
	if b.ExpiresAt.IsZero() {
		return false
	}
	return a.ExpiresAt.After(b.ExpiresAt)
}
