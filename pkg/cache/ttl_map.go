package cache

import (
	"sync"
	"time"
)

type item[V any] struct {
	value     V
	expiresAt time.Time
}

// TTLMap is a small mutex-guarded expiring map. Used for the Vertex access
// token cache and the ingress rate-limit buckets.
type TTLMap[K comparable, V any] struct {
	mu    sync.Mutex
	items map[K]item[V]
}

func NewTTLMap[K comparable, V any]() *TTLMap[K, V] {
	return &TTLMap[K, V]{items: map[K]item[V]{}}
}

// Get returns the value when present and not expired at now.
func (m *TTLMap[K, V]) Get(key K, now time.Time) (V, bool) {
	var zero V
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[key]
	if !ok {
		return zero, false
	}
	if !it.expiresAt.IsZero() && !now.Before(it.expiresAt) {
		delete(m.items, key)
		return zero, false
	}
	return it.value, true
}

// Set stores value until now+ttl. A non-positive ttl stores it without
// expiry.
func (m *TTLMap[K, V]) Set(key K, value V, now time.Time, ttl time.Duration) {
	exp := time.Time{}
	if ttl > 0 {
		exp = now.Add(ttl)
	}
	m.mu.Lock()
	m.items[key] = item[V]{value: value, expiresAt: exp}
	m.mu.Unlock()
}

// Update applies fn to the current value (zero value when absent or
// expired) and stores the result. A live entry keeps its original expiry
// so rate-limit windows stay fixed; fresh entries get now+ttl. The rate
// limiter uses this for atomic counter bumps.
func (m *TTLMap[K, V]) Update(key K, now time.Time, ttl time.Duration, fn func(V) V) V {
	m.mu.Lock()
	defer m.mu.Unlock()
	var cur V
	exp := time.Time{}
	if ttl > 0 {
		exp = now.Add(ttl)
	}
	if it, ok := m.items[key]; ok && (it.expiresAt.IsZero() || now.Before(it.expiresAt)) {
		cur = it.value
		exp = it.expiresAt
	}
	next := fn(cur)
	m.items[key] = item[V]{value: next, expiresAt: exp}
	return next
}

func (m *TTLMap[K, V]) Delete(key K) {
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
}

// Purge drops every entry expired at now and reports how many were removed.
func (m *TTLMap[K, V]) Purge(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for k, it := range m.items {
		if !it.expiresAt.IsZero() && !now.Before(it.expiresAt) {
			delete(m.items, k)
			removed++
		}
	}
	return removed
}

func (m *TTLMap[K, V]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}
