// Package sessioncache holds ephemeral per-session user snapshots. It is not
// authoritative: credit-affecting operations rewrite every live snapshot of
// the affected user, and anything else simply goes stale until the next
// durable read.
package sessioncache

import (
	"sync"
	"time"
)

type cacheEntry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTLCache stores values in-memory with per-entry TTLs.
type TTLCache[K comparable, V any] struct {
	mu    sync.RWMutex
	items map[K]cacheEntry[V]
}

// NewTTLCache constructs a new TTLCache instance.
func NewTTLCache[K comparable, V any]() *TTLCache[K, V] {
	return &TTLCache[K, V]{items: make(map[K]cacheEntry[V])}
}

// Get returns a cached value if it exists and has not expired.
func (cache *TTLCache[K, V]) Get(key K) (V, bool) {
	var zero V
	if cache == nil {
		return zero, false
	}
	cache.mu.RLock()
	entry, ok := cache.items[key]
	cache.mu.RUnlock()
	if !ok {
		return zero, false
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		cache.Delete(key)
		return zero, false
	}
	return entry.value, true
}

// Set stores a value with the provided TTL. A zero TTL never expires.
func (cache *TTLCache[K, V]) Set(key K, value V, ttl time.Duration) {
	if cache == nil {
		return
	}
	entry := cacheEntry[V]{value: value}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	cache.mu.Lock()
	cache.items[key] = entry
	cache.mu.Unlock()
}

// Delete removes a key.
func (cache *TTLCache[K, V]) Delete(key K) {
	if cache == nil {
		return
	}
	cache.mu.Lock()
	delete(cache.items, key)
	cache.mu.Unlock()
}

// Range calls fn for every live entry until fn returns false.
func (cache *TTLCache[K, V]) Range(fn func(key K, value V) bool) {
	if cache == nil {
		return
	}
	now := time.Now()
	cache.mu.RLock()
	snapshot := make(map[K]V, len(cache.items))
	for key, entry := range cache.items {
		if !entry.expiresAt.IsZero() && now.After(entry.expiresAt) {
			continue
		}
		snapshot[key] = entry.value
	}
	cache.mu.RUnlock()
	for key, value := range snapshot {
		if !fn(key, value) {
			return
		}
	}
}

// Snapshot is the cached view of a session's user.
type Snapshot struct {
	UserID              string
	Email               string
	DisplayName         string
	Roles               []string
	CurrentCredits      int64
	LastCreditRefreshAt *time.Time
}

// Sessions indexes snapshots by session id.
type Sessions struct {
	cache *TTLCache[string, Snapshot]
	ttl   time.Duration
}

// NewSessions builds a session snapshot store with a shared TTL.
func NewSessions(ttl time.Duration) *Sessions {
	return &Sessions{cache: NewTTLCache[string, Snapshot](), ttl: ttl}
}

// Get returns the snapshot for a session id.
func (sessions *Sessions) Get(sessionID string) (Snapshot, bool) {
	return sessions.cache.Get(sessionID)
}

// Put stores the snapshot for a session id.
func (sessions *Sessions) Put(sessionID string, snapshot Snapshot) {
	sessions.cache.Set(sessionID, snapshot, sessions.ttl)
}

// Drop removes one session.
func (sessions *Sessions) Drop(sessionID string) {
	sessions.cache.Delete(sessionID)
}

// RefreshUser rewrites every live snapshot belonging to the user. The update
// function receives the current snapshot and returns the replacement.
func (sessions *Sessions) RefreshUser(userID string, update func(Snapshot) Snapshot) {
	sessions.cache.Range(func(sessionID string, snapshot Snapshot) bool {
		if snapshot.UserID == userID {
			sessions.cache.Set(sessionID, update(snapshot), sessions.ttl)
		}
		return true
	})
}
