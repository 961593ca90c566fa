// Package cache provides the two-tier stale cache of consumer secrets used
// as breaker fallback. Entries may outlive the authoritative source's
// freshness guarantee by up to the configured stale tolerance.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/ocx/auth-sidecar/internal/core"
)

// KeyPrefix namespaces consumer secret entries in both tiers.
const KeyPrefix = "consumer_secret:"

// Key returns the cache key for a consumer id.
func Key(consumerID string) string {
	return KeyPrefix + consumerID
}

// EntryInfo describes one local cache entry for inspection endpoints.
type EntryInfo struct {
	Key        string    `json:"key"`
	ConsumerID string    `json:"consumer_id"`
	InsertedAt time.Time `json:"inserted_at"`
}

// StaleCache is the capability the resilience layer depends on. Implemented
// by the in-process map (default) and by the shared redis store (HA mode).
type StaleCache interface {
	// GetStale returns the entry at key if it is within the stale
	// tolerance, nil otherwise. Implementations evict lazily.
	GetStale(ctx context.Context, key string) (*core.ConsumerSecret, error)
	Put(ctx context.Context, key string, value *core.ConsumerSecret) error
	Delete(ctx context.Context, key string) error
	// Entries enumerates local entries; the shared implementation
	// returns an empty list.
	Entries(ctx context.Context) []EntryInfo
	Clear(ctx context.Context) error
}

type localEntry struct {
	value      core.ConsumerSecret
	insertedAt time.Time
}

// Local is the default in-process tier.
type Local struct {
	mu        sync.RWMutex
	entries   map[string]localEntry
	tolerance time.Duration
	now       func() time.Time
}

func NewLocal(tolerance time.Duration) *Local {
	return &Local{
		entries:   make(map[string]localEntry),
		tolerance: tolerance,
		now:       time.Now,
	}
}

// GetStale returns the entry iff now - insertedAt <= tolerance. An entry at
// exactly the tolerance is still served; one past it is evicted.
func (l *Local) GetStale(_ context.Context, key string) (*core.ConsumerSecret, error) {
	l.mu.RLock()
	e, ok := l.entries[key]
	l.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	if l.now().Sub(e.insertedAt) > l.tolerance {
		l.mu.Lock()
		// Re-check under the write lock; a concurrent Put may have
		// refreshed the entry.
		if cur, ok := l.entries[key]; ok && l.now().Sub(cur.insertedAt) > l.tolerance {
			delete(l.entries, key)
		}
		l.mu.Unlock()
		return nil, nil
	}

	v := e.value
	return &v, nil
}

func (l *Local) Put(_ context.Context, key string, value *core.ConsumerSecret) error {
	l.mu.Lock()
	l.entries[key] = localEntry{value: *value, insertedAt: l.now()}
	l.mu.Unlock()
	return nil
}

func (l *Local) Delete(_ context.Context, key string) error {
	l.mu.Lock()
	delete(l.entries, key)
	l.mu.Unlock()
	return nil
}

func (l *Local) Entries(_ context.Context) []EntryInfo {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]EntryInfo, 0, len(l.entries))
	for k, e := range l.entries {
		out = append(out, EntryInfo{
			Key:        k,
			ConsumerID: e.value.Consumer.ID,
			InsertedAt: e.insertedAt,
		})
	}
	return out
}

func (l *Local) Clear(_ context.Context) error {
	l.mu.Lock()
	l.entries = make(map[string]localEntry)
	l.mu.Unlock()
	return nil
}
