package cache

import (
	"context"
	"sync"
	"time"

	"github.com/lirancohen/plinth/entity"
)

// MemoryTier is a process-local Tier backed by a map.
// The zero value is ready for use.
type MemoryTier struct {
	mu      sync.RWMutex
	entries map[entity.Key]memoryEntry
}

type memoryEntry struct {
	snapshot  entity.Snapshot
	expiresAt time.Time
}

// NewMemoryTier creates an empty in-process tier.
func NewMemoryTier() *MemoryTier {
	return &MemoryTier{entries: make(map[entity.Key]memoryEntry)}
}

// Get returns the cached snapshot for key, treating expired entries as
// misses.
func (t *MemoryTier) Get(_ context.Context, key entity.Key) (entity.Snapshot, bool, error) {
	t.mu.RLock()
	e, ok := t.entries[key]
	t.mu.RUnlock()
	if !ok {
		return entity.Snapshot{}, false, nil
	}

	if time.Now().After(e.expiresAt) {
		t.mu.Lock()
		// Only reap the entry we saw; a concurrent Set may have
		// refreshed it.
		if cur, ok := t.entries[key]; ok && cur.expiresAt.Equal(e.expiresAt) {
			delete(t.entries, key)
		}
		t.mu.Unlock()
		return entity.Snapshot{}, false, nil
	}

	return e.snapshot.Clone(), true, nil
}

// Set stores snap under key for at most ttl.
func (t *MemoryTier) Set(_ context.Context, key entity.Key, snap entity.Snapshot, ttl time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.entries == nil {
		t.entries = make(map[entity.Key]memoryEntry)
	}
	t.entries[key] = memoryEntry{
		snapshot:  snap.Clone(),
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

// Delete evicts key.
func (t *MemoryTier) Delete(_ context.Context, key entity.Key) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, key)
	return nil
}

// Len returns the number of live entries, counting entries whose TTL
// has lapsed but which have not been reaped yet.
func (t *MemoryTier) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
