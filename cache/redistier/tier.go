// Package redistier provides the shared cache tier on Redis, making L2
// entries visible to every process instance. Entries are JSON-encoded
// snapshots expired by Redis key TTL.
package redistier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lirancohen/plinth/entity"
)

// DefaultPrefix namespaces cache keys in Redis.
const DefaultPrefix = "plinth:cache:"

// Tier implements cache.Tier over a shared Redis.
type Tier struct {
	client redis.UniversalClient
	prefix string
}

// New creates a Redis-backed tier using DefaultPrefix.
func New(client redis.UniversalClient) *Tier {
	return NewWithPrefix(client, DefaultPrefix)
}

// NewWithPrefix creates a Redis-backed tier with a custom key prefix.
func NewWithPrefix(client redis.UniversalClient, prefix string) *Tier {
	return &Tier{client: client, prefix: prefix}
}

// Get returns the cached snapshot for key. Entries that fail to decode
// are dropped and reported as an error so the caller falls through to
// the store.
func (t *Tier) Get(ctx context.Context, key entity.Key) (entity.Snapshot, bool, error) {
	raw, err := t.client.Get(ctx, t.prefix+key.String()).Bytes()
	if errors.Is(err, redis.Nil) {
		return entity.Snapshot{}, false, nil
	}
	if err != nil {
		return entity.Snapshot{}, false, fmt.Errorf("redis get %s: %w", key, err)
	}

	var snap entity.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		t.client.Del(ctx, t.prefix+key.String())
		return entity.Snapshot{}, false, fmt.Errorf("decode cached snapshot %s: %w", key, err)
	}
	return snap, true, nil
}

// Set stores snap under key for at most ttl.
func (t *Tier) Set(ctx context.Context, key entity.Key, snap entity.Snapshot, ttl time.Duration) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", key, err)
	}
	if err := t.client.Set(ctx, t.prefix+key.String(), raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Delete evicts key.
func (t *Tier) Delete(ctx context.Context, key entity.Key) error {
	if err := t.client.Del(ctx, t.prefix+key.String()).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}
