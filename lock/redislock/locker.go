// Package redislock provides a lock.Locker backed by a shared Redis,
// for deployments where pessimistic transactions span process
// instances. Keys are held with SET NX PX, so a crashed holder's lease
// lapses through Redis key expiry; release and extension compare the
// holder token in a script so one holder can never free another's lock.
package redislock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/lirancohen/plinth/lock"
	"github.com/lirancohen/plinth/retry"
)

// DefaultPrefix namespaces lock keys in Redis.
const DefaultPrefix = "plinth:lock:"

// releaseScript deletes a key only while the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// extendScript refreshes a key's TTL only while the caller still owns it.
var extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

// pollPolicy paces acquisition polling on contended keys.
var pollPolicy = retry.Policy{
	InitialDelay: 10 * time.Millisecond,
	MaxDelay:     200 * time.Millisecond,
	Multiplier:   2.0,
	Jitter:       0.2,
}

// Locker implements lock.Locker over a shared Redis.
type Locker struct {
	client redis.UniversalClient
	prefix string
}

// New creates a Redis-backed locker using DefaultPrefix.
func New(client redis.UniversalClient) *Locker {
	return NewWithPrefix(client, DefaultPrefix)
}

// NewWithPrefix creates a Redis-backed locker with a custom key prefix.
func NewWithPrefix(client redis.UniversalClient, prefix string) *Locker {
	return &Locker{client: client, prefix: prefix}
}

// Acquire locks every key in canonical order and returns the granted
// lease.
func (l *Locker) Acquire(ctx context.Context, keys []string, opts lock.AcquireOptions) (lock.Lease, error) {
	if len(keys) == 0 {
		return lock.Lease{}, errors.New("redislock: no keys to acquire")
	}
	keys = lock.CanonicalKeys(keys)
	if opts.Wait <= 0 {
		opts.Wait = lock.DefaultWait
	}
	if opts.TTL <= 0 {
		opts.TTL = lock.DefaultTTL
	}

	token := uuid.New().String()
	deadline := time.Now().Add(opts.Wait)

	acquired := make([]string, 0, len(keys))
	for _, key := range keys {
		if err := l.acquireKey(ctx, key, token, opts, deadline); err != nil {
			l.releaseKeys(context.Background(), token, acquired)
			return lock.Lease{}, err
		}
		acquired = append(acquired, key)
	}

	// Re-stamp a uniform TTL across the lease now that every key is held.
	expires := time.Now().Add(opts.TTL)
	for _, key := range keys {
		if err := extendScript.Run(ctx, l.client, []string{l.prefix + key}, token, opts.TTL.Milliseconds()).Err(); err != nil {
			l.releaseKeys(context.Background(), token, keys)
			return lock.Lease{}, fmt.Errorf("stamp lease ttl for %q: %w", key, err)
		}
	}

	return lock.Lease{Token: token, Keys: keys, ExpiresAt: expires}, nil
}

// acquireKey locks a single key, polling with jittered backoff until
// the overall deadline.
func (l *Locker) acquireKey(ctx context.Context, key, token string, opts lock.AcquireOptions, deadline time.Time) error {
	for attempt := 1; ; attempt++ {
		ok, err := l.client.SetNX(ctx, l.prefix+key, token, opts.TTL).Result()
		if err != nil {
			return fmt.Errorf("setnx %q: %w", key, err)
		}
		if ok {
			return nil
		}

		if opts.NoWait {
			return fmt.Errorf("%q: %w", key, lock.ErrLockHeld)
		}
		now := time.Now()
		if !now.Before(deadline) {
			return &lock.TimeoutError{Key: key, Wait: opts.Wait}
		}

		delay := pollPolicy.NextDelay(attempt)
		if remaining := deadline.Sub(now); delay > remaining {
			delay = remaining
		}
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("acquire %q: %w", key, ctx.Err())
		}
	}
}

// releaseKeys frees the keys currently held by token, reporting how
// many were actually owned.
func (l *Locker) releaseKeys(ctx context.Context, token string, keys []string) int {
	released := 0
	for _, key := range keys {
		n, err := releaseScript.Run(ctx, l.client, []string{l.prefix + key}, token).Int()
		if err == nil && n > 0 {
			released++
		}
	}
	return released
}

// Release frees the lease's keys.
func (l *Locker) Release(ctx context.Context, lease lock.Lease) error {
	released := l.releaseKeys(ctx, lease.Token, lease.Keys)
	if released != len(lease.Keys) {
		return lock.ErrNotHeld
	}
	return nil
}

// Extend pushes the lease expiry to now+ttl.
func (l *Locker) Extend(ctx context.Context, lease lock.Lease, ttl time.Duration) (lock.Lease, error) {
	if ttl <= 0 {
		ttl = lock.DefaultTTL
	}

	expires := time.Now().Add(ttl)
	for _, key := range lease.Keys {
		n, err := extendScript.Run(ctx, l.client, []string{l.prefix + key}, lease.Token, ttl.Milliseconds()).Int()
		if err != nil {
			return lock.Lease{}, fmt.Errorf("extend %q: %w", key, err)
		}
		if n == 0 {
			return lock.Lease{}, fmt.Errorf("extend %q: %w", key, lock.ErrLockExpired)
		}
	}
	lease.ExpiresAt = expires
	return lease, nil
}

// Held reports whether the lease still holds all of its keys.
func (l *Locker) Held(ctx context.Context, lease lock.Lease) (bool, error) {
	for _, key := range lease.Keys {
		val, err := l.client.Get(ctx, l.prefix+key).Result()
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("get %q: %w", key, err)
		}
		if val != lease.Token {
			return false, nil
		}
	}
	return true, nil
}
