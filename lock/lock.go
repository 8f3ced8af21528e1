// Package lock provides the exclusive leases pessimistic transactions
// hold over logical entity keys.
//
// A lease covers one or more keys, is granted to at most one holder per
// key, and lapses on its own when the holder's liveness window passes,
// so a crashed holder cannot deadlock the system. Multi-key acquisition
// always proceeds in canonical (lexicographic) key order to prevent
// circular waits.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// Default acquisition values.
const (
	// DefaultWait is the default maximum time to wait for contended keys.
	DefaultWait = 10 * time.Second

	// DefaultTTL is the default lease duration before expiry.
	DefaultTTL = 30 * time.Second
)

// Common errors returned by Locker implementations.
var (
	// ErrLockTimeout indicates acquisition exceeded its wait deadline.
	// Retryable with backoff.
	ErrLockTimeout = errors.New("lock acquisition timed out")

	// ErrLockHeld indicates a fail-fast acquisition found a key held by
	// another owner.
	ErrLockHeld = errors.New("lock held by another owner")

	// ErrLockExpired indicates the lease lapsed and another holder may
	// own the keys; the owning transaction must abort.
	ErrLockExpired = errors.New("lock lease expired")

	// ErrNotHeld indicates a release for a lease that no longer holds
	// all of its keys.
	ErrNotHeld = errors.New("lock not held")
)

// TimeoutError details which key an acquisition timed out on.
type TimeoutError struct {
	Key  string
	Wait time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("lock acquisition timed out after %s waiting for %q", e.Wait, e.Key)
}

func (e *TimeoutError) Unwrap() error {
	return ErrLockTimeout
}

// Lease describes a granted lock over a set of keys.
type Lease struct {
	// Token uniquely identifies the holder (UUID fencing token).
	Token string

	// Keys are the locked keys in canonical order.
	Keys []string

	// ExpiresAt is when the lease lapses unless extended.
	ExpiresAt time.Time
}

// AcquireOptions configures lock acquisition.
type AcquireOptions struct {
	// Wait is the maximum time to wait for contended keys.
	// Zero defaults to DefaultWait.
	Wait time.Duration

	// NoWait makes acquisition fail immediately with ErrLockHeld when
	// any key is contended, instead of waiting.
	NoWait bool

	// TTL is the lease duration. Zero defaults to DefaultTTL.
	TTL time.Duration
}

// withDefaults returns a copy of the options with default values applied.
func (o AcquireOptions) withDefaults() AcquireOptions {
	if o.Wait <= 0 {
		o.Wait = DefaultWait
	}
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	return o
}

// Locker grants exclusive, lease-based locks over logical keys.
// Implementations must be safe for concurrent use.
type Locker interface {
	// Acquire locks every key and returns the granted lease. Keys are
	// deduplicated and locked in canonical order. On failure, nothing
	// stays locked. Returns a TimeoutError (ErrLockTimeout) when the
	// wait deadline passes, ErrLockHeld in NoWait mode when a key is
	// contended, or the context error if ctx ends first.
	Acquire(ctx context.Context, keys []string, opts AcquireOptions) (Lease, error)

	// Release frees the lease's keys. Keys the lease no longer holds
	// are skipped; if any key was already lost or released, Release
	// frees the rest and returns ErrNotHeld.
	Release(ctx context.Context, lease Lease) error

	// Extend pushes the lease expiry to now+ttl and returns the updated
	// lease. Returns ErrLockExpired if any key has been lost.
	Extend(ctx context.Context, lease Lease, ttl time.Duration) (Lease, error)

	// Held reports whether the lease still holds all of its keys.
	Held(ctx context.Context, lease Lease) (bool, error)
}

// CanonicalKeys returns the deduplicated keys in lexicographic order,
// the order every Locker implementation acquires them in.
func CanonicalKeys(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
