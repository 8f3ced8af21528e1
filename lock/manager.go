package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Manager is an in-process Locker for single-instance deployments and
// tests. The zero value is ready for use.
type Manager struct {
	mu    sync.Mutex
	locks map[string]*held // key -> current holder
}

// held tracks one key's current holder. The released channel is closed
// when the holder releases the key or a later acquirer steals an
// expired lease, waking any queued waiters.
type held struct {
	token     string
	expiresAt time.Time
	released  chan struct{}
}

// New creates a new in-process lock manager.
func New() *Manager {
	return &Manager{locks: make(map[string]*held)}
}

// Acquire locks every key in canonical order and returns the granted
// lease.
func (m *Manager) Acquire(ctx context.Context, keys []string, opts AcquireOptions) (Lease, error) {
	if len(keys) == 0 {
		return Lease{}, errors.New("lock: no keys to acquire")
	}
	if err := ctx.Err(); err != nil {
		return Lease{}, fmt.Errorf("acquire: %w", err)
	}
	keys = CanonicalKeys(keys)
	opts = opts.withDefaults()
	token := uuid.New().String()
	deadline := time.Now().Add(opts.Wait)

	acquired := make([]string, 0, len(keys))
	for _, key := range keys {
		if err := m.acquireKey(ctx, key, token, opts, deadline); err != nil {
			m.releaseKeys(token, acquired)
			return Lease{}, err
		}
		acquired = append(acquired, key)
	}

	// Stamp a uniform expiry across the lease now that every key is held.
	m.mu.Lock()
	expires := time.Now().Add(opts.TTL)
	for _, key := range keys {
		if h := m.locks[key]; h != nil && h.token == token {
			h.expiresAt = expires
		}
	}
	m.mu.Unlock()

	return Lease{Token: token, Keys: keys, ExpiresAt: expires}, nil
}

// acquireKey locks a single key, waiting for release or expiry of the
// current holder up to the overall deadline.
func (m *Manager) acquireKey(ctx context.Context, key, token string, opts AcquireOptions, deadline time.Time) error {
	for {
		m.mu.Lock()
		if m.locks == nil {
			m.locks = make(map[string]*held)
		}
		h := m.locks[key]
		now := time.Now()
		if h == nil || !h.expiresAt.After(now) {
			if h != nil {
				// Stale holder: steal the key and wake its waiters.
				close(h.released)
			}
			m.locks[key] = &held{
				token:     token,
				expiresAt: now.Add(opts.TTL),
				released:  make(chan struct{}),
			}
			m.mu.Unlock()
			return nil
		}
		waitCh := h.released
		holderExpiry := h.expiresAt
		m.mu.Unlock()

		if opts.NoWait {
			return fmt.Errorf("%q: %w", key, ErrLockHeld)
		}
		if !now.Before(deadline) {
			return &TimeoutError{Key: key, Wait: opts.Wait}
		}

		// Wake at whichever comes first: holder release, holder expiry,
		// or our deadline.
		wake := deadline
		if holderExpiry.Before(wake) {
			wake = holderExpiry
		}
		timer := time.NewTimer(wake.Sub(now))
		select {
		case <-waitCh:
			timer.Stop()
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("acquire %q: %w", key, ctx.Err())
		}
	}
}

// releaseKeys frees the keys currently held by token.
func (m *Manager) releaseKeys(token string, keys []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		h := m.locks[key]
		if h == nil || h.token != token {
			continue
		}
		delete(m.locks, key)
		close(h.released)
	}
}

// Release frees the lease's keys.
func (m *Manager) Release(ctx context.Context, lease Lease) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	notHeld := false
	for _, key := range lease.Keys {
		h := m.locks[key]
		if h == nil || h.token != lease.Token {
			notHeld = true
			continue
		}
		delete(m.locks, key)
		close(h.released)
	}
	if notHeld {
		return ErrNotHeld
	}
	return nil
}

// Extend pushes the lease expiry to now+ttl.
func (m *Manager) Extend(ctx context.Context, lease Lease, ttl time.Duration) (Lease, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for _, key := range lease.Keys {
		h := m.locks[key]
		if h == nil || h.token != lease.Token || !h.expiresAt.After(now) {
			return Lease{}, fmt.Errorf("extend %q: %w", key, ErrLockExpired)
		}
	}
	expires := now.Add(ttl)
	for _, key := range lease.Keys {
		m.locks[key].expiresAt = expires
	}
	lease.ExpiresAt = expires
	return lease, nil
}

// Held reports whether the lease still holds all of its keys.
func (m *Manager) Held(ctx context.Context, lease Lease) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for _, key := range lease.Keys {
		h := m.locks[key]
		if h == nil || h.token != lease.Token || !h.expiresAt.After(now) {
			return false, nil
		}
	}
	return true, nil
}
