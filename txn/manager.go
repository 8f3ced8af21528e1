package txn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lirancohen/plinth/entity"
	"github.com/lirancohen/plinth/lock"
)

// Manager begins transactions and serves non-transactional reads over
// the store, cache, lock, and stream layers. Managers are safe for
// concurrent use.
type Manager struct {
	cfg Config
}

// New creates a Manager with the given configuration.
func New(config Config) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Manager{cfg: config.withDefaults()}, nil
}

// BeginOptions tunes a single transaction.
type BeginOptions struct {
	// Keys declares the entities a pessimistic transaction intends to
	// write. Their exclusive leases are acquired, in canonical order,
	// before Begin returns. Required in pessimistic mode; ignored in
	// optimistic mode.
	Keys []entity.Key

	// Actor stamps the transaction's committed snapshots and events.
	// If empty, the manager's configured actor is used.
	Actor string

	// LockWait overrides the manager's lock acquisition bound for this
	// transaction.
	LockWait time.Duration

	// NoWait makes pessimistic acquisition fail immediately with
	// lock.ErrLockHeld when a declared key is contended.
	NoWait bool
}

// Begin starts a transaction. A pessimistic transaction holds leases on
// every declared key once Begin returns; acquisition that exceeds the
// wait bound fails with lock.ErrLockTimeout, which is retryable.
func (m *Manager) Begin(ctx context.Context, mode Mode, opts BeginOptions) (*Tx, error) {
	actor := opts.Actor
	if actor == "" {
		actor = m.cfg.Actor
	}
	tx := &Tx{
		mgr:    m,
		mode:   mode,
		actor:  actor,
		reads:  make(map[entity.Key]readState),
		staged: make(map[entity.Key]*stagedWrite),
	}

	switch mode {
	case Optimistic:
		return tx, nil
	case Pessimistic:
		if len(opts.Keys) == 0 {
			return nil, errors.New("txn: pessimistic transactions must declare keys at Begin")
		}
		declared := make(map[entity.Key]struct{}, len(opts.Keys))
		names := make([]string, 0, len(opts.Keys))
		for _, key := range opts.Keys {
			if err := key.Validate(); err != nil {
				return nil, err
			}
			if _, dup := declared[key]; dup {
				continue
			}
			declared[key] = struct{}{}
			names = append(names, key.String())
		}
		wait := opts.LockWait
		if wait <= 0 {
			wait = m.cfg.LockWait
		}
		lease, err := m.cfg.Locker.Acquire(ctx, names, lock.AcquireOptions{
			Wait:   wait,
			NoWait: opts.NoWait,
			TTL:    m.cfg.LeaseTTL,
		})
		if err != nil {
			return nil, fmt.Errorf("acquire entity locks: %w", err)
		}
		tx.lease = lease
		tx.declared = declared
		m.cfg.Logger.Debug("pessimistic transaction began", "keys", len(names), "actor", actor)
		return tx, nil
	default:
		return nil, fmt.Errorf("txn: unknown mode %v", mode)
	}
}

// Latest returns the entity's current committed snapshot, read through
// the cache when one is configured. Reads never block on locks.
func (m *Manager) Latest(ctx context.Context, key entity.Key) (entity.Snapshot, error) {
	if err := key.Validate(); err != nil {
		return entity.Snapshot{}, err
	}
	if m.cfg.Cache != nil {
		return m.cfg.Cache.Latest(ctx, key)
	}
	return m.cfg.Store.Latest(ctx, key)
}

// AtVersion returns the snapshot at an exact historical version.
// Committed versions are immutable, so this always reads the store.
func (m *Manager) AtVersion(ctx context.Context, key entity.Key, version int64) (entity.Snapshot, error) {
	if err := key.Validate(); err != nil {
		return entity.Snapshot{}, err
	}
	return m.cfg.Store.AtVersion(ctx, key, version)
}

// AtTime returns the snapshot current as of t.
func (m *Manager) AtTime(ctx context.Context, key entity.Key, t time.Time) (entity.Snapshot, error) {
	if err := key.Validate(); err != nil {
		return entity.Snapshot{}, err
	}
	return m.cfg.Store.AtTime(ctx, key, t)
}

// History returns the entity's committed versions ascending.
func (m *Manager) History(ctx context.Context, key entity.Key) ([]int64, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	return m.cfg.Store.History(ctx, key)
}

// Events returns the entity's committed events ascending by version,
// through version upTo. upTo <= 0 means all events.
func (m *Manager) Events(ctx context.Context, key entity.Key, upTo int64) ([]entity.Event, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	return m.cfg.Store.Events(ctx, key, upTo)
}
