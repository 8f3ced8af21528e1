package txn

import (
	"context"
	"errors"
	"time"

	"github.com/lirancohen/plinth/entity"
	"github.com/lirancohen/plinth/lock"
	"github.com/lirancohen/plinth/store"
	"github.com/lirancohen/plinth/stream"
)

// DefaultCommitTimeout bounds the atomic store commit. A commit still
// in flight when it expires fails with a StorageError whose outcome is
// unknown.
const DefaultCommitTimeout = 10 * time.Second

// DefaultActor stamps commits whose transaction declared no actor.
const DefaultActor = "system"

// Logger defines the logging interface used by the transaction manager.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// noopLogger is used when no logger is configured.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Cache is the slice of the cache layer the transaction manager
// drives: local read-through for transactional reads, invalidation of
// committed keys and their dependents, and eviction of entries found
// stale at commit. *cache.Manager satisfies it.
type Cache interface {
	// Latest serves external reads through every cache tier.
	Latest(ctx context.Context, key entity.Key) (entity.Snapshot, error)

	// LatestLocal serves transactional reads. It must never consult
	// shared tiers, whose entries may lag the store.
	LatestLocal(ctx context.Context, key entity.Key) (entity.Snapshot, error)

	// InvalidateCommitted evicts the snapshots' keys and their
	// registered dependents after a commit.
	InvalidateCommitted(ctx context.Context, snaps []entity.Snapshot)

	// Evict removes the keys from every tier.
	Evict(ctx context.Context, keys ...entity.Key)
}

// Publisher receives one record per committed write. *stream.Publisher
// satisfies it.
type Publisher interface {
	Publish(records ...stream.Record)
}

// Config configures a transaction Manager.
type Config struct {
	// Store persists snapshots and the event log. Required.
	Store store.Store

	// Locker grants the exclusive leases pessimistic transactions hold.
	// If nil, an in-process lock.Manager is used.
	Locker lock.Locker

	// Cache serves transactional reads and receives post-commit
	// invalidation. Optional; without it every read goes to the store.
	Cache Cache

	// Stream receives a record for every committed write. Optional.
	Stream Publisher

	// CommitTimeout bounds the atomic store commit. If zero, defaults
	// to DefaultCommitTimeout.
	CommitTimeout time.Duration

	// LockWait bounds pessimistic lock acquisition at Begin, unless the
	// transaction overrides it. If zero, defaults to lock.DefaultWait.
	LockWait time.Duration

	// LeaseTTL is the lifetime of pessimistic leases. If zero, defaults
	// to lock.DefaultTTL.
	LeaseTTL time.Duration

	// Actor stamps commits whose transaction declared no actor. If
	// empty, defaults to DefaultActor.
	Actor string

	// Logger is the logging interface. If nil, a no-op logger is used.
	Logger Logger
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.Store == nil {
		return errors.New("txn: Store is required")
	}
	return nil
}

// withDefaults returns a copy of the config with default values applied.
func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.Locker == nil {
		cfg.Locker = lock.New()
	}
	if cfg.CommitTimeout <= 0 {
		cfg.CommitTimeout = DefaultCommitTimeout
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = lock.DefaultWait
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = lock.DefaultTTL
	}
	if cfg.Actor == "" {
		cfg.Actor = DefaultActor
	}
	if cfg.Logger == nil {
		cfg.Logger = noopLogger{}
	}
	return cfg
}
