// Package cache provides the two-tier read-through cache that serves
// current-state reads in front of the version store.
//
// L1 is process-local and short-lived; L2 is shared across process
// instances and longer-lived. Entries carry the version they were
// populated from. Commits evict mutated keys and their declared
// dependents from both tiers, and a background reconciliation sweep
// re-validates surviving entries against the store so a missed
// invalidation never outlives one sweep interval. Tier outages degrade
// reads to the store (fail-open), never to unbounded staleness.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/lirancohen/plinth/entity"
)

// Default configuration values.
const (
	// DefaultL1TTL bounds the lifetime of process-local entries.
	DefaultL1TTL = 300 * time.Second

	// DefaultL2TTL bounds the lifetime of shared entries.
	DefaultL2TTL = 3600 * time.Second

	// DefaultReconcileInterval paces the background sweep. The sweep
	// interval is the staleness bound for entries that missed an
	// invalidation.
	DefaultReconcileInterval = 60 * time.Second
)

// Tier is a single cache tier holding version-tagged snapshots.
// Implementations must be safe for concurrent use.
type Tier interface {
	// Get returns the cached snapshot for key. The second return is
	// false on a miss; expired entries are misses.
	Get(ctx context.Context, key entity.Key) (entity.Snapshot, bool, error)

	// Set stores snap under key for at most ttl.
	Set(ctx context.Context, key entity.Key, snap entity.Snapshot, ttl time.Duration) error

	// Delete evicts key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key entity.Key) error
}

// Source provides authoritative reads for cache misses and sweep
// re-validation. Latest returns store.ErrNotFound when the entity has
// never been committed.
type Source interface {
	Latest(ctx context.Context, key entity.Key) (entity.Snapshot, error)
}

// DependencyFunc derives the keys whose cached state depends on a
// committed snapshot, so a task mutation can evict its parent workflow
// and assigned agent. Returned keys that fail validation are ignored.
type DependencyFunc func(entity.Snapshot) []entity.Key

// Logger defines the logging interface for the cache manager.
// Implementations should be safe for concurrent use.
type Logger interface {
	// Debug logs a debug message with optional key-value pairs.
	Debug(msg string, keysAndValues ...any)

	// Info logs an informational message with optional key-value pairs.
	Info(msg string, keysAndValues ...any)

	// Warn logs a warning message with optional key-value pairs.
	Warn(msg string, keysAndValues ...any)

	// Error logs an error message with optional key-value pairs.
	Error(msg string, keysAndValues ...any)
}

// noopLogger is a Logger that discards all log messages.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Config configures the Manager.
type Config struct {
	// Source is the authoritative store that misses fall through to.
	// Required.
	Source Source

	// L1 is the process-local tier. If nil, an in-process MemoryTier
	// is used.
	L1 Tier

	// L2 is the shared tier. Optional; nil runs the cache with a
	// single tier.
	L2 Tier

	// L1TTL bounds L1 entry lifetime.
	// If zero, defaults to DefaultL1TTL (300s).
	L1TTL time.Duration

	// L2TTL bounds L2 entry lifetime.
	// If zero, defaults to DefaultL2TTL (3600s).
	L2TTL time.Duration

	// Dependencies maps an entity type to the function deriving the
	// dependent keys to evict alongside a mutated entity of that type.
	Dependencies map[entity.Type]DependencyFunc

	// ReconcileInterval paces the background sweep.
	// If zero, defaults to DefaultReconcileInterval (60s).
	ReconcileInterval time.Duration

	// Logger is the logging interface. If nil, a no-op logger is used.
	Logger Logger
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Source == nil {
		return errors.New("cache: Source is required")
	}
	return nil
}

// withDefaults returns a copy of the config with default values applied.
func (c *Config) withDefaults() Config {
	cfg := *c

	if cfg.L1 == nil {
		cfg.L1 = NewMemoryTier()
	}
	if cfg.L1TTL <= 0 {
		cfg.L1TTL = DefaultL1TTL
	}
	if cfg.L2TTL <= 0 {
		cfg.L2TTL = DefaultL2TTL
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = DefaultReconcileInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = noopLogger{}
	}

	return cfg
}
