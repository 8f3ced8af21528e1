// Package rollback restores a prior entity state as a new committed
// version. A rollback never rewrites history: it commits through the
// transaction manager like any other write, tagged as a rollback event
// with provenance metadata, and every rolled-back-from version stays
// permanently readable.
package rollback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lirancohen/plinth/entity"
	"github.com/lirancohen/plinth/store"
	"github.com/lirancohen/plinth/txn"
)

// Logger defines the logging interface for the rollback coordinator.
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

// Target selects the state a rollback restores: an exact version, or
// the state current as of an instant. Exactly one field must be set.
type Target struct {
	// Version restores the payload committed at this version.
	Version int64

	// Time restores the state current as of this instant, resolved by
	// folding the event log.
	Time time.Time
}

// ToVersion targets the payload at an exact version.
func ToVersion(v int64) Target {
	return Target{Version: v}
}

// ToTime targets the state current as of t.
func ToTime(t time.Time) Target {
	return Target{Time: t}
}

func (tg Target) validate() error {
	switch {
	case tg.Version < 0:
		return fmt.Errorf("rollback: negative target version %d", tg.Version)
	case tg.Version > 0 && !tg.Time.IsZero():
		return errors.New("rollback: target sets both version and time")
	case tg.Version == 0 && tg.Time.IsZero():
		return errors.New("rollback: target sets neither version nor time")
	}
	return nil
}

// Config configures a rollback Coordinator.
type Config struct {
	// Txn begins the pessimistic transaction every rollback commits
	// through, and resolves targets against committed history. Required.
	Txn *txn.Manager

	// LockWait bounds the entity lock acquisition per rollback. If
	// zero, the transaction manager's default applies.
	LockWait time.Duration

	// Logger is the logging interface. If nil, a no-op logger is used.
	Logger Logger
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.Txn == nil {
		return errors.New("rollback: Txn is required")
	}
	return nil
}

// withDefaults returns a copy of the config with default values applied.
func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.Logger == nil {
		cfg.Logger = noopLogger{}
	}
	return cfg
}

// Coordinator restores prior entity states. Coordinators are safe for
// concurrent use.
type Coordinator struct {
	cfg Config
}

// New creates a Coordinator with the given configuration.
func New(config Config) (*Coordinator, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Coordinator{cfg: config.withDefaults()}, nil
}

// RollbackTo commits the targeted prior state of the entity as its next
// version and returns the new version number. The commit runs in a
// pessimistic transaction on the entity, so a rollback cannot race a
// concurrent writer; contention surfaces as lock.ErrLockTimeout, which
// is retryable. The committed event carries event type "rollback" and
// metadata recording the resolved version, the requested instant for
// time targets, and the caller's reason.
func (c *Coordinator) RollbackTo(ctx context.Context, key entity.Key, target Target, reason, actor string) (int64, error) {
	if err := key.Validate(); err != nil {
		return 0, err
	}
	if err := target.validate(); err != nil {
		return 0, err
	}
	if reason == "" {
		return 0, errors.New("rollback: reason is required")
	}

	tx, err := c.cfg.Txn.Begin(ctx, txn.Pessimistic, txn.BeginOptions{
		Keys:     []entity.Key{key},
		Actor:    actor,
		LockWait: c.cfg.LockWait,
	})
	if err != nil {
		return 0, fmt.Errorf("begin rollback transaction: %w", err)
	}
	defer tx.Abort(ctx)

	// Resolve under the lease so nothing moves the entity between
	// resolution and commit.
	resolved, details, err := c.resolve(ctx, key, target)
	if err != nil {
		return 0, err
	}
	details.Reason = reason

	current, err := tx.Read(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("read current state: %w", err)
	}

	restore := func(json.RawMessage) (json.RawMessage, error) {
		return append(json.RawMessage(nil), resolved.Payload...), nil
	}
	if err := tx.StageTagged(key, restore, entity.EventRollback, details.Metadata()); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}

	newVersion := current.Version + 1
	c.cfg.Logger.Info("rolled back entity",
		"key", key.String(), "to_version", details.ToVersion, "new_version", newVersion, "actor", actor)
	return newVersion, nil
}

// resolve maps the target to the concrete snapshot to restore. Version
// targets look up the version store directly; time targets fold the
// event log up to the requested instant.
func (c *Coordinator) resolve(ctx context.Context, key entity.Key, target Target) (entity.Snapshot, entity.RollbackDetails, error) {
	if target.Version > 0 {
		snap, err := c.cfg.Txn.AtVersion(ctx, key, target.Version)
		if err != nil {
			return entity.Snapshot{}, entity.RollbackDetails{}, fmt.Errorf("resolve version %d of %s: %w", target.Version, key, err)
		}
		return snap, entity.RollbackDetails{ToVersion: snap.Version}, nil
	}

	events, err := c.cfg.Txn.Events(ctx, key, 0)
	if err != nil {
		return entity.Snapshot{}, entity.RollbackDetails{}, fmt.Errorf("load event log for %s: %w", key, err)
	}
	snap, found, err := entity.FoldAt(events, target.Time)
	if err != nil {
		return entity.Snapshot{}, entity.RollbackDetails{}, fmt.Errorf("fold events for %s: %w", key, err)
	}
	if !found {
		return entity.Snapshot{}, entity.RollbackDetails{},
			fmt.Errorf("resolve %s at %s: %w", key, target.Time.Format(time.RFC3339Nano), store.ErrNotFound)
	}
	return snap, entity.RollbackDetails{ToVersion: snap.Version, ToTime: target.Time}, nil
}
