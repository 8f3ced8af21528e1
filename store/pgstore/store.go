// Package pgstore provides a PostgreSQL-based store implementation.
//
// Snapshots and events are co-located in one database so a commit's
// writes land inside a single database transaction, which implements
// the all-or-nothing guarantee the transaction manager relies on.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lirancohen/plinth/entity"
	"github.com/lirancohen/plinth/store"
)

// Schema is the DDL for the tables this store uses. Embedders apply it
// with their own migration tooling.
const Schema = `
CREATE TABLE IF NOT EXISTS plinth_snapshots (
	entity_type  TEXT NOT NULL,
	entity_id    TEXT NOT NULL,
	version      BIGINT NOT NULL,
	payload      JSONB,
	committed_at TIMESTAMPTZ NOT NULL,
	actor        TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (entity_type, entity_id, version)
);
CREATE INDEX IF NOT EXISTS idx_plinth_snapshots_time
	ON plinth_snapshots (entity_type, entity_id, committed_at);

CREATE TABLE IF NOT EXISTS plinth_events (
	id           TEXT PRIMARY KEY,
	entity_type  TEXT NOT NULL,
	entity_id    TEXT NOT NULL,
	version      BIGINT NOT NULL,
	type         TEXT NOT NULL,
	delta        JSONB,
	actor        TEXT NOT NULL DEFAULT '',
	committed_at TIMESTAMPTZ NOT NULL,
	metadata     JSONB,
	CONSTRAINT plinth_events_entity_version UNIQUE (entity_type, entity_id, version)
);
`

// Store implements store.Store with PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a new PostgreSQL store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Commit persists the set's snapshots and events in one database
// transaction.
func (s *Store) Commit(ctx context.Context, set store.CommitSet) error {
	if len(set.Writes) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.commitInTx(ctx, tx, set); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// CommitTx persists the set within the given transaction, so embedders
// can commit entity state atomically with their own rows. The caller
// owns the transaction's commit and rollback.
// Accepts any type that provides access to a pgx.Tx, either by being a
// pgx.Tx directly or by implementing the PgxTxProvider interface.
func (s *Store) CommitTx(ctx context.Context, tx Tx, set store.CommitSet) error {
	if len(set.Writes) == 0 {
		return nil
	}

	rawTx, err := extractPgxTx(tx)
	if err != nil {
		return err
	}

	return s.commitInTx(ctx, rawTx, set)
}

// commitInTx is the internal implementation for commit.
func (s *Store) commitInTx(ctx context.Context, tx pgx.Tx, set store.CommitSet) error {
	if err := set.Validate(); err != nil {
		return err
	}

	// Advisory-lock every entity in canonical key order, so concurrent
	// commits touching overlapping entities serialize without deadlock.
	// This avoids the PostgreSQL limitation of FOR UPDATE with aggregates.
	keys := make([]entity.Key, 0, len(set.Writes))
	for _, w := range set.Writes {
		keys = append(keys, w.Snapshot.Key())
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	for _, key := range keys {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key.String()); err != nil {
			return fmt.Errorf("acquire advisory lock: %w", err)
		}
	}

	// Validate every base version under the advisory locks.
	for _, w := range set.Writes {
		key := w.Snapshot.Key()
		var current int64
		err := tx.QueryRow(ctx, `
			SELECT COALESCE(MAX(version), 0)
			FROM plinth_snapshots
			WHERE entity_type = $1 AND entity_id = $2
		`, string(key.Type), key.ID).Scan(&current)
		if err != nil {
			return fmt.Errorf("get current version: %w", err)
		}
		if current != w.Base {
			return &store.VersionConflictError{Key: key, Base: w.Base, Current: current}
		}
	}

	// Insert all snapshots and events
	batch := &pgx.Batch{}
	for _, w := range set.Writes {
		batch.Queue(`
			INSERT INTO plinth_snapshots (entity_type, entity_id, version, payload, committed_at, actor)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, string(w.Snapshot.EntityType), w.Snapshot.EntityID, w.Snapshot.Version, w.Snapshot.Payload, w.Snapshot.CommittedAt, w.Snapshot.Actor)
		batch.Queue(`
			INSERT INTO plinth_events (id, entity_type, entity_id, version, type, delta, actor, committed_at, metadata)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, w.Event.ID, string(w.Event.EntityType), w.Event.EntityID, w.Event.Version, string(w.Event.Type), w.Event.Delta, w.Event.Actor, w.Event.CommittedAt, w.Event.Metadata)
	}

	results := tx.SendBatch(ctx, batch)
	defer results.Close()

	for _, w := range set.Writes {
		if _, err := results.Exec(); err != nil {
			if isDuplicateKeyError(err) {
				// A snapshot row slipped in despite the advisory lock.
				key := w.Snapshot.Key()
				return &store.VersionConflictError{Key: key, Base: w.Base, Current: w.Snapshot.Version}
			}
			return fmt.Errorf("insert snapshot: %w", err)
		}
		if _, err := results.Exec(); err != nil {
			if isDuplicateKeyError(err) {
				return store.ErrDuplicateEvent
			}
			return fmt.Errorf("insert event: %w", err)
		}
	}

	return nil
}

// querier is an interface satisfied by both pgxpool.Pool and pgx.Tx.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Latest returns the current snapshot for the entity.
func (s *Store) Latest(ctx context.Context, key entity.Key) (entity.Snapshot, error) {
	return s.loadSnapshot(ctx, s.pool, key, `
		SELECT entity_type, entity_id, version, payload, committed_at, actor
		FROM plinth_snapshots
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY version DESC
		LIMIT 1
	`, string(key.Type), key.ID)
}

// AtVersion returns the snapshot at an exact version.
func (s *Store) AtVersion(ctx context.Context, key entity.Key, version int64) (entity.Snapshot, error) {
	return s.loadSnapshot(ctx, s.pool, key, `
		SELECT entity_type, entity_id, version, payload, committed_at, actor
		FROM plinth_snapshots
		WHERE entity_type = $1 AND entity_id = $2 AND version = $3
	`, string(key.Type), key.ID, version)
}

// AtTime returns the snapshot with the greatest CommittedAt <= t.
func (s *Store) AtTime(ctx context.Context, key entity.Key, t time.Time) (entity.Snapshot, error) {
	return s.loadSnapshot(ctx, s.pool, key, `
		SELECT entity_type, entity_id, version, payload, committed_at, actor
		FROM plinth_snapshots
		WHERE entity_type = $1 AND entity_id = $2 AND committed_at <= $3
		ORDER BY version DESC
		LIMIT 1
	`, string(key.Type), key.ID, t)
}

// loadSnapshot is the internal implementation for single-snapshot reads.
func (s *Store) loadSnapshot(ctx context.Context, q querier, key entity.Key, sql string, args ...any) (entity.Snapshot, error) {
	var snap entity.Snapshot
	var entityType string
	err := q.QueryRow(ctx, sql, args...).Scan(
		&entityType, &snap.EntityID, &snap.Version, &snap.Payload, &snap.CommittedAt, &snap.Actor,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return entity.Snapshot{}, fmt.Errorf("%s: %w", key, store.ErrNotFound)
	}
	if err != nil {
		return entity.Snapshot{}, fmt.Errorf("query snapshot: %w", err)
	}
	snap.EntityType = entity.Type(entityType)
	return snap, nil
}

// History returns the entity's committed versions in ascending order.
func (s *Store) History(ctx context.Context, key entity.Key) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT version
		FROM plinth_snapshots
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY version ASC
	`, string(key.Type), key.ID)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	history := []int64{}
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		history = append(history, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return history, nil
}

// Events returns the entity's events ascending by version.
// upTo <= 0 means all events.
func (s *Store) Events(ctx context.Context, key entity.Key, upTo int64) ([]entity.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, entity_type, entity_id, version, type, delta, actor, committed_at, metadata
		FROM plinth_events
		WHERE entity_type = $1 AND entity_id = $2 AND ($3::BIGINT <= 0 OR version <= $3)
		ORDER BY version ASC
	`, string(key.Type), key.ID, upTo)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []entity.Event
	for rows.Next() {
		var e entity.Event
		var entityType, eventType string
		if err := rows.Scan(&e.ID, &entityType, &e.EntityID, &e.Version, &eventType, &e.Delta, &e.Actor, &e.CommittedAt, &e.Metadata); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.EntityType = entity.Type(entityType)
		e.Type = parseEventType(eventType)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// LastVersion returns the entity's current version, 0 if never committed.
func (s *Store) LastVersion(ctx context.Context, key entity.Key) (int64, error) {
	var last int64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(version), 0)
		FROM plinth_snapshots
		WHERE entity_type = $1 AND entity_id = $2
	`, string(key.Type), key.ID).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("get last version: %w", err)
	}
	return last, nil
}

// Tx represents a database transaction for CommitTx.
type Tx interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// PgxTxProvider is an interface for types that can provide a pgx.Tx.
// This allows different transaction wrapper types to be used with the store.
type PgxTxProvider interface {
	PgxTx() pgx.Tx
}

// pgxTx wraps a pgx.Tx to satisfy the Tx interface.
type pgxTx struct {
	pgx.Tx
}

// PgxTx returns the underlying pgx.Tx.
func (p pgxTx) PgxTx() pgx.Tx {
	return p.Tx
}

// WrapTx wraps a pgx.Tx to work with CommitTx.
func WrapTx(tx pgx.Tx) Tx {
	return pgxTx{tx}
}

// extractPgxTx extracts the underlying pgx.Tx from various wrapper types.
func extractPgxTx(tx Tx) (pgx.Tx, error) {
	if pgxTx, ok := tx.(pgx.Tx); ok {
		return pgxTx, nil
	}
	if wrapper, ok := tx.(pgxTx); ok {
		return wrapper.Tx, nil
	}
	if provider, ok := tx.(PgxTxProvider); ok {
		return provider.PgxTx(), nil
	}
	return nil, errors.New("pgstore: tx must be a pgx.Tx or implement PgxTxProvider")
}

// parseEventType converts a string to an entity.EventType.
func parseEventType(s string) entity.EventType {
	switch s {
	case "created":
		return entity.EventCreated
	case "updated":
		return entity.EventUpdated
	case "rollback":
		return entity.EventRollback
	default:
		return entity.EventType(s)
	}
}

// isDuplicateKeyError checks if the error is a PostgreSQL unique
// violation (error code 23505).
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
