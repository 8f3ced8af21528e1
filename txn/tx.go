package txn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/lirancohen/plinth/entity"
	"github.com/lirancohen/plinth/lock"
	"github.com/lirancohen/plinth/store"
	"github.com/lirancohen/plinth/stream"
)

type txState int

const (
	stateActive txState = iota
	stateCommitted
	stateAborted
)

// readState captures what the transaction's first read of a key
// observed. The version is the token Commit validates; zero means the
// entity did not exist, so a concurrent creation is detected the same
// way as a concurrent update.
type readState struct {
	found bool
	snap  entity.Snapshot
}

func (rs readState) version() int64 {
	if !rs.found {
		return 0
	}
	return rs.snap.Version
}

func (rs readState) payload() json.RawMessage {
	if !rs.found {
		return nil
	}
	return rs.snap.Payload
}

// stagedWrite is the buffered mutation state for one key: the mutators
// to fold over the committed payload, plus an optional explicit event
// type and metadata for the resulting event.
type stagedWrite struct {
	mutators  []Mutator
	eventType entity.EventType
	metadata  map[string]string
}

func (sw *stagedWrite) apply(prior json.RawMessage) (json.RawMessage, error) {
	payload := prior
	for _, fn := range sw.mutators {
		next, err := fn(payload)
		if err != nil {
			return nil, err
		}
		if next == nil {
			return nil, errors.New("mutator returned nil payload")
		}
		payload = next
	}
	return payload, nil
}

// Tx is a single transaction. A Tx is not safe for concurrent use by
// multiple goroutines.
//
// Commit consumes the transaction either way: on failure the staged
// state is discarded and any held locks released, so retrying means
// beginning a new transaction. Pair every Begin with a deferred Abort.
type Tx struct {
	mgr      *Manager
	mode     Mode
	actor    string
	lease    lock.Lease
	declared map[entity.Key]struct{}

	state  txState
	reads  map[entity.Key]readState
	staged map[entity.Key]*stagedWrite
}

// Mode returns the transaction's concurrency mode.
func (tx *Tx) Mode() Mode {
	return tx.mode
}

// Read returns the entity as this transaction sees it: its own staged
// mutations applied over the committed state, or the committed state
// alone. The first read of each key captures the version token that
// Commit validates. Reading an entity that does not exist returns
// store.ErrNotFound and captures a zero token.
//
// Staged views carry the version the write would commit as and a zero
// CommittedAt.
func (tx *Tx) Read(ctx context.Context, key entity.Key) (entity.Snapshot, error) {
	if tx.state != stateActive {
		return entity.Snapshot{}, ErrTxDone
	}
	if err := key.Validate(); err != nil {
		return entity.Snapshot{}, err
	}

	rs, err := tx.readBase(ctx, key)
	if err != nil {
		return entity.Snapshot{}, err
	}

	if sw, ok := tx.staged[key]; ok {
		payload, err := sw.apply(rs.payload())
		if err != nil {
			return entity.Snapshot{}, fmt.Errorf("apply staged mutation for %s: %w", key, err)
		}
		return entity.Snapshot{
			EntityType: key.Type,
			EntityID:   key.ID,
			Version:    rs.version() + 1,
			Payload:    payload,
			Actor:      tx.actor,
		}, nil
	}

	if !rs.found {
		return entity.Snapshot{}, fmt.Errorf("read %s: %w", key, store.ErrNotFound)
	}
	return rs.snap, nil
}

// readBase returns the committed state for key, fetching and capturing
// it on first use. A missing entity is captured as found=false; a
// transient fetch failure is returned without capturing anything, so a
// later read can still establish the token.
func (tx *Tx) readBase(ctx context.Context, key entity.Key) (readState, error) {
	if rs, ok := tx.reads[key]; ok {
		return rs, nil
	}
	snap, err := tx.fetchCommitted(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		rs := readState{}
		tx.reads[key] = rs
		return rs, nil
	}
	if err != nil {
		return readState{}, &StorageError{Op: "read", Err: err}
	}
	rs := readState{found: true, snap: snap}
	tx.reads[key] = rs
	return rs, nil
}

// fetchCommitted reads the committed snapshot for a transactional read.
// Pessimistic transactions go straight to the store: under a held lease
// the store is frozen and authoritative, while a cache entry may lag a
// commit from elsewhere. Optimistic transactions may read the local
// cache tier; a stale entry surfaces as a commit conflict and the entry
// is evicted then.
func (tx *Tx) fetchCommitted(ctx context.Context, key entity.Key) (entity.Snapshot, error) {
	if tx.mode == Optimistic && tx.mgr.cfg.Cache != nil {
		return tx.mgr.cfg.Cache.LatestLocal(ctx, key)
	}
	return tx.mgr.cfg.Store.Latest(ctx, key)
}

// Stage buffers a mutation of key. Mutators for the same key fold in
// staging order. Staging touches no shared state; other transactions
// cannot observe staged writes.
func (tx *Tx) Stage(key entity.Key, fn Mutator) error {
	return tx.stage(key, fn, "", nil)
}

// StageTagged buffers a mutation whose committed event carries an
// explicit type and metadata instead of the derived created/updated
// type. Rollbacks use this to commit first-class rollback events with
// provenance metadata.
func (tx *Tx) StageTagged(key entity.Key, fn Mutator, eventType entity.EventType, metadata map[string]string) error {
	if !eventType.Valid() {
		return fmt.Errorf("stage %s: unknown event type %q", key, eventType)
	}
	return tx.stage(key, fn, eventType, metadata)
}

func (tx *Tx) stage(key entity.Key, fn Mutator, eventType entity.EventType, metadata map[string]string) error {
	if tx.state != stateActive {
		return ErrTxDone
	}
	if err := key.Validate(); err != nil {
		return err
	}
	if fn == nil {
		return errors.New("txn: nil mutator")
	}
	if tx.mode == Pessimistic {
		if _, ok := tx.declared[key]; !ok {
			return fmt.Errorf("stage %s: %w", key, ErrKeyNotDeclared)
		}
	}
	sw := tx.staged[key]
	if sw == nil {
		sw = &stagedWrite{}
		tx.staged[key] = sw
	}
	sw.mutators = append(sw.mutators, fn)
	if eventType != "" {
		sw.eventType = eventType
		sw.metadata = metadata
	}
	return nil
}

// Commit persists every staged write as one atomic unit: base versions
// are validated (optimistic) or lease ownership confirmed
// (pessimistic), and all events and snapshots land together or not at
// all. On success the affected cache keys are invalidated, stream
// records published, and held locks released.
//
// Failures map to *OptimisticConflictError (wrapping
// ErrOptimisticConflict), lock.ErrLockExpired, or *StorageError
// (wrapping ErrStorage, commit outcome unknown). Either way the
// transaction is finished afterward; retry by beginning a new one.
func (tx *Tx) Commit(ctx context.Context) error {
	if tx.state != stateActive {
		return ErrTxDone
	}

	if len(tx.staged) == 0 {
		tx.state = stateCommitted
		tx.releaseLocks(ctx)
		return nil
	}

	err := tx.commit(ctx)
	if err != nil {
		tx.state = stateAborted
		tx.releaseLocks(ctx)
		tx.mgr.cfg.Logger.Debug("transaction failed",
			"mode", tx.mode.String(), "writes", len(tx.staged), "error", err)
		return err
	}
	return nil
}

func (tx *Tx) commit(ctx context.Context) error {
	if tx.mode == Pessimistic {
		held, err := tx.mgr.cfg.Locker.Held(ctx, tx.lease)
		if err != nil {
			return &StorageError{Op: "confirm lease", Err: err}
		}
		if !held {
			return fmt.Errorf("commit: %w", lock.ErrLockExpired)
		}
	}

	set, snaps, records, err := tx.buildCommitSet(ctx)
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, tx.mgr.cfg.CommitTimeout)
	err = tx.mgr.cfg.Store.Commit(cctx, set)
	cancel()
	if err != nil {
		return tx.mapCommitError(ctx, err)
	}

	tx.state = stateCommitted
	if tx.mgr.cfg.Cache != nil {
		tx.mgr.cfg.Cache.InvalidateCommitted(ctx, snaps)
	}
	if tx.mgr.cfg.Stream != nil {
		tx.mgr.cfg.Stream.Publish(records...)
	}
	tx.releaseLocks(ctx)
	tx.mgr.cfg.Logger.Debug("transaction committed",
		"mode", tx.mode.String(), "writes", len(snaps), "actor", tx.actor)
	return nil
}

// buildCommitSet resolves every staged write against its base state:
// mutators fold into the new payload, the delta against the prior
// payload becomes the event, and the base version token rides along for
// validation. Writes are ordered canonically by key so the store
// applies concurrent multi-entity commits in a deadlock-free order.
func (tx *Tx) buildCommitSet(ctx context.Context) (store.CommitSet, []entity.Snapshot, []stream.Record, error) {
	keys := make([]entity.Key, 0, len(tx.staged))
	for key := range tx.staged {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	now := time.Now().UTC()
	set := store.CommitSet{Writes: make([]store.Write, 0, len(keys))}
	snaps := make([]entity.Snapshot, 0, len(keys))
	records := make([]stream.Record, 0, len(keys))

	for _, key := range keys {
		rs, err := tx.readBase(ctx, key)
		if err != nil {
			return store.CommitSet{}, nil, nil, err
		}
		sw := tx.staged[key]

		payload, err := sw.apply(rs.payload())
		if err != nil {
			return store.CommitSet{}, nil, nil, fmt.Errorf("mutate %s: %w", key, err)
		}
		delta, err := entity.Diff(rs.payload(), payload)
		if err != nil {
			return store.CommitSet{}, nil, nil, fmt.Errorf("encode delta for %s: %w", key, err)
		}

		base := rs.version()
		eventType := sw.eventType
		if eventType == "" {
			if base == 0 {
				eventType = entity.EventCreated
			} else {
				eventType = entity.EventUpdated
			}
		}

		event := entity.Event{
			ID:          uuid.New().String(),
			EntityType:  key.Type,
			EntityID:    key.ID,
			Version:     base + 1,
			Type:        eventType,
			Delta:       delta,
			Actor:       tx.actor,
			CommittedAt: now,
			Metadata:    sw.metadata,
		}
		snapshot := entity.Snapshot{
			EntityType:  key.Type,
			EntityID:    key.ID,
			Version:     base + 1,
			Payload:     payload,
			CommittedAt: now,
			Actor:       tx.actor,
		}
		set.Writes = append(set.Writes, store.Write{Base: base, Snapshot: snapshot, Event: event})
		snaps = append(snaps, snapshot)
		records = append(records, stream.RecordOf(event))
	}
	return set, snaps, records, nil
}

// mapCommitError translates a store commit failure into the
// transaction error taxonomy.
func (tx *Tx) mapCommitError(ctx context.Context, err error) error {
	var vce *store.VersionConflictError
	if errors.As(err, &vce) {
		if tx.mode == Optimistic {
			// The losing read may have come from a stale cache entry;
			// evict it so the retry reads fresh state.
			if tx.mgr.cfg.Cache != nil {
				tx.mgr.cfg.Cache.Evict(ctx, vce.Key)
			}
			return &OptimisticConflictError{Key: vce.Key, Read: vce.Base, Current: vce.Current}
		}
		// A version moved during a pessimistic commit. If the lease
		// lapsed another writer got in; otherwise lock discipline was
		// violated and this is a bug.
		if held, herr := tx.mgr.cfg.Locker.Held(ctx, tx.lease); herr == nil && !held {
			return fmt.Errorf("commit: %w", lock.ErrLockExpired)
		}
		return fmt.Errorf("version of %s moved under held lease: %w", vce.Key, ErrInvariant)
	}
	if errors.Is(err, store.ErrInvalidCommit) || errors.Is(err, store.ErrDuplicateEvent) {
		return fmt.Errorf("commit rejected: %w", err)
	}
	return &StorageError{Op: "commit", Err: err}
}

// Abort discards all staged state and releases any held locks. It
// always succeeds; aborting a finished transaction is a no-op.
func (tx *Tx) Abort(ctx context.Context) {
	if tx.state != stateActive {
		return
	}
	tx.state = stateAborted
	tx.staged = nil
	tx.releaseLocks(ctx)
	tx.mgr.cfg.Logger.Debug("transaction aborted", "mode", tx.mode.String())
}

func (tx *Tx) releaseLocks(ctx context.Context) {
	if tx.mode != Pessimistic || len(tx.lease.Keys) == 0 {
		return
	}
	if err := tx.mgr.cfg.Locker.Release(ctx, tx.lease); err != nil {
		tx.mgr.cfg.Logger.Warn("lease release failed", "keys", tx.lease.Keys, "error", err)
	}
	tx.lease = lock.Lease{}
}
