// Package txn implements transactions over the version store: atomic
// multi-entity read-modify-write sequences with optimistic or
// pessimistic concurrency control.
//
// A transaction buffers staged mutations, invisible to every other
// transaction, until Commit persists all of them as one unit: each
// write's base version is validated, its event appended, and its new
// snapshot recorded, atomically across all staged entities. After the
// atomic step, affected cache entries are invalidated, one record per
// committed write is published to the outbound stream, and any held
// locks are released.
//
// Callers should pair every Begin with a deferred Abort; aborting a
// finished transaction is a no-op.
package txn

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lirancohen/plinth/entity"
	"github.com/lirancohen/plinth/lock"
)

// Mode selects a transaction's concurrency control strategy.
type Mode int

const (
	// Optimistic holds no locks. Version tokens captured at read time
	// are re-validated inside Commit; a token that moved fails the
	// whole commit with an OptimisticConflictError.
	Optimistic Mode = iota

	// Pessimistic acquires exclusive leases on the keys declared at
	// Begin and holds them until Commit or Abort. Reads outside the
	// declared set are permitted; writes are not.
	Pessimistic
)

func (m Mode) String() string {
	switch m {
	case Optimistic:
		return "optimistic"
	case Pessimistic:
		return "pessimistic"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Mutator transforms an entity payload. It receives the payload the
// write applies to, nil when the entity does not exist yet, and returns
// the complete new payload. Mutators run when the transaction reads its
// own staged state and again during Commit, so they must be pure
// functions of their input.
type Mutator func(prior json.RawMessage) (json.RawMessage, error)

// Errors returned by transactions.
var (
	// ErrTxDone indicates use of a transaction after it committed or
	// aborted.
	ErrTxDone = errors.New("transaction already completed")

	// ErrOptimisticConflict indicates another transaction committed an
	// entity between this transaction's read and its commit. The staged
	// work is discarded; the caller re-reads and retries in a new
	// transaction.
	ErrOptimisticConflict = errors.New("optimistic conflict")

	// ErrStorage indicates the backing store failed or timed out. When
	// it happened mid-commit the outcome is unknown: the commit may or
	// may not have landed, so callers must re-read current state before
	// any retry.
	ErrStorage = errors.New("storage failure")

	// ErrInvariant indicates an internal invariant was violated, such
	// as an entity version moving while its lease was verifiably held.
	// It signals a bug, never a condition to retry.
	ErrInvariant = errors.New("internal invariant violated")

	// ErrKeyNotDeclared indicates a pessimistic transaction staged a
	// write for a key it did not declare (and lock) at Begin.
	ErrKeyNotDeclared = errors.New("key not declared at begin")
)

// OptimisticConflictError reports which entity moved between read and
// commit, and where it is now.
type OptimisticConflictError struct {
	// Key is the entity whose version moved.
	Key entity.Key

	// Read is the version token captured when the transaction read the
	// entity.
	Read int64

	// Current is the committed version found at commit time.
	Current int64
}

func (e *OptimisticConflictError) Error() string {
	return fmt.Sprintf("optimistic conflict for %s: read version %d, current is %d", e.Key, e.Read, e.Current)
}

func (e *OptimisticConflictError) Unwrap() error {
	return ErrOptimisticConflict
}

// StorageError wraps a backing-store failure. For Op "commit" the
// outcome is ambiguous and callers must re-read before retrying.
type StorageError struct {
	// Op names the operation that failed.
	Op string

	// Err is the underlying failure.
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return ErrStorage
}

// Retryable reports whether err is one of the two transaction failures
// a caller is expected to retry automatically, with backoff and a fresh
// transaction: optimistic conflicts and lock wait timeouts. Storage
// failures are deliberately excluded; their outcome is unknown until
// the caller re-reads.
func Retryable(err error) bool {
	return errors.Is(err, ErrOptimisticConflict) || errors.Is(err, lock.ErrLockTimeout)
}
