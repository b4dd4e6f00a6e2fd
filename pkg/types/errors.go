package types

import (
	"errors"
	"fmt"
)

// Validation errors
var (
	ErrEmptyID      = errors.New("id cannot be empty")
	ErrEmptyType    = errors.New("type cannot be empty")
	ErrEmptyBatchID = errors.New("source_batch_id cannot be empty")
)

// Core error taxonomy. Transient store errors are retried at the store
// boundary; logical errors are reported upward as deferred work, never
// retried blindly.
var (
	// ErrDimensionMismatch is returned when two embeddings have different
	// lengths. Fatal to the single comparison, not to the batch.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrResolutionUnavailable is returned when the store cannot be reached
	// during a similarity lookup. The candidate is deferred, never guessed at.
	ErrResolutionUnavailable = errors.New("resolution unavailable")

	// ErrUnresolvedEndpoint is returned when an edge candidate references an
	// entity that resolved to no node in the batch or the store.
	ErrUnresolvedEndpoint = errors.New("unresolved endpoint")

	// ErrDuplicateOperationKey indicates two merge operations targeting the
	// same entity id within one commit. This is a reconciler bug.
	ErrDuplicateOperationKey = errors.New("duplicate operation key")

	// ErrNotFound is returned by store lookups for missing documents.
	ErrNotFound = errors.New("not found")

	// ErrBatchCancelled is returned when a batch is cancelled before commit.
	ErrBatchCancelled = errors.New("batch cancelled")
)

// DimensionError wraps ErrDimensionMismatch with the offending lengths.
func DimensionError(lenA, lenB int) error {
	return fmt.Errorf("%w: len(a)=%d len(b)=%d", ErrDimensionMismatch, lenA, lenB)
}

// CommitFailedError reports the subset of a commit that exhausted its retry
// budget. The ops it carries are re-queued by the coordinator, never dropped.
type CommitFailedError struct {
	Ops []*MergeOperation
	Err error
}

func (e *CommitFailedError) Error() string {
	return fmt.Sprintf("commit failed for %d operations: %v", len(e.Ops), e.Err)
}

func (e *CommitFailedError) Unwrap() error { return e.Err }
