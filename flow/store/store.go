// Package store provides persistence backends for workflow checkpoints.
//
// The checkpoint blob is opaque to this package: encoding, versioning, and
// cycle handling belong to the checkpoint package. Stores only guarantee
// durable, ordered round-trips keyed by execution ID.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested execution has no checkpoints.
var ErrNotFound = errors.New("not found")

// Checkpoint is one durable snapshot record.
type Checkpoint struct {
	// ExecutionID identifies the workflow execution this snapshot belongs to.
	ExecutionID string

	// Seq orders checkpoints within an execution. Monotonically increasing,
	// assigned by the caller (the orchestrator is the single writer per
	// execution, so sequences never interleave).
	Seq int

	// Version is the blob's schema version tag, checked on resume.
	Version int

	// Blob is the opaque serialized machine state.
	Blob []byte

	// CreatedAt records when this checkpoint was created.
	CreatedAt time.Time
}

// Store persists workflow checkpoints.
//
// Implementations must be safe for concurrent use. Per-execution write
// ordering is the caller's responsibility (single writer per execution);
// stores only promise that committed records are returned in Seq order.
//
// Implementations provided:
//   - MemStore: in-memory, for tests and single-process workflows
//   - SQLiteStore: single-file database via modernc.org/sqlite
//   - MySQLStore: shared database via go-sql-driver/mysql
type Store interface {
	// Save persists a checkpoint record.
	Save(ctx context.Context, cp Checkpoint) error

	// ListForExecution returns all checkpoints for an execution, oldest
	// first (ascending Seq). Returns an empty slice, not an error, when
	// none exist.
	ListForExecution(ctx context.Context, executionID string) ([]Checkpoint, error)

	// LoadLatest returns the checkpoint with the highest Seq for an
	// execution. Returns ErrNotFound when none exist.
	LoadLatest(ctx context.Context, executionID string) (Checkpoint, error)

	// DeleteForExecution removes every checkpoint for an execution.
	// Idempotent: deleting an execution with zero checkpoints is not an
	// error.
	DeleteForExecution(ctx context.Context, executionID string) error
}
