// Package checkpoint serializes and restores workflow machine state so an
// interrupted execution can resume where it stopped.
//
// Checkpoints are opaque versioned blobs. The only contract is round-trip
// fidelity through Create/Resume plus a schema version tag checked on
// resume. Persistence is delegated to a store.Store; this package owns the
// encoding, including context object graphs that contain cycles.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dshills/taskflow-go/flow/machine"
	"github.com/dshills/taskflow-go/flow/store"
)

// SchemaVersion is the blob schema produced by Create. Resume rejects
// blobs whose version it does not understand.
const SchemaVersion = 1

// Resume error codes.
const (
	// CodeUnsupportedVersion indicates the blob's schema version is
	// incompatible with this package.
	CodeUnsupportedVersion = "UNSUPPORTED_CHECKPOINT_VERSION"

	// CodeDeserialize indicates the blob could not be decoded at all.
	CodeDeserialize = "DESERIALIZE_ERROR"
)

// ResumeError is returned when a checkpoint cannot be restored.
type ResumeError struct {
	Code    string
	Message string
	Cause   error
}

func (e *ResumeError) Error() string {
	return e.Code + ": " + e.Message
}

func (e *ResumeError) Unwrap() error {
	return e.Cause
}

// IsUnsupportedVersion reports whether err is a ResumeError with code
// CodeUnsupportedVersion.
func IsUnsupportedVersion(err error) bool {
	var re *ResumeError
	return errors.As(err, &re) && re.Code == CodeUnsupportedVersion
}

type blobV1 struct {
	Version  int             `json:"version"`
	Snapshot json.RawMessage `json:"snapshot"`
	Context  arenaDoc        `json:"context"`
}

// Service creates, lists, invalidates, and resumes checkpoints for machine
// instances built from one Def.
//
// The orchestrator is the single checkpoint writer per execution, which
// keeps sequence numbers totally ordered without cross-process
// coordination.
//
// Type parameter P is the machine payload type.
type Service[P any] struct {
	def *machine.Def[P]
	st  store.Store
	now func() time.Time
}

// NewService creates a checkpoint service over the given machine
// definition and persistence store. The now function stamps checkpoint
// creation times; nil defaults to time.Now.
func NewService[P any](def *machine.Def[P], st store.Store, now func() time.Time) *Service[P] {
	if now == nil {
		now = time.Now
	}
	return &Service[P]{def: def, st: st, now: now}
}

// Create snapshots a machine instance together with a free-form execution
// context and persists it as the execution's next checkpoint.
//
// The context may contain cyclic object graphs; the codec records
// back-references with stable ids rather than failing or looping.
func (s *Service[P]) Create(ctx context.Context, executionID string, m *machine.Instance[P], execContext interface{}) (store.Checkpoint, error) {
	snap := m.Snapshot()

	snapJSON, err := json.Marshal(snap)
	if err != nil {
		return store.Checkpoint{}, fmt.Errorf("failed to marshal machine snapshot: %w", err)
	}

	ctxDoc, err := encodeContext(execContext)
	if err != nil {
		return store.Checkpoint{}, fmt.Errorf("failed to encode execution context: %w", err)
	}

	blob, err := json.Marshal(blobV1{
		Version:  SchemaVersion,
		Snapshot: snapJSON,
		Context:  ctxDoc,
	})
	if err != nil {
		return store.Checkpoint{}, fmt.Errorf("failed to marshal checkpoint blob: %w", err)
	}

	seq := 1
	if latest, err := s.st.LoadLatest(ctx, executionID); err == nil {
		seq = latest.Seq + 1
	} else if !errors.Is(err, store.ErrNotFound) {
		return store.Checkpoint{}, fmt.Errorf("failed to determine next checkpoint seq: %w", err)
	}

	cp := store.Checkpoint{
		ExecutionID: executionID,
		Seq:         seq,
		Version:     SchemaVersion,
		Blob:        blob,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.st.Save(ctx, cp); err != nil {
		return store.Checkpoint{}, fmt.Errorf("failed to persist checkpoint: %w", err)
	}

	return cp, nil
}

// ListForExecution returns the execution's checkpoints, oldest first.
func (s *Service[P]) ListForExecution(ctx context.Context, executionID string) ([]store.Checkpoint, error) {
	return s.st.ListForExecution(ctx, executionID)
}

// Invalidate deletes all checkpoints for an execution. Idempotent: zero
// checkpoints present is not an error. A checkpoint for a failed,
// cancelled, or completed execution must never be resumable, so callers
// invoke this on every terminal outcome.
func (s *Service[P]) Invalidate(ctx context.Context, executionID string) error {
	return s.st.DeleteForExecution(ctx, executionID)
}

// Resume reconstructs the machine instance and execution context captured
// in a checkpoint.
//
// Fails with UNSUPPORTED_CHECKPOINT_VERSION when the blob's schema version
// is incompatible, and DESERIALIZE_ERROR when the blob cannot be decoded.
func (s *Service[P]) Resume(_ context.Context, cp store.Checkpoint) (*machine.Instance[P], interface{}, error) {
	var blob blobV1
	if err := json.Unmarshal(cp.Blob, &blob); err != nil {
		return nil, nil, &ResumeError{
			Code:    CodeDeserialize,
			Message: fmt.Sprintf("checkpoint %s/%d is not decodable", cp.ExecutionID, cp.Seq),
			Cause:   err,
		}
	}

	if blob.Version != SchemaVersion {
		return nil, nil, &ResumeError{
			Code:    CodeUnsupportedVersion,
			Message: fmt.Sprintf("checkpoint schema version %d, want %d", blob.Version, SchemaVersion),
		}
	}

	var snap machine.Snapshot[P]
	if err := json.Unmarshal(blob.Snapshot, &snap); err != nil {
		return nil, nil, &ResumeError{
			Code:    CodeDeserialize,
			Message: "machine snapshot is not decodable",
			Cause:   err,
		}
	}

	execContext, err := decodeContext(blob.Context)
	if err != nil {
		return nil, nil, &ResumeError{
			Code:    CodeDeserialize,
			Message: "execution context is not decodable",
			Cause:   err,
		}
	}

	return s.def.Restore(snap), execContext, nil
}
