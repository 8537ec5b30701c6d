package store

import (
	"context"
	"sort"
	"sync"
)

// MemStore is an in-memory implementation of Store.
//
// Designed for:
//   - Testing and development
//   - Single-process workflows
//   - Short-lived workflows where durability isn't required
//
// MemStore is thread-safe. Data is lost when the process terminates; for
// durable checkpoints use SQLiteStore or MySQLStore.
type MemStore struct {
	mu          sync.RWMutex
	checkpoints map[string][]Checkpoint // executionID -> records
}

// NewMemStore creates a new in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		checkpoints: make(map[string][]Checkpoint),
	}
}

// Save persists a checkpoint record.
func (m *MemStore) Save(_ context.Context, cp Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	blob := make([]byte, len(cp.Blob))
	copy(blob, cp.Blob)
	cp.Blob = blob

	m.checkpoints[cp.ExecutionID] = append(m.checkpoints[cp.ExecutionID], cp)
	return nil
}

// ListForExecution returns all checkpoints for an execution, oldest first.
func (m *MemStore) ListForExecution(_ context.Context, executionID string) ([]Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records := m.checkpoints[executionID]
	out := make([]Checkpoint, len(records))
	copy(out, records)

	// Records arrive in Seq order from the single writer, but sort anyway
	// so the ordering contract holds for any caller.
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// LoadLatest returns the highest-Seq checkpoint for an execution.
func (m *MemStore) LoadLatest(_ context.Context, executionID string) (Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records := m.checkpoints[executionID]
	if len(records) == 0 {
		return Checkpoint{}, ErrNotFound
	}

	latest := records[0]
	for _, cp := range records[1:] {
		if cp.Seq > latest.Seq {
			latest = cp
		}
	}
	return latest, nil
}

// DeleteForExecution removes every checkpoint for an execution. Idempotent.
func (m *MemStore) DeleteForExecution(_ context.Context, executionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.checkpoints, executionID)
	return nil
}
