package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

// testStoreConformance runs the Store contract against any implementation.
// Each backend test file wires its constructor in.
func testStoreConformance(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("save and list ordered", func(t *testing.T) {
		s := newStore(t)

		for seq := 1; seq <= 3; seq++ {
			cp := Checkpoint{
				ExecutionID: "exec-001",
				Seq:         seq,
				Version:     1,
				Blob:        []byte{byte(seq)},
				CreatedAt:   time.Date(2025, 1, 1, 0, 0, seq, 0, time.UTC),
			}
			if err := s.Save(ctx, cp); err != nil {
				t.Fatalf("save seq %d: %v", seq, err)
			}
		}

		got, err := s.ListForExecution(ctx, "exec-001")
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(got) != 3 {
			t.Fatalf("expected 3 checkpoints, got %d", len(got))
		}
		for i, cp := range got {
			if cp.Seq != i+1 {
				t.Errorf("checkpoint %d has seq %d, want %d (oldest first)", i, cp.Seq, i+1)
			}
			if len(cp.Blob) != 1 || cp.Blob[0] != byte(i+1) {
				t.Errorf("checkpoint %d blob = %v", i, cp.Blob)
			}
		}
	})

	t.Run("list unknown execution is empty", func(t *testing.T) {
		s := newStore(t)

		got, err := s.ListForExecution(ctx, "no-such-execution")
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(got) != 0 {
			t.Errorf("expected empty list, got %d records", len(got))
		}
	})

	t.Run("load latest", func(t *testing.T) {
		s := newStore(t)

		for seq := 1; seq <= 5; seq++ {
			cp := Checkpoint{ExecutionID: "exec-002", Seq: seq, Version: 1, Blob: []byte("x"), CreatedAt: time.Now()}
			if err := s.Save(ctx, cp); err != nil {
				t.Fatalf("save: %v", err)
			}
		}

		latest, err := s.LoadLatest(ctx, "exec-002")
		if err != nil {
			t.Fatalf("load latest: %v", err)
		}
		if latest.Seq != 5 {
			t.Errorf("latest seq = %d, want 5", latest.Seq)
		}
	})

	t.Run("load latest not found", func(t *testing.T) {
		s := newStore(t)

		_, err := s.LoadLatest(ctx, "no-such-execution")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		s := newStore(t)

		cp := Checkpoint{ExecutionID: "exec-003", Seq: 1, Version: 1, Blob: []byte("x"), CreatedAt: time.Now()}
		if err := s.Save(ctx, cp); err != nil {
			t.Fatalf("save: %v", err)
		}

		// Delete twice in a row: no error, zero checkpoints both times.
		for i := 0; i < 2; i++ {
			if err := s.DeleteForExecution(ctx, "exec-003"); err != nil {
				t.Fatalf("delete attempt %d: %v", i+1, err)
			}
			got, err := s.ListForExecution(ctx, "exec-003")
			if err != nil {
				t.Fatalf("list after delete: %v", err)
			}
			if len(got) != 0 {
				t.Errorf("attempt %d: expected zero checkpoints, got %d", i+1, len(got))
			}
		}
	})

	t.Run("delete scoped to execution", func(t *testing.T) {
		s := newStore(t)

		for _, id := range []string{"exec-keep", "exec-drop"} {
			cp := Checkpoint{ExecutionID: id, Seq: 1, Version: 1, Blob: []byte("x"), CreatedAt: time.Now()}
			if err := s.Save(ctx, cp); err != nil {
				t.Fatalf("save %s: %v", id, err)
			}
		}

		if err := s.DeleteForExecution(ctx, "exec-drop"); err != nil {
			t.Fatalf("delete: %v", err)
		}

		kept, err := s.ListForExecution(ctx, "exec-keep")
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(kept) != 1 {
			t.Errorf("expected exec-keep untouched, got %d records", len(kept))
		}
	})
}

func TestMemStore_Conformance(t *testing.T) {
	testStoreConformance(t, func(t *testing.T) Store {
		return NewMemStore()
	})
}

func TestMemStore_BlobIsolation(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	blob := []byte("original")
	cp := Checkpoint{ExecutionID: "e", Seq: 1, Version: 1, Blob: blob, CreatedAt: time.Now()}
	if err := s.Save(ctx, cp); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Mutating the caller's slice must not corrupt the stored record.
	blob[0] = 'X'

	got, err := s.LoadLatest(ctx, "e")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if string(got.Blob) != "original" {
		t.Errorf("stored blob mutated: %q", got.Blob)
	}
}
