package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestSQLiteStore_Conformance(t *testing.T) {
	testStoreConformance(t, func(t *testing.T) Store {
		s, err := NewSQLiteStore(":memory:")
		if err != nil {
			t.Fatalf("open sqlite: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoints.db")
	ctx := context.Background()

	s1, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	cp := Checkpoint{
		ExecutionID: "exec-001",
		Seq:         1,
		Version:     1,
		Blob:        []byte("durable"),
		CreatedAt:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	if err := s1.Save(ctx, cp); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = s2.Close() }()

	got, err := s2.LoadLatest(ctx, "exec-001")
	if err != nil {
		t.Fatalf("load after reopen: %v", err)
	}
	if string(got.Blob) != "durable" {
		t.Errorf("blob = %q, want %q", got.Blob, "durable")
	}
	if got.Version != 1 || got.Seq != 1 {
		t.Errorf("record fields lost: %+v", got)
	}
}

func TestSQLiteStore_ClosedStoreFails(t *testing.T) {
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if err := s.Save(context.Background(), Checkpoint{ExecutionID: "e", Seq: 1}); err == nil {
		t.Error("expected error saving to closed store")
	}
	// Closing twice is fine.
	if err := s.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}
