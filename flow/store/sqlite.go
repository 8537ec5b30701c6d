package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite implementation of Store.
//
// It stores checkpoints in a single-file database. Designed for:
//   - Development and testing with zero setup
//   - Single-process workflows requiring durable checkpoints
//   - Prototyping before migrating to a shared database
//
// The store enables WAL mode so concurrent readers never block the single
// writer, and auto-migrates its schema on first use.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.Mutex
	closed bool
}

// NewSQLiteStore creates a new SQLite-backed store.
//
// The path parameter specifies the database file location:
//   - "./checkpoints.db" - file in current directory
//   - ":memory:" - in-memory database (data lost on close)
//
// Example:
//
//	store, err := NewSQLiteStore("./checkpoints.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer store.Close()
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	table := `
		CREATE TABLE IF NOT EXISTS workflow_checkpoints (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			execution_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			version INTEGER NOT NULL,
			blob BLOB NOT NULL,
			created_at TIMESTAMP NOT NULL,
			UNIQUE(execution_id, seq)
		)
	`
	if _, err := s.db.ExecContext(ctx, table); err != nil {
		return fmt.Errorf("failed to create workflow_checkpoints table: %w", err)
	}

	idx := "CREATE INDEX IF NOT EXISTS idx_checkpoints_execution ON workflow_checkpoints(execution_id, seq)"
	if _, err := s.db.ExecContext(ctx, idx); err != nil {
		return fmt.Errorf("failed to create idx_checkpoints_execution: %w", err)
	}

	return nil
}

// Save persists a checkpoint record.
func (s *SQLiteStore) Save(ctx context.Context, cp Checkpoint) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_checkpoints (execution_id, seq, version, blob, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		cp.ExecutionID, cp.Seq, cp.Version, cp.Blob, cp.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// ListForExecution returns all checkpoints for an execution, oldest first.
func (s *SQLiteStore) ListForExecution(ctx context.Context, executionID string) ([]Checkpoint, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT execution_id, seq, version, blob, created_at
		FROM workflow_checkpoints
		WHERE execution_id = ?
		ORDER BY seq ASC`, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	out := []Checkpoint{}
	for rows.Next() {
		var cp Checkpoint
		if err := rows.Scan(&cp.ExecutionID, &cp.Seq, &cp.Version, &cp.Blob, &cp.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate checkpoints: %w", err)
	}

	return out, nil
}

// LoadLatest returns the highest-Seq checkpoint for an execution.
func (s *SQLiteStore) LoadLatest(ctx context.Context, executionID string) (Checkpoint, error) {
	if err := s.checkOpen(); err != nil {
		return Checkpoint{}, err
	}

	var cp Checkpoint
	err := s.db.QueryRowContext(ctx, `
		SELECT execution_id, seq, version, blob, created_at
		FROM workflow_checkpoints
		WHERE execution_id = ?
		ORDER BY seq DESC
		LIMIT 1`, executionID).
		Scan(&cp.ExecutionID, &cp.Seq, &cp.Version, &cp.Blob, &cp.CreatedAt)
	if err == sql.ErrNoRows {
		return Checkpoint{}, ErrNotFound
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("failed to load latest checkpoint: %w", err)
	}

	return cp, nil
}

// DeleteForExecution removes every checkpoint for an execution. Idempotent.
func (s *SQLiteStore) DeleteForExecution(ctx context.Context, executionID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx,
		"DELETE FROM workflow_checkpoints WHERE execution_id = ?", executionID)
	if err != nil {
		return fmt.Errorf("failed to delete checkpoints: %w", err)
	}
	return nil
}

// Close releases the database connection. Further calls fail.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *SQLiteStore) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}
