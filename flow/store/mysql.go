package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is a MySQL/MariaDB implementation of Store.
//
// Designed for:
//   - Production workflows requiring durable checkpoints
//   - Deployments where several processes share one checkpoint database
//   - Audit trails that must survive host loss
//
// MySQLStore uses connection pooling and ExecContext-based statements.
type MySQLStore struct {
	db     *sql.DB
	mu     sync.Mutex
	closed bool
}

// NewMySQLStore creates a new MySQL-backed store.
//
// The DSN (Data Source Name) format is:
//
//	[username[:password]@][protocol[(address)]]/dbname[?param1=value1&...]
//
// parseTime=true is required so created_at scans into time.Time:
//
//	user:password@tcp(localhost:3306)/workflows?parseTime=true
//
// Never hardcode credentials; read the DSN from the environment:
//
//	store, err := NewMySQLStore(os.Getenv("MYSQL_DSN"))
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return s, nil
}

func (s *MySQLStore) createTables(ctx context.Context) error {
	table := `
		CREATE TABLE IF NOT EXISTS workflow_checkpoints (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			execution_id VARCHAR(255) NOT NULL,
			seq INT NOT NULL,
			version INT NOT NULL,
			blob_data MEDIUMBLOB NOT NULL,
			created_at TIMESTAMP NOT NULL,
			UNIQUE KEY uniq_execution_seq (execution_id, seq),
			KEY idx_execution (execution_id)
		)
	`
	if _, err := s.db.ExecContext(ctx, table); err != nil {
		return fmt.Errorf("failed to create workflow_checkpoints table: %w", err)
	}
	return nil
}

// Save persists a checkpoint record.
func (s *MySQLStore) Save(ctx context.Context, cp Checkpoint) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_checkpoints (execution_id, seq, version, blob_data, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		cp.ExecutionID, cp.Seq, cp.Version, cp.Blob, cp.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// ListForExecution returns all checkpoints for an execution, oldest first.
func (s *MySQLStore) ListForExecution(ctx context.Context, executionID string) ([]Checkpoint, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT execution_id, seq, version, blob_data, created_at
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
func (s *MySQLStore) LoadLatest(ctx context.Context, executionID string) (Checkpoint, error) {
	if err := s.checkOpen(); err != nil {
		return Checkpoint{}, err
	}

	var cp Checkpoint
	err := s.db.QueryRowContext(ctx, `
		SELECT execution_id, seq, version, blob_data, created_at
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
func (s *MySQLStore) DeleteForExecution(ctx context.Context, executionID string) error {
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

// Close releases the database connection pool. Further calls fail.
func (s *MySQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *MySQLStore) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}
