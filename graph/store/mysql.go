package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is a MySQL/MariaDB-backed graph.CheckpointStore. Designed for
// production workflows that need persistence across process restarts and
// multiple concurrent workers.
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore opens a connection pool against dsn and ensures the
// checkpoints table exists.
//
// DSN format: [username[:password]@][protocol[(address)]]/dbname[?params]
// e.g. "user:password@tcp(127.0.0.1:3306)/hive?parseTime=true"
func NewMySQLStore(ctx context.Context, dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}

	const schema = `
		CREATE TABLE IF NOT EXISTS checkpoints (
			id VARCHAR(128) NOT NULL PRIMARY KEY,
			thread_id VARCHAR(128) NOT NULL,
			step_index INT NOT NULL,
			data LONGBLOB NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			INDEX idx_checkpoints_thread (thread_id, step_index DESC, id DESC)
		) ENGINE=InnoDB
	`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &MySQLStore{db: db}, nil
}

// Save persists cp as a JSON blob, keyed by its checkpoint ID.
func (s *MySQLStore) Save(ctx context.Context, cp *Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	const query = `
		INSERT INTO checkpoints (id, thread_id, step_index, data)
		VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			thread_id = VALUES(thread_id),
			step_index = VALUES(step_index),
			data = VALUES(data)
	`
	if _, err := s.db.ExecContext(ctx, query, cp.ID, cp.ThreadID, cp.StepIndex, data); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// LoadLatest returns the checkpoint with the highest step_index for
// threadID, ties broken by the greatest id.
func (s *MySQLStore) LoadLatest(ctx context.Context, threadID string) (*Checkpoint, bool, error) {
	const query = `
		SELECT data FROM checkpoints
		WHERE thread_id = ?
		ORDER BY step_index DESC, id DESC
		LIMIT 1
	`
	var data []byte
	err := s.db.QueryRowContext(ctx, query, threadID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load latest checkpoint: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, false, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return &cp, true, nil
}

// Close closes the underlying connection pool.
func (s *MySQLStore) Close() error {
	return s.db.Close()
}
