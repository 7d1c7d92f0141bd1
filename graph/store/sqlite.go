package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite-backed graph.CheckpointStore.
//
// Designed for development, single-process workflows, and prototyping
// before migrating to a server-backed store. Uses WAL mode with a single
// open connection, so reads and writes through one store are serialized.
type SQLiteStore struct {
	db   *sql.DB
	mu   sync.Mutex // SQLite allows exactly one writer; serialize Save
	path string
}

// NewSQLiteStore opens (creating if needed) a SQLite database at path and
// ensures the checkpoints table exists. Pass ":memory:" for an ephemeral,
// process-local database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}

	const schema = `
		CREATE TABLE IF NOT EXISTS checkpoints (
			id TEXT NOT NULL PRIMARY KEY,
			thread_id TEXT NOT NULL,
			step_index INTEGER NOT NULL,
			data BLOB NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_checkpoints_thread ON checkpoints(thread_id, step_index DESC, id DESC);
	`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStore{db: db, path: path}, nil
}

// Save persists cp as a JSON blob, keyed by its checkpoint ID.
func (s *SQLiteStore) Save(ctx context.Context, cp *Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	const query = `
		INSERT INTO checkpoints (id, thread_id, step_index, data)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			thread_id = excluded.thread_id,
			step_index = excluded.step_index,
			data = excluded.data
	`
	if _, err := s.db.ExecContext(ctx, query, cp.ID, cp.ThreadID, cp.StepIndex, data); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// LoadLatest returns the checkpoint with the highest step_index for
// threadID, ties broken by the greatest id.
func (s *SQLiteStore) LoadLatest(ctx context.Context, threadID string) (*Checkpoint, bool, error) {
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

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Path returns the database file path this store was opened with.
func (s *SQLiteStore) Path() string {
	return s.path
}
