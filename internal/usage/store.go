package usage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS task_attempts (
    id                INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id           TEXT NOT NULL,
    pipeline          TEXT NOT NULL,
    broker            TEXT NOT NULL DEFAULT '',
    message_id        TEXT NOT NULL DEFAULT '',
    model             TEXT NOT NULL DEFAULT '',
    status            TEXT NOT NULL,
    error_message     TEXT NOT NULL DEFAULT '',
    attempt           INTEGER NOT NULL DEFAULT 1,
    items             INTEGER NOT NULL DEFAULT 0,
    started_at        TEXT NOT NULL,
    completed_at      TEXT NOT NULL,
    duration_ms       INTEGER NOT NULL,
    inference_calls   INTEGER NOT NULL DEFAULT 0,
    prompt_tokens     INTEGER NOT NULL DEFAULT 0,
    completion_tokens INTEGER NOT NULL DEFAULT 0,
    request_bytes     INTEGER NOT NULL DEFAULT 0,
    response_bytes    INTEGER NOT NULL DEFAULT 0,
    worker_id         TEXT NOT NULL DEFAULT '',
    node_id           TEXT NOT NULL DEFAULT '',
    synced            INTEGER NOT NULL DEFAULT 0,
    created_at        TEXT NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_task_attempts_synced ON task_attempts(synced) WHERE synced = 0;
CREATE INDEX IF NOT EXISTS idx_task_attempts_task ON task_attempts(pipeline, task_id);
`

const columns = `id, task_id, pipeline, broker, message_id, model, status, error_message,
	attempt, items, started_at, completed_at, duration_ms,
	inference_calls, prompt_tokens, completion_tokens, request_bytes, response_bytes,
	worker_id, node_id, synced`

// Store provides SQLite-backed storage for attempt records.
type Store struct {
	db *sql.DB
}

// OpenStore opens (or creates) the usage database at dbPath and runs migrations.
func OpenStore(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create usage db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open usage db: %w", err)
	}

	// WAL lets `tally usage` read while a worker writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Insert stores an attempt record.
func (s *Store) Insert(r AttemptRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO task_attempts (
			task_id, pipeline, broker, message_id, model, status, error_message,
			attempt, items, started_at, completed_at, duration_ms,
			inference_calls, prompt_tokens, completion_tokens, request_bytes, response_bytes,
			worker_id, node_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.TaskID, r.Pipeline, r.Broker, r.MessageID, r.Model, r.Status, r.ErrorMessage,
		r.Attempt, r.Items,
		r.StartedAt.UTC().Format(time.RFC3339Nano), r.CompletedAt.UTC().Format(time.RFC3339Nano), r.DurationMs,
		r.InferenceCalls, r.PromptTokens, r.CompletionTokens, r.RequestBytes, r.ResponseBytes,
		r.WorkerID, r.NodeID,
	)
	if err != nil {
		return fmt.Errorf("insert attempt record: %w", err)
	}
	return nil
}

// QueryUnsynced returns up to limit records that have not been synced.
func (s *Store) QueryUnsynced(limit int) ([]AttemptRecord, error) {
	return s.query(`SELECT `+columns+` FROM task_attempts WHERE synced = 0 ORDER BY id ASC LIMIT ?`, limit)
}

// Recent returns the newest records first. An empty pipeline matches all.
func (s *Store) Recent(pipeline string, limit int) ([]AttemptRecord, error) {
	return s.query(`SELECT `+columns+` FROM task_attempts
		WHERE (? = '' OR pipeline = ?)
		ORDER BY id DESC LIMIT ?`, pipeline, pipeline, limit)
}

// FailedAttempts counts the requeued attempts of a task since its last
// terminal row. A success or rejected row closes a delivery chain, so a
// task_id reused by a later task starts again from zero.
func (s *Store) FailedAttempts(pipeline, taskID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM task_attempts
		WHERE pipeline = ? AND task_id = ? AND status = ?
		AND id > COALESCE((SELECT MAX(id) FROM task_attempts
			WHERE pipeline = ? AND task_id = ? AND status IN (?, ?)), 0)`,
		pipeline, taskID, StatusRequeued,
		pipeline, taskID, StatusSuccess, StatusRejected).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count attempts: %w", err)
	}
	return n, nil
}

// Counts returns the number of records per status.
func (s *Store) Counts() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM task_attempts GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (s *Store) query(q string, args ...any) ([]AttemptRecord, error) {
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	var records []AttemptRecord
	for rows.Next() {
		var r AttemptRecord
		var startedAt, completedAt string
		if err := rows.Scan(
			&r.ID, &r.TaskID, &r.Pipeline, &r.Broker, &r.MessageID, &r.Model, &r.Status, &r.ErrorMessage,
			&r.Attempt, &r.Items, &startedAt, &completedAt, &r.DurationMs,
			&r.InferenceCalls, &r.PromptTokens, &r.CompletionTokens, &r.RequestBytes, &r.ResponseBytes,
			&r.WorkerID, &r.NodeID, &r.Synced,
		); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, startedAt); err == nil {
			r.StartedAt = t
		}
		if t, err := time.Parse(time.RFC3339Nano, completedAt); err == nil {
			r.CompletedAt = t
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// MarkSynced sets the synced flag to 1 for the given record IDs.
func (s *Store) MarkSynced(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare("UPDATE task_attempts SET synced = 1 WHERE id = ?")
	if err != nil {
		return fmt.Errorf("prepare update: %w", err)
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.Exec(id); err != nil {
			return fmt.Errorf("mark synced id=%d: %w", id, err)
		}
	}

	return tx.Commit()
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
