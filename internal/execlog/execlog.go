// Package execlog persists every domain event of a task execution as an
// append-only, chronologically ordered log, and reconstructs derived views
// (todo list, outstanding question) by replaying it.
package execlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Step labels the kind of a log entry.
type Step string

const (
	StepStart        Step = "start"
	StepAIOutput     Step = "ai_output"
	StepToolStart    Step = "tool_start"
	StepToolComplete Step = "tool_complete"
	StepToolResult   Step = "tool_result"
	StepTodo         Step = "todo"
	StepQuestion     Step = "question"
	StepAnswer       Step = "answer"
	StepExecuting    Step = "executing"
	StepExecuted     Step = "executed"
	StepDone         Step = "done"
	StepError        Step = "error"
)

// Entry is one persisted log row. ID is assigned by the store and is the
// tie-break for entries sharing a timestamp.
type Entry struct {
	ID        int64          `json:"id"`
	TaskID    string         `json:"task_id"`
	SessionID string         `json:"session_id,omitempty"`
	Step      Step           `json:"step"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Store is the SQLite-backed execution log.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the execution log database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open log database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// OpenDB wraps an existing database handle, creating the schema if needed.
// Used when the log shares a database file with the task store.
func OpenDB(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.initialize(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS execution_log (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id    TEXT NOT NULL,
		session_id TEXT,
		step       TEXT NOT NULL,
		message    TEXT NOT NULL,
		data       TEXT,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_execution_log_task
		ON execution_log(task_id, created_at, id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("initialize execution_log schema: %w", err)
	}
	return nil
}

// Append inserts one entry and returns it with its assigned id and
// creation timestamp. Each row is an independent insert; there is no
// read-modify-write.
func (s *Store) Append(ctx context.Context, e Entry) (Entry, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	var data any
	if e.Data != nil {
		encoded, err := json.Marshal(e.Data)
		if err != nil {
			return Entry{}, fmt.Errorf("encode entry data: %w", err)
		}
		data = string(encoded)
	}

	var sessionID any
	if e.SessionID != "" {
		sessionID = e.SessionID
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO execution_log (task_id, session_id, step, message, data, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.TaskID, sessionID, string(e.Step), e.Message, data, e.CreatedAt)
	if err != nil {
		return Entry{}, fmt.Errorf("append log entry: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return Entry{}, fmt.Errorf("read inserted id: %w", err)
	}
	e.ID = id
	return e, nil
}

// List returns every entry for a task in (created_at, id) order.
func (s *Store) List(ctx context.Context, taskID string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, session_id, step, message, data, created_at
		 FROM execution_log
		 WHERE task_id = ?
		 ORDER BY created_at ASC, id ASC`,
		taskID)
	if err != nil {
		return nil, fmt.Errorf("list log entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e         Entry
			step      string
			sessionID sql.NullString
			data      sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.TaskID, &sessionID, &step, &e.Message, &data, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		e.Step = Step(step)
		e.SessionID = sessionID.String
		if data.Valid && data.String != "" {
			var payload map[string]any
			if err := json.Unmarshal([]byte(data.String), &payload); err == nil {
				e.Data = payload
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Clear removes all entries for a task. A new execution attempt starts
// with a fresh log; resumed attempts append instead.
func (s *Store) Clear(ctx context.Context, taskID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM execution_log WHERE task_id = ?`, taskID); err != nil {
		return fmt.Errorf("clear log: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
