package task

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a task id is unknown.
var ErrNotFound = errors.New("task not found")

// Store persists tasks in SQLite. The orchestrator writes the continuation
// token and status fields synchronously, so a resumed attempt in a later
// process lifetime always observes the latest values.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the task database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open task database: %w", err)
	}
	s := &Store{db: db}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// OpenDB wraps an existing handle, creating the schema if needed.
func OpenDB(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.initialize(); err != nil {
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying handle so collaborating stores can share the
// same database file.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id               TEXT PRIMARY KEY,
		title            TEXT NOT NULL,
		column_name      TEXT NOT NULL,
		session_id       TEXT NOT NULL DEFAULT '',
		execution_status TEXT NOT NULL DEFAULT 'idle',
		worktree_path    TEXT NOT NULL DEFAULT '',
		execution_result TEXT NOT NULL DEFAULT '',
		created_at       TIMESTAMP NOT NULL,
		updated_at       TIMESTAMP NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("initialize tasks schema: %w", err)
	}
	return nil
}

// Create inserts a new task. A blank id gets a generated one.
func (s *Store) Create(ctx context.Context, t Task) (Task, error) {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Column == "" {
		t.Column = "todo"
	}
	if t.ExecutionStatus == "" {
		t.ExecutionStatus = StatusIdle
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, title, column_name, session_id, execution_status,
		                    worktree_path, execution_result, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Title, t.Column, t.SessionID, string(t.ExecutionStatus),
		t.WorktreePath, t.ExecutionResult, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return Task{}, fmt.Errorf("create task: %w", err)
	}
	return t, nil
}

// Get loads one task by id.
func (s *Store) Get(ctx context.Context, id string) (Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, column_name, session_id, execution_status,
		        worktree_path, execution_result, created_at, updated_at
		 FROM tasks WHERE id = ?`, id)

	var (
		t      Task
		status string
	)
	err := row.Scan(&t.ID, &t.Title, &t.Column, &t.SessionID, &status,
		&t.WorktreePath, &t.ExecutionResult, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrNotFound
	}
	if err != nil {
		return Task{}, fmt.Errorf("get task: %w", err)
	}
	t.ExecutionStatus = ExecutionStatus(status)
	return t, nil
}

// List returns all tasks in creation order.
func (s *Store) List(ctx context.Context) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, column_name, session_id, execution_status,
		        worktree_path, execution_result, created_at, updated_at
		 FROM tasks ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		var (
			t      Task
			status string
		)
		if err := rows.Scan(&t.ID, &t.Title, &t.Column, &t.SessionID, &status,
			&t.WorktreePath, &t.ExecutionResult, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t.ExecutionStatus = ExecutionStatus(status)
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Update writes every mutable field back. Missing ids are an error so a
// lost task cannot be silently recreated mid-run.
func (s *Store) Update(ctx context.Context, t Task) error {
	t.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET title = ?, column_name = ?, session_id = ?,
		        execution_status = ?, worktree_path = ?, execution_result = ?,
		        updated_at = ?
		 WHERE id = ?`,
		t.Title, t.Column, t.SessionID, string(t.ExecutionStatus),
		t.WorktreePath, t.ExecutionResult, t.UpdatedAt, t.ID)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetSessionID persists the continuation token as soon as it is known.
func (s *Store) SetSessionID(ctx context.Context, id, sessionID string) error {
	return s.setField(ctx, id, "session_id", sessionID)
}

// SetExecutionStatus moves the task through the attempt state machine.
func (s *Store) SetExecutionStatus(ctx context.Context, id string, status ExecutionStatus) error {
	return s.setField(ctx, id, "execution_status", string(status))
}

// SetWorktreePath records (or clears) the isolated working directory.
func (s *Store) SetWorktreePath(ctx context.Context, id, path string) error {
	return s.setField(ctx, id, "worktree_path", path)
}

// SetExecutionResult records the outcome summary of a finished attempt.
func (s *Store) SetExecutionResult(ctx context.Context, id, result string) error {
	return s.setField(ctx, id, "execution_result", result)
}

// MarkDone moves the task's board position to the finished column.
func (s *Store) MarkDone(ctx context.Context, id string) error {
	return s.setField(ctx, id, "column_name", ColumnDone)
}

func (s *Store) setField(ctx context.Context, id, column, value string) error {
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE tasks SET %s = ?, updated_at = ? WHERE id = ?`, column),
		value, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set %s: %w", column, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set %s: %w", column, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
