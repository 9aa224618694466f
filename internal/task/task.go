// Package task holds the card entity the orchestrator consumes and the
// narrow set of fields it mutates. Board and card CRUD beyond this surface
// belongs to the surrounding application, not here.
package task

import (
	"time"
)

// ExecutionStatus tracks where a task's current execution attempt stands.
type ExecutionStatus string

const (
	StatusIdle           ExecutionStatus = "idle"
	StatusRunning        ExecutionStatus = "running"
	StatusPausedQuestion ExecutionStatus = "paused_question"
	StatusCompleted      ExecutionStatus = "completed"
	StatusFailed         ExecutionStatus = "failed"
)

// Task is a board card. SessionID, ExecutionStatus, WorktreePath and
// ExecutionResult are the only state shared between an initial attempt
// and its resumption; everything else about a run is replayed from the
// execution log.
type Task struct {
	ID              string          `json:"id"`
	Title           string          `json:"title"`
	Column          string          `json:"column"`
	SessionID       string          `json:"session_id,omitempty"`
	ExecutionStatus ExecutionStatus `json:"execution_status"`
	WorktreePath    string          `json:"worktree_path,omitempty"`
	ExecutionResult string          `json:"execution_result,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// ColumnDone is the board position a task lands in after a successful
// completion pipeline.
const ColumnDone = "done"
