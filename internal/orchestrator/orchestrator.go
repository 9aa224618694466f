// Package orchestrator drives one external agent subprocess per task:
// it wires decoded stream events into the execution log and the outbound
// stream, pauses the session when the agent asks the user a question, and
// resumes it later from the stored continuation token.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/taskdeck/taskdeck/internal/agent"
	"github.com/taskdeck/taskdeck/internal/execlog"
	"github.com/taskdeck/taskdeck/internal/stream"
	"github.com/taskdeck/taskdeck/internal/task"
	"github.com/taskdeck/taskdeck/internal/worktree"
)

// Tool names the orchestrator gives special treatment.
const (
	todoToolName     = "TodoWrite"
	questionToolName = "AskUserQuestion"
)

// Request-level precondition violations. These are rejected before any
// subprocess is spawned and leave no log entries behind.
var (
	ErrNotPaused  = errors.New("task is not paused on a question")
	ErrNoSession  = errors.New("task has no stored continuation token")
	ErrNoWorktree = errors.New("task has no materialized work path")
)

// Message is one outbound stream frame. Task is set only on the terminal
// frame of an attempt.
type Message struct {
	Step    execlog.Step   `json:"step"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
	EntryID int64          `json:"entry_id,omitempty"`
	Task    *task.Task     `json:"task,omitempty"`
}

// Sink receives outbound frames for one attempt, in log order.
type Sink func(Message)

// Config tunes buffering and truncation.
type Config struct {
	BaseRepo         string // base git repository; empty disables worktrees
	TextFlushBytes   int    // flush narration buffer beyond this size
	ResultLimitBytes int    // truncate tool results beyond this size
}

func (c Config) withDefaults() Config {
	if c.TextFlushBytes <= 0 {
		c.TextFlushBytes = 512
	}
	if c.ResultLimitBytes <= 0 {
		c.ResultLimitBytes = 2000
	}
	return c
}

// Worktrees is the slice of the worktree manager the orchestrator drives.
type Worktrees interface {
	Ensure(ctx context.Context, baseRepo, taskID, title string) (worktree.Info, error)
	Commit(ctx context.Context, workPath, message string) error
	Publish(ctx context.Context, workPath, title, body string) (string, error)
	Dispose(ctx context.Context, workPath string) error
}

// Orchestrator owns the live-attempt registry: at most one subprocess per
// task. It keeps no session state in memory across requests; everything a
// resumption needs lives on the task row and in the execution log.
type Orchestrator struct {
	tasks     *task.Store
	log       *execlog.Store
	worktrees Worktrees
	runner    agent.Runner
	cfg       Config
	logger    *slog.Logger

	mu       sync.Mutex
	attempts map[string]*attempt
}

// attempt is one spawn-to-exit subprocess lifecycle.
type attempt struct {
	id         string
	taskID     string
	proc       agent.Process
	superseded atomic.Bool
}

// New creates an orchestrator. The registry starts empty; a server restart
// implicitly discards any previously live attempts.
func New(tasks *task.Store, log *execlog.Store, worktrees Worktrees, runner agent.Runner, cfg Config, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		tasks:     tasks,
		log:       log,
		worktrees: worktrees,
		runner:    runner,
		cfg:       cfg.withDefaults(),
		attempts:  make(map[string]*attempt),
		logger:    logger,
	}
}

// Start begins a fresh execution attempt for a task. A prior live attempt
// for the same task is terminated and its buffered output discarded. The
// prior execution log is cleared; a stored continuation token, if any,
// resumes the agent's prior session. Start blocks until the attempt
// reaches a pause or a terminal state.
func (o *Orchestrator) Start(ctx context.Context, taskID, prompt string, sink Sink) error {
	t, err := o.tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}

	// Supersede any live attempt before clearing the log so its buffered
	// tail cannot land after the wipe.
	a := o.register(taskID)
	defer o.unregister(a)

	st := newAttemptState(o, a, t, sink)

	if err := o.log.Clear(ctx, taskID); err != nil {
		return st.finishFailed(ctx, err)
	}
	if err := o.tasks.SetExecutionStatus(ctx, taskID, task.StatusRunning); err != nil {
		return st.finishFailed(ctx, err)
	}

	if _, err := st.persist(ctx, execlog.Entry{
		TaskID:  taskID,
		Step:    execlog.StepStart,
		Message: "Execution started",
		Data:    map[string]any{"prompt": prompt},
	}); err != nil {
		return st.finishFailed(ctx, err)
	}

	if o.cfg.BaseRepo != "" {
		info, err := o.worktrees.Ensure(ctx, o.cfg.BaseRepo, taskID, t.Title)
		if err != nil {
			return st.finishFailed(ctx, err)
		}
		st.workPath = info.Path
		if err := o.tasks.SetWorktreePath(ctx, taskID, info.Path); err != nil {
			return st.finishFailed(ctx, err)
		}
	}

	proc, err := o.runner.Start(ctx, agent.Request{
		Prompt:    prompt,
		SessionID: t.SessionID,
		WorkDir:   st.workPath,
	})
	if err != nil {
		return st.finishFailed(ctx, err)
	}
	o.adopt(a, proc)

	return o.runAttempt(ctx, a, st)
}

// Answer resumes a question-paused task. The answer is persisted as a log
// entry before the subprocess is spawned so it survives a crash; the prior
// log is kept, preserving the question/answer trail.
func (o *Orchestrator) Answer(ctx context.Context, taskID, answer string, sink Sink) error {
	t, err := o.tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if t.ExecutionStatus != task.StatusPausedQuestion {
		return ErrNotPaused
	}
	if t.SessionID == "" {
		return ErrNoSession
	}
	if o.cfg.BaseRepo != "" && t.WorktreePath == "" {
		return ErrNoWorktree
	}

	a := o.register(taskID)
	defer o.unregister(a)

	st := newAttemptState(o, a, t, sink)
	st.workPath = t.WorktreePath

	if _, err := st.persist(ctx, execlog.Entry{
		TaskID:    taskID,
		SessionID: t.SessionID,
		Step:      execlog.StepAnswer,
		Message:   answer,
	}); err != nil {
		return st.finishFailed(ctx, err)
	}

	if err := o.tasks.SetExecutionStatus(ctx, taskID, task.StatusRunning); err != nil {
		return st.finishFailed(ctx, err)
	}

	proc, err := o.runner.Start(ctx, agent.Request{
		Prompt:    answer,
		SessionID: t.SessionID,
		WorkDir:   st.workPath,
	})
	if err != nil {
		return st.finishFailed(ctx, err)
	}
	o.adopt(a, proc)

	return o.runAttempt(ctx, a, st)
}

// runAttempt pumps subprocess output through the decoder until exit, then
// runs the completion pipeline unless the attempt paused on a question.
// Every failure inside the attempt lands here and becomes log entries plus
// a status transition; nothing escapes with the task status left stale.
func (o *Orchestrator) runAttempt(ctx context.Context, a *attempt, st *attemptState) error {
	dec := stream.NewDecoder(func(evt stream.Event) {
		st.handle(ctx, evt)
	}, o.logger)

	buf := make([]byte, 4096)
	for {
		n, err := a.proc.Stdout().Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
		}
		if err != nil {
			if err != io.EOF {
				o.logger.Warn("agent stdout read failed", "task_id", a.taskID, "error", err)
			}
			break
		}
	}
	dec.Flush()

	waitErr := a.proc.Wait()

	if a.superseded.Load() {
		// A newer attempt took over; this one's tail is discarded and it
		// must not append a terminal entry.
		o.logger.Info("attempt superseded", "task_id", a.taskID, "attempt_id", a.id)
		return nil
	}

	if st.paused {
		// The question capture already persisted the pause; the kill that
		// got us here is the designed suspension mechanism.
		return nil
	}

	st.flushText(ctx)

	if st.err != nil {
		return st.finishFailed(ctx, st.err)
	}
	if waitErr != nil {
		return st.finishFailed(ctx, fmt.Errorf("agent process failed: %w", waitErr))
	}

	if err := o.completionPipeline(ctx, st); err != nil {
		if errors.Is(err, errSuperseded) {
			o.logger.Info("attempt superseded", "task_id", a.taskID, "attempt_id", a.id)
			return nil
		}
		return st.finishFailed(ctx, err)
	}
	return st.finishCompleted(ctx)
}

// errSuperseded aborts the completion pipeline when a newer attempt takes
// over mid-flight. It never reaches callers of Start or Answer.
var errSuperseded = errors.New("attempt superseded")

// completionPipeline runs commit, publish, dispose and the final task
// mutations. Publish failure is logged and tolerated; everything after it
// still runs.
func (o *Orchestrator) completionPipeline(ctx context.Context, st *attemptState) error {
	// The new attempt has already cleared the log and owns the task row;
	// every mutation below would stomp its state, so re-check the flag
	// before each one.
	if st.abandoned() {
		return errSuperseded
	}

	if st.workPath == "" {
		st.result = "Task completed"
		if err := o.tasks.SetExecutionResult(ctx, st.taskID, st.result); err != nil {
			return err
		}
		if st.abandoned() {
			return errSuperseded
		}
		return o.tasks.MarkDone(ctx, st.taskID)
	}

	if _, err := st.persist(ctx, execlog.Entry{
		TaskID:    st.taskID,
		SessionID: st.sessionID,
		Step:      execlog.StepExecuting,
		Message:   "Finalizing changes",
	}); err != nil {
		return err
	}

	if err := o.worktrees.Commit(ctx, st.workPath, "Task: "+st.title); err != nil {
		return err
	}
	if st.abandoned() {
		return errSuperseded
	}

	var publishedURL string
	url, err := o.worktrees.Publish(ctx, st.workPath, st.title, "Automated changes for task "+st.taskID)
	if err != nil {
		// Non-fatal: the review request failing must not block completion.
		if _, perr := st.persist(ctx, execlog.Entry{
			TaskID:    st.taskID,
			SessionID: st.sessionID,
			Step:      execlog.StepError,
			Message:   "Publish failed: " + err.Error(),
		}); perr != nil {
			return perr
		}
	} else {
		publishedURL = url
	}

	if st.abandoned() {
		return errSuperseded
	}
	if err := o.worktrees.Dispose(ctx, st.workPath); err != nil {
		return err
	}
	if err := o.tasks.SetWorktreePath(ctx, st.taskID, ""); err != nil {
		return err
	}

	st.result = "Task completed"
	if publishedURL != "" {
		st.result = publishedURL
	}
	if st.abandoned() {
		return errSuperseded
	}
	if err := o.tasks.SetExecutionResult(ctx, st.taskID, st.result); err != nil {
		return err
	}
	if err := o.tasks.MarkDone(ctx, st.taskID); err != nil {
		return err
	}

	if _, err := st.persist(ctx, execlog.Entry{
		TaskID:    st.taskID,
		SessionID: st.sessionID,
		Step:      execlog.StepExecuted,
		Message:   "Changes published",
	}); err != nil {
		return err
	}
	return nil
}

// register installs a new live attempt, terminating and discarding any
// prior one for the same task. The superseded flag is raised while the
// registry lock is held so that a prior attempt still waiting to spawn
// observes it in adopt and kills its own late subprocess.
func (o *Orchestrator) register(taskID string) *attempt {
	a := &attempt{id: uuid.New().String(), taskID: taskID}

	o.mu.Lock()
	prior := o.attempts[taskID]
	o.attempts[taskID] = a
	var priorProc agent.Process
	if prior != nil {
		prior.superseded.Store(true)
		priorProc = prior.proc
	}
	o.mu.Unlock()

	if prior != nil {
		if priorProc != nil {
			_ = priorProc.Kill()
		}
		o.logger.Info("terminated prior attempt", "task_id", taskID, "attempt_id", prior.id)
	}
	return a
}

// adopt publishes a freshly spawned subprocess on the attempt. A supersede
// can land anywhere between register and the spawn returning; either the
// superseding register sees the process and kills it, or the flag is
// already set here and the late process dies at once.
func (o *Orchestrator) adopt(a *attempt, proc agent.Process) {
	o.mu.Lock()
	a.proc = proc
	o.mu.Unlock()

	if a.superseded.Load() {
		_ = proc.Kill()
	}
}

func (o *Orchestrator) unregister(a *attempt) {
	o.mu.Lock()
	if o.attempts[a.taskID] == a {
		delete(o.attempts, a.taskID)
	}
	o.mu.Unlock()
}

func taskToMap(t task.Task) map[string]any {
	encoded, err := json.Marshal(t)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(encoded, &out); err != nil {
		return nil
	}
	return out
}

// summarizeTool derives a one-line human-readable summary from a tool
// name and its most salient input field.
func summarizeTool(name string, input map[string]any) string {
	for _, key := range []string{"file_path", "path", "command", "pattern", "url", "query", "description"} {
		if val, ok := input[key].(string); ok && val != "" {
			return fmt.Sprintf("%s: %s", name, firstLine(val))
		}
	}
	for _, val := range input {
		if s, ok := val.(string); ok && s != "" {
			return fmt.Sprintf("%s: %s", name, firstLine(s))
		}
	}
	return name
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
