package orchestrator

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/taskdeck/taskdeck/internal/execlog"
	"github.com/taskdeck/taskdeck/internal/stream"
	"github.com/taskdeck/taskdeck/internal/task"
)

// attemptState holds the mutable per-attempt view: the narration buffer,
// the continuation token observed so far, and the pause flag. It is only
// touched from the attempt's own goroutine.
type attemptState struct {
	orch *Orchestrator
	a    *attempt
	sink Sink

	taskID    string
	title     string
	sessionID string
	workPath  string
	result    string

	textBuf strings.Builder
	paused  bool
	err     error
}

func newAttemptState(o *Orchestrator, a *attempt, t task.Task, sink Sink) *attemptState {
	return &attemptState{
		orch:      o,
		a:         a,
		sink:      sink,
		taskID:    t.ID,
		title:     t.Title,
		sessionID: t.SessionID,
	}
}

// handle routes one decoded event. After the first internal error the
// remaining events are dropped; the attempt loop surfaces the error once
// the subprocess exits.
func (st *attemptState) handle(ctx context.Context, evt stream.Event) {
	if st.err != nil || st.paused || st.abandoned() {
		return
	}

	var err error
	switch e := evt.(type) {
	case stream.SessionStarted:
		err = st.onSession(ctx, e.SessionID)
	case stream.TextFragment:
		err = st.onText(ctx, e.Text)
	case stream.ToolInvocationStarted:
		err = st.onToolStart(ctx, e)
	case stream.ToolInvocationCompleted:
		err = st.onToolComplete(ctx, e)
	case stream.ToolResult:
		err = st.onToolResult(ctx, e)
	case stream.SessionResult:
		err = st.onResult(ctx, e)
	}
	if err != nil {
		st.err = err
		st.kill()
	}
}

func (st *attemptState) onSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	st.sessionID = sessionID
	return st.orch.tasks.SetSessionID(ctx, st.taskID, sessionID)
}

// onText buffers narration and flushes on a line break or once the buffer
// grows past the configured threshold, so the log gets paragraph-sized
// entries instead of one row per delta.
func (st *attemptState) onText(ctx context.Context, text string) error {
	st.textBuf.WriteString(text)
	if strings.Contains(text, "\n") || st.textBuf.Len() > st.orch.cfg.TextFlushBytes {
		return st.flushText(ctx)
	}
	return nil
}

func (st *attemptState) flushText(ctx context.Context) error {
	buffered := strings.TrimSpace(st.textBuf.String())
	st.textBuf.Reset()
	if buffered == "" {
		return nil
	}
	_, err := st.persist(ctx, execlog.Entry{
		TaskID:    st.taskID,
		SessionID: st.sessionID,
		Step:      execlog.StepAIOutput,
		Message:   buffered,
	})
	return err
}

func (st *attemptState) onToolStart(ctx context.Context, e stream.ToolInvocationStarted) error {
	if err := st.flushText(ctx); err != nil {
		return err
	}
	_, err := st.persist(ctx, execlog.Entry{
		TaskID:    st.taskID,
		SessionID: st.sessionID,
		Step:      execlog.StepToolStart,
		Message:   "Tool started: " + e.ToolName,
		Data:      map[string]any{"tool": e.ToolName, "tool_id": e.ToolID},
	})
	return err
}

func (st *attemptState) onToolComplete(ctx context.Context, e stream.ToolInvocationCompleted) error {
	if err := st.flushText(ctx); err != nil {
		return err
	}
	switch e.ToolName {
	case todoToolName:
		return st.onTodos(ctx, e.Input)
	case questionToolName:
		return st.onQuestion(ctx, e.Input)
	}
	_, err := st.persist(ctx, execlog.Entry{
		TaskID:    st.taskID,
		SessionID: st.sessionID,
		Step:      execlog.StepToolComplete,
		Message:   summarizeTool(e.ToolName, e.Input),
		Data:      map[string]any{"tool": e.ToolName, "tool_id": e.ToolID},
	})
	return err
}

// onTodos appends one todo entry per plan item. The replay view keys on
// the per-item identifier, so re-emitting the full list just updates
// statuses in place.
func (st *attemptState) onTodos(ctx context.Context, input map[string]any) error {
	items, _ := input["todos"].([]any)
	for _, raw := range items {
		item, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		content, _ := item["content"].(string)
		status, _ := item["status"].(string)
		id, _ := item["id"].(string)
		if id == "" {
			id = content
		}
		if _, err := st.persist(ctx, execlog.Entry{
			TaskID:    st.taskID,
			SessionID: st.sessionID,
			Step:      execlog.StepTodo,
			Message:   content,
			Data:      map[string]any{"id": id, "content": content, "status": status},
		}); err != nil {
			return err
		}
	}
	return nil
}

// onQuestion suspends the attempt: the first question is persisted, the
// task is parked as paused, and the subprocess is killed. The session is
// picked up again later from the stored continuation token.
func (st *attemptState) onQuestion(ctx context.Context, input map[string]any) error {
	if err := st.flushText(ctx); err != nil {
		return err
	}

	text, header, options := extractQuestion(input)
	if _, err := st.persist(ctx, execlog.Entry{
		TaskID:    st.taskID,
		SessionID: st.sessionID,
		Step:      execlog.StepQuestion,
		Message:   text,
		Data:      map[string]any{"question": text, "header": header, "options": options},
	}); err != nil {
		return err
	}

	if err := st.orch.tasks.SetExecutionStatus(ctx, st.taskID, task.StatusPausedQuestion); err != nil {
		return err
	}
	st.paused = true
	st.kill()
	return nil
}

func (st *attemptState) onToolResult(ctx context.Context, e stream.ToolResult) error {
	if err := st.flushText(ctx); err != nil {
		return err
	}
	content := e.Content
	truncated := false
	if limit := st.orch.cfg.ResultLimitBytes; len(content) > limit {
		// Back the cut up to a rune boundary so the kept prefix stays
		// valid UTF-8.
		cut := limit
		for cut > 0 && !utf8.RuneStart(content[cut]) {
			cut--
		}
		content = content[:cut] + "\n…[truncated]"
		truncated = true
	}
	var data map[string]any
	if truncated {
		data = map[string]any{"truncated": true, "original_bytes": len(e.Content)}
	}
	_, err := st.persist(ctx, execlog.Entry{
		TaskID:    st.taskID,
		SessionID: st.sessionID,
		Step:      execlog.StepToolResult,
		Message:   content,
		Data:      data,
	})
	return err
}

func (st *attemptState) onResult(ctx context.Context, e stream.SessionResult) error {
	if e.SessionID != "" && e.SessionID != st.sessionID {
		st.sessionID = e.SessionID
		return st.orch.tasks.SetSessionID(ctx, st.taskID, e.SessionID)
	}
	return nil
}

// persist appends a log entry and forwards it on the outbound stream.
// Superseded attempts write nothing.
func (st *attemptState) persist(ctx context.Context, entry execlog.Entry) (execlog.Entry, error) {
	if st.abandoned() {
		return entry, nil
	}
	stored, err := st.orch.log.Append(ctx, entry)
	if err != nil {
		return entry, err
	}
	st.forward(Message{
		Step:    stored.Step,
		Message: stored.Message,
		Data:    stored.Data,
		EntryID: stored.ID,
	})
	return stored, nil
}

func (st *attemptState) forward(msg Message) {
	if st.sink != nil {
		st.sink(msg)
	}
}

// abandoned reports whether a newer attempt has taken over this task.
func (st *attemptState) abandoned() bool {
	return st.a.superseded.Load()
}

// finishCompleted records the terminal success entry carrying the
// refreshed task entity.
func (st *attemptState) finishCompleted(ctx context.Context) error {
	if st.abandoned() {
		return nil
	}
	if err := st.orch.tasks.SetExecutionStatus(ctx, st.taskID, task.StatusCompleted); err != nil {
		return st.finishFailed(ctx, err)
	}
	return st.finishTerminal(ctx, "Execution completed")
}

// finishFailed marks the task failed, records the error and appends the
// terminal entry. The original error is returned to the caller.
func (st *attemptState) finishFailed(ctx context.Context, cause error) error {
	if st.abandoned() {
		return cause
	}
	st.orch.logger.Error("attempt failed", "task_id", st.taskID, "error", cause)

	if err := st.orch.tasks.SetExecutionStatus(ctx, st.taskID, task.StatusFailed); err != nil {
		st.orch.logger.Error("status update failed", "task_id", st.taskID, "error", err)
	}
	if _, err := st.persist(ctx, execlog.Entry{
		TaskID:    st.taskID,
		SessionID: st.sessionID,
		Step:      execlog.StepError,
		Message:   cause.Error(),
	}); err != nil {
		st.orch.logger.Error("error entry append failed", "task_id", st.taskID, "error", err)
	}
	if err := st.finishTerminal(ctx, "Execution failed"); err != nil {
		st.orch.logger.Error("terminal entry append failed", "task_id", st.taskID, "error", err)
	}
	return cause
}

// finishTerminal appends the done entry with the current task snapshot and
// forwards it as the stream's final frame.
func (st *attemptState) finishTerminal(ctx context.Context, message string) error {
	if st.abandoned() {
		return nil
	}
	t, err := st.orch.tasks.Get(ctx, st.taskID)
	if err != nil {
		return err
	}
	stored, err := st.orch.log.Append(ctx, execlog.Entry{
		TaskID:    st.taskID,
		SessionID: st.sessionID,
		Step:      execlog.StepDone,
		Message:   message,
		Data:      map[string]any{"task": taskToMap(t)},
	})
	if err != nil {
		return err
	}
	st.forward(Message{
		Step:    stored.Step,
		Message: stored.Message,
		Data:    stored.Data,
		EntryID: stored.ID,
		Task:    &t,
	})
	return nil
}

func (st *attemptState) kill() {
	if st.a.proc != nil {
		_ = st.a.proc.Kill()
	}
}

// extractQuestion pulls the first question from the tool input. Missing
// fields default to empty so a malformed question still surfaces.
func extractQuestion(input map[string]any) (text, header string, options []string) {
	questions, _ := input["questions"].([]any)
	if len(questions) == 0 {
		return "", "", nil
	}
	first, ok := questions[0].(map[string]any)
	if !ok {
		return "", "", nil
	}
	text, _ = first["question"].(string)
	header, _ = first["header"].(string)
	rawOptions, _ := first["options"].([]any)
	for _, raw := range rawOptions {
		switch opt := raw.(type) {
		case string:
			options = append(options, opt)
		case map[string]any:
			if label, ok := opt["label"].(string); ok {
				options = append(options, label)
			}
		}
	}
	return text, header, options
}
