package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskdeck/taskdeck/internal/agent"
	"github.com/taskdeck/taskdeck/internal/execlog"
	"github.com/taskdeck/taskdeck/internal/task"
	"github.com/taskdeck/taskdeck/internal/worktree"
)

// fakeProcess feeds a scripted stdout through a pipe. holdOpen keeps the
// pipe open after the script, simulating an agent waiting on a question
// until Kill closes it.
type fakeProcess struct {
	r        *io.PipeReader
	w        *io.PipeWriter
	holdOpen bool
	waitErr  error
	killed   atomic.Bool
	done     chan struct{}
}

func newFakeProcess(lines []string, holdOpen bool, waitErr error) *fakeProcess {
	r, w := io.Pipe()
	p := &fakeProcess{r: r, w: w, holdOpen: holdOpen, waitErr: waitErr, done: make(chan struct{})}
	go func() {
		defer close(p.done)
		for _, line := range lines {
			if _, err := w.Write([]byte(line + "\n")); err != nil {
				return
			}
		}
		if !holdOpen {
			w.Close()
		}
	}()
	return p
}

func (p *fakeProcess) Stdout() io.Reader { return p.r }

func (p *fakeProcess) Kill() error {
	p.killed.Store(true)
	p.w.Close()
	return nil
}

func (p *fakeProcess) Wait() error {
	<-p.done
	return p.waitErr
}

// scriptedRun drives one fake spawn. spawnGate, when set, stalls the
// spawn after the request is recorded until the test closes it.
type scriptedRun struct {
	lines     []string
	holdOpen  bool
	waitErr   error
	spawnGate chan struct{}
}

type fakeRunner struct {
	mu       sync.Mutex
	runs     []scriptedRun
	requests []agent.Request
	procs    []*fakeProcess
}

func (r *fakeRunner) Start(_ context.Context, req agent.Request) (agent.Process, error) {
	r.mu.Lock()
	idx := len(r.requests)
	if idx >= len(r.runs) {
		r.mu.Unlock()
		return nil, errors.New("no scripted run left")
	}
	run := r.runs[idx]
	r.requests = append(r.requests, req)
	r.mu.Unlock()

	if run.spawnGate != nil {
		<-run.spawnGate
	}

	p := newFakeProcess(run.lines, run.holdOpen, run.waitErr)
	r.mu.Lock()
	r.procs = append(r.procs, p)
	r.mu.Unlock()
	return p, nil
}

func (r *fakeRunner) requestCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

type fakeWorktrees struct {
	mu          sync.Mutex
	calls       []string
	publishURL  string
	publishGate chan struct{}
	ensureErr   error
	commitErr   error
	publishErr  error
	disposeErr  error
}

func (f *fakeWorktrees) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeWorktrees) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeWorktrees) Ensure(_ context.Context, baseRepo, taskID, _ string) (worktree.Info, error) {
	f.record("ensure")
	if f.ensureErr != nil {
		return worktree.Info{}, f.ensureErr
	}
	return worktree.Info{Path: filepath.Join(baseRepo, ".taskdeck", "worktrees", taskID)}, nil
}

func (f *fakeWorktrees) Commit(_ context.Context, _, _ string) error {
	f.record("commit")
	return f.commitErr
}

func (f *fakeWorktrees) Publish(_ context.Context, _, _, _ string) (string, error) {
	f.record("publish")
	if f.publishGate != nil {
		<-f.publishGate
	}
	if f.publishErr != nil {
		return "", f.publishErr
	}
	return f.publishURL, nil
}

func (f *fakeWorktrees) Dispose(_ context.Context, _ string) error {
	f.record("dispose")
	return f.disposeErr
}

type testEnv struct {
	orch   *Orchestrator
	tasks  *task.Store
	log    *execlog.Store
	runner *fakeRunner
	wt     *fakeWorktrees
}

func newTestEnv(t *testing.T, runner *fakeRunner, wt *fakeWorktrees, cfg Config) *testEnv {
	t.Helper()
	dir := t.TempDir()

	tasks, err := task.Open(filepath.Join(dir, "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { tasks.Close() })

	log, err := execlog.OpenDB(tasks.DB())
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &testEnv{
		orch:   New(tasks, log, wt, runner, cfg, logger),
		tasks:  tasks,
		log:    log,
		runner: runner,
		wt:     wt,
	}
}

func (env *testEnv) createTask(t *testing.T, title string) task.Task {
	t.Helper()
	created, err := env.tasks.Create(context.Background(), task.Task{Title: title})
	require.NoError(t, err)
	return created
}

func steps(entries []execlog.Entry) []execlog.Step {
	out := make([]execlog.Step, len(entries))
	for i, e := range entries {
		out[i] = e.Step
	}
	return out
}

// messageLog collects forwarded frames; safe to poll from the test
// goroutine while an attempt runs.
type messageLog struct {
	mu   sync.Mutex
	msgs []Message
}

func (l *messageLog) sink() Sink {
	return func(msg Message) {
		l.mu.Lock()
		l.msgs = append(l.msgs, msg)
		l.mu.Unlock()
	}
}

func (l *messageLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.msgs)
}

func (l *messageLog) last() Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.msgs[len(l.msgs)-1]
}

const (
	initLine   = `{"type":"system","subtype":"init","session_id":"sess-1"}`
	resultLine = `{"type":"result","subtype":"success","session_id":"sess-1","duration_ms":1200}`
)

func textLine(text string) string {
	encoded := strings.ReplaceAll(text, "\n", `\n`)
	return `{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"` + encoded + `"}}}`
}

func toolUseLine(id, name, inputJSON string) string {
	return `{"type":"assistant","message":{"content":[{"type":"tool_use","id":"` + id + `","name":"` + name + `","input":` + inputJSON + `}]}}`
}

func toolResultLine(id, content string) string {
	return `{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"` + id + `","content":"` + content + `"}]}}`
}

func TestStartRunsToCompletion(t *testing.T) {
	runner := &fakeRunner{runs: []scriptedRun{{lines: []string{
		initLine,
		textLine("Reading the file.\n"),
		toolUseLine("tu-1", "Read", `{"file_path":"main.go"}`),
		toolResultLine("tu-1", "package main"),
		resultLine,
	}}}}
	wt := &fakeWorktrees{publishURL: "https://example.com/pr/7"}
	env := newTestEnv(t, runner, wt, Config{BaseRepo: t.TempDir()})

	created := env.createTask(t, "fix parser")
	log := &messageLog{}
	sink := log.sink()

	require.NoError(t, env.orch.Start(context.Background(), created.ID, "fix the parser", sink))

	got, err := env.tasks.Get(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, got.ExecutionStatus)
	assert.Equal(t, task.ColumnDone, got.Column)
	assert.Equal(t, "sess-1", got.SessionID)
	assert.Equal(t, "https://example.com/pr/7", got.ExecutionResult)
	assert.Empty(t, got.WorktreePath, "work path cleared after disposal")

	entries, err := env.log.List(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, []execlog.Step{
		execlog.StepStart,
		execlog.StepAIOutput,
		execlog.StepToolComplete,
		execlog.StepToolResult,
		execlog.StepExecuting,
		execlog.StepExecuted,
		execlog.StepDone,
	}, steps(entries))

	assert.Equal(t, []string{"ensure", "commit", "publish", "dispose"}, wt.calls)

	last := log.last()
	assert.Equal(t, execlog.StepDone, last.Step)
	require.NotNil(t, last.Task)
	assert.Equal(t, task.StatusCompleted, last.Task.ExecutionStatus)
}

func TestQuestionPausesTask(t *testing.T) {
	questionInput := `{"questions":[{"question":"Which database?","header":"Setup","options":[{"label":"sqlite"},{"label":"postgres"}]}]}`
	runner := &fakeRunner{runs: []scriptedRun{{lines: []string{
		initLine,
		textLine("I need to ask something.\n"),
		toolUseLine("tu-1", "AskUserQuestion", questionInput),
	}, holdOpen: true}}}
	env := newTestEnv(t, runner, &fakeWorktrees{}, Config{})

	created := env.createTask(t, "pick a database")
	log := &messageLog{}
	sink := log.sink()

	require.NoError(t, env.orch.Start(context.Background(), created.ID, "set up storage", sink))

	got, err := env.tasks.Get(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPausedQuestion, got.ExecutionStatus)
	assert.Equal(t, "sess-1", got.SessionID)
	assert.True(t, runner.procs[0].killed.Load(), "subprocess killed on pause")

	entries, err := env.log.List(context.Background(), created.ID)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	lastEntry := entries[len(entries)-1]
	assert.Equal(t, execlog.StepQuestion, lastEntry.Step)
	assert.Equal(t, "Which database?", lastEntry.Message)
	assert.Equal(t, "Setup", lastEntry.Data["header"])

	last := log.last()
	assert.Equal(t, execlog.StepQuestion, last.Step)
	assert.Nil(t, last.Task, "question frame is not terminal")

	outstanding := execlog.OutstandingQuestion(entries)
	require.NotNil(t, outstanding)
	assert.Equal(t, "Which database?", outstanding.Message)
}

func TestAnswerResumesAndCompletes(t *testing.T) {
	questionInput := `{"questions":[{"question":"Which database?"}]}`
	runner := &fakeRunner{runs: []scriptedRun{
		{lines: []string{initLine, toolUseLine("tu-1", "AskUserQuestion", questionInput)}, holdOpen: true},
		{lines: []string{initLine, textLine("Using sqlite.\n"), resultLine}},
	}}
	env := newTestEnv(t, runner, &fakeWorktrees{}, Config{})

	created := env.createTask(t, "pick a database")
	sink := (&messageLog{}).sink()
	require.NoError(t, env.orch.Start(context.Background(), created.ID, "set up storage", sink))

	answerSink := (&messageLog{}).sink()
	require.NoError(t, env.orch.Answer(context.Background(), created.ID, "sqlite", answerSink))

	require.Len(t, runner.requests, 2)
	assert.Equal(t, "sess-1", runner.requests[1].SessionID, "resume uses the stored token")
	assert.Equal(t, "sqlite", runner.requests[1].Prompt)

	got, err := env.tasks.Get(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, got.ExecutionStatus)

	entries, err := env.log.List(context.Background(), created.ID)
	require.NoError(t, err)
	seen := steps(entries)
	assert.Contains(t, seen, execlog.StepQuestion)
	assert.Contains(t, seen, execlog.StepAnswer)
	assert.Nil(t, execlog.OutstandingQuestion(entries), "answered question no longer outstanding")

	// The question trail survives the resume; only a fresh start clears it.
	assert.Equal(t, execlog.StepStart, entries[0].Step)
}

func TestAnswerPreconditions(t *testing.T) {
	env := newTestEnv(t, &fakeRunner{}, &fakeWorktrees{}, Config{BaseRepo: t.TempDir()})
	ctx := context.Background()

	created := env.createTask(t, "idle task")
	log := &messageLog{}
	sink := log.sink()

	err := env.orch.Answer(ctx, created.ID, "yes", sink)
	assert.ErrorIs(t, err, ErrNotPaused)

	require.NoError(t, env.tasks.SetExecutionStatus(ctx, created.ID, task.StatusPausedQuestion))
	err = env.orch.Answer(ctx, created.ID, "yes", sink)
	assert.ErrorIs(t, err, ErrNoSession)

	require.NoError(t, env.tasks.SetSessionID(ctx, created.ID, "sess-9"))
	err = env.orch.Answer(ctx, created.ID, "yes", sink)
	assert.ErrorIs(t, err, ErrNoWorktree)

	entries, err := env.log.List(ctx, created.ID)
	require.NoError(t, err)
	assert.Empty(t, entries, "rejected requests leave no log entries")
	assert.Equal(t, 0, log.len())
}

func TestPublishFailureStillCompletes(t *testing.T) {
	runner := &fakeRunner{runs: []scriptedRun{{lines: []string{initLine, resultLine}}}}
	wt := &fakeWorktrees{publishErr: errors.New("gh: not authenticated")}
	env := newTestEnv(t, runner, wt, Config{BaseRepo: t.TempDir()})

	created := env.createTask(t, "quiet change")
	sink := (&messageLog{}).sink()
	require.NoError(t, env.orch.Start(context.Background(), created.ID, "do it", sink))

	got, err := env.tasks.Get(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, got.ExecutionStatus)
	assert.Equal(t, task.ColumnDone, got.Column)
	assert.Equal(t, "Task completed", got.ExecutionResult, "generic result when no review URL")

	assert.Equal(t, []string{"ensure", "commit", "publish", "dispose"}, wt.calls, "disposal still runs")

	entries, err := env.log.List(context.Background(), created.ID)
	require.NoError(t, err)
	var publishError bool
	for _, e := range entries {
		if e.Step == execlog.StepError && strings.Contains(e.Message, "Publish failed") {
			publishError = true
		}
	}
	assert.True(t, publishError)
	assert.Equal(t, execlog.StepDone, entries[len(entries)-1].Step)
}

func TestAgentFailureMarksTaskFailed(t *testing.T) {
	runner := &fakeRunner{runs: []scriptedRun{{
		lines:   []string{initLine, textLine("starting\n")},
		waitErr: errors.New("exit status 1"),
	}}}
	env := newTestEnv(t, runner, &fakeWorktrees{}, Config{})

	created := env.createTask(t, "doomed task")
	log := &messageLog{}
	sink := log.sink()

	err := env.orch.Start(context.Background(), created.ID, "try it", sink)
	require.Error(t, err)

	got, gerr := env.tasks.Get(context.Background(), created.ID)
	require.NoError(t, gerr)
	assert.Equal(t, task.StatusFailed, got.ExecutionStatus)
	assert.NotEqual(t, task.ColumnDone, got.Column)

	entries, lerr := env.log.List(context.Background(), created.ID)
	require.NoError(t, lerr)
	require.GreaterOrEqual(t, len(entries), 2)
	assert.Equal(t, execlog.StepError, entries[len(entries)-2].Step)
	assert.Equal(t, execlog.StepDone, entries[len(entries)-1].Step)

	last := log.last()
	require.NotNil(t, last.Task)
	assert.Equal(t, task.StatusFailed, last.Task.ExecutionStatus)
}

func TestStartSupersedesLiveAttempt(t *testing.T) {
	runner := &fakeRunner{runs: []scriptedRun{
		{lines: []string{initLine, textLine("working on v1\n")}, holdOpen: true},
		{lines: []string{initLine, resultLine}},
	}}
	env := newTestEnv(t, runner, &fakeWorktrees{}, Config{})

	created := env.createTask(t, "restarted task")

	firstDone := make(chan error, 1)
	log1 := &messageLog{}
	sink1 := log1.sink()
	go func() {
		firstDone <- env.orch.Start(context.Background(), created.ID, "first try", sink1)
	}()

	// Wait for the first attempt to have forwarded its narration, which
	// guarantees its subprocess is up and being read.
	require.Eventually(t, func() bool {
		return log1.len() >= 2
	}, time.Second, 5*time.Millisecond)

	sink2 := (&messageLog{}).sink()
	require.NoError(t, env.orch.Start(context.Background(), created.ID, "second try", sink2))

	require.NoError(t, <-firstDone, "superseded attempt exits quietly")
	assert.True(t, runner.procs[0].killed.Load())

	entries, err := env.log.List(context.Background(), created.ID)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, "second try", entries[0].Data["prompt"], "log holds only the new attempt")
	assert.Equal(t, execlog.StepDone, entries[len(entries)-1].Step)

	got, err := env.tasks.Get(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, got.ExecutionStatus)
}

func TestSupersedeBeforeSpawnKillsLateProcess(t *testing.T) {
	gate := make(chan struct{})
	runner := &fakeRunner{runs: []scriptedRun{
		{lines: []string{initLine}, holdOpen: true, spawnGate: gate},
		{lines: []string{initLine, resultLine}},
	}}
	env := newTestEnv(t, runner, &fakeWorktrees{}, Config{})

	created := env.createTask(t, "slow spawn")

	firstDone := make(chan error, 1)
	go func() {
		firstDone <- env.orch.Start(context.Background(), created.ID, "first try", (&messageLog{}).sink())
	}()

	// The first attempt has asked the runner for a process but not
	// received one yet when the second attempt takes over.
	require.Eventually(t, func() bool {
		return runner.requestCount() == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, env.orch.Start(context.Background(), created.ID, "second try", (&messageLog{}).sink()))

	close(gate)
	require.NoError(t, <-firstDone, "superseded attempt exits quietly")

	// The second attempt spawned while the first was stalled, so its
	// process is procs[0] and the late one procs[1].
	require.Len(t, runner.procs, 2)
	assert.True(t, runner.procs[1].killed.Load(), "late subprocess terminated on arrival")
	assert.False(t, runner.procs[0].killed.Load())

	entries, err := env.log.List(context.Background(), created.ID)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, "second try", entries[0].Data["prompt"])
	assert.Equal(t, execlog.StepDone, entries[len(entries)-1].Step)
}

func TestSupersedeDuringCompletionPreservesNewAttempt(t *testing.T) {
	questionInput := `{"questions":[{"question":"Which branch?"}]}`
	publishGate := make(chan struct{})
	runner := &fakeRunner{runs: []scriptedRun{
		{lines: []string{initLine, resultLine}},
		{lines: []string{initLine, toolUseLine("tu-1", "AskUserQuestion", questionInput)}, holdOpen: true},
	}}
	wt := &fakeWorktrees{publishGate: publishGate, publishURL: "https://example.com/pr/9"}
	env := newTestEnv(t, runner, wt, Config{BaseRepo: t.TempDir()})

	created := env.createTask(t, "interrupted finish")

	firstDone := make(chan error, 1)
	go func() {
		firstDone <- env.orch.Start(context.Background(), created.ID, "first try", (&messageLog{}).sink())
	}()

	// Wait for the first attempt to stall inside publish, deep in its
	// completion pipeline, then take over and pause on a question.
	require.Eventually(t, func() bool {
		return wt.callCount() == 3
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, env.orch.Start(context.Background(), created.ID, "second try", (&messageLog{}).sink()))

	close(publishGate)
	require.NoError(t, <-firstDone, "superseded attempt exits quietly")

	// The stale attempt must not mark the task done, overwrite the paused
	// status, or append its own terminal entry after the new attempt's log.
	got, err := env.tasks.Get(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPausedQuestion, got.ExecutionStatus)
	assert.NotEqual(t, task.ColumnDone, got.Column)
	assert.Empty(t, got.ExecutionResult)
	assert.NotEmpty(t, got.WorktreePath, "paused task keeps its work path")

	entries, err := env.log.List(context.Background(), created.ID)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, "second try", entries[0].Data["prompt"])
	for _, e := range entries {
		assert.NotEqual(t, execlog.StepDone, e.Step, "no stale terminal entry")
	}
	require.NotNil(t, execlog.OutstandingQuestion(entries))
}

func TestTodoEntriesFeedReplayView(t *testing.T) {
	todos := `{"todos":[{"id":"a","content":"write tests","status":"pending"},{"id":"b","content":"refactor","status":"pending"}]}`
	updated := `{"todos":[{"id":"a","content":"write tests","status":"completed"},{"id":"b","content":"refactor","status":"in_progress"}]}`
	runner := &fakeRunner{runs: []scriptedRun{{lines: []string{
		initLine,
		toolUseLine("tu-1", "TodoWrite", todos),
		toolUseLine("tu-2", "TodoWrite", updated),
		resultLine,
	}}}}
	env := newTestEnv(t, runner, &fakeWorktrees{}, Config{})

	created := env.createTask(t, "planned task")
	sink := (&messageLog{}).sink()
	require.NoError(t, env.orch.Start(context.Background(), created.ID, "plan it", sink))

	entries, err := env.log.List(context.Background(), created.ID)
	require.NoError(t, err)
	items := execlog.Todos(entries)
	require.Len(t, items, 2)
	assert.Equal(t, "write tests", items[0].Content)
	assert.Equal(t, "completed", items[0].Status)
	assert.Equal(t, "in_progress", items[1].Status)
}

func TestToolResultTruncation(t *testing.T) {
	long := strings.Repeat("x", 300)
	runner := &fakeRunner{runs: []scriptedRun{{lines: []string{
		initLine,
		toolResultLine("tu-1", long),
		resultLine,
	}}}}
	env := newTestEnv(t, runner, &fakeWorktrees{}, Config{ResultLimitBytes: 100})

	created := env.createTask(t, "noisy tool")
	sink := (&messageLog{}).sink()
	require.NoError(t, env.orch.Start(context.Background(), created.ID, "run it", sink))

	entries, err := env.log.List(context.Background(), created.ID)
	require.NoError(t, err)
	var result *execlog.Entry
	for i := range entries {
		if entries[i].Step == execlog.StepToolResult {
			result = &entries[i]
		}
	}
	require.NotNil(t, result)
	assert.True(t, strings.HasSuffix(result.Message, "…[truncated]"))
	assert.Less(t, len(result.Message), 200)
	assert.Equal(t, true, result.Data["truncated"])
	assert.Equal(t, float64(300), result.Data["original_bytes"])
}

func TestToolResultTruncationKeepsRuneBoundary(t *testing.T) {
	long := strings.Repeat("é", 120)
	runner := &fakeRunner{runs: []scriptedRun{{lines: []string{
		initLine,
		toolResultLine("tu-1", long),
		resultLine,
	}}}}
	// An odd byte limit lands mid-rune on the two-byte é.
	env := newTestEnv(t, runner, &fakeWorktrees{}, Config{ResultLimitBytes: 101})

	created := env.createTask(t, "accented output")
	sink := (&messageLog{}).sink()
	require.NoError(t, env.orch.Start(context.Background(), created.ID, "run it", sink))

	entries, err := env.log.List(context.Background(), created.ID)
	require.NoError(t, err)
	var result *execlog.Entry
	for i := range entries {
		if entries[i].Step == execlog.StepToolResult {
			result = &entries[i]
		}
	}
	require.NotNil(t, result)
	assert.True(t, utf8.ValidString(result.Message), "truncation never splits a rune")
	assert.True(t, strings.HasSuffix(result.Message, "…[truncated]"))
	assert.Equal(t, strings.Repeat("é", 50), strings.TrimSuffix(result.Message, "\n…[truncated]"))
	assert.Equal(t, float64(240), result.Data["original_bytes"])
}

func TestTextBufferFlushesBeforeToolStart(t *testing.T) {
	runner := &fakeRunner{runs: []scriptedRun{{lines: []string{
		initLine,
		textLine("short note"),
		toolUseLine("tu-1", "Bash", `{"command":"go test ./..."}`),
		resultLine,
	}}}}
	env := newTestEnv(t, runner, &fakeWorktrees{}, Config{})

	created := env.createTask(t, "ordered output")
	sink := (&messageLog{}).sink()
	require.NoError(t, env.orch.Start(context.Background(), created.ID, "run tests", sink))

	entries, err := env.log.List(context.Background(), created.ID)
	require.NoError(t, err)

	var aiIdx, toolIdx = -1, -1
	for i, e := range entries {
		switch e.Step {
		case execlog.StepAIOutput:
			aiIdx = i
		case execlog.StepToolComplete:
			toolIdx = i
		}
	}
	require.GreaterOrEqual(t, aiIdx, 0)
	require.GreaterOrEqual(t, toolIdx, 0)
	assert.Less(t, aiIdx, toolIdx, "buffered narration lands before the tool entry")
	assert.Equal(t, "short note", entries[aiIdx].Message)
	assert.Equal(t, "Bash: go test ./...", entries[toolIdx].Message)
}
