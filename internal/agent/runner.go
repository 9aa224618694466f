// Package agent spawns the external agent CLI for one execution attempt
// and exposes its output stream. The CLI is expected to speak
// line-delimited JSON on stdout and to support resuming a prior session
// from a continuation token.
package agent

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
)

// Request describes one subprocess invocation.
type Request struct {
	Prompt    string
	SessionID string // continuation token; non-empty means resume that session
	WorkDir   string
}

// Process is one live agent subprocess.
type Process interface {
	// Stdout is the raw event stream; read it to completion before Wait.
	Stdout() io.Reader
	// Kill terminates the subprocess. This is the designed suspension
	// mechanism for question pauses, not an error path.
	Kill() error
	// Wait blocks until the subprocess exits.
	Wait() error
}

// Runner spawns agent subprocesses. The orchestrator depends on this
// interface so tests can substitute a scripted agent.
type Runner interface {
	Start(ctx context.Context, req Request) (Process, error)
}

// CLIRunner runs a claude-style agent binary.
type CLIRunner struct {
	binary    string
	extraArgs []string
	logger    *slog.Logger
}

// NewCLIRunner creates a runner for the given agent binary. extraArgs are
// appended after the standard streaming flags.
func NewCLIRunner(binary string, extraArgs []string, logger *slog.Logger) *CLIRunner {
	if binary == "" {
		binary = "claude"
	}
	return &CLIRunner{binary: binary, extraArgs: extraArgs, logger: logger}
}

// BuildArgs assembles the CLI argument list for a request.
func (r *CLIRunner) BuildArgs(req Request) []string {
	args := []string{"-p", "--output-format", "stream-json", "--verbose"}
	args = append(args, r.extraArgs...)
	if req.SessionID != "" {
		args = append(args, "--resume", req.SessionID)
	}
	args = append(args, "--", req.Prompt)
	return args
}

// Start launches the subprocess with stdout piped for the decoder and
// stderr drained into the log.
func (r *CLIRunner) Start(ctx context.Context, req Request) (Process, error) {
	args := r.BuildArgs(req)
	cmd := exec.CommandContext(ctx, r.binary, args...)
	cmd.Dir = req.WorkDir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdout.Close()
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("start agent process: %w", err)
	}

	r.logger.Info("agent started",
		"binary", r.binary,
		"pid", cmd.Process.Pid,
		"resume", req.SessionID != "",
		"work_dir", req.WorkDir)

	go r.drainStderr(stderr)

	return &cliProcess{cmd: cmd, stdout: stdout}, nil
}

func (r *CLIRunner) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 4096), 1024*1024)
	for scanner.Scan() {
		r.logger.Debug("agent stderr", "line", scanner.Text())
	}
}

type cliProcess struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
}

func (p *cliProcess) Stdout() io.Reader {
	return p.stdout
}

func (p *cliProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

func (p *cliProcess) Wait() error {
	return p.cmd.Wait()
}
