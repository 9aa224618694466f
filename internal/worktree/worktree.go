// Package worktree manages isolated, disposable git working directories
// bound to one task each, plus the commit/diff/publish operations the
// completion pipeline runs against them.
package worktree

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// emptyTreeHash is git's well-known hash of the empty tree, used as the
// diff base for a branch with no reachable parent commit.
const emptyTreeHash = "4b825dc642cb6eb9a060e54bf8d69288fbee4904"

// Info describes an allocated worktree.
type Info struct {
	Path   string `json:"path"`
	Branch string `json:"branch"`
}

// FileDiff is the per-file summary of a worktree diff.
type FileDiff struct {
	Path    string `json:"path"`
	Added   int    `json:"added"`
	Deleted int    `json:"deleted"`
	Status  string `json:"status"` // added, deleted, modified
}

// DiffResult is a full worktree diff against the most sensible base.
type DiffResult struct {
	Files        []FileDiff `json:"files"`
	Patch        string     `json:"patch"`
	TotalAdded   int        `json:"total_added"`
	TotalDeleted int        `json:"total_deleted"`
}

// Manager wraps the git and gh command-line tools. All operations run the
// tools as subprocesses; nothing here links against a git library.
type Manager struct {
	logger *slog.Logger
}

// NewManager creates a worktree manager.
func NewManager(logger *slog.Logger) *Manager {
	return &Manager{logger: logger}
}

// BranchName derives the dedicated branch for a task.
func BranchName(taskID string) string {
	return "taskdeck/" + sanitize(taskID)
}

// PathFor derives the worktree directory for a task inside a base repo.
func PathFor(baseRepo, taskID string) string {
	return filepath.Join(baseRepo, ".taskdeck", "worktrees", sanitize(taskID))
}

// Ensure materializes the task's worktree. It is idempotent: an existing
// work path is returned unchanged so a resumed attempt reuses it. A stale
// branch left behind by an earlier disposal is deleted before re-creating.
func (m *Manager) Ensure(ctx context.Context, baseRepo, taskID, title string) (Info, error) {
	if strings.TrimSpace(taskID) == "" {
		return Info{}, fmt.Errorf("task id is required")
	}

	info := Info{
		Path:   PathFor(baseRepo, taskID),
		Branch: BranchName(taskID),
	}

	if _, err := os.Stat(info.Path); err == nil {
		m.logger.Debug("worktree already exists", "path", info.Path)
		return info, nil
	}

	if err := os.MkdirAll(filepath.Dir(info.Path), 0o755); err != nil {
		return Info{}, fmt.Errorf("create worktree parent: %w", err)
	}

	// The branch may survive a crashed attempt; remove it so worktree add
	// can recreate it from the current HEAD.
	_, _ = m.git(ctx, baseRepo, "branch", "-D", info.Branch)

	if _, err := m.git(ctx, baseRepo, "worktree", "add", info.Path, "-b", info.Branch); err != nil {
		return Info{}, err
	}

	m.logger.Info("worktree created", "task_id", taskID, "path", info.Path, "branch", info.Branch, "title", title)
	return info, nil
}

// Commit stages everything and commits. A worktree with nothing staged is
// not an error; the commit is simply skipped.
func (m *Manager) Commit(ctx context.Context, workPath, message string) error {
	if _, err := m.git(ctx, workPath, "add", "-A"); err != nil {
		return err
	}

	staged, err := m.git(ctx, workPath, "diff", "--cached", "--name-only")
	if err != nil {
		return err
	}
	if strings.TrimSpace(staged) == "" {
		m.logger.Debug("nothing to commit", "path", workPath)
		return nil
	}

	if _, err := m.git(ctx, workPath, "commit", "-m", message); err != nil {
		return err
	}
	return nil
}

// Diff computes per-file line counts and a unified patch against the
// tracked upstream merge base when resolvable, else the previous commit,
// else the empty tree. Diffing base against the working tree folds any
// uncommitted changes into the result.
func (m *Manager) Diff(ctx context.Context, workPath string) (DiffResult, error) {
	base := m.resolveDiffBase(ctx, workPath)

	numstat, err := m.git(ctx, workPath, "diff", "--numstat", base)
	if err != nil {
		return DiffResult{}, err
	}
	patch, err := m.git(ctx, workPath, "diff", base)
	if err != nil {
		return DiffResult{}, err
	}

	result := DiffResult{
		Files: ParseNumstat(numstat),
		Patch: patch,
	}
	for _, f := range result.Files {
		result.TotalAdded += f.Added
		result.TotalDeleted += f.Deleted
	}
	return result, nil
}

func (m *Manager) resolveDiffBase(ctx context.Context, workPath string) string {
	if base, err := m.git(ctx, workPath, "merge-base", "@{upstream}", "HEAD"); err == nil {
		if trimmed := strings.TrimSpace(base); trimmed != "" {
			return trimmed
		}
	}
	if prev, err := m.git(ctx, workPath, "rev-parse", "HEAD~1"); err == nil {
		if trimmed := strings.TrimSpace(prev); trimmed != "" {
			return trimmed
		}
	}
	return emptyTreeHash
}

// Publish pushes the worktree's branch upstream and opens a pull request,
// returning its URL.
func (m *Manager) Publish(ctx context.Context, workPath, title, body string) (string, error) {
	branch, err := m.git(ctx, workPath, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	branch = strings.TrimSpace(branch)

	if _, err := m.git(ctx, workPath, "push", "-u", "origin", branch); err != nil {
		return "", err
	}

	out, err := m.run(ctx, workPath, "gh", "pr", "create", "--title", title, "--body", body)
	if err != nil {
		return "", err
	}
	// gh prints the new PR URL on stdout.
	return strings.TrimSpace(out), nil
}

// Dispose removes the worktree directory and its branch. The owning base
// repository is resolved from the worktree itself. git's own removal is
// preferred; a raw filesystem delete is the fallback. A branch that is
// already gone is tolerated.
func (m *Manager) Dispose(ctx context.Context, workPath string) error {
	branch, err := m.git(ctx, workPath, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return err
	}
	branch = strings.TrimSpace(branch)

	commonDir, err := m.git(ctx, workPath, "rev-parse", "--git-common-dir")
	if err != nil {
		return err
	}
	baseRepo := filepath.Dir(strings.TrimSpace(commonDir))

	if _, err := m.git(ctx, baseRepo, "worktree", "remove", "--force", workPath); err != nil {
		m.logger.Warn("git worktree remove failed, deleting directory", "path", workPath, "error", err)
		if rmErr := os.RemoveAll(workPath); rmErr != nil {
			return fmt.Errorf("remove worktree directory: %w", rmErr)
		}
		_, _ = m.git(ctx, baseRepo, "worktree", "prune")
	}

	if _, err := m.git(ctx, baseRepo, "branch", "-D", branch); err != nil {
		m.logger.Debug("branch already gone", "branch", branch)
	}

	m.logger.Info("worktree disposed", "path", workPath, "branch", branch)
	return nil
}

func (m *Manager) git(ctx context.Context, dir string, args ...string) (string, error) {
	return m.run(ctx, dir, "git", args...)
}

func (m *Manager) run(ctx context.Context, dir, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return string(out), nil
}

// ParseNumstat turns `git diff --numstat` output into per-file diffs,
// classifying each file from its line-count signature.
func ParseNumstat(out string) []FileDiff {
	var files []FileDiff
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 3)
		if len(parts) != 3 {
			continue
		}
		// Binary files report "-" for both counts.
		added, _ := strconv.Atoi(parts[0])
		deleted, _ := strconv.Atoi(parts[1])
		files = append(files, FileDiff{
			Path:    parts[2],
			Added:   added,
			Deleted: deleted,
			Status:  Classify(added, deleted),
		})
	}
	return files
}

// Classify derives a file's change kind from its added/deleted counts.
func Classify(added, deleted int) string {
	switch {
	case added > 0 && deleted == 0:
		return "added"
	case added == 0 && deleted > 0:
		return "deleted"
	default:
		return "modified"
	}
}

func sanitize(id string) string {
	replacer := strings.NewReplacer(" ", "-", "/", "-", "\\", "-")
	out := replacer.Replace(strings.TrimSpace(id))
	if out == "" {
		return "task"
	}
	return out
}
