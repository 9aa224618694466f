package worktree

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBranchNameSanitizesTaskID(t *testing.T) {
	tests := []struct {
		id   string
		want string
	}{
		{"T-001", "taskdeck/T-001"},
		{"fix login/bug", "taskdeck/fix-login-bug"},
		{"  spaced out  ", "taskdeck/spaced-out"},
		{"", "taskdeck/task"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, BranchName(tt.id), "id %q", tt.id)
	}
}

func TestPathForIsDeterministic(t *testing.T) {
	got := PathFor("/repo", "T-001")
	assert.Equal(t, filepath.Join("/repo", ".taskdeck", "worktrees", "T-001"), got)
	assert.Equal(t, got, PathFor("/repo", "T-001"))
}

func TestClassifyFromLineCounts(t *testing.T) {
	assert.Equal(t, "added", Classify(10, 0))
	assert.Equal(t, "deleted", Classify(0, 10))
	assert.Equal(t, "modified", Classify(4, 2))
	assert.Equal(t, "modified", Classify(0, 0)) // binary or mode change
}

func TestParseNumstat(t *testing.T) {
	out := "10\t0\tcmd/main.go\n3\t5\tinternal/server/server.go\n0\t12\told.go\n-\t-\tassets/logo.png\n"

	files := ParseNumstat(out)
	assert.Equal(t, []FileDiff{
		{Path: "cmd/main.go", Added: 10, Deleted: 0, Status: "added"},
		{Path: "internal/server/server.go", Added: 3, Deleted: 5, Status: "modified"},
		{Path: "old.go", Added: 0, Deleted: 12, Status: "deleted"},
		{Path: "assets/logo.png", Added: 0, Deleted: 0, Status: "modified"},
	}, files)
}

func TestParseNumstatSkipsGarbage(t *testing.T) {
	assert.Nil(t, ParseNumstat(""))
	assert.Nil(t, ParseNumstat("not numstat output\n"))
}
