package script

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fixture.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAndSelectSteps(t *testing.T) {
	path := writeScript(t, `{
		"fresh": [
			{"line": {"type":"system","subtype":"init","session_id":"sess-1"}},
			{"line": {"type":"result","subtype":"success"}, "delay_ms": 5}
		],
		"resume": [
			{"line": {"type":"result","subtype":"success"}}
		]
	}`)

	s, err := Load(path)
	require.NoError(t, err)

	assert.Len(t, s.Steps(false), 2)
	assert.Len(t, s.Steps(true), 1)
	assert.Equal(t, 5, s.Fresh[1].DelayMs)
}

func TestResumeFallsBackToFresh(t *testing.T) {
	path := writeScript(t, `{"fresh": [{"line": {"type":"result","subtype":"success"}}]}`)

	s, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, s.Steps(true), 1)
}

func TestLoadRejectsEmptyScript(t *testing.T) {
	path := writeScript(t, `{"fresh": []}`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no fresh steps")
}

func TestLoadRejectsStepWithoutLine(t *testing.T) {
	path := writeScript(t, `{"fresh": [{"delay_ms": 10}]}`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "has no line")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	require.Error(t, err)
}
