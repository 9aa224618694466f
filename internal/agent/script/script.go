// Package script loads scripted agent transcripts for the fakeclaude
// binary, which stands in for the real CLI in local runs and end-to-end
// tests.
package script

import (
	"encoding/json"
	"fmt"
	"os"
)

// Script is a replayable agent transcript. Fresh plays on a plain
// invocation; Resume plays when the caller passes a continuation token.
type Script struct {
	Fresh  []Step `json:"fresh"`
	Resume []Step `json:"resume,omitempty"`
}

// Step emits one stream-json line, optionally after a delay. A step with
// Wait set holds stdout open afterwards until the process is killed,
// mimicking an agent blocked on user input.
type Step struct {
	Line    json.RawMessage `json:"line"`
	DelayMs int             `json:"delay_ms,omitempty"`
	Wait    bool            `json:"wait,omitempty"`
}

// Load reads a script from the provided path.
func Load(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}

	var s Script
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse script JSON: %w", err)
	}

	if len(s.Fresh) == 0 {
		return nil, fmt.Errorf("script has no fresh steps defined")
	}
	for i, step := range s.Fresh {
		if len(step.Line) == 0 && !step.Wait {
			return nil, fmt.Errorf("fresh step %d has no line", i)
		}
	}
	for i, step := range s.Resume {
		if len(step.Line) == 0 && !step.Wait {
			return nil, fmt.Errorf("resume step %d has no line", i)
		}
	}

	return &s, nil
}

// Steps selects the transcript for the invocation mode.
func (s *Script) Steps(resuming bool) []Step {
	if resuming && len(s.Resume) > 0 {
		return s.Resume
	}
	return s.Fresh
}
