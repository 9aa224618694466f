package stream

// Event is a decoded domain event produced from the agent's output stream.
// The concrete types below form a closed set; a type switch over Event is
// expected to cover all of them.
type Event interface {
	isEvent()
}

// SessionStarted carries the continuation token the agent assigned to this
// logical session. Emitted once per attempt, from the init message.
type SessionStarted struct {
	SessionID string
}

// TextFragment is an incremental piece of narration text, exactly as the
// delta carried it. No coalescing happens at this layer.
type TextFragment struct {
	Text string
}

// ToolInvocationStarted marks the opening of a tool-use content block.
type ToolInvocationStarted struct {
	ToolName   string
	ToolID     string
	BlockIndex int
}

// ToolInvocationCompleted carries the fully assembled input of a tool
// invocation, either accumulated from streamed JSON fragments or taken
// whole from a complete assistant message.
type ToolInvocationCompleted struct {
	ToolName string
	ToolID   string
	Input    map[string]any
}

// ToolResult carries the flattened textual result of a prior tool use.
type ToolResult struct {
	ToolUseID string
	Content   string
}

// SessionResult is the agent's final summary for the session. It does not
// by itself terminate an attempt; subprocess exit does.
type SessionResult struct {
	Status     string
	SessionID  string
	DurationMs int64
}

func (SessionStarted) isEvent()          {}
func (TextFragment) isEvent()            {}
func (ToolInvocationStarted) isEvent()   {}
func (ToolInvocationCompleted) isEvent() {}
func (ToolResult) isEvent()              {}
func (SessionResult) isEvent()           {}
