package stream

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
)

// MaxLineSize is the largest single line the decoder will buffer (1 MiB).
// Anything longer is discarded up to the next line terminator.
const MaxLineSize = 1024 * 1024

// toolAccumulator collects streamed JSON fragments for one open tool-use
// content block. It lives from content_block_start to content_block_stop.
type toolAccumulator struct {
	name      string
	id        string
	index     int
	fragments []string
}

// Decoder turns chunked, line-delimited JSON output from the agent
// subprocess into domain events. It performs no I/O and is not safe for
// concurrent use; feed it from a single goroutine.
type Decoder struct {
	sink   func(Event)
	logger *slog.Logger

	buf      []byte
	skipping bool
	accs     map[int]*toolAccumulator
}

// NewDecoder creates a decoder that delivers events synchronously to sink.
func NewDecoder(sink func(Event), logger *slog.Logger) *Decoder {
	return &Decoder{
		sink:   sink,
		logger: logger,
		accs:   make(map[int]*toolAccumulator),
	}
}

// Feed appends a chunk of subprocess output and processes every complete
// line it now holds. The trailing incomplete fragment, if any, is retained
// until a later chunk terminates it. Feed never fails: lines that do not
// parse are dropped so that a malformed line cannot stall the stream.
func (d *Decoder) Feed(chunk []byte) {
	d.buf = append(d.buf, chunk...)

	for {
		nl := bytes.IndexByte(d.buf, '\n')
		if nl < 0 {
			break
		}
		line := d.buf[:nl]
		rest := make([]byte, len(d.buf)-nl-1)
		copy(rest, d.buf[nl+1:])

		if d.skipping {
			d.skipping = false
		} else {
			d.processLine(line)
		}
		d.buf = rest
	}

	if len(d.buf) > MaxLineSize {
		d.logger.Warn("discarding oversized line", "size", len(d.buf))
		d.buf = d.buf[:0]
		d.skipping = true
	}
}

// Flush processes a trailing line that was never newline-terminated.
// Call it once after the subprocess closes its stdout.
func (d *Decoder) Flush() {
	if d.skipping || len(d.buf) == 0 {
		d.buf = nil
		d.skipping = false
		return
	}
	line := d.buf
	d.buf = nil
	d.processLine(line)
}

func (d *Decoder) processLine(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}

	var raw map[string]any
	if err := json.Unmarshal(line, &raw); err != nil {
		d.logger.Debug("dropping unparseable line", "error", err)
		return
	}

	switch msgType(raw) {
	case "system":
		if sub, _ := raw["subtype"].(string); sub == "init" {
			if sid, _ := raw["session_id"].(string); sid != "" {
				d.emit(SessionStarted{SessionID: sid})
			}
		}

	case "stream_event":
		inner, ok := raw["event"].(map[string]any)
		if !ok {
			return
		}
		d.handleStreamEvent(inner)

	case "content_block_start", "content_block_delta", "content_block_stop",
		"message_start", "message_delta", "message_stop":
		// Bare shape: the inner event appears at the top level.
		d.handleStreamEvent(raw)

	case "user":
		d.extractToolResults(raw)

	case "assistant":
		d.extractCompleteToolUses(raw)

	case "result":
		d.emit(SessionResult{
			Status:     resultStatus(raw),
			SessionID:  stringField(raw, "session_id"),
			DurationMs: int64(numField(raw, "duration_ms")),
		})
	}
}

func (d *Decoder) handleStreamEvent(evt map[string]any) {
	switch msgType(evt) {
	case "content_block_start":
		idx := int(numField(evt, "index"))
		block, _ := evt["content_block"].(map[string]any)
		if block == nil {
			return
		}
		if msgType(block) != "tool_use" {
			// Text blocks produce events only through their deltas.
			return
		}
		// A start at an index still holding an accumulator means the prior
		// block never stopped; the stale accumulator is discarded.
		d.accs[idx] = &toolAccumulator{
			name:  stringField(block, "name"),
			id:    stringField(block, "id"),
			index: idx,
		}
		d.emit(ToolInvocationStarted{
			ToolName:   d.accs[idx].name,
			ToolID:     d.accs[idx].id,
			BlockIndex: idx,
		})

	case "content_block_delta":
		delta, _ := evt["delta"].(map[string]any)
		if delta == nil {
			return
		}
		switch msgType(delta) {
		case "text_delta":
			if text, ok := delta["text"].(string); ok {
				d.emit(TextFragment{Text: text})
			}
		case "input_json_delta":
			idx := int(numField(evt, "index"))
			if acc, ok := d.accs[idx]; ok {
				if frag, ok := delta["partial_json"].(string); ok {
					acc.fragments = append(acc.fragments, frag)
				}
			}
		}

	case "content_block_stop":
		idx := int(numField(evt, "index"))
		acc, ok := d.accs[idx]
		if !ok {
			return
		}
		delete(d.accs, idx)
		d.emit(ToolInvocationCompleted{
			ToolName: acc.name,
			ToolID:   acc.id,
			Input:    parseToolInput(strings.Join(acc.fragments, "")),
		})
	}
}

// extractToolResults pulls tool_result blocks out of a user message and
// emits one ToolResult per block with its content flattened to plain text.
func (d *Decoder) extractToolResults(raw map[string]any) {
	for _, block := range contentBlocks(raw) {
		if msgType(block) != "tool_result" {
			continue
		}
		d.emit(ToolResult{
			ToolUseID: stringField(block, "tool_use_id"),
			Content:   flattenContent(block["content"]),
		})
	}
}

// extractCompleteToolUses handles agents that deliver whole assistant
// messages instead of incremental deltas: any tool_use block arrives fully
// assembled, so it completes directly without an accumulator.
func (d *Decoder) extractCompleteToolUses(raw map[string]any) {
	for _, block := range contentBlocks(raw) {
		if msgType(block) != "tool_use" {
			continue
		}
		input, _ := block["input"].(map[string]any)
		if input == nil {
			input = map[string]any{}
		}
		d.emit(ToolInvocationCompleted{
			ToolName: stringField(block, "name"),
			ToolID:   stringField(block, "id"),
			Input:    input,
		})
	}
}

func (d *Decoder) emit(evt Event) {
	if d.sink != nil {
		d.sink(evt)
	}
}

// parseToolInput parses the concatenated JSON fragments of a tool block.
// A parse failure yields an empty input map rather than failing the stream.
func parseToolInput(joined string) map[string]any {
	input := map[string]any{}
	if strings.TrimSpace(joined) == "" {
		return input
	}
	if err := json.Unmarshal([]byte(joined), &input); err != nil {
		return map[string]any{}
	}
	return input
}

// flattenContent reduces a tool_result content value to a single string:
// either a bare string, or a list of text-bearing sub-blocks concatenated
// in order.
func flattenContent(content any) string {
	switch v := content.(type) {
	case string:
		return v
	case []any:
		var sb strings.Builder
		for _, item := range v {
			block, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if text, ok := block["text"].(string); ok {
				sb.WriteString(text)
			}
		}
		return sb.String()
	default:
		return ""
	}
}

func contentBlocks(raw map[string]any) []map[string]any {
	msg, _ := raw["message"].(map[string]any)
	if msg == nil {
		return nil
	}
	list, _ := msg["content"].([]any)
	var blocks []map[string]any
	for _, item := range list {
		if block, ok := item.(map[string]any); ok {
			blocks = append(blocks, block)
		}
	}
	return blocks
}

func resultStatus(raw map[string]any) string {
	if sub, _ := raw["subtype"].(string); sub != "" {
		return sub
	}
	if status, _ := raw["status"].(string); status != "" {
		return status
	}
	return "unknown"
}

func msgType(m map[string]any) string {
	t, _ := m["type"].(string)
	return t
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func numField(m map[string]any, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}
