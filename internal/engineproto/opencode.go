package engineproto

import (
	"encoding/json"
	"strings"

	"github.com/clibridge/agentbridge/internal/eventmodel"
)

// OpenCodeParser parses opencode's JSON-lines event stream. Unlike Claude's
// stream-json shape, opencode's type names are not treated as a fixed enum:
// spec.md §4.3 asks for permissive, prefix/alias matching so a point release
// that renames "tool_start" to "tool_started" does not regress silently into
// an unparsed stream.
type OpenCodeParser struct {
	base
}

// NewOpenCodeParser returns a fresh parser.
func NewOpenCodeParser() *OpenCodeParser {
	return &OpenCodeParser{}
}

func (p *OpenCodeParser) Push(line string) []eventmodel.Event {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	var m map[string]any
	if err := json.Unmarshal([]byte(line), &m); err != nil {
		p.malformed++
		return nil
	}
	p.captureSessionID(m)

	rawType, _ := m["type"].(string)
	norm := normalizeType(rawType)

	switch {
	case norm == "run_started" || norm == "run_start" || norm == "started":
		return []eventmodel.Event{{Type: eventmodel.TypeRunStarted}}

	case norm == "text" || norm == "text_delta" || norm == "message_delta" || norm == "output_text_delta":
		text := firstString(m, "text")
		if text == "" {
			if part, ok := m["part"].(map[string]any); ok {
				text = firstString(part, "text")
			}
		}
		if text == "" {
			text = firstString(m, "delta", "content", "message")
		}
		if text == "" {
			return nil
		}
		return []eventmodel.Event{{Type: eventmodel.TypeTextDelta, Text: text}}

	case norm == "tool_use":
		return p.handleToolUse(m)

	case strings.HasPrefix(norm, "tool_start") || strings.HasPrefix(norm, "tool_started"):
		toolName, callID := toolIdentity(m)
		if toolName == "" {
			return nil
		}
		return []eventmodel.Event{{Type: eventmodel.TypeToolStart, ToolName: toolName, CallID: callID}}

	case strings.HasPrefix(norm, "tool_end") || strings.HasPrefix(norm, "tool_call"):
		toolName, callID := toolIdentity(m)
		if toolName == "" {
			return nil
		}
		return []eventmodel.Event{{
			Type:     eventmodel.TypeToolEnd,
			ToolName: toolName,
			CallID:   callID,
			Output:   firstValue(m, "output", "error", "result"),
		}}

	case norm == "step_start" || norm == "step_finish":
		return nil // internal bookkeeping, dropped per spec.md §4.3

	case norm == "finished" || norm == "completed" || norm == "run_finished" || norm == "run_end":
		status := opencodeStatus(m)
		return p.runFinished(status)

	case norm == "file_uploaded" || norm == "upload_completed":
		return []eventmodel.Event{{
			Type:     eventmodel.TypeFileUploaded,
			FilePath: firstString(m, "path", "filePath"),
			FileName: firstString(m, "name", "fileName"),
		}}

	case norm == "file_downloaded" || norm == "download_completed":
		return []eventmodel.Event{{
			Type:     eventmodel.TypeFileDownloaded,
			FilePath: firstString(m, "path", "filePath"),
			FileName: firstString(m, "name", "fileName"),
			URL:      firstString(m, "url"),
		}}

	case norm == "error":
		return []eventmodel.Event{{Type: eventmodel.TypeError, Message: bestMessage(m)}}

	default:
		return nil
	}
}

func (p *OpenCodeParser) handleToolUse(m map[string]any) []eventmodel.Event {
	toolName, callID := toolIdentity(m)
	if toolName == "" {
		return nil
	}
	part, _ := m["part"].(map[string]any)
	status := ""
	if part != nil {
		if state, ok := part["state"].(map[string]any); ok {
			status, _ = state["status"].(string)
		}
	}
	if status == "" || status == "pending" {
		return []eventmodel.Event{{Type: eventmodel.TypeToolStart, ToolName: toolName, CallID: callID}}
	}
	var output any
	if part != nil {
		if state, ok := part["state"].(map[string]any); ok {
			output = state["output"]
			if output == nil {
				output = state["error"]
			}
		}
	}
	return []eventmodel.Event{{Type: eventmodel.TypeToolEnd, ToolName: toolName, CallID: callID, Output: output}}
}

func opencodeStatus(m map[string]any) eventmodel.RunStatus {
	s := strings.ToLower(firstString(m, "status", "subtype", "result"))
	switch {
	case s == "" || s == "success" || s == "ok":
		return eventmodel.RunStatusSuccess
	case strings.Contains(s, "error") || strings.Contains(s, "fail"):
		return eventmodel.RunStatusError
	case strings.Contains(s, "cancel"):
		return eventmodel.RunStatusCancelled
	default:
		return eventmodel.RunStatusUnknown
	}
}

func (p *OpenCodeParser) Finish(terminal eventmodel.RunStatus) []eventmodel.Event {
	return p.finishIfNeeded(terminal)
}

// normalizeType lowercases and collapses "-"/" " to "_" so callers can match
// against a single underscore-separated form regardless of the source's
// casing convention.
func normalizeType(s string) string {
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, "-", "_")
	s = strings.ReplaceAll(s, " ", "_")
	return s
}

func toolIdentity(m map[string]any) (toolName, callID string) {
	toolName = firstString(m, "toolName", "tool_name", "tool", "name")
	if part, ok := m["part"].(map[string]any); ok {
		if toolName == "" {
			toolName = firstString(part, "tool", "name")
		}
		if callID == "" {
			callID = firstString(part, "callId", "call_id", "id")
		}
	}
	if callID == "" {
		callID = firstString(m, "callId", "call_id", "id")
	}
	return toolName, callID
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

func firstValue(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v
		}
	}
	return nil
}
