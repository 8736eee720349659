package engineproto

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/clibridge/agentbridge/internal/eventmodel"
)

// ClaudeParser parses the `claude --output-format stream-json` line shape
// per spec.md §4.3.
type ClaudeParser struct {
	base
}

// NewClaudeParser returns a fresh parser.
func NewClaudeParser() *ClaudeParser {
	return &ClaudeParser{}
}

func (p *ClaudeParser) Push(line string) []eventmodel.Event {
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

	typ, _ := m["type"].(string)
	switch typ {
	case "stream_event":
		return p.handleStreamEvent(m)
	case "assistant":
		return p.handleAssistant(m)
	case "result":
		return p.handleResult(m)
	case "error":
		return []eventmodel.Event{{Type: eventmodel.TypeError, Message: bestMessage(m)}}
	default:
		return nil // not an event: unrecognized discriminator, dropped silently
	}
}

func (p *ClaudeParser) handleStreamEvent(m map[string]any) []eventmodel.Event {
	event, _ := m["event"].(map[string]any)
	if event == nil {
		return nil
	}
	etype, _ := event["type"].(string)
	switch etype {
	case "content_block_delta":
		delta, _ := event["delta"].(map[string]any)
		if delta == nil {
			return nil
		}
		if dtype, _ := delta["type"].(string); dtype == "text_delta" {
			if text, ok := delta["text"].(string); ok && text != "" {
				return []eventmodel.Event{{Type: eventmodel.TypeTextDelta, Text: text}}
			}
		}
		return nil
	case "content_block_start":
		block, _ := event["content_block"].(map[string]any)
		if block == nil {
			return nil
		}
		if btype, _ := block["type"].(string); btype == "tool_use" {
			toolName, _ := block["name"].(string)
			callID, _ := block["id"].(string)
			if toolName == "" {
				return nil
			}
			return []eventmodel.Event{{Type: eventmodel.TypeToolStart, ToolName: toolName, CallID: callID}}
		}
		return nil
	default:
		return nil
	}
}

func (p *ClaudeParser) handleAssistant(m map[string]any) []eventmodel.Event {
	message, _ := m["message"].(map[string]any)
	if message == nil {
		return nil
	}
	content, _ := message["content"].([]any)
	var events []eventmodel.Event
	for _, c := range content {
		block, _ := c.(map[string]any)
		if block == nil {
			continue
		}
		if btype, _ := block["type"].(string); btype == "tool_use" {
			toolName, _ := block["name"].(string)
			if toolName == "" {
				continue
			}
			callID, _ := block["id"].(string)
			events = append(events, eventmodel.Event{
				Type:     eventmodel.TypeToolEnd,
				ToolName: toolName,
				CallID:   callID,
				Output:   block["input"],
			})
		}
	}
	return events
}

func (p *ClaudeParser) handleResult(m map[string]any) []eventmodel.Event {
	subtype, _ := m["subtype"].(string)
	isError, _ := m["is_error"].(bool)

	var events []eventmodel.Event
	status := resultStatus(subtype, isError)
	if status == eventmodel.RunStatusError {
		events = append(events, eventmodel.Event{Type: eventmodel.TypeError, Message: bestMessage(m)})
	}
	events = append(events, p.runFinished(status)...)
	return events
}

func resultStatus(subtype string, isError bool) eventmodel.RunStatus {
	if isError {
		return eventmodel.RunStatusError
	}
	switch {
	case subtype == "success":
		return eventmodel.RunStatusSuccess
	case strings.Contains(subtype, "error"):
		return eventmodel.RunStatusError
	case strings.Contains(subtype, "cancel"):
		return eventmodel.RunStatusCancelled
	default:
		return eventmodel.RunStatusUnknown
	}
}

func (p *ClaudeParser) Finish(terminal eventmodel.RunStatus) []eventmodel.Event {
	return p.finishIfNeeded(terminal)
}

// bestMessage extracts the best-available human-readable message from a
// result/error payload, per spec.md §4.3: result, error, message, body, or a
// truncated stringification.
func bestMessage(m map[string]any) string {
	for _, key := range []string{"result", "error", "message", "body"} {
		if v, ok := m[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Sprintf("%v", m)
	}
	const maxLen = 500
	s := string(b)
	if len(s) > maxLen {
		s = s[:maxLen] + "...(truncated)"
	}
	return s
}
