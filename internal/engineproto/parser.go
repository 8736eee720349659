// Package engineproto turns each engine's line-delimited JSON stdout into
// the normalized eventmodel.Event union (spec.md §4.3), the way the
// teacher's internal/engine/structured.go defensively extracts fields from
// loosely-shaped provider JSON, and internal/mcp/transport.go consumes a
// subprocess's stdout one JSON line at a time.
package engineproto

import "github.com/clibridge/agentbridge/internal/eventmodel"

// Parser is implemented by each engine's concrete line parser.
type Parser interface {
	// Push parses one complete line (sans newline) and returns zero or more
	// normalized events. Malformed JSON is counted, not fatal. Blank lines
	// are ignored.
	Push(line string) []eventmodel.Event

	// Finish signals end of input, supplying the process's terminal status
	// for use if no run_finished event was ever observed.
	Finish(terminal eventmodel.RunStatus) []eventmodel.Event

	// EngineSessionID returns the latest engine-assigned session id seen,
	// or "" if none.
	EngineSessionID() string

	// MalformedCount returns the number of lines that failed JSON parsing.
	MalformedCount() int
}

// base holds the state shared by every concrete parser: run_finished
// exactly-once tracking, malformed line counting, and session id capture.
type base struct {
	malformed    int
	finishedOnce bool
	sessionID    string
}

func (b *base) EngineSessionID() string {
	return b.sessionID
}

func (b *base) MalformedCount() int {
	return b.malformed
}

func (b *base) captureSessionID(m map[string]any) {
	for _, key := range []string{"session_id", "sessionID", "sessionId"} {
		if v, ok := m[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				b.sessionID = s
			}
		}
	}
}

// runFinished wraps the emit of the one-and-only run_finished event. It
// returns nil if a run_finished was already emitted.
func (b *base) runFinished(status eventmodel.RunStatus) []eventmodel.Event {
	if b.finishedOnce {
		return nil
	}
	b.finishedOnce = true
	return []eventmodel.Event{{Type: eventmodel.TypeRunFinished, Status: status}}
}

// finishIfNeeded is called from Finish(): if no run_finished was observed
// during the parser's lifetime, synthesize one from the supplied status.
func (b *base) finishIfNeeded(status eventmodel.RunStatus) []eventmodel.Event {
	return b.runFinished(status)
}
