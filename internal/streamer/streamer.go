// Package streamer implements RunStreamer (spec.md §4.10): it turns the
// flow of normalized events a run produces into a single progressively
// edited chat message, throttled to avoid hammering the transport, with a
// final message once the run finishes. Grounded on the teacher's
// internal/channels/telegram.go (streamState/monitorStreamTokens: an
// accumulating text buffer keyed by task id, rate-limited in-place edits,
// send-then-edit lifecycle), generalized from raw token chunks to the
// closed eventmodel.Event union and widened with a tool-name trail and a
// Stop button the teacher's version didn't need.
package streamer

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/clibridge/agentbridge/internal/eventmodel"
)

const (
	defaultEditInterval = 2000 * time.Millisecond
	telegramTextLimit   = 4096
	previewChars        = 300
)

// Sender is the transport surface the streamer drives. Implementations
// live in internal/telegramtransport; this package never imports a
// Telegram client directly so it can be tested with a fake.
type Sender interface {
	SendMessage(chatID int64, text string, rows [][]Button) (messageID int, err error)
	EditMessage(chatID int64, messageID int, text string, rows [][]Button) error
}

// Button mirrors telegrambot.Button without importing that package —
// the two are structurally identical by design, and transports adapt
// between them at the edges.
type Button struct {
	Text         string
	CallbackData string
}

type runState struct {
	chatID        int64
	progressMsgID int
	hasProgress   bool
	startedAt     time.Time
	lastEditAt    time.Time
	textBuffer    strings.Builder
	toolNames     []string
}

// Streamer owns one runState per active runId.
type Streamer struct {
	sender       Sender
	editInterval time.Duration
	now          func() time.Time

	mu    sync.Mutex
	state map[string]*runState
}

// Config configures a Streamer. EditInterval defaults to 2000ms, Now
// defaults to time.Now, matching spec.md §4.10.
type Config struct {
	Sender       Sender
	EditInterval time.Duration
	Now          func() time.Time
}

// New builds a Streamer.
func New(cfg Config) *Streamer {
	if cfg.EditInterval <= 0 {
		cfg.EditInterval = defaultEditInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Streamer{
		sender:       cfg.Sender,
		editInterval: cfg.EditInterval,
		now:          cfg.Now,
		state:        make(map[string]*runState),
	}
}

// HandleEvent accumulates an event into the run's buffer and, subject to
// the edit-interval throttle, pushes an updated progress message.
func (s *Streamer) HandleEvent(chatID int64, runID string, ev eventmodel.Event) error {
	if ev.Type == eventmodel.TypeError {
		_, err := s.sender.SendMessage(chatID, "Error: "+sanitize(ev.Message), nil)
		return err
	}

	st := s.ensureState(chatID, runID)
	return s.handleAccumulated(chatID, runID, st, ev)
}

func (s *Streamer) ensureState(chatID int64, runID string) *runState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.state[runID]
	if !ok {
		st = &runState{chatID: chatID, startedAt: s.now()}
		s.state[runID] = st
	}
	return st
}

func (s *Streamer) handleAccumulated(chatID int64, runID string, st *runState, ev eventmodel.Event) error {
	switch ev.Type {
	case eventmodel.TypeTextDelta:
		st.textBuffer.WriteString(ev.Text)
	case eventmodel.TypeToolStart:
		st.toolNames = append(st.toolNames, ev.ToolName)
	}

	if s.now().Sub(st.lastEditAt) < s.editInterval {
		return nil
	}
	st.lastEditAt = s.now()

	text := s.progressText(st)
	rows := [][]Button{{{Text: "Stop", CallbackData: "stop_run:" + runID}}}

	if !st.hasProgress {
		msgID, err := s.sender.SendMessage(chatID, text, rows)
		if err != nil {
			return err
		}
		st.progressMsgID = msgID
		st.hasProgress = true
		return nil
	}

	if err := s.sender.EditMessage(chatID, st.progressMsgID, text, rows); err != nil {
		msgID, sendErr := s.sender.SendMessage(chatID, text, rows)
		if sendErr != nil {
			return sendErr
		}
		st.progressMsgID = msgID
	}
	return nil
}

func (s *Streamer) progressText(st *runState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Working... (%s)", formatElapsed(s.now().Sub(st.startedAt)))
	if len(st.toolNames) > 0 {
		b.WriteString("\nTools: " + strings.Join(lastN(st.toolNames, 3), ", "))
	}
	preview := lastNChars(st.textBuffer.String(), previewChars)
	if preview != "" {
		b.WriteString("\n\n" + preview)
	}
	return b.String()
}

// FinishResult is what Orchestrator passes to FinishRun once a run ends.
type FinishResult struct {
	Status          eventmodel.RunStatus
	DurationMs      int64
	EngineSessionID string
}

// FinishRun composes the final message, splitting it across multiple
// sends if it exceeds Telegram's text-length cap, then drops the run's
// state.
func (s *Streamer) FinishRun(chatID int64, runID string, result FinishResult) error {
	s.mu.Lock()
	st, ok := s.state[runID]
	delete(s.state, runID)
	s.mu.Unlock()

	var textBuffer string
	var hasProgress bool
	var progressMsgID int
	if ok {
		textBuffer = st.textBuffer.String()
		hasProgress = st.hasProgress
		progressMsgID = st.progressMsgID
	}

	footer := fmt.Sprintf("[%s in %s]", statusIcon(result.Status), formatElapsed(time.Duration(result.DurationMs)*time.Millisecond))
	finalText := strings.TrimSpace(sanitize(textBuffer))
	if finalText == "" {
		finalText = footer
	} else {
		finalText = finalText + "\n\n" + footer
	}

	chunks := splitForTelegram(finalText, telegramTextLimit)
	if len(chunks) == 0 {
		chunks = []string{footer}
	}

	if hasProgress {
		if err := s.sender.EditMessage(chatID, progressMsgID, chunks[0], nil); err != nil {
			if _, sendErr := s.sender.SendMessage(chatID, chunks[0], nil); sendErr != nil {
				return sendErr
			}
		}
	} else {
		if _, err := s.sender.SendMessage(chatID, chunks[0], nil); err != nil {
			return err
		}
	}
	for _, chunk := range chunks[1:] {
		if _, err := s.sender.SendMessage(chatID, chunk, nil); err != nil {
			return err
		}
	}
	return nil
}

func statusIcon(status eventmodel.RunStatus) string {
	switch status {
	case eventmodel.RunStatusSuccess:
		return "✅"
	case eventmodel.RunStatusCancelled:
		return "⏹"
	default:
		return "❌"
	}
}

// formatElapsed matches spec.md §4.10: "<s>s" under a minute, else "<m>m <s>s".
func formatElapsed(d time.Duration) string {
	total := int(d.Seconds())
	if total < 60 {
		return fmt.Sprintf("%ds", total)
	}
	return fmt.Sprintf("%dm %ds", total/60, total%60)
}

// sanitize strips ASCII control characters other than tab/LF/CR.
func sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r < 0x20 && r != '\t' && r != '\n' && r != '\r' {
			continue
		}
		if r == 0x7f {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func lastN(items []string, n int) []string {
	if len(items) <= n {
		return items
	}
	return items[len(items)-n:]
}

func lastNChars(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(string(runes[len(runes)-n:]))
}

// splitForTelegram breaks text into chunks no longer than limit,
// preferring to split on the last newline within the window.
func splitForTelegram(text string, limit int) []string {
	if text == "" {
		return nil
	}
	var chunks []string
	for len(text) > limit {
		cut := strings.LastIndexByte(text[:limit], '\n')
		if cut <= 0 {
			cut = limit
		}
		chunks = append(chunks, text[:cut])
		text = strings.TrimPrefix(text[cut:], "\n")
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}
