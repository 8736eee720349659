package streamer

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/clibridge/agentbridge/internal/eventmodel"
)

type sentMessage struct {
	chatID int64
	text   string
	rows   [][]Button
}

type editCall struct {
	chatID    int64
	messageID int
	text      string
}

type fakeSender struct {
	nextMsgID   int
	sent        []sentMessage
	edits       []editCall
	failEditIDs map[int]bool
}

func newFakeSender() *fakeSender {
	return &fakeSender{nextMsgID: 1, failEditIDs: make(map[int]bool)}
}

func (f *fakeSender) SendMessage(chatID int64, text string, rows [][]Button) (int, error) {
	id := f.nextMsgID
	f.nextMsgID++
	f.sent = append(f.sent, sentMessage{chatID: chatID, text: text, rows: rows})
	return id, nil
}

func (f *fakeSender) EditMessage(chatID int64, messageID int, text string, rows [][]Button) error {
	f.edits = append(f.edits, editCall{chatID: chatID, messageID: messageID, text: text})
	if f.failEditIDs[messageID] {
		return errors.New("message not modified")
	}
	return nil
}

func newTestStreamer(sender Sender, clock *time.Time) *Streamer {
	return New(Config{
		Sender:       sender,
		EditInterval: 2 * time.Second,
		Now:          func() time.Time { return *clock },
	})
}

func TestHandleEventSendsFirstProgressMessage(t *testing.T) {
	sender := newFakeSender()
	now := time.Unix(1000, 0)
	s := newTestStreamer(sender, &now)

	if err := s.HandleEvent(100, "run-1", eventmodel.Event{Type: eventmodel.TypeTextDelta, Text: "hello"}); err != nil {
		t.Fatalf("handle event: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("sent = %+v", sender.sent)
	}
	if !strings.Contains(sender.sent[0].text, "Working...") {
		t.Fatalf("text = %q", sender.sent[0].text)
	}
	if !strings.Contains(sender.sent[0].text, "hello") {
		t.Fatalf("expected preview text, got %q", sender.sent[0].text)
	}
}

func TestHandleEventThrottlesEditsToInterval(t *testing.T) {
	sender := newFakeSender()
	now := time.Unix(1000, 0)
	s := newTestStreamer(sender, &now)

	if err := s.HandleEvent(100, "run-1", eventmodel.Event{Type: eventmodel.TypeTextDelta, Text: "a"}); err != nil {
		t.Fatalf("first event: %v", err)
	}
	if err := s.HandleEvent(100, "run-1", eventmodel.Event{Type: eventmodel.TypeTextDelta, Text: "b"}); err != nil {
		t.Fatalf("second event: %v", err)
	}
	if len(sender.sent) != 1 || len(sender.edits) != 0 {
		t.Fatalf("expected no edit within the throttle window: sent=%d edits=%d", len(sender.sent), len(sender.edits))
	}

	now = now.Add(3 * time.Second)
	if err := s.HandleEvent(100, "run-1", eventmodel.Event{Type: eventmodel.TypeTextDelta, Text: "c"}); err != nil {
		t.Fatalf("third event: %v", err)
	}
	if len(sender.edits) != 1 {
		t.Fatalf("expected one edit after the interval elapsed, got %d", len(sender.edits))
	}
}

func TestHandleEventErrorSendsImmediateMessage(t *testing.T) {
	sender := newFakeSender()
	now := time.Unix(1000, 0)
	s := newTestStreamer(sender, &now)

	if err := s.HandleEvent(100, "run-1", eventmodel.Event{Type: eventmodel.TypeError, Message: "boom"}); err != nil {
		t.Fatalf("handle event: %v", err)
	}
	if len(sender.sent) != 1 || !strings.Contains(sender.sent[0].text, "boom") {
		t.Fatalf("sent = %+v", sender.sent)
	}
}

func TestHandleEventEditFailureFallsBackToSend(t *testing.T) {
	sender := newFakeSender()
	now := time.Unix(1000, 0)
	s := newTestStreamer(sender, &now)

	_ = s.HandleEvent(100, "run-1", eventmodel.Event{Type: eventmodel.TypeTextDelta, Text: "a"})
	sender.failEditIDs[1] = true

	now = now.Add(3 * time.Second)
	if err := s.HandleEvent(100, "run-1", eventmodel.Event{Type: eventmodel.TypeTextDelta, Text: "b"}); err != nil {
		t.Fatalf("handle event: %v", err)
	}
	if len(sender.sent) != 2 {
		t.Fatalf("expected a fresh send after edit failure, sent=%d", len(sender.sent))
	}
}

func TestFinishRunEditsProgressMessageAndClearsState(t *testing.T) {
	sender := newFakeSender()
	now := time.Unix(1000, 0)
	s := newTestStreamer(sender, &now)

	_ = s.HandleEvent(100, "run-1", eventmodel.Event{Type: eventmodel.TypeTextDelta, Text: "done"})

	if err := s.FinishRun(100, "run-1", FinishResult{Status: eventmodel.RunStatusSuccess, DurationMs: 1500}); err != nil {
		t.Fatalf("finish run: %v", err)
	}
	if len(sender.edits) != 1 {
		t.Fatalf("edits = %+v", sender.edits)
	}
	if !strings.Contains(sender.edits[0].text, "done") || !strings.Contains(sender.edits[0].text, "✅") {
		t.Fatalf("final text = %q", sender.edits[0].text)
	}

	s.mu.Lock()
	_, exists := s.state["run-1"]
	s.mu.Unlock()
	if exists {
		t.Fatal("expected run state to be cleared after finish")
	}
}

func TestFinishRunSplitsOversizedText(t *testing.T) {
	sender := newFakeSender()
	now := time.Unix(1000, 0)
	s := newTestStreamer(sender, &now)

	long := strings.Repeat("x", telegramTextLimit+500)
	s.mu.Lock()
	st := &runState{chatID: 100, startedAt: now, hasProgress: true, progressMsgID: 1}
	st.textBuffer.WriteString(long)
	s.state["run-2"] = st
	s.mu.Unlock()

	if err := s.FinishRun(100, "run-2", FinishResult{Status: eventmodel.RunStatusSuccess}); err != nil {
		t.Fatalf("finish run: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected one extra chunk sent as a fresh message, got %+v", sender.sent)
	}
}

func TestFormatElapsedUnderAndOverMinute(t *testing.T) {
	if got := formatElapsed(45 * time.Second); got != "45s" {
		t.Fatalf("got %q", got)
	}
	if got := formatElapsed(90 * time.Second); got != "1m 30s" {
		t.Fatalf("got %q", got)
	}
}

func TestSanitizeStripsControlCharsKeepsWhitespace(t *testing.T) {
	input := "hello\x00\x07world\tand\nnewline"
	got := sanitize(input)
	if strings.ContainsAny(got, "\x00\x07") {
		t.Fatalf("expected control chars stripped, got %q", got)
	}
	if !strings.Contains(got, "\t") || !strings.Contains(got, "\n") {
		t.Fatalf("expected tab/newline preserved, got %q", got)
	}
}
