// Package telegrambot implements ChatCommandHandler (spec.md §4.9): a pure
// function from one structured chat update to a sequence of Actions,
// gatekept to a single owner user and a single private chat, with an
// in-memory per-chat state machine layered over the durable project/
// session/chat rows in internal/store. Grounded on the teacher's
// internal/channels/telegram.go (owner/allow-list gating before any
// routing, session-key derivation from chat identity, HITL inline-keyboard
// callback parsing), adapted from "route to an agent task" to "drive one of
// two engine CLIs through the run pipeline".
package telegrambot

// User identifies the sender of a message or callback.
type User struct {
	ID       int64
	Username string
}

// Chat identifies the conversation a message arrived on.
type Chat struct {
	ID   int64
	Type string // "private", "group", "supergroup", "channel"
}

// Document is an uploaded file's metadata plus its already-downloaded
// bytes (the transport layer fetches the bytes before calling the
// handler, keeping this package free of any Telegram API dependency).
type Document struct {
	FileName string
	FileSize int64
	Data     []byte
}

// Message is the subset of a Telegram message the handler needs.
type Message struct {
	MessageID int
	Chat      Chat
	From      User
	Text      string
	Document  *Document
}

// CallbackQuery is an inline-keyboard button press.
type CallbackQuery struct {
	ID      string
	From    User
	Message *Message
	Data    string
}

// Update is one structured chat event (spec.md §4.9's input shape).
type Update struct {
	UpdateID      string
	Message       *Message
	CallbackQuery *CallbackQuery
}

// Button is one inline-keyboard button.
type Button struct {
	Text         string
	CallbackData string
}

// Action is implemented by every action variant the handler can emit.
type Action interface{ isAction() }

// Reply sends a new plain-text message.
type Reply struct {
	Text string
}

// ReplyWithDocument sends a file from disk, with an optional caption.
type ReplyWithDocument struct {
	FilePath string
	Caption  string
}

// ReplyKeyboard sends a new message with an inline keyboard.
type ReplyKeyboard struct {
	Text string
	Rows [][]Button
}

// EditKeyboard edits an existing message's text and inline keyboard.
type EditKeyboard struct {
	MessageID int
	Text      string
	Rows      [][]Button
}

// Toast requests a small callback-acknowledgement popup (Telegram's
// "answerCallbackQuery" notification), sent alongside an EditKeyboard.
type Toast struct {
	Text string
}

func (Reply) isAction()             {}
func (ReplyWithDocument) isAction() {}
func (ReplyKeyboard) isAction()     {}
func (EditKeyboard) isAction()      {}
func (Toast) isAction()             {}
