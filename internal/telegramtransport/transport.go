// Package telegramtransport adapts the pure internal/telegrambot.Handler
// and internal/streamer.Streamer to a real Telegram bot connection.
// Grounded on the teacher's internal/channels/telegram.go: same
// reconnect-with-backoff long-poll loop, same stall-detection timer, same
// bot.Send/NewEditMessageText usage — generalized from task-routing to
// converting tgbotapi updates into telegrambot.Update values and executing
// the Action slice the handler returns.
package telegramtransport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/clibridge/agentbridge/internal/streamer"
	"github.com/clibridge/agentbridge/internal/telegrambot"
)

const stallTimeout = 150 * time.Second

// Handler is the subset of telegrambot.Handler this transport drives.
type Handler interface {
	Handle(ctx context.Context, u telegrambot.Update) []telegrambot.Action
}

// Transport owns the live Telegram connection.
type Transport struct {
	token          string
	handler        Handler
	logger         *slog.Logger
	maxUploadBytes int64

	bot *tgbotapi.BotAPI
}

// New builds a Transport. Call Connect before Start.
func New(token string, handler Handler, logger *slog.Logger, maxUploadBytes int64) *Transport {
	if maxUploadBytes <= 0 {
		maxUploadBytes = 26214400
	}
	return &Transport{token: token, handler: handler, logger: logger, maxUploadBytes: maxUploadBytes}
}

// Connect initializes the bot API client. Split from New so callers can
// construct a Transport before the network dial happens.
func (t *Transport) Connect() error {
	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegramtransport: connect: %w", err)
	}
	t.bot = bot
	t.logger.Info("telegram bot connected", "username", bot.Self.UserName)
	return nil
}

// Start runs the long-poll loop until ctx is cancelled, reconnecting with
// exponential backoff on stalls or channel closures — mirroring the
// teacher's TelegramChannel.Start.
func (t *Transport) Start(ctx context.Context) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)
		t.bot.StopReceivingUpdates()

		if pollErr == nil {
			return nil
		}
		t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (t *Transport) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case upd, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)
			t.dispatch(ctx, upd)
		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

func (t *Transport) dispatch(ctx context.Context, upd tgbotapi.Update) {
	update, err := t.toUpdate(upd)
	if err != nil {
		t.logger.Warn("telegramtransport: failed to materialize update", "error", err)
		return
	}
	if update == nil {
		return
	}
	actions := t.handler.Handle(ctx, *update)
	var toastText string
	for _, action := range actions {
		if toast, ok := action.(telegrambot.Toast); ok {
			toastText = toast.Text
			continue
		}
		t.execute(update, action)
	}
	if upd.CallbackQuery != nil {
		if _, err := t.bot.Request(tgbotapi.NewCallback(upd.CallbackQuery.ID, toastText)); err != nil {
			t.logger.Warn("telegramtransport: failed to ack callback", "error", err)
		}
	}
}

func (t *Transport) toUpdate(upd tgbotapi.Update) (*telegrambot.Update, error) {
	switch {
	case upd.Message != nil:
		msg := &telegrambot.Message{
			MessageID: upd.Message.MessageID,
			Chat:      telegrambot.Chat{ID: upd.Message.Chat.ID, Type: upd.Message.Chat.Type},
			From:      telegrambot.User{ID: upd.Message.From.ID, Username: upd.Message.From.UserName},
			Text:      upd.Message.Text,
		}
		if upd.Message.Document != nil {
			doc, err := t.downloadDocument(upd.Message.Document)
			if err != nil {
				return nil, err
			}
			msg.Document = doc
		}
		return &telegrambot.Update{UpdateID: strconv.Itoa(upd.UpdateID), Message: msg}, nil

	case upd.CallbackQuery != nil:
		cb := &telegrambot.CallbackQuery{
			ID:   upd.CallbackQuery.ID,
			From: telegrambot.User{ID: upd.CallbackQuery.From.ID, Username: upd.CallbackQuery.From.UserName},
			Data: upd.CallbackQuery.Data,
		}
		if m := upd.CallbackQuery.Message; m != nil {
			cb.Message = &telegrambot.Message{
				MessageID: m.MessageID,
				Chat:      telegrambot.Chat{ID: m.Chat.ID, Type: m.Chat.Type},
			}
		}
		return &telegrambot.Update{UpdateID: strconv.Itoa(upd.UpdateID), CallbackQuery: cb}, nil

	default:
		return nil, nil
	}
}

func (t *Transport) downloadDocument(doc *tgbotapi.Document) (*telegrambot.Document, error) {
	if int64(doc.FileSize) > t.maxUploadBytes {
		return &telegrambot.Document{FileName: doc.FileName, FileSize: int64(doc.FileSize)}, nil
	}
	file, err := t.bot.GetFile(tgbotapi.FileConfig{FileID: doc.FileID})
	if err != nil {
		return nil, fmt.Errorf("telegramtransport: get file: %w", err)
	}
	url := file.Link(t.token)
	resp, err := http.Get(url)
	if err != nil {
		return nil, fmt.Errorf("telegramtransport: download file: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, t.maxUploadBytes+1))
	if err != nil {
		return nil, fmt.Errorf("telegramtransport: read file body: %w", err)
	}
	return &telegrambot.Document{FileName: doc.FileName, FileSize: int64(doc.FileSize), Data: data}, nil
}

func (t *Transport) execute(update *telegrambot.Update, action telegrambot.Action) {
	chatID := chatIDOf(update)
	switch a := action.(type) {
	case telegrambot.Reply:
		t.send(chatID, a.Text, nil)
	case telegrambot.ReplyWithDocument:
		msg := tgbotapi.NewDocument(chatID, tgbotapi.FilePath(a.FilePath))
		msg.Caption = a.Caption
		if _, err := t.bot.Send(msg); err != nil {
			t.logger.Error("telegramtransport: send document", "error", err)
		}
	case telegrambot.ReplyKeyboard:
		t.send(chatID, a.Text, toInlineKeyboard(a.Rows))
	case telegrambot.EditKeyboard:
		edit := tgbotapi.NewEditMessageTextAndMarkup(chatID, a.MessageID, a.Text, toInlineKeyboard(a.Rows))
		if _, err := t.bot.Send(edit); err != nil {
			t.logger.Warn("telegramtransport: edit message", "error", err)
		}
	case telegrambot.Toast:
		// Handled in dispatch: folded into the callback-query acknowledgement
		// rather than sent as its own action, since a Toast has no message of
		// its own to attach to.
		_ = a
	}
}

func (t *Transport) send(chatID int64, text string, keyboard *tgbotapi.InlineKeyboardMarkup) {
	msg := tgbotapi.NewMessage(chatID, text)
	if keyboard != nil {
		msg.ReplyMarkup = keyboard
	}
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Error("telegramtransport: send message", "error", err)
	}
}

func chatIDOf(update *telegrambot.Update) int64 {
	if update.Message != nil {
		return update.Message.Chat.ID
	}
	if update.CallbackQuery != nil && update.CallbackQuery.Message != nil {
		return update.CallbackQuery.Message.Chat.ID
	}
	return 0
}

func toInlineKeyboard(rows [][]telegrambot.Button) *tgbotapi.InlineKeyboardMarkup {
	if len(rows) == 0 {
		return nil
	}
	var kbRows [][]tgbotapi.InlineKeyboardButton
	for _, row := range rows {
		var kbRow []tgbotapi.InlineKeyboardButton
		for _, btn := range row {
			kbRow = append(kbRow, tgbotapi.NewInlineKeyboardButtonData(btn.Text, btn.CallbackData))
		}
		kbRows = append(kbRows, kbRow)
	}
	markup := tgbotapi.NewInlineKeyboardMarkup(kbRows...)
	return &markup
}

// StreamSender adapts Transport to streamer.Sender.
type StreamSender struct {
	t *Transport
}

// NewStreamSender builds the streamer.Sender this transport provides.
func (t *Transport) NewStreamSender() *StreamSender {
	return &StreamSender{t: t}
}

func (s *StreamSender) SendMessage(chatID int64, text string, rows [][]streamer.Button) (int, error) {
	msg := tgbotapi.NewMessage(chatID, text)
	if kb := toStreamerKeyboard(rows); kb != nil {
		msg.ReplyMarkup = kb
	}
	sent, err := s.t.bot.Send(msg)
	if err != nil {
		return 0, fmt.Errorf("telegramtransport: send stream message: %w", err)
	}
	return sent.MessageID, nil
}

func (s *StreamSender) EditMessage(chatID int64, messageID int, text string, rows [][]streamer.Button) error {
	if kb := toStreamerKeyboard(rows); kb != nil {
		edit := tgbotapi.NewEditMessageTextAndMarkup(chatID, messageID, text, *kb)
		_, err := s.t.bot.Send(edit)
		return err
	}
	edit := tgbotapi.NewEditMessageText(chatID, messageID, text)
	_, err := s.t.bot.Send(edit)
	return err
}

func toStreamerKeyboard(rows [][]streamer.Button) *tgbotapi.InlineKeyboardMarkup {
	if len(rows) == 0 {
		return nil
	}
	var kbRows [][]tgbotapi.InlineKeyboardButton
	for _, row := range rows {
		var kbRow []tgbotapi.InlineKeyboardButton
		for _, btn := range row {
			kbRow = append(kbRow, tgbotapi.NewInlineKeyboardButtonData(btn.Text, btn.CallbackData))
		}
		kbRows = append(kbRows, kbRow)
	}
	markup := tgbotapi.NewInlineKeyboardMarkup(kbRows...)
	return &markup
}
