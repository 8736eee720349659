package telegramtransport

import (
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/clibridge/agentbridge/internal/streamer"
	"github.com/clibridge/agentbridge/internal/telegrambot"
)

func TestToUpdateConvertsPrivateMessage(t *testing.T) {
	transport := &Transport{maxUploadBytes: 26214400}
	raw := tgbotapi.Update{
		UpdateID: 7,
		Message: &tgbotapi.Message{
			MessageID: 3,
			Chat:      &tgbotapi.Chat{ID: 100, Type: "private"},
			From:      &tgbotapi.User{ID: 42, UserName: "owner"},
			Text:      "/help",
		},
	}
	update, err := transport.toUpdate(raw)
	if err != nil {
		t.Fatalf("toUpdate: %v", err)
	}
	if update.Message == nil || update.Message.Text != "/help" || update.Message.Chat.ID != 100 {
		t.Fatalf("update = %+v", update)
	}
	if update.UpdateID != "7" {
		t.Fatalf("update id = %q", update.UpdateID)
	}
}

func TestToUpdateConvertsCallbackQuery(t *testing.T) {
	transport := &Transport{maxUploadBytes: 26214400}
	raw := tgbotapi.Update{
		UpdateID: 8,
		CallbackQuery: &tgbotapi.CallbackQuery{
			ID:      "cb1",
			From:    &tgbotapi.User{ID: 42},
			Message: &tgbotapi.Message{MessageID: 55, Chat: &tgbotapi.Chat{ID: 100, Type: "private"}},
			Data:    "engine:toggle",
		},
	}
	update, err := transport.toUpdate(raw)
	if err != nil {
		t.Fatalf("toUpdate: %v", err)
	}
	if update.CallbackQuery == nil || update.CallbackQuery.Data != "engine:toggle" {
		t.Fatalf("update = %+v", update)
	}
	if update.CallbackQuery.Message.MessageID != 55 {
		t.Fatalf("message id = %d", update.CallbackQuery.Message.MessageID)
	}
}

func TestToUpdateIgnoresUnsupportedUpdateKinds(t *testing.T) {
	transport := &Transport{maxUploadBytes: 26214400}
	update, err := transport.toUpdate(tgbotapi.Update{UpdateID: 9})
	if err != nil {
		t.Fatalf("toUpdate: %v", err)
	}
	if update != nil {
		t.Fatalf("expected nil update for an unsupported kind, got %+v", update)
	}
}

func TestChatIDOfMessageAndCallback(t *testing.T) {
	msgUpdate := &telegrambot.Update{Message: &telegrambot.Message{Chat: telegrambot.Chat{ID: 55}}}
	if got := chatIDOf(msgUpdate); got != 55 {
		t.Fatalf("chatIDOf(message) = %d", got)
	}

	cbUpdate := &telegrambot.Update{CallbackQuery: &telegrambot.CallbackQuery{Message: &telegrambot.Message{Chat: telegrambot.Chat{ID: 77}}}}
	if got := chatIDOf(cbUpdate); got != 77 {
		t.Fatalf("chatIDOf(callback) = %d", got)
	}

	if got := chatIDOf(&telegrambot.Update{}); got != 0 {
		t.Fatalf("chatIDOf(empty) = %d", got)
	}
}

func TestToInlineKeyboardBuildsRowsOrNilWhenEmpty(t *testing.T) {
	if kb := toInlineKeyboard(nil); kb != nil {
		t.Fatalf("expected nil keyboard for no rows, got %+v", kb)
	}
	rows := [][]telegrambot.Button{{{Text: "A", CallbackData: "a"}, {Text: "B", CallbackData: "b"}}}
	kb := toInlineKeyboard(rows)
	if kb == nil || len(kb.InlineKeyboard) != 1 || len(kb.InlineKeyboard[0]) != 2 {
		t.Fatalf("keyboard = %+v", kb)
	}
}

func TestToStreamerKeyboardBuildsRowsOrNilWhenEmpty(t *testing.T) {
	if kb := toStreamerKeyboard(nil); kb != nil {
		t.Fatalf("expected nil keyboard for no rows, got %+v", kb)
	}
	rows := [][]streamer.Button{{{Text: "Stop", CallbackData: "stop_run:1"}}}
	kb := toStreamerKeyboard(rows)
	if kb == nil || len(kb.InlineKeyboard) != 1 || len(kb.InlineKeyboard[0]) != 1 {
		t.Fatalf("keyboard = %+v", kb)
	}
}
