package bot

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	cbGet           = "get"
	cbRemove        = "remove"
	cbRemoveConfirm = "remove_confirm"
	cbNoop          = "noop"
)

func (b *Bot) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	if cb.Message == nil || cb.Message.Chat == nil {
		return
	}
	chatID := cb.Message.Chat.ID

	if _, err := b.api.Request(tgbotapi.NewCallback(cb.ID, "")); err != nil {
		b.log.Error("send callback ack", "error", err)
	}

	action, alias, ok := strings.Cut(cb.Data, ":")
	if !ok || alias == "" {
		return
	}

	var userID int64
	if cb.From != nil {
		userID = cb.From.ID
	}
	b.log.Info("callback", "action", action, "alias", alias, "chat_id", chatID, "user_id", userID)

	switch action {
	case cbGet:
		b.handleGet(ctx, chatID, alias)
	case cbRemoveConfirm:
		msg := tgbotapi.NewMessage(chatID, fmt.Sprintf("Unsubscribe from [%s]?", alias))
		msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
			tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData("Yes, remove", cbRemove+":"+alias),
				tgbotapi.NewInlineKeyboardButtonData("Cancel", cbNoop+":"+alias),
			),
		)
		if _, err := b.api.Send(msg); err != nil {
			b.log.Error("send remove confirmation", "error", err)
		}
	case cbRemove:
		b.handleRemove(ctx, chatID, alias)
	}
}
