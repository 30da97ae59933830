package bot

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"robotrss/internal/dispatch"
)

// Descriptions Telegram returns with 400 when the chat is gone for good.
var goneChatMessages = []string{
	"chat not found",
	"bot was kicked",
	"bot was blocked",
	"user is deactivated",
	"bot is not a member",
	"have no rights to send",
	"need administrator rights",
}

// Send implements dispatch.Gateway.
func (b *Bot) Send(ctx context.Context, m dispatch.Message) (dispatch.Outcome, error) {
	if err := ctx.Err(); err != nil {
		return dispatch.Unclassified, err
	}
	msg := tgbotapi.NewMessage(m.ChatID, m.Text)
	if m.HTML {
		msg.ParseMode = tgbotapi.ModeHTML
	}
	if _, err := b.api.Send(msg); err != nil {
		return Classify(m.ChatID, err)
	}
	return dispatch.Delivered, nil
}

// Classify maps a Telegram API error to a send outcome and a typed delivery error.
func Classify(chatID int64, err error) (dispatch.Outcome, error) {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusForbidden:
			return dispatch.Rejected, &dispatch.PermanentDeliveryError{ChatID: chatID, Err: err}
		case apiErr.Code == http.StatusBadRequest && isGoneChat(apiErr.Message):
			return dispatch.Rejected, &dispatch.PermanentDeliveryError{ChatID: chatID, Err: err}
		case apiErr.Code == http.StatusTooManyRequests:
			return dispatch.Transient, &dispatch.TransientDeliveryError{
				ChatID:     chatID,
				RetryAfter: time.Duration(apiErr.RetryAfter) * time.Second,
				Err:        err,
			}
		case apiErr.Code >= http.StatusInternalServerError:
			return dispatch.Transient, &dispatch.TransientDeliveryError{ChatID: chatID, Err: err}
		}
		return dispatch.Unclassified, err
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return dispatch.Transient, &dispatch.TransientDeliveryError{ChatID: chatID, Err: err}
	}
	return dispatch.Unclassified, err
}

func isGoneChat(description string) bool {
	d := strings.ToLower(description)
	for _, m := range goneChatMessages {
		if strings.Contains(d, m) {
			return true
		}
	}
	return false
}
