package bot

import (
	"context"
	"errors"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"robotrss/internal/dispatch"
	"robotrss/internal/fetcher"
	"robotrss/internal/freshness"
	"robotrss/internal/storage"
)

func (b *Bot) handleStart(ctx context.Context, chat *tgbotapi.Chat) {
	sub := subscriberFromChat(chat)
	if err := b.store.UpsertSubscriber(ctx, sub); err != nil {
		b.log.Error("register subscriber", "chat_id", chat.ID, "error", err)
		b.reply(chat.ID, "Something went wrong, please try again later.")
		return
	}
	b.log.Info("subscriber started", "chat_id", chat.ID, "kind", sub.Kind)
	b.reply(chat.ID, startText)
}

func (b *Bot) handleStop(ctx context.Context, chatID int64) {
	err := b.store.SetSubscriberActive(ctx, chatID, false)
	if errors.Is(err, storage.ErrNotFound) {
		b.reply(chatID, "This chat is not registered. Use /start first.")
		return
	}
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.log.Info("subscriber stopped", "chat_id", chatID)
	b.reply(chatID, "Updates paused. Use /start to resume.")
}

func (b *Bot) handleHelp(chatID int64) {
	b.reply(chatID, helpText)
}

func (b *Bot) handleAbout(chatID int64) {
	b.reply(chatID, aboutText)
}

func (b *Bot) handleAdd(ctx context.Context, chat *tgbotapi.Chat, args string) {
	chatID := chat.ID
	parsed, err := ParseAddArgs(args)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("%v\nUsage: /add <url> <alias>", err))
		return
	}

	url, err := fetcher.NormalizeURL(parsed.URL)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Invalid URL: %v", err))
		return
	}

	if err := b.ensureSubscriber(ctx, chat); err != nil {
		b.log.Error("register subscriber", "chat_id", chatID, "error", err)
		b.reply(chatID, "Something went wrong, please try again later.")
		return
	}

	feed, err := b.fetcher.Fetch(ctx, url)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Failed to fetch feed: %v", err))
		return
	}
	if len(feed.Entries) == 0 {
		b.reply(chatID, "The feed has no entries, nothing to subscribe to.")
		return
	}

	err = b.store.Subscribe(ctx, chatID, url, parsed.Alias)
	switch {
	case errors.Is(err, storage.ErrAliasTaken):
		b.reply(chatID, fmt.Sprintf("The alias %q is already in use in this chat.", parsed.Alias))
		return
	case errors.Is(err, storage.ErrAlreadySubscribed):
		b.reply(chatID, "This chat is already subscribed to that feed.")
		return
	case err != nil:
		b.reply(chatID, fmt.Sprintf("Failed to save subscription: %v", err))
		return
	}

	b.seedWatermark(ctx, url, feed)
	b.log.Info("subscribed", "chat_id", chatID, "feed", url, "alias", parsed.Alias)

	name := feed.Title
	if name == "" {
		name = url
	}
	b.reply(chatID, fmt.Sprintf("Subscribed to %s as [%s].\nNew entries will be posted here.", name, parsed.Alias))
}

// seedWatermark sets the watermark of a brand-new feed from the fetch /add already did,
// so entries published before the first poll cycle are not lost.
func (b *Bot) seedWatermark(ctx context.Context, url string, feed *fetcher.Result) {
	wm, err := b.store.GetWatermark(ctx, url)
	if err != nil || wm != nil {
		return
	}
	res := freshness.Compute(nil, feed.Entries)
	if res.Watermark == nil {
		return
	}
	if err := b.store.SetWatermark(ctx, url, *res.Watermark); err != nil {
		b.log.Error("seed watermark", "feed", url, "error", err)
	}
}

func (b *Bot) ensureSubscriber(ctx context.Context, chat *tgbotapi.Chat) error {
	_, err := b.store.GetSubscriber(ctx, chat.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return b.store.UpsertSubscriber(ctx, subscriberFromChat(chat))
	}
	return err
}

func (b *Bot) handleRemove(ctx context.Context, chatID int64, args string) {
	alias, err := ParseAliasArg(args)
	if err != nil {
		b.reply(chatID, "Usage: /remove <alias>")
		return
	}

	sub, err := b.store.Unsubscribe(ctx, chatID, alias)
	if errors.Is(err, storage.ErrNotFound) {
		b.reply(chatID, fmt.Sprintf("No subscription named %q.", alias))
		return
	}
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error removing subscription: %v", err))
		return
	}
	b.log.Info("unsubscribed", "chat_id", chatID, "feed", sub.FeedURL, "alias", sub.Alias)
	b.reply(chatID, fmt.Sprintf("Unsubscribed from [%s] %s.", sub.Alias, sub.FeedURL))
}

func (b *Bot) handleGet(ctx context.Context, chatID int64, args string) {
	alias, count, err := ParseGetArgs(args)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("%v\nUsage: /get <alias> [count]", err))
		return
	}

	sub, err := b.store.GetSubscription(ctx, chatID, alias)
	if errors.Is(err, storage.ErrNotFound) {
		b.reply(chatID, fmt.Sprintf("No subscription named %q.", alias))
		return
	}
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}

	feed, err := b.fetcher.Fetch(ctx, sub.FeedURL)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Failed to fetch feed: %v", err))
		return
	}

	latest := freshness.Latest(feed.Entries, count)
	if len(latest) == 0 {
		b.reply(chatID, fmt.Sprintf("No dated entries in [%s].", sub.Alias))
		return
	}

	for _, e := range latest {
		if err := b.limiter.Wait(ctx, chatID); err != nil {
			b.log.Warn("get aborted", "chat_id", chatID, "error", err)
			return
		}
		outcome, err := b.Send(ctx, dispatch.Message{ChatID: chatID, Text: dispatch.Render(sub.Alias, e), HTML: true})
		switch outcome {
		case dispatch.Delivered:
			continue
		case dispatch.Rejected:
			b.log.Info("recipient rejected delivery, deactivating", "chat_id", chatID, "error", err)
			if derr := b.store.DeactivateSubscriber(ctx, chatID); derr != nil {
				b.log.Error("deactivate subscriber", "chat_id", chatID, "error", derr)
			}
			return
		default:
			b.log.Warn("get delivery failed", "chat_id", chatID, "outcome", outcome, "error", err)
			return
		}
	}
}

func (b *Bot) handleList(ctx context.Context, chatID int64) {
	subs, err := b.store.ListSubscriptions(ctx, chatID)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}

	msg := tgbotapi.NewMessage(chatID, FormatSubscriptionList(subs, time.Now()))
	msg.DisableWebPagePreview = true
	if len(subs) > 0 {
		rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(subs))
		for _, s := range subs {
			rows = append(rows, tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData("Get "+s.Alias, cbGet+":"+s.Alias),
				tgbotapi.NewInlineKeyboardButtonData("Remove", cbRemoveConfirm+":"+s.Alias),
			))
		}
		msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	}
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send subscription list", "chat_id", chatID, "error", err)
	}
}
