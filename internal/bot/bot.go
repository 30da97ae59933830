package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"robotrss/internal/config"
	"robotrss/internal/dispatch"
	"robotrss/internal/fetcher"
	"robotrss/internal/model"
	"robotrss/internal/storage"
)

type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// FeedFetcher downloads and parses a feed.
type FeedFetcher interface {
	Fetch(ctx context.Context, url string) (*fetcher.Result, error)
}

// Bot is the Telegram side of the service: it answers commands and delivers entries.
type Bot struct {
	api     telegramAPI
	store   storage.Storage
	cfg     *config.Config
	fetcher FeedFetcher
	limiter dispatch.Limiter
	log     *slog.Logger
}

// New creates a Bot with the given Telegram token, storage, and config.
// limiter paces /get deliveries the same way the dispatcher paces feed updates.
func New(token string, store storage.Storage, cfg *config.Config, f FeedFetcher, limiter dispatch.Limiter, log *slog.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}
	log.Info("authorized on telegram", "username", api.Self.UserName)

	return &Bot{
		api:     api,
		store:   store,
		cfg:     cfg,
		fetcher: f,
		limiter: limiter,
		log:     log,
	}, nil
}

// Run starts the bot's long-polling loop, blocking until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return
		case update := <-updates:
			b.handleUpdate(ctx, update)
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	if update.CallbackQuery != nil {
		if from := update.CallbackQuery.From; from != nil && !b.cfg.IsUserAllowed(from.ID) {
			return
		}
		b.handleCallback(ctx, update.CallbackQuery)
		return
	}

	msg := update.Message
	if msg == nil {
		msg = update.ChannelPost
	}
	if msg == nil || msg.Chat == nil || !msg.IsCommand() {
		return
	}
	if !b.allowed(msg) {
		b.reply(msg.Chat.ID, "Access denied.")
		return
	}
	b.handleCommand(ctx, msg)
}

func (b *Bot) allowed(msg *tgbotapi.Message) bool {
	if len(b.cfg.AllowedUsers) == 0 {
		return true
	}
	return msg.From != nil && b.cfg.IsUserAllowed(msg.From.ID)
}

// SendMessage sends a plain text reply to the given chat.
func (b *Bot) SendMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send message", "chat_id", chatID, "error", err)
	}
}

func (b *Bot) reply(chatID int64, text string) {
	b.SendMessage(chatID, text)
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	cmd := msg.Command()
	args := strings.TrimSpace(msg.CommandArguments())
	chatID := msg.Chat.ID

	b.log.Debug("command", "cmd", cmd, "args", args, "chat_id", chatID)

	switch cmd {
	case "start":
		b.handleStart(ctx, msg.Chat)
	case "stop":
		b.handleStop(ctx, chatID)
	case "help":
		b.handleHelp(chatID)
	case "about":
		b.handleAbout(chatID)
	case "add":
		b.handleAdd(ctx, msg.Chat, args)
	case "remove":
		b.handleRemove(ctx, chatID, args)
	case "get":
		b.handleGet(ctx, chatID, args)
	case "list":
		b.handleList(ctx, chatID)
	default:
		b.reply(chatID, "Unknown command. Use /help for a list of commands.")
	}
}

// subscriberFromChat maps a Telegram chat to a subscriber: private chats are users,
// groups, supergroups and channels are chats.
func subscriberFromChat(chat *tgbotapi.Chat) *model.Subscriber {
	s := &model.Subscriber{ID: chat.ID, Kind: model.KindChat, IsActive: true}
	if chat.IsPrivate() {
		s.Kind = model.KindUser
	}
	switch {
	case chat.UserName != "":
		s.Name = chat.UserName
	case chat.Title != "":
		s.Name = chat.Title
	default:
		s.Name = strings.TrimSpace(chat.FirstName + " " + chat.LastName)
	}
	return s
}
