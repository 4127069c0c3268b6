// Package telegram provides a Telegram bot channel for efimeral.
package telegram

import (
	"context"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jxucoder/efimeral/pkg/channel"
	"github.com/jxucoder/efimeral/pkg/eventbus"
	"github.com/jxucoder/efimeral/pkg/model"
)

// chat identifies the message a box was launched from.
type chat struct {
	chatID  int64
	replyTo int
}

// Bot is the Telegram bot for efimeral.
type Bot struct {
	api    *tgbotapi.BotAPI
	leases channel.Leases
	bus    eventbus.Bus
	chats  *channel.Tracker[chat]
	log    zerolog.Logger
}

// NewBot creates a new Telegram bot.
func NewBot(token string, leases channel.Leases, bus eventbus.Bus) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("creating Telegram bot: %w", err)
	}

	logger := log.With().Str("channel", "telegram").Logger()
	logger.Info().Str("bot", api.Self.UserName).Msg("authorized")

	return &Bot{
		api:    api,
		leases: leases,
		bus:    bus,
		chats:  channel.NewTracker[chat](),
		log:    logger,
	}, nil
}

// Name returns the channel name.
func (b *Bot) Name() string { return "telegram" }

// Run starts the long-polling loop. Blocks until ctx is canceled.
func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := b.api.GetUpdatesChan(u)
	go channel.WatchReclaims(ctx, b.bus, b.notifyReclaimed)

	b.log.Info().Msg("listening for messages")

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message != nil {
				go b.handleMessage(ctx, update.Message)
			}
		}
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	chatID := msg.Chat.ID

	cmd := channel.ParseCommand(text)
	if cmd.Verb == channel.VerbLaunch {
		b.sendChatAction(chatID)
	}

	reply := channel.Dispatch(ctx, b.leases, cmd, time.Now())
	if reply.LeaseID != "" {
		b.chats.Track(reply.LeaseID, chat{chatID: chatID, replyTo: msg.MessageID})
	}
	b.sendReply(chatID, msg.MessageID, formatReply(cmd, reply))
}

// formatReply renders a dispatched command as MarkdownV2.
func formatReply(cmd channel.Command, reply channel.Reply) string {
	switch {
	case reply.Failed:
		return "❌ " + escapeMarkdown(reply.Text)
	case cmd.Verb == channel.VerbHelp || cmd.Verb == channel.VerbList:
		return "```\n" + escapeMarkdown(reply.Text) + "\n```"
	default:
		return "✅ " + escapeMarkdown(reply.Text)
	}
}

func (b *Bot) notifyReclaimed(event *model.Event) {
	c, ok := b.chats.Take(event.LeaseID)
	if !ok {
		return
	}
	icon := "🗑"
	if event.Data == string(model.ReasonTimeout) {
		icon = "⌛"
	}
	b.sendReply(c.chatID, c.replyTo, icon+" "+escapeMarkdown(channel.ReclaimNotice(event)))
}

func (b *Bot) sendChatAction(chatID int64) {
	action := tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)
	b.api.Send(action)
}

func (b *Bot) sendReply(chatID int64, replyTo int, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyToMessageID = replyTo
	msg.ParseMode = "MarkdownV2"

	if _, err := b.api.Send(msg); err != nil {
		b.log.Warn().Err(err).Int64("chat_id", chatID).Msg("failed to send message, retrying as plain text")
		msg.ParseMode = ""
		msg.Text = stripMarkdown(text)
		b.api.Send(msg)
	}
}

func escapeMarkdown(s string) string {
	replacer := strings.NewReplacer(
		"_", "\\_", "*", "\\*", "[", "\\[", "]", "\\]",
		"(", "\\(", ")", "\\)", "~", "\\~", "`", "\\`",
		">", "\\>", "#", "\\#", "+", "\\+", "-", "\\-",
		"=", "\\=", "|", "\\|", "{", "\\{", "}", "\\}",
		".", "\\.", "!", "\\!",
	)
	return replacer.Replace(s)
}

func stripMarkdown(s string) string {
	r := strings.NewReplacer(
		"\\*", "*", "\\_", "_", "\\[", "[", "\\]", "]",
		"\\(", "(", "\\)", ")", "\\~", "~", "\\`", "`",
		"\\>", ">", "\\#", "#", "\\+", "+", "\\-", "-",
		"\\=", "=", "\\|", "|", "\\{", "{", "\\}", "}",
		"\\.", ".", "\\!", "!",
	)
	return r.Replace(s)
}
