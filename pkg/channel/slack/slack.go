// Package slack provides a Slack bot channel for efimeral using Socket Mode.
package slack

import (
	"context"
	"fmt"
	stdlog "log"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/jxucoder/efimeral/pkg/channel"
	"github.com/jxucoder/efimeral/pkg/eventbus"
	"github.com/jxucoder/efimeral/pkg/model"
)

// thread identifies the Slack thread a box was launched from.
type thread struct {
	channel  string
	threadTS string
}

// Bot is the Slack Socket Mode bot for efimeral.
type Bot struct {
	api          *slack.Client
	socketClient *socketmode.Client
	leases       channel.Leases
	bus          eventbus.Bus
	threads      *channel.Tracker[thread]
	log          zerolog.Logger
}

// NewBot creates a new Slack Socket Mode bot.
func NewBot(botToken, appToken string, leases channel.Leases, bus eventbus.Bus) *Bot {
	api := slack.New(
		botToken,
		slack.OptionAppLevelToken(appToken),
	)

	logger := log.With().Str("channel", "slack").Logger()
	socketClient := socketmode.New(
		api,
		socketmode.OptionLog(stdlog.New(logger, "slack-socketmode: ", 0)),
	)

	return &Bot{
		api:          api,
		socketClient: socketClient,
		leases:       leases,
		bus:          bus,
		threads:      channel.NewTracker[thread](),
		log:          logger,
	}
}

// Name returns the channel name.
func (b *Bot) Name() string { return "slack" }

// Run connects to Slack via Socket Mode and processes events.
func (b *Bot) Run(ctx context.Context) error {
	go b.eventLoop(ctx)
	go channel.WatchReclaims(ctx, b.bus, b.notifyReclaimed)
	b.log.Info().Msg("connecting via Socket Mode")
	return b.socketClient.RunContext(ctx)
}

func (b *Bot) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-b.socketClient.Events:
			if !ok {
				return
			}
			b.handleEvent(ctx, evt)
		}
	}
}

func (b *Bot) handleEvent(ctx context.Context, evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeConnecting:
		b.log.Debug().Msg("connecting")
	case socketmode.EventTypeConnected:
		b.log.Info().Msg("connected")
	case socketmode.EventTypeConnectionError:
		b.log.Warn().Msg("connection error, will retry")
	case socketmode.EventTypeEventsAPI:
		eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		b.socketClient.Ack(*evt.Request)

		if eventsAPIEvent.Type == slackevents.CallbackEvent {
			b.handleCallbackEvent(ctx, eventsAPIEvent.InnerEvent)
		}
	case socketmode.EventTypeInteractive:
		b.socketClient.Ack(*evt.Request)
	}
}

func (b *Bot) handleCallbackEvent(ctx context.Context, innerEvent slackevents.EventsAPIInnerEvent) {
	switch ev := innerEvent.Data.(type) {
	case *slackevents.AppMentionEvent:
		go b.handleMention(ctx, ev)
	}
}

func (b *Bot) handleMention(ctx context.Context, ev *slackevents.AppMentionEvent) {
	text := stripMention(ev.Text)

	threadTS := ev.TimeStamp
	if ev.ThreadTimeStamp != "" {
		threadTS = ev.ThreadTimeStamp
	}

	cmd := channel.ParseCommand(text)
	if cmd.Verb == channel.VerbLaunch {
		b.postThread(ev.Channel, threadTS, ":rocket: *Launching a box...*")
	}

	reply := channel.Dispatch(ctx, b.leases, cmd, time.Now())
	if reply.LeaseID != "" {
		b.threads.Track(reply.LeaseID, thread{channel: ev.Channel, threadTS: threadTS})
	}

	prefix := ":white_check_mark: "
	if reply.Failed {
		prefix = ":x: "
	}
	if cmd.Verb == channel.VerbHelp || cmd.Verb == channel.VerbList {
		prefix = ""
		reply.Text = "```\n" + reply.Text + "\n```"
	}
	b.postThread(ev.Channel, threadTS, prefix+reply.Text)
}

// notifyReclaimed posts a notice in the thread the box was launched from.
func (b *Bot) notifyReclaimed(event *model.Event) {
	t, ok := b.threads.Take(event.LeaseID)
	if !ok {
		return
	}
	icon := ":wastebasket:"
	if event.Data == string(model.ReasonTimeout) {
		icon = ":hourglass:"
	}
	b.postThread(t.channel, t.threadTS, fmt.Sprintf("%s %s", icon, channel.ReclaimNotice(event)))
}

func (b *Bot) postThread(channel, threadTS, text string) {
	_, _, err := b.api.PostMessage(channel,
		slack.MsgOptionText(text, false),
		slack.MsgOptionTS(threadTS),
	)
	if err != nil {
		b.log.Error().Err(err).Str("slack_channel", channel).Msg("failed to post message")
	}
}

// stripMention removes the leading "<@U123>" bot mention.
func stripMention(text string) string {
	if idx := strings.Index(text, ">"); idx >= 0 && strings.HasPrefix(strings.TrimSpace(text), "<@") {
		return strings.TrimSpace(text[idx+1:])
	}
	return strings.TrimSpace(text)
}
