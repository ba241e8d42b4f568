// Package bot routes Telegram updates: every text message is recorded in
// the chat history, and some of them get an in-character reply.
package bot

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"strings"

	"github.com/google/uuid"

	"github.com/comigor/mioo-go/internal/logger"
	"github.com/comigor/mioo-go/internal/reply"
	"github.com/comigor/mioo-go/internal/telegram"
)

const (
	DefaultWelcome = "Hi! I'm Mioo. I hang around in this group, remember what everyone says, " +
		"and sometimes chime in when something catches my eye, nya~"
	DefaultApology = "Sorry, something went wrong on my side, nya~"
)

// Sender delivers bot messages.
type Sender interface {
	SendMessage(ctx context.Context, chatID int64, text string, replyTo int64) error
}

// Recorder appends chat lines to the message store.
type Recorder interface {
	Append(ctx context.Context, chatID int64, author, content string) (int64, error)
}

// ContextBuilder assembles prompt context for a chat.
type ContextBuilder interface {
	BuildContext(ctx context.Context, chatID int64, query string, recentN, topK int) ([]string, error)
}

// Decider produces reply decisions.
type Decider interface {
	Decide(ctx context.Context, req reply.Request) (reply.Decision, error)
}

// Options configures a Bot.
type Options struct {
	// BotUsername is the bot's Telegram username, used to detect replies to it.
	BotUsername string
	// BotAuthor is the author name the bot's own lines are stored under.
	BotAuthor string
	// Chance N gives unsolicited group messages a 1-in-N reply chance.
	Chance  int
	RecentN int
	TopK    int
	Welcome string
	Apology string
	// Intn returns a value in [0, n). Defaults to math/rand/v2.
	Intn   func(n int) int
	Logger *slog.Logger
}

// Bot handles individual updates. It is safe for concurrent use across
// chats; Dispatcher keeps updates of one chat in order.
type Bot struct {
	send    Sender
	store   Recorder
	context ContextBuilder
	decider Decider
	opts    Options
	log     *slog.Logger
}

func New(send Sender, store Recorder, cb ContextBuilder, decider Decider, opts Options) *Bot {
	if opts.Chance < 1 {
		opts.Chance = 1
	}
	if opts.BotAuthor == "" {
		opts.BotAuthor = "mioo_bot"
	}
	if opts.Welcome == "" {
		opts.Welcome = DefaultWelcome
	}
	if opts.Apology == "" {
		opts.Apology = DefaultApology
	}
	if opts.Intn == nil {
		opts.Intn = rand.IntN
	}
	if opts.Logger == nil {
		opts.Logger = logger.Component("bot")
	}
	opts.BotUsername = strings.TrimPrefix(opts.BotUsername, "@")
	return &Bot{send: send, store: store, context: cb, decider: decider, opts: opts, log: opts.Logger}
}

// Handle processes one update.
func (b *Bot) Handle(ctx context.Context, u telegram.Update) {
	msg := u.Message
	if msg == nil || strings.TrimSpace(msg.Text) == "" {
		return
	}
	log := b.log.With("request_id", uuid.NewString(), "update_id", u.UpdateID, "chat_id", msg.Chat.ID)

	if cmd, ok := b.command(msg.Text); ok {
		if cmd == "start" {
			if err := b.send.SendMessage(ctx, msg.Chat.ID, b.opts.Welcome, 0); err != nil {
				log.Error("sending welcome failed", "error", err)
			}
		}
		return
	}

	author := authorName(msg.From)
	if _, err := b.store.Append(ctx, msg.Chat.ID, author, msg.Text); err != nil {
		log.Error("storing message failed", "error", err)
		return
	}
	log.Debug("message recorded", "author", author)

	mustReply := b.repliesToBot(msg) || msg.Chat.Type == "private"
	if !mustReply && b.opts.Intn(b.opts.Chance) != 0 {
		return
	}
	if mustReply {
		log.Info("bot addressed directly", "author", author)
	}

	lines, err := b.context.BuildContext(ctx, msg.Chat.ID, msg.Text, b.opts.RecentN, b.opts.TopK)
	if err != nil {
		log.Error("building context failed", "error", err)
		b.apologize(ctx, log, msg, mustReply)
		return
	}

	d, err := b.decider.Decide(ctx, reply.Request{ChatID: msg.Chat.ID, ContextLines: lines, MustReply: mustReply})
	if err != nil {
		log.Error("reply decision failed", "error", err)
		b.apologize(ctx, log, msg, mustReply)
		return
	}
	if !d.ShouldReply {
		log.Debug("decided not to reply")
		return
	}

	if _, err := b.store.Append(ctx, msg.Chat.ID, b.opts.BotAuthor, d.Content); err != nil {
		log.Warn("storing bot reply failed", "error", err)
	}
	if err := b.send.SendMessage(ctx, msg.Chat.ID, d.Content, msg.MessageID); err != nil {
		log.Error("sending reply failed", "error", err)
	}
}

func (b *Bot) apologize(ctx context.Context, log *slog.Logger, msg *telegram.Message, mustReply bool) {
	if !mustReply {
		return
	}
	if err := b.send.SendMessage(ctx, msg.Chat.ID, b.opts.Apology, msg.MessageID); err != nil {
		log.Error("sending apology failed", "error", err)
	}
}

// command parses "/name" or "/name@bot". A command addressed to another bot
// yields an empty name.
func (b *Bot) command(text string) (string, bool) {
	if !strings.HasPrefix(text, "/") {
		return "", false
	}
	head := strings.Fields(text)[0][1:]
	name, target, found := strings.Cut(head, "@")
	if found && b.opts.BotUsername != "" && !strings.EqualFold(target, b.opts.BotUsername) {
		return "", true
	}
	return strings.ToLower(name), true
}

func (b *Bot) repliesToBot(msg *telegram.Message) bool {
	r := msg.ReplyToMessage
	if r == nil || r.From == nil || !r.From.IsBot {
		return false
	}
	return b.opts.BotUsername != "" && strings.EqualFold(r.From.Username, b.opts.BotUsername)
}

func authorName(u *telegram.User) string {
	if name := u.FullName(); name != "" {
		return name
	}
	if u != nil && u.Username != "" {
		return u.Username
	}
	return "unknown"
}
