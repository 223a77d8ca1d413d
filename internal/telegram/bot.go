package telegram

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"strings"
	"unicode"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/asheshgoplani/agent-relay/internal/logging"
	"github.com/asheshgoplani/agent-relay/internal/phase"
	"github.com/asheshgoplani/agent-relay/internal/relay"
	"github.com/asheshgoplani/agent-relay/internal/session"
	"github.com/asheshgoplani/agent-relay/internal/statedb"
)

var botLog = logging.ForComponent(logging.CompBot)

// Relay is what the bot drives. *relay.Orchestrator implements it.
type Relay interface {
	Create(ctx context.Context, opts session.CreateOptions) (*session.Session, error)
	Submit(ctx context.Context, userID int64, text string) (*session.Session, error)
	ResolveApproval(ctx context.Context, sessionID string, d phase.Decision) (*session.Session, error)
	Kill(ctx context.Context, userID int64, query string) (*session.Session, error)
	Interrupt(ctx context.Context, userID int64) (*session.Session, error)
	Screen(userID int64) (*session.Session, string, error)
	List(userID int64) []session.Info
	Select(userID int64, query string) (*session.Session, error)
}

// History answers /history. *statedb.StateDB implements it.
type History interface {
	SessionsForUser(ctx context.Context, userID int64, limit int) ([]*statedb.SessionRow, error)
	Events(ctx context.Context, sessionID string, limit int) ([]*statedb.EventRow, error)
}

var commands = []models.BotCommand{
	{Command: "new", Description: "Start a session: /new [dir]"},
	{Command: "list", Description: "List your sessions"},
	{Command: "use", Description: "Switch session: /use <name>"},
	{Command: "kill", Description: "End a session: /kill [name]"},
	{Command: "stop", Description: "Interrupt the active session"},
	{Command: "screen", Description: "Show the current screen"},
	{Command: "history", Description: "Past sessions: /history [id]"},
	{Command: "help", Description: "Show help"},
}

const helpText = `<b>agent-relay</b>
/new [dir] start a session in dir
/list list your sessions
/use &lt;name&gt; switch the active session
/kill [name] end a session
/stop interrupt the active session
/screen show the current screen
/history [id] past sessions, or one session's events

Anything else is typed into the active session.`

const (
	maxScreenChars = 3500
	historyLimit   = 10
	eventLimit     = 25
)

// Bot receives updates and turns them into relay calls.
type Bot struct {
	client  *bot.Bot
	api     API
	relay   Relay
	history History
	allowed map[int64]bool
}

// New creates a bot for token. Only users in allowed may use it. history
// may be nil.
func New(token string, allowed []int64, history History) (*Bot, error) {
	b := &Bot{history: history, allowed: allowSet(allowed)}
	client, err := bot.New(token,
		bot.WithDefaultHandler(b.handle),
		bot.WithErrorsHandler(func(err error) {
			botLog.Warn("telegram_error", slog.String("error", err.Error()))
		}),
		bot.WithDebugHandler(func(format string, args ...any) {
			botLog.Debug(fmt.Sprintf(format, args...))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	b.client = client
	b.api = client
	return b, nil
}

func allowSet(ids []int64) map[int64]bool {
	m := make(map[int64]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}

// Sink returns the outbound side of the bot.
func (b *Bot) Sink() *Sink { return NewSink(b.api) }

// Attach sets the relay commands are sent to. Call it before Start.
func (b *Bot) Attach(r Relay) { b.relay = r }

// Start registers the command menu and polls for updates until ctx is
// done.
func (b *Bot) Start(ctx context.Context) {
	if _, err := b.client.SetMyCommands(ctx, &bot.SetMyCommandsParams{Commands: commands}); err != nil {
		botLog.Warn("set_commands_failed", slog.String("error", err.Error()))
	}
	botLog.Info("bot_started", slog.Int("allowed_users", len(b.allowed)))
	b.client.Start(ctx)
}

func (b *Bot) handle(ctx context.Context, _ *bot.Bot, u *models.Update) {
	b.dispatch(ctx, u)
}

func (b *Bot) dispatch(ctx context.Context, u *models.Update) {
	if b.relay == nil {
		return
	}
	switch {
	case u.CallbackQuery != nil:
		b.handleCallback(ctx, u.CallbackQuery)
	case u.Message != nil && u.Message.Text != "":
		b.handleMessage(ctx, u.Message)
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg *models.Message) {
	chatID := msg.Chat.ID
	if msg.From == nil || !b.allowed[msg.From.ID] {
		var userID int64
		if msg.From != nil {
			userID = msg.From.ID
		}
		botLog.Warn("unauthorized_message", slog.Int64("user_id", userID), slog.Int64("chat_id", chatID))
		b.reply(ctx, chatID, "⛔ You are not allowed to use this bot.")
		return
	}
	userID := msg.From.ID

	cmd, args := parseCommand(msg.Text)
	switch cmd {
	case "":
		b.submit(ctx, chatID, userID, args)
	case "start", "help":
		b.reply(ctx, chatID, helpText)
	case "new":
		s, err := b.relay.Create(ctx, session.CreateOptions{UserID: userID, ChatID: chatID, Dir: args})
		if err != nil {
			b.replyErr(ctx, chatID, "Could not start a session", err)
			return
		}
		b.reply(ctx, chatID, fmt.Sprintf("🚀 Started <b>%s</b> in <code>%s</code>",
			html.EscapeString(s.Name), html.EscapeString(s.WorkDir)))
	case "list":
		b.reply(ctx, chatID, formatList(b.relay.List(userID)))
	case "use":
		if args == "" {
			b.reply(ctx, chatID, "Usage: /use &lt;name&gt;")
			return
		}
		s, err := b.relay.Select(userID, args)
		if err != nil {
			b.replyErr(ctx, chatID, "Could not switch", err)
			return
		}
		b.reply(ctx, chatID, fmt.Sprintf("▶ Now using <b>%s</b>", html.EscapeString(s.Name)))
	case "kill":
		s, err := b.relay.Kill(ctx, userID, args)
		if err != nil && s == nil {
			b.replyErr(ctx, chatID, "Could not kill", err)
			return
		}
		b.reply(ctx, chatID, fmt.Sprintf("🛑 Killed <b>%s</b>", html.EscapeString(s.Name)))
	case "stop":
		s, err := b.relay.Interrupt(ctx, userID)
		if err != nil {
			b.replyErr(ctx, chatID, "Could not interrupt", err)
			return
		}
		b.reply(ctx, chatID, fmt.Sprintf("⏹ Interrupted <b>%s</b>", html.EscapeString(s.Name)))
	case "screen":
		s, text, err := b.relay.Screen(userID)
		if err != nil {
			b.replyErr(ctx, chatID, "No screen", err)
			return
		}
		b.reply(ctx, chatID, formatScreen(s.Name, text))
	case "history":
		b.replyHistory(ctx, chatID, userID, args)
	default:
		b.reply(ctx, chatID, "Unknown command. /help lists what I understand.")
	}
}

func (b *Bot) submit(ctx context.Context, chatID, userID int64, text string) {
	_, err := b.relay.Submit(ctx, userID, text)
	switch {
	case err == nil:
	case errors.Is(err, session.ErrNotFound):
		b.reply(ctx, chatID, "No active session. Start one with /new [dir].")
	case errors.Is(err, relay.ErrAwaitingApproval):
		b.reply(ctx, chatID, "⏳ Answer the approval prompt first.")
	default:
		b.replyErr(ctx, chatID, "Could not send", err)
	}
}

func (b *Bot) handleCallback(ctx context.Context, q *models.CallbackQuery) {
	answer := func(text string) {
		if _, err := b.api.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{
			CallbackQueryID: q.ID,
			Text:            text,
		}); err != nil {
			botLog.Debug("answer_callback_failed", slog.String("error", err.Error()))
		}
	}

	if !b.allowed[q.From.ID] {
		botLog.Warn("unauthorized_callback", slog.Int64("user_id", q.From.ID))
		answer("Not allowed")
		return
	}
	sessionID, d, ok := relay.ParseApprovalData(q.Data)
	if !ok {
		answer("")
		return
	}

	_, err := b.relay.ResolveApproval(ctx, sessionID, d)
	switch {
	case err == nil:
		answer("Sent: " + d.String())
	case errors.Is(err, phase.ErrNoPendingApproval):
		answer("Already answered")
	case errors.Is(err, session.ErrNotFound):
		answer("Session has ended")
	default:
		botLog.Warn("approval_failed", slog.String("session_id", sessionID), slog.String("error", err.Error()))
		answer("Failed: " + err.Error())
	}
}

func (b *Bot) replyHistory(ctx context.Context, chatID, userID int64, args string) {
	if b.history == nil {
		b.reply(ctx, chatID, "History is not enabled.")
		return
	}
	if args != "" {
		events, err := b.history.Events(ctx, args, eventLimit)
		if err != nil {
			b.replyErr(ctx, chatID, "Could not read history", err)
			return
		}
		b.reply(ctx, chatID, formatEvents(args, events))
		return
	}
	rows, err := b.history.SessionsForUser(ctx, userID, historyLimit)
	if err != nil {
		b.replyErr(ctx, chatID, "Could not read history", err)
		return
	}
	b.reply(ctx, chatID, formatSessions(rows))
}

func (b *Bot) reply(ctx context.Context, chatID int64, text string) {
	disabled := true
	_, err := b.api.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:             chatID,
		Text:               text,
		ParseMode:          models.ParseModeHTML,
		LinkPreviewOptions: &models.LinkPreviewOptions{IsDisabled: &disabled},
	})
	if err != nil {
		botLog.Warn("reply_failed", slog.Int64("chat_id", chatID), slog.String("error", err.Error()))
	}
}

func (b *Bot) replyErr(ctx context.Context, chatID int64, what string, err error) {
	b.reply(ctx, chatID, fmt.Sprintf("❌ %s: %s", what, html.EscapeString(err.Error())))
}

// parseCommand splits "/cmd@bot args" into its parts. Text that is not a
// command comes back whole as args with an empty cmd.
func parseCommand(text string) (cmd, args string) {
	if !strings.HasPrefix(text, "/") {
		return "", text
	}
	head, rest := strings.TrimSpace(text), ""
	if i := strings.IndexFunc(head, unicode.IsSpace); i >= 0 {
		head, rest = head[:i], head[i:]
	}
	head = strings.TrimPrefix(head, "/")
	head, _, _ = strings.Cut(head, "@")
	return strings.ToLower(head), strings.TrimSpace(rest)
}
