// Package telegram connects the relay to a Telegram bot: outbound messages
// through Sink, inbound commands, text and button presses through Bot.
package telegram

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/asheshgoplani/agent-relay/internal/logging"
	"github.com/asheshgoplani/agent-relay/internal/stream"
)

// API is the part of the Bot API client the relay uses. *bot.Bot
// implements it.
type API interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
	EditMessageText(ctx context.Context, params *bot.EditMessageTextParams) (*models.Message, error)
	AnswerCallbackQuery(ctx context.Context, params *bot.AnswerCallbackQueryParams) (bool, error)
}

// Sink implements stream.MessageSink over the Bot API.
type Sink struct {
	api API
}

// NewSink returns a sink sending through api.
func NewSink(api API) *Sink { return &Sink{api: api} }

// Send posts a new message.
func (s *Sink) Send(ctx context.Context, chatID int64, c stream.Content, m *stream.Markup) (stream.MessageRef, error) {
	params := &bot.SendMessageParams{
		ChatID:             chatID,
		Text:               c.Text,
		LinkPreviewOptions: noPreview(),
	}
	if c.HTML {
		params.ParseMode = models.ParseModeHTML
	}
	if m != nil {
		params.ReplyMarkup = keyboard(m)
	}
	msg, err := s.api.SendMessage(ctx, params)
	if err != nil {
		return stream.MessageRef{}, fmt.Errorf("telegram send to %d: %w", chatID, err)
	}
	return stream.MessageRef{ChatID: chatID, MessageID: msg.ID}, nil
}

// Edit replaces the text of a sent message. A nil markup removes its
// buttons. Telegram rejects edits that change nothing; those count as
// delivered.
func (s *Sink) Edit(ctx context.Context, ref stream.MessageRef, c stream.Content, m *stream.Markup) error {
	params := &bot.EditMessageTextParams{
		ChatID:             ref.ChatID,
		MessageID:          ref.MessageID,
		Text:               c.Text,
		LinkPreviewOptions: noPreview(),
	}
	if c.HTML {
		params.ParseMode = models.ParseModeHTML
	}
	if m != nil {
		params.ReplyMarkup = keyboard(m)
	}
	if _, err := s.api.EditMessageText(ctx, params); err != nil {
		if isNotModified(err) {
			logging.Aggregate(logging.CompBot, "edit_not_modified")
			return nil
		}
		return fmt.Errorf("telegram edit %d/%d: %w", ref.ChatID, ref.MessageID, err)
	}
	return nil
}

func isNotModified(err error) bool {
	return strings.Contains(err.Error(), "message is not modified")
}

func keyboard(m *stream.Markup) *models.InlineKeyboardMarkup {
	rows := make([][]models.InlineKeyboardButton, 0, len(m.Rows))
	for _, r := range m.Rows {
		row := make([]models.InlineKeyboardButton, 0, len(r))
		for _, b := range r {
			row = append(row, models.InlineKeyboardButton{Text: b.Text, CallbackData: b.Data})
		}
		rows = append(rows, row)
	}
	return &models.InlineKeyboardMarkup{InlineKeyboard: rows}
}

func noPreview() *models.LinkPreviewOptions {
	disabled := true
	return &models.LinkPreviewOptions{IsDisabled: &disabled}
}
