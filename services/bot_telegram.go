package services

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/godocompany/market-moderation/utils"
)

// TelegramTransport is the BotTransport backed by the Telegram Bot API
type TelegramTransport struct {
	Bot *tgbotapi.BotAPI

	// PollTimeout is the server-side long-poll wait, in seconds
	PollTimeout int
}

// NewTelegramTransport connects to the Bot API. Every outbound call is bounded
// by sendTimeout on top of the long-poll wait.
func NewTelegramTransport(token string, sendTimeout time.Duration) (*TelegramTransport, error) {
	if sendTimeout <= 0 {
		sendTimeout = 10 * time.Second
	}
	client := &http.Client{Timeout: sendTimeout}
	bot, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return nil, fmt.Errorf("%w: connect bot api: %v", ErrTransport, err)
	}
	return &TelegramTransport{Bot: bot}, nil
}

// Username is the bot's handle as reported by the Bot API
func (t *TelegramTransport) Username() string {
	return t.Bot.Self.UserName
}

func (t *TelegramTransport) Updates(ctx context.Context, offset, limit int) ([]InboundEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	updates, err := t.Bot.GetUpdates(tgbotapi.UpdateConfig{
		Offset:  offset,
		Limit:   limit,
		Timeout: t.PollTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: get updates: %v", ErrTransport, err)
	}

	events := make([]InboundEvent, 0, len(updates))
	for _, u := range updates {
		events = append(events, eventFromUpdate(u))
	}
	return events, nil
}

// eventFromUpdate flattens a Telegram update. Updates that are neither a
// message nor a button press come back with only their id set.
func eventFromUpdate(u tgbotapi.Update) InboundEvent {
	ev := InboundEvent{UpdateID: u.UpdateID}

	switch {
	case u.CallbackQuery != nil:
		cq := u.CallbackQuery
		ev.CallbackID = cq.ID
		ev.CallbackData = cq.Data
		if cq.From != nil {
			ev.CallerID = strconv.FormatInt(cq.From.ID, 10)
			ev.CallerName = displayName(cq.From)
		}
		if cq.Message != nil && cq.Message.Chat != nil {
			ev.ChatID = cq.Message.Chat.ID
		}
	case u.Message != nil:
		m := u.Message
		ev.Text = m.Text
		if m.From != nil {
			ev.CallerID = strconv.FormatInt(m.From.ID, 10)
			ev.CallerName = displayName(m.From)
		}
		if m.Chat != nil {
			ev.ChatID = m.Chat.ID
		}
	}
	return ev
}

func displayName(u *tgbotapi.User) string {
	if u.UserName != "" {
		return u.UserName
	}
	return u.FirstName
}

func (t *TelegramTransport) Send(ctx context.Context, chatID int64, reply *Reply) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(chatID, utils.SanitizeReply(reply.Text))
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	if kb := keyboard(reply.Buttons); kb != nil {
		msg.ReplyMarkup = *kb
	}
	if _, err := t.Bot.Send(msg); err != nil {
		return fmt.Errorf("%w: send message: %v", ErrTransport, err)
	}
	return nil
}

func keyboard(rows [][]Button) *tgbotapi.InlineKeyboardMarkup {
	var out [][]tgbotapi.InlineKeyboardButton
	for _, row := range rows {
		var buttons []tgbotapi.InlineKeyboardButton
		for _, b := range row {
			data := utils.SanitizeCallbackData(b.Data)
			if data == utils.InvalidCallback {
				continue
			}
			buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(utils.SanitizeButtonLabel(b.Text), data))
		}
		if len(buttons) > 0 {
			out = append(out, tgbotapi.NewInlineKeyboardRow(buttons...))
		}
	}
	if len(out) == 0 {
		return nil
	}
	kb := tgbotapi.NewInlineKeyboardMarkup(out...)
	return &kb
}

func (t *TelegramTransport) AnswerCallback(ctx context.Context, callbackID, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := t.Bot.Request(tgbotapi.NewCallback(callbackID, text)); err != nil {
		return fmt.Errorf("%w: answer callback: %v", ErrTransport, err)
	}
	return nil
}
