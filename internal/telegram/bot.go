package telegram

import (
	"context"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"crewline/internal/dialogue"
	"crewline/internal/notify"
	"crewline/internal/render"
)

// API is the part of *tgbotapi.BotAPI the adapter uses.
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Poster accepts inbound events; *dialogue.Mailbox implements it.
type Poster interface {
	Post(ctx context.Context, ev dialogue.Event)
}

// Bot is the Telegram long-polling transport. It turns updates into dialogue
// events and implements notify.Sender for outbound messages.
type Bot struct {
	API         API
	Inbox       Poster
	PollTimeout int
	Logger      *zap.Logger
}

// New connects to the Bot API with token.
func New(token string, pollTimeout int, inbox Poster, logger *zap.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("connect telegram: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("telegram")
	logger.Info("telegram bot authorized", zap.String("username", api.Self.UserName))
	return &Bot{API: api, Inbox: inbox, PollTimeout: pollTimeout, Logger: logger}, nil
}

func (b *Bot) log() *zap.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return zap.NewNop()
}

// Run polls for updates until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = b.PollTimeout
	updates := b.API.GetUpdatesChan(cfg)
	defer b.API.StopReceivingUpdates()
	b.log().Info("polling for updates", zap.Int("timeout", b.PollTimeout))
	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			b.HandleUpdate(ctx, u)
		}
	}
}

// HandleUpdate posts the event carried by u, answering callback queries.
func (b *Bot) HandleUpdate(ctx context.Context, u tgbotapi.Update) {
	if q := u.CallbackQuery; q != nil {
		if _, err := b.API.Request(tgbotapi.NewCallback(q.ID, "")); err != nil {
			b.log().Warn("answer callback", zap.String("callback_id", q.ID), zap.Error(err))
		}
	}
	ev, ok := EventFromUpdate(u)
	if !ok {
		return
	}
	// Queued events outlive the polling loop so shutdown does not cut replies short.
	b.Inbox.Post(context.WithoutCancel(ctx), ev)
}

// EventFromUpdate maps an update to a dialogue event. Updates without a
// human sender, or outside private chats, are skipped.
func EventFromUpdate(u tgbotapi.Update) (dialogue.Event, bool) {
	switch {
	case u.CallbackQuery != nil:
		q := u.CallbackQuery
		if q.From == nil {
			return dialogue.Event{}, false
		}
		ev := baseEvent(q.From)
		ev.Kind = dialogue.KindCallback
		ev.Payload = q.Data
		return ev, true
	case u.Message != nil:
		m := u.Message
		if m.From == nil || m.From.IsBot || (m.Chat != nil && !m.Chat.IsPrivate()) {
			return dialogue.Event{}, false
		}
		ev := baseEvent(m.From)
		if m.Date > 0 {
			ev.ReceivedAt = time.Unix(int64(m.Date), 0).UTC()
		}
		switch {
		case m.IsCommand():
			ev.Kind = dialogue.KindCommand
			ev.Payload = m.Command()
		default:
			if cmd, ok := render.CommandForLabel(m.Text); ok {
				ev.Kind = dialogue.KindCommand
				ev.Payload = cmd
			} else {
				ev.Kind = dialogue.KindText
				ev.Payload = m.Text
			}
		}
		return ev, true
	}
	return dialogue.Event{}, false
}

func baseEvent(from *tgbotapi.User) dialogue.Event {
	return dialogue.Event{
		Sender:      from.ID,
		Username:    from.UserName,
		DisplayName: strings.TrimSpace(from.FirstName + " " + from.LastName),
		ReceivedAt:  time.Now().UTC(),
	}
}

// Send implements notify.Sender. In private chats the chat id is the user id.
func (b *Bot) Send(ctx context.Context, msg notify.OutboundMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := b.API.Send(MessageConfig(msg)); err != nil {
		return fmt.Errorf("telegram send to %d: %w", msg.Recipient, err)
	}
	return nil
}

// MessageConfig builds the Bot API request for msg. Inline buttons take
// precedence over the persistent menu.
func MessageConfig(msg notify.OutboundMessage) tgbotapi.MessageConfig {
	out := tgbotapi.NewMessage(msg.Recipient, render.Truncate(msg.Text, render.MaxMessageLen))
	if len(msg.Buttons) > 0 {
		rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(msg.Buttons))
		for _, row := range msg.Buttons {
			buttons := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
			for _, btn := range row {
				buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(btn.Text, btn.Data))
			}
			rows = append(rows, tgbotapi.NewInlineKeyboardRow(buttons...))
		}
		out.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
		return out
	}
	switch msg.Menu {
	case notify.MenuAdmin, notify.MenuWorker:
		var rows [][]tgbotapi.KeyboardButton
		for _, row := range render.MenuFor(msg.Menu) {
			buttons := make([]tgbotapi.KeyboardButton, 0, len(row))
			for _, item := range row {
				buttons = append(buttons, tgbotapi.NewKeyboardButton(item.Label))
			}
			rows = append(rows, tgbotapi.NewKeyboardButtonRow(buttons...))
		}
		kb := tgbotapi.NewReplyKeyboard(rows...)
		kb.ResizeKeyboard = true
		out.ReplyMarkup = kb
	case notify.MenuRemove:
		out.ReplyMarkup = tgbotapi.NewRemoveKeyboard(false)
	}
	return out
}
