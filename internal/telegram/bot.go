// Package telegram connects the intake service to a Telegram bot.
package telegram

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/zombor/fleet-fuel/internal/intake"
)

const (
	pollTimeout     = 60
	maxDownload     = 20 << 20
	maxCaption      = 1024
	downloadTimeout = 30 * time.Second
)

// Handler is the conversation logic behind the bot
type Handler interface {
	HandleMessage(ctx context.Context, chatID int64, text string, att *intake.Attachment) []intake.Reply
	HandleSelection(ctx context.Context, chatID int64, data string) []intake.Reply
}

// API is the subset of the Bot API client in use
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetFileDirectURL(fileID string) (string, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// HTTPClient downloads attached files
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Bot polls for updates and answers them through a Handler.
type Bot struct {
	api     API
	handler Handler
	http    HTTPClient
	wg      sync.WaitGroup
}

// New logs in with token and creates a Bot.
func New(token string, handler Handler) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, errors.Wrap(err, "connecting to telegram")
	}
	slog.Info("Telegram bot authorized", "username", api.Self.UserName)
	return NewWithDeps(api, handler, &http.Client{Timeout: downloadTimeout}), nil
}

// NewWithDeps creates a Bot with custom dependencies for testing
func NewWithDeps(api API, handler Handler, client HTTPClient) *Bot {
	return &Bot{api: api, handler: handler, http: client}
}

// Run handles updates until ctx is done, then waits for in-flight updates
// to finish.
func (b *Bot) Run(ctx context.Context) {
	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = pollTimeout
	updates := b.api.GetUpdatesChan(cfg)

	// Handlers outlive shutdown so a started allocation is answered.
	handlerCtx := context.WithoutCancel(ctx)
	defer b.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				b.handle(handlerCtx, update)
			}()
		}
	}
}

func (b *Bot) handle(ctx context.Context, update tgbotapi.Update) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Panic while handling update", "update_id", update.UpdateID, "panic", r)
		}
	}()

	switch {
	case update.CallbackQuery != nil:
		b.handleCallback(ctx, update.CallbackQuery)
	case update.Message != nil:
		b.handleMessage(ctx, update.Message)
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	text := msg.Text
	if text == "" {
		text = msg.Caption
	}

	att, err := b.attachment(ctx, msg)
	if err != nil {
		slog.Warn("Failed to download attachment", "chat_id", chatID, "error", err)
	}

	slog.Debug("Message received", "chat_id", chatID, "attachment", att != nil)
	b.send(chatID, b.handler.HandleMessage(ctx, chatID, text, att))
}

func (b *Bot) handleCallback(ctx context.Context, q *tgbotapi.CallbackQuery) {
	if _, err := b.api.Request(tgbotapi.NewCallback(q.ID, "")); err != nil {
		slog.Warn("Failed to acknowledge callback", "callback_id", q.ID, "error", err)
	}
	if q.Message == nil || q.Message.Chat == nil {
		return
	}
	chatID := q.Message.Chat.ID

	// Drop the buttons so the prompt cannot be answered twice.
	strip := tgbotapi.NewEditMessageReplyMarkup(chatID, q.Message.MessageID,
		tgbotapi.InlineKeyboardMarkup{InlineKeyboard: [][]tgbotapi.InlineKeyboardButton{}})
	if _, err := b.api.Request(strip); err != nil {
		slog.Debug("Failed to clear keyboard", "chat_id", chatID, "error", err)
	}

	b.send(chatID, b.handler.HandleSelection(ctx, chatID, q.Data))
}

// attachment downloads the largest photo or the document of msg.
func (b *Bot) attachment(ctx context.Context, msg *tgbotapi.Message) (*intake.Attachment, error) {
	var fileID, contentType string
	switch {
	case len(msg.Photo) > 0:
		largest := msg.Photo[0]
		for _, p := range msg.Photo[1:] {
			if p.Width*p.Height > largest.Width*largest.Height {
				largest = p
			}
		}
		fileID, contentType = largest.FileID, "image/jpeg"
	case msg.Document != nil:
		fileID, contentType = msg.Document.FileID, msg.Document.MimeType
	default:
		return nil, nil
	}

	url, err := b.api.GetFileDirectURL(fileID)
	if err != nil {
		return nil, errors.Wrap(err, "resolving file")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "creating download request")
	}
	resp, err := b.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "downloading file")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Newf("downloading file: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownload))
	if err != nil {
		return nil, errors.Wrap(err, "reading file")
	}
	return &intake.Attachment{Data: data, ContentType: contentType}, nil
}

func (b *Bot) send(chatID int64, replies []intake.Reply) {
	for _, r := range replies {
		if err := b.sendReply(chatID, r); err != nil {
			slog.Error("Failed to send reply", "chat_id", chatID, "error", err)
		}
	}
}

func (b *Bot) sendReply(chatID int64, r intake.Reply) error {
	if r.Document != nil && len(r.Document.Data) > 0 {
		doc := tgbotapi.NewDocument(chatID, tgbotapi.FileBytes{Name: r.Document.Filename, Bytes: r.Document.Data})
		doc.Caption = truncate(r.Text, maxCaption)
		_, err := b.api.Send(doc)
		return errors.Wrap(err, "sending document")
	}
	if r.Text == "" {
		return nil
	}

	msg := tgbotapi.NewMessage(chatID, r.Text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if len(r.Choices) > 0 {
		msg.ReplyMarkup = keyboard(r.Choices)
	}
	if _, err := b.api.Send(msg); err != nil {
		// Coupon numbers and plates can break Markdown entities.
		slog.Debug("Markdown rejected, sending plain text", "chat_id", chatID, "error", err)
		msg.ParseMode = ""
		_, err = b.api.Send(msg)
		return errors.Wrap(err, "sending message")
	}
	return nil
}

func keyboard(choices []intake.Choice) tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(choices))
	for _, c := range choices {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData(c.Label, c.Data)))
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func truncate(s string, n int) string {
	if len([]rune(s)) <= n {
		return s
	}
	return strings.TrimSpace(string([]rune(s)[:n-1])) + "…"
}
