package channels

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbot "github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"
)

// telegramBotClient is the subset of *bot.Bot the adapter drives, split
// out as an interface so tests can inject a fake instead of dialing
// Telegram's API.
type telegramBotClient interface {
	SendMessage(ctx context.Context, params *tgbot.SendMessageParams) (*tgmodels.Message, error)
	SendDocument(ctx context.Context, params *tgbot.SendDocumentParams) (*tgmodels.Message, error)
	SendChatAction(ctx context.Context, params *tgbot.SendChatActionParams) (bool, error)
	RegisterHandler(handlerType tgbot.HandlerType, pattern string, matchType tgbot.MatchType, handler tgbot.HandlerFunc)
	Start(ctx context.Context)
}

type realTelegramClient struct{ bot *tgbot.Bot }

func (r realTelegramClient) SendMessage(ctx context.Context, params *tgbot.SendMessageParams) (*tgmodels.Message, error) {
	return r.bot.SendMessage(ctx, params)
}

func (r realTelegramClient) SendDocument(ctx context.Context, params *tgbot.SendDocumentParams) (*tgmodels.Message, error) {
	return r.bot.SendDocument(ctx, params)
}

func (r realTelegramClient) SendChatAction(ctx context.Context, params *tgbot.SendChatActionParams) (bool, error) {
	return r.bot.SendChatAction(ctx, params)
}

func (r realTelegramClient) RegisterHandler(handlerType tgbot.HandlerType, pattern string, matchType tgbot.MatchType, handler tgbot.HandlerFunc) {
	r.bot.RegisterHandler(handlerType, pattern, matchType, handler)
}

func (r realTelegramClient) Start(ctx context.Context) { r.bot.Start(ctx) }

// TelegramConfig configures a Telegram bot adapter.
type TelegramConfig struct {
	ID        string
	Token     string
	RateLimit float64
	RateBurst int
	Logger    *slog.Logger
}

func (c *TelegramConfig) applyDefaults() {
	if c.ID == "" {
		c.ID = "telegram"
	}
	if c.RateLimit == 0 {
		c.RateLimit = 30 // Telegram's soft limit is ~30 messages/second.
	}
	if c.RateBurst == 0 {
		c.RateBurst = 20
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// TelegramAdapter implements Adapter over the go-telegram/bot client.
type TelegramAdapter struct {
	BaseHealth
	cfg         TelegramConfig
	client      telegramBotClient
	rateLimiter *RateLimiter
	logger      *slog.Logger

	mu      sync.RWMutex
	handler func(InboundMessage)
	cancel  context.CancelFunc
}

// NewTelegramAdapter returns an adapter. Pass a nil client to have Connect
// dial a real bot.Bot from cfg.Token; tests inject a fake client directly.
func NewTelegramAdapter(cfg TelegramConfig, client telegramBotClient) *TelegramAdapter {
	cfg.applyDefaults()
	return &TelegramAdapter{
		cfg:         cfg,
		client:      client,
		rateLimiter: NewRateLimiter(cfg.RateLimit, cfg.RateBurst),
		logger:      cfg.Logger.With("adapter", cfg.ID),
	}
}

func (a *TelegramAdapter) ID() string { return a.cfg.ID }

func (a *TelegramAdapter) OnMessage(handler func(InboundMessage)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handler = handler
}

// Connect dials the bot (unless a fake client was injected) and starts
// long polling in a background goroutine.
func (a *TelegramAdapter) Connect(ctx context.Context) error {
	if a.client == nil {
		b, err := tgbot.New(a.cfg.Token)
		if err != nil {
			a.SetStatus(false, err.Error())
			return fmt.Errorf("telegram: create bot: %w", err)
		}
		a.client = realTelegramClient{bot: b}
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.client.RegisterHandler(tgbot.HandlerTypeMessageText, "", tgbot.MatchTypePrefix, a.handleUpdate)
	a.SetStatus(true, "")
	go a.client.Start(runCtx)
	return nil
}

func (a *TelegramAdapter) Disconnect(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	a.SetStatus(false, "")
	return nil
}

func (a *TelegramAdapter) handleUpdate(ctx context.Context, b *tgbot.Bot, update *tgmodels.Update) {
	if update.Message == nil {
		return
	}
	msg := InboundMessage{
		ChannelID:   fmt.Sprintf("telegram:%d", update.Message.Chat.ID),
		Text:        update.Message.Text,
		Attachments: telegramAttachments(update.Message),
		Timestamp:   time.Unix(int64(update.Message.Date), 0),
	}

	a.mu.RLock()
	handler := a.handler
	a.mu.RUnlock()
	if handler != nil {
		handler(msg)
	}
}

func telegramAttachments(msg *tgmodels.Message) []Attachment {
	switch {
	case len(msg.Photo) > 0:
		largest := msg.Photo[len(msg.Photo)-1]
		return []Attachment{{Type: AttachmentPhoto, FileName: largest.FileID}}
	case msg.Document != nil:
		return []Attachment{{Type: AttachmentDocument, FileName: msg.Document.FileName, MimeType: msg.Document.MimeType, FileSize: msg.Document.FileSize}}
	case msg.Audio != nil:
		return []Attachment{{Type: AttachmentAudio, FileName: msg.Audio.FileName, MimeType: msg.Audio.MimeType}}
	case msg.Voice != nil:
		return []Attachment{{Type: AttachmentVoice, MimeType: msg.Voice.MimeType}}
	case msg.Video != nil:
		return []Attachment{{Type: AttachmentVideo, MimeType: msg.Video.MimeType}}
	default:
		return nil
	}
}

func telegramChatID(channelID string) (int64, error) {
	raw := strings.TrimPrefix(channelID, "telegram:")
	return strconv.ParseInt(raw, 10, 64)
}

func (a *TelegramAdapter) Send(ctx context.Context, channelID, text string) error {
	if err := a.rateLimiter.Wait(ctx); err != nil {
		return err
	}
	chatID, err := telegramChatID(channelID)
	if err != nil {
		return fmt.Errorf("telegram: bad channel id %q: %w", channelID, err)
	}
	_, err = a.client.SendMessage(ctx, &tgbot.SendMessageParams{ChatID: chatID, Text: text})
	return err
}

func (a *TelegramAdapter) SendFile(ctx context.Context, channelID, path, caption string) error {
	if err := a.rateLimiter.Wait(ctx); err != nil {
		return err
	}
	chatID, err := telegramChatID(channelID)
	if err != nil {
		return fmt.Errorf("telegram: bad channel id %q: %w", channelID, err)
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("telegram: open attachment: %w", err)
	}
	defer f.Close()
	_, err = a.client.SendDocument(ctx, &tgbot.SendDocumentParams{
		ChatID:   chatID,
		Document: &tgmodels.InputFileUpload{Filename: filepath.Base(path), Data: f},
		Caption:  caption,
	})
	return err
}

func (a *TelegramAdapter) SendTyping(ctx context.Context, channelID string) error {
	chatID, err := telegramChatID(channelID)
	if err != nil {
		return fmt.Errorf("telegram: bad channel id %q: %w", channelID, err)
	}
	_, err = a.client.SendChatAction(ctx, &tgbot.SendChatActionParams{ChatID: chatID, Action: tgmodels.ChatActionTyping})
	return err
}
