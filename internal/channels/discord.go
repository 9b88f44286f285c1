package channels

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
)

// discordSession is the subset of *discordgo.Session the adapter drives,
// split out as an interface so tests can inject a fake.
type discordSession interface {
	Open() error
	Close() error
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
	AddHandler(handler interface{}) func()
}

// DiscordConfig configures a Discord bot adapter.
type DiscordConfig struct {
	ID        string
	Token     string
	RateLimit float64
	RateBurst int
	Logger    *slog.Logger
}

func (c *DiscordConfig) applyDefaults() {
	if c.ID == "" {
		c.ID = "discord"
	}
	if c.RateLimit == 0 {
		c.RateLimit = 5
	}
	if c.RateBurst == 0 {
		c.RateBurst = 10
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// DiscordAdapter implements Adapter over the bwmarrin/discordgo client.
type DiscordAdapter struct {
	BaseHealth
	cfg         DiscordConfig
	session     discordSession
	rateLimiter *RateLimiter
	logger      *slog.Logger

	mu      sync.RWMutex
	handler func(InboundMessage)
}

// NewDiscordAdapter returns an adapter. Pass a nil session to have Connect
// dial a real *discordgo.Session from cfg.Token; tests inject a fake
// session directly.
func NewDiscordAdapter(cfg DiscordConfig, session discordSession) *DiscordAdapter {
	cfg.applyDefaults()
	return &DiscordAdapter{
		cfg:         cfg,
		session:     session,
		rateLimiter: NewRateLimiter(cfg.RateLimit, cfg.RateBurst),
		logger:      cfg.Logger.With("adapter", cfg.ID),
	}
}

func (a *DiscordAdapter) ID() string { return a.cfg.ID }

func (a *DiscordAdapter) OnMessage(handler func(InboundMessage)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handler = handler
}

func (a *DiscordAdapter) Connect(ctx context.Context) error {
	if a.session == nil {
		dg, err := discordgo.New("Bot " + a.cfg.Token)
		if err != nil {
			a.SetStatus(false, err.Error())
			return fmt.Errorf("discord: create session: %w", err)
		}
		dg.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentMessageContent
		a.session = dg
	}

	a.session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		a.handleMessageCreate(m)
	})

	if err := a.session.Open(); err != nil {
		a.SetStatus(false, err.Error())
		return fmt.Errorf("discord: open session: %w", err)
	}
	a.SetStatus(true, "")
	return nil
}

func (a *DiscordAdapter) Disconnect(ctx context.Context) error {
	a.SetStatus(false, "")
	if a.session == nil {
		return nil
	}
	return a.session.Close()
}

func (a *DiscordAdapter) handleMessageCreate(m *discordgo.MessageCreate) {
	if m.Author != nil && m.Author.Bot {
		return
	}
	msg := InboundMessage{
		ChannelID:   "discord:" + m.ChannelID,
		Text:        m.Content,
		Attachments: discordAttachments(m),
		Timestamp:   m.Timestamp,
	}

	a.mu.RLock()
	handler := a.handler
	a.mu.RUnlock()
	if handler != nil {
		handler(msg)
	}
}

func discordAttachments(m *discordgo.MessageCreate) []Attachment {
	if len(m.Attachments) == 0 {
		return nil
	}
	atts := make([]Attachment, 0, len(m.Attachments))
	for _, att := range m.Attachments {
		atts = append(atts, Attachment{
			Type:     discordAttachmentType(att.ContentType),
			FileName: att.Filename,
			MimeType: att.ContentType,
			FileSize: int64(att.Size),
			FilePath: att.URL,
		})
	}
	return atts
}

func discordAttachmentType(mimeType string) AttachmentType {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return AttachmentPhoto
	case strings.HasPrefix(mimeType, "audio/"):
		return AttachmentAudio
	case strings.HasPrefix(mimeType, "video/"):
		return AttachmentVideo
	default:
		return AttachmentDocument
	}
}

func discordChannelID(channelID string) string {
	return strings.TrimPrefix(channelID, "discord:")
}

func (a *DiscordAdapter) Send(ctx context.Context, channelID, text string) error {
	if err := a.rateLimiter.Wait(ctx); err != nil {
		return err
	}
	_, err := a.session.ChannelMessageSend(discordChannelID(channelID), text)
	return err
}

func (a *DiscordAdapter) SendFile(ctx context.Context, channelID, path, caption string) error {
	if err := a.rateLimiter.Wait(ctx); err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("discord: open attachment: %w", err)
	}
	defer f.Close()
	_, err = a.session.ChannelMessageSendComplex(discordChannelID(channelID), &discordgo.MessageSend{
		Content: caption,
		Files:   []*discordgo.File{{Name: filepath.Base(path), Reader: f}},
	})
	return err
}

func (a *DiscordAdapter) SendTyping(ctx context.Context, channelID string) error {
	return a.session.ChannelTyping(discordChannelID(channelID))
}
