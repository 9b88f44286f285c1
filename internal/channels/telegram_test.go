package channels

import (
	"context"
	"testing"

	tgbot "github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"
)

type fakeTelegramClient struct {
	sentMessages  []string
	sentDocuments int
	typingSent    bool
	registered    tgbot.HandlerFunc
}

func (f *fakeTelegramClient) SendMessage(ctx context.Context, params *tgbot.SendMessageParams) (*tgmodels.Message, error) {
	f.sentMessages = append(f.sentMessages, params.Text)
	return &tgmodels.Message{}, nil
}

func (f *fakeTelegramClient) SendDocument(ctx context.Context, params *tgbot.SendDocumentParams) (*tgmodels.Message, error) {
	f.sentDocuments++
	return &tgmodels.Message{}, nil
}

func (f *fakeTelegramClient) SendChatAction(ctx context.Context, params *tgbot.SendChatActionParams) (bool, error) {
	f.typingSent = true
	return true, nil
}

func (f *fakeTelegramClient) RegisterHandler(handlerType tgbot.HandlerType, pattern string, matchType tgbot.MatchType, handler tgbot.HandlerFunc) {
	f.registered = handler
}

func (f *fakeTelegramClient) Start(ctx context.Context) {}

func TestTelegramAdapter_ConnectRegistersHandlerAndSetsHealthy(t *testing.T) {
	client := &fakeTelegramClient{}
	a := NewTelegramAdapter(TelegramConfig{Token: "t"}, client)
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	if !a.IsHealthy() {
		t.Fatalf("expected adapter to be healthy after Connect")
	}
	if client.registered == nil {
		t.Fatalf("expected a text handler to be registered")
	}
}

func TestTelegramAdapter_HandleUpdateDispatchesInbound(t *testing.T) {
	client := &fakeTelegramClient{}
	a := NewTelegramAdapter(TelegramConfig{Token: "t"}, client)
	var got InboundMessage
	a.OnMessage(func(msg InboundMessage) { got = msg })

	update := &tgmodels.Update{Message: &tgmodels.Message{
		Chat: tgmodels.Chat{ID: 42},
		Text: "hello",
	}}
	a.handleUpdate(context.Background(), nil, update)

	if got.ChannelID != "telegram:42" {
		t.Fatalf("ChannelID = %q, want telegram:42", got.ChannelID)
	}
	if got.Text != "hello" {
		t.Fatalf("Text = %q, want hello", got.Text)
	}
}

func TestTelegramAdapter_SendUsesRateLimiterAndClient(t *testing.T) {
	client := &fakeTelegramClient{}
	a := NewTelegramAdapter(TelegramConfig{Token: "t", RateLimit: 1000, RateBurst: 10}, client)
	if err := a.Send(context.Background(), "telegram:42", "hi"); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if len(client.sentMessages) != 1 || client.sentMessages[0] != "hi" {
		t.Fatalf("expected one sent message \"hi\", got %v", client.sentMessages)
	}
}

func TestTelegramAdapter_SendTyping(t *testing.T) {
	client := &fakeTelegramClient{}
	a := NewTelegramAdapter(TelegramConfig{Token: "t"}, client)
	if err := a.SendTyping(context.Background(), "telegram:42"); err != nil {
		t.Fatalf("SendTyping() error: %v", err)
	}
	if !client.typingSent {
		t.Fatalf("expected typing action to be sent")
	}
}

func TestTelegramAdapter_SendBadChannelID(t *testing.T) {
	client := &fakeTelegramClient{}
	a := NewTelegramAdapter(TelegramConfig{Token: "t"}, client)
	if err := a.Send(context.Background(), "telegram:not-a-number", "hi"); err == nil {
		t.Fatalf("expected error for malformed channel id")
	}
}
