package channels

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
)

type fakeDiscordSession struct {
	opened       bool
	closed       bool
	sentMessages []string
	sentComplex  int
	typingSent   bool
	handler      func(*discordgo.Session, *discordgo.MessageCreate)
}

func (f *fakeDiscordSession) Open() error  { f.opened = true; return nil }
func (f *fakeDiscordSession) Close() error { f.closed = true; return nil }

func (f *fakeDiscordSession) ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.sentMessages = append(f.sentMessages, content)
	return &discordgo.Message{}, nil
}

func (f *fakeDiscordSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.sentComplex++
	return &discordgo.Message{}, nil
}

func (f *fakeDiscordSession) ChannelTyping(channelID string, options ...discordgo.RequestOption) error {
	f.typingSent = true
	return nil
}

func (f *fakeDiscordSession) AddHandler(handler interface{}) func() {
	if h, ok := handler.(func(*discordgo.Session, *discordgo.MessageCreate)); ok {
		f.handler = h
	}
	return func() {}
}

func TestDiscordAdapter_ConnectOpensSessionAndSetsHealthy(t *testing.T) {
	session := &fakeDiscordSession{}
	a := NewDiscordAdapter(DiscordConfig{Token: "t"}, session)
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	if !session.opened {
		t.Fatalf("expected session to be opened")
	}
	if !a.IsHealthy() {
		t.Fatalf("expected adapter to be healthy after Connect")
	}
	if session.handler == nil {
		t.Fatalf("expected a message-create handler to be registered")
	}
}

func TestDiscordAdapter_HandleMessageCreateIgnoresBots(t *testing.T) {
	session := &fakeDiscordSession{}
	a := NewDiscordAdapter(DiscordConfig{Token: "t"}, session)
	var got *InboundMessage
	a.OnMessage(func(msg InboundMessage) { got = &msg })

	a.handleMessageCreate(&discordgo.MessageCreate{Message: &discordgo.Message{
		Author:    &discordgo.User{Bot: true},
		Content:   "ignored",
		ChannelID: "c1",
	}})
	if got != nil {
		t.Fatalf("expected bot-authored messages to be ignored, got %+v", got)
	}
}

func TestDiscordAdapter_HandleMessageCreateDispatchesHuman(t *testing.T) {
	session := &fakeDiscordSession{}
	a := NewDiscordAdapter(DiscordConfig{Token: "t"}, session)
	var got InboundMessage
	a.OnMessage(func(msg InboundMessage) { got = msg })

	a.handleMessageCreate(&discordgo.MessageCreate{Message: &discordgo.Message{
		Author:    &discordgo.User{Bot: false},
		Content:   "hello",
		ChannelID: "c1",
		Timestamp: time.Now(),
	}})
	if got.ChannelID != "discord:c1" {
		t.Fatalf("ChannelID = %q, want discord:c1", got.ChannelID)
	}
	if got.Text != "hello" {
		t.Fatalf("Text = %q, want hello", got.Text)
	}
}

func TestDiscordAdapter_Send(t *testing.T) {
	session := &fakeDiscordSession{}
	a := NewDiscordAdapter(DiscordConfig{Token: "t", RateLimit: 1000, RateBurst: 10}, session)
	if err := a.Send(context.Background(), "discord:c1", "hi"); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if len(session.sentMessages) != 1 || session.sentMessages[0] != "hi" {
		t.Fatalf("expected one sent message \"hi\", got %v", session.sentMessages)
	}
}

func TestDiscordAdapter_SendTyping(t *testing.T) {
	session := &fakeDiscordSession{}
	a := NewDiscordAdapter(DiscordConfig{Token: "t"}, session)
	if err := a.SendTyping(context.Background(), "discord:c1"); err != nil {
		t.Fatalf("SendTyping() error: %v", err)
	}
	if !session.typingSent {
		t.Fatalf("expected typing indicator to be sent")
	}
}

func TestDiscordAdapter_Disconnect(t *testing.T) {
	session := &fakeDiscordSession{}
	a := NewDiscordAdapter(DiscordConfig{Token: "t"}, session)
	_ = a.Connect(context.Background())
	if err := a.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect() error: %v", err)
	}
	if !session.closed {
		t.Fatalf("expected session to be closed")
	}
	if a.IsHealthy() {
		t.Fatalf("expected adapter to be unhealthy after Disconnect")
	}
}
