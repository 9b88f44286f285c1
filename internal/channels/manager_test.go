package channels

import (
	"context"
	"testing"
)

type fakeAdapter struct {
	id        string
	connected bool
	handler   func(InboundMessage)
}

func (f *fakeAdapter) ID() string { return f.id }
func (f *fakeAdapter) Connect(ctx context.Context) error {
	f.connected = true
	return nil
}
func (f *fakeAdapter) Disconnect(ctx context.Context) error {
	f.connected = false
	return nil
}
func (f *fakeAdapter) Send(ctx context.Context, channelID, text string) error   { return nil }
func (f *fakeAdapter) SendFile(ctx context.Context, channelID, path, c string) error { return nil }
func (f *fakeAdapter) SendTyping(ctx context.Context, channelID string) error   { return nil }
func (f *fakeAdapter) IsHealthy() bool                                          { return f.connected }
func (f *fakeAdapter) OnMessage(handler func(InboundMessage))                   { f.handler = handler }

func TestManager_RegisterConnectsAndDispatches(t *testing.T) {
	m := NewManager(nil, nil)
	var received InboundMessage
	m.OnMessage(func(msg InboundMessage) { received = msg })

	a := &fakeAdapter{id: "test1"}
	if err := m.Register(context.Background(), a); err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	if !a.connected {
		t.Fatalf("expected adapter to be connected")
	}

	a.handler(InboundMessage{ChannelID: "test1:1", Text: "hi"})
	if received.Text != "hi" {
		t.Fatalf("expected dispatch to reach manager handler, got %+v", received)
	}
}

func TestManager_RegisterHotReloadsExistingID(t *testing.T) {
	m := NewManager(nil, nil)
	m.OnMessage(func(InboundMessage) {})

	first := &fakeAdapter{id: "dup"}
	second := &fakeAdapter{id: "dup"}
	if err := m.Register(context.Background(), first); err != nil {
		t.Fatalf("Register(first) error: %v", err)
	}
	if err := m.Register(context.Background(), second); err != nil {
		t.Fatalf("Register(second) error: %v", err)
	}
	if first.connected {
		t.Fatalf("expected first adapter to be disconnected on hot reload")
	}
	if !second.connected {
		t.Fatalf("expected second adapter to be connected")
	}
	got, ok := m.Get("dup")
	if !ok || got != second {
		t.Fatalf("expected registry to hold the replacement adapter")
	}
}

func TestManager_UnregisterDisconnects(t *testing.T) {
	m := NewManager(nil, nil)
	a := &fakeAdapter{id: "gone"}
	_ = m.Register(context.Background(), a)
	if err := m.Unregister(context.Background(), "gone"); err != nil {
		t.Fatalf("Unregister() error: %v", err)
	}
	if a.connected {
		t.Fatalf("expected adapter to be disconnected")
	}
	if _, ok := m.Get("gone"); ok {
		t.Fatalf("expected adapter to be removed from registry")
	}
}

func TestManager_HealthSnapshot(t *testing.T) {
	m := NewManager(nil, nil)
	a := &fakeAdapter{id: "h1"}
	_ = m.Register(context.Background(), a)
	snap := m.HealthSnapshot()
	if !snap["h1"].Connected {
		t.Fatalf("expected h1 to report connected in snapshot, got %+v", snap)
	}
}
