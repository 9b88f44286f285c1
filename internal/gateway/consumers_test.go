package gateway

import (
	"context"
	"log/slog"
	"testing"

	"github.com/scalyclaw/scalyclaw/internal/channels"
	"github.com/scalyclaw/scalyclaw/internal/config"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	return &Server{
		cfg:    config.NewStore(nil),
		logger: slog.Default(),
	}
}

func TestShieldVerdict_DeniedPatternWins(t *testing.T) {
	cfg := config.Defaults()
	cfg.Guards.DeniedPatterns = []string{"rm -rf"}

	if v := shieldVerdict(cfg, "please run rm -rf /"); v.Safe {
		t.Fatalf("expected a denied pattern to reject the message")
	}
	if v := shieldVerdict(cfg, "please list my reminders"); !v.Safe {
		t.Fatalf("expected an ordinary message to pass the shield, got reason %q", v.Reason)
	}
}

func TestShieldVerdict_AllowListRequiresMatch(t *testing.T) {
	cfg := config.Defaults()
	cfg.Guards.AllowedPatterns = []string{"reminder"}

	if v := shieldVerdict(cfg, "set a reminder for 5pm"); !v.Safe {
		t.Fatalf("expected an allow-listed message to pass, got reason %q", v.Reason)
	}
	if v := shieldVerdict(cfg, "tell me a joke"); v.Safe {
		t.Fatalf("expected a message matching no allowed pattern to be rejected")
	}
}

func TestServer_RejectByShield_NoConfigStorePassesThrough(t *testing.T) {
	s := &Server{logger: slog.Default()}
	if s.rejectByShield("anything") {
		t.Fatalf("expected rejectByShield to no-op when no config store is wired")
	}
}

func TestServer_RejectByShield_UsesLiveConfig(t *testing.T) {
	s := newTestServer(t)
	if s.rejectByShield("please list my reminders") {
		t.Fatalf("expected the default (empty) pattern lists to pass everything")
	}
}

// recordingAdapter is registered under the "admin" id so that, were the
// admin-prefix short-circuit missing, an "admin:" send would reach it.
type recordingAdapter struct{ sent []string }

func (r *recordingAdapter) ID() string                           { return "admin" }
func (r *recordingAdapter) Connect(ctx context.Context) error    { return nil }
func (r *recordingAdapter) Disconnect(ctx context.Context) error { return nil }
func (r *recordingAdapter) Send(ctx context.Context, channelID, text string) error {
	r.sent = append(r.sent, text)
	return nil
}
func (r *recordingAdapter) SendFile(ctx context.Context, channelID, path, caption string) error {
	return nil
}
func (r *recordingAdapter) SendTyping(ctx context.Context, channelID string) error { return nil }
func (r *recordingAdapter) IsHealthy() bool                                       { return true }
func (r *recordingAdapter) OnMessage(handler func(channels.InboundMessage))       {}

func TestServer_DeliverToChannel_SkipsAdminChannels(t *testing.T) {
	s := newTestServer(t)
	s.chanMgr = channels.NewManager(nil, nil)
	a := &recordingAdapter{}
	if err := s.chanMgr.Register(context.Background(), a); err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	s.deliverToChannel(context.Background(), "admin:chat", "hello")
	if len(a.sent) != 0 {
		t.Fatalf("expected admin: channels to be skipped, got sends %v", a.sent)
	}
}

func TestKnownCommands_RecognisesSlashCommands(t *testing.T) {
	if !knownCommands["/stop"] || !knownCommands["/clear"] || !knownCommands["/restart"] {
		t.Fatalf("expected core slash commands to be registered")
	}
	if knownCommands["hello"] {
		t.Fatalf("did not expect an ordinary word to be a known command")
	}
}
