package gateway

import (
	"context"
	"log/slog"
	"testing"
)

func TestHandleSlashCommand_UpdateWithoutConfirmationIsHandled(t *testing.T) {
	s := &Server{logger: slog.Default()}
	handled := s.handleSlashCommand(context.Background(), "chan1", "/update", "/update")
	if !handled {
		t.Fatalf("expected /update to be fully handled")
	}
}

func TestHandleSlashCommand_UnknownCommandNotHandled(t *testing.T) {
	s := &Server{logger: slog.Default()}
	if s.handleSlashCommand(context.Background(), "chan1", "/bogus", "/bogus") {
		t.Fatalf("expected an unrecognised command to report unhandled")
	}
}
