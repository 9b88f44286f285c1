package gateway

import (
	"context"
	"strings"

	"github.com/scalyclaw/scalyclaw/internal/channels"
	"github.com/scalyclaw/scalyclaw/internal/queue"
)

const rateLimitPerMinute = 20

var knownCommands = map[string]bool{
	"/stop": true, "/clear": true, "/restart": true, "/shutdown": true, "/update": true,
}

// HandleInbound is the node dispatcher: it applies the per-channel rate
// limit, intercepts known slash commands, and otherwise enqueues a
// message-processing job for the consumer RegisterConsumers wires up.
// Wire it via chanMgr.OnMessage before starting any adapters.
func (s *Server) HandleInbound(msg channels.InboundMessage) {
	ctx := context.Background()

	if s.sessions != nil {
		ok, err := s.sessions.RateLimit(ctx, msg.ChannelID, rateLimitPerMinute)
		if err == nil && !ok {
			s.deliverToChannel(ctx, msg.ChannelID, "You're sending messages too quickly. Please slow down.")
			return
		}
	}

	text := strings.TrimSpace(msg.Text)
	command := strings.ToLower(strings.Fields(text + " ")[0])
	if knownCommands[command] {
		if s.handleSlashCommand(ctx, msg.ChannelID, command, text) {
			return
		}
	}

	priority := 10
	if knownCommands[command] {
		priority = 1
	}

	_, err := s.q.Enqueue(ctx, queue.QueueMessages, "chat", chatPayload{
		ChannelID: msg.ChannelID,
		UserText:  msg.Text,
	}, queue.EnqueueOptions{Attempts: 1, Priority: priority})
	if err != nil {
		s.logger.Error("gateway: enqueue inbound message failed", "channel", msg.ChannelID, "error", err)
	}
}

// handleSlashCommand processes command against channelID and reports
// whether it fully handled the message (true means do not also enqueue a
// chat turn).
func (s *Server) handleSlashCommand(ctx context.Context, channelID, command, fullText string) bool {
	switch command {
	case "/stop":
		if err := s.sessions.RequestCancel(ctx, channelID); err != nil {
			s.logger.Warn("gateway: /stop failed", "channel", channelID, "error", err)
		}
		if _, err := s.q.DrainChannel(ctx, channelID, adminQueues...); err != nil {
			s.logger.Warn("gateway: /stop drain failed", "channel", channelID, "error", err)
		}
		jobIDs, _ := s.sessions.ActiveJobs(ctx, channelID)
		for _, jobID := range jobIDs {
			for _, qn := range adminQueues {
				_ = s.q.CancelJob(ctx, qn, jobID)
			}
		}
		s.deliverToChannel(ctx, channelID, "Stopped. Draining any in-flight work.")
		return true

	case "/clear":
		if err := s.store.ClearChannelMessages(ctx, channelID); err != nil {
			s.logger.Warn("gateway: /clear failed", "channel", channelID, "error", err)
			s.deliverToChannel(ctx, channelID, "Failed to clear history.")
			return true
		}
		s.deliverToChannel(ctx, channelID, "Conversation history cleared.")
		return true

	case "/restart":
		_ = s.sessions.RequestGlobalStop(ctx)
		s.deliverToChannel(ctx, channelID, "Restart requested.")
		if s.shutdown != nil {
			go s.shutdown()
		}
		return true

	case "/shutdown":
		_ = s.sessions.RequestGlobalStop(ctx)
		s.deliverToChannel(ctx, channelID, "Shutting down.")
		if s.shutdown != nil {
			go s.shutdown()
		}
		return true

	case "/update":
		rest := strings.TrimSpace(strings.TrimPrefix(fullText, "/update"))
		switch strings.ToLower(rest) {
		case "yes", "y", "confirm":
			s.deliverToChannel(ctx, channelID, "No pending update to confirm.")
		default:
			s.deliverToChannel(ctx, channelID, "Reply \"yes\" to confirm an update once one is staged.")
		}
		return true
	}
	return false
}
