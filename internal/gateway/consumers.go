package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/scalyclaw/scalyclaw/internal/agentrunner"
	"github.com/scalyclaw/scalyclaw/internal/config"
	"github.com/scalyclaw/scalyclaw/internal/guard"
	"github.com/scalyclaw/scalyclaw/internal/orchestrator"
	"github.com/scalyclaw/scalyclaw/internal/queue"
)

// cancelPollInterval bounds how quickly a /stop request is noticed by an
// in-flight orchestrator run; the round-boundary StopPredicate check is
// exact, this just shortens the wait for a call blocked mid-round.
const cancelPollInterval = 500 * time.Millisecond

// chatPayload is the job body enqueued onto QueueMessages by both
// POST /api/chat and the channel adapters' inbound webhooks.
type chatPayload struct {
	ChannelID string `json:"channelId"`
	UserText  string `json:"userText"`
}

// agentPayload is the job body enqueued onto QueueAgents.
type agentPayload struct {
	AgentID   string `json:"agentId"`
	ChannelID string `json:"channelId"`
	UserText  string `json:"userText"`
}

// RegisterConsumers wires the orchestrator and agent runner onto the
// messages and agents queues. A job completing here is the other half of
// POST /api/chat's enqueue-then-await: QueueFabric.SetResult unblocks any
// HTTP waiter, and a non-admin channel also gets the reply delivered
// through the channel manager directly (for inbound adapter traffic that
// has no HTTP caller waiting on the result at all).
func (s *Server) RegisterConsumers() {
	s.q.Register(queue.QueueMessages, func(ctx context.Context, j *queue.Job) error {
		var p chatPayload
		if err := json.Unmarshal(j.Payload, &p); err != nil {
			return fmt.Errorf("gateway: malformed chat payload: %w", err)
		}
		if rejected := s.rejectByShield(p.UserText); rejected {
			_ = s.q.SetResult(ctx, j.ID, "")
			return nil
		}
		if rejected := s.rejectUnsafe(ctx, p.ChannelID, guard.DirectionInbound, p.UserText); rejected {
			_ = s.q.SetResult(ctx, j.ID, "")
			return nil
		}

		if s.sessions != nil {
			_ = s.sessions.TrackJob(ctx, p.ChannelID, j.ID)
			defer func() { _ = s.sessions.UntrackJob(context.Background(), p.ChannelID, j.ID) }()
		}

		reply, err := s.orch.Run(ctx, orchestrator.Input{
			ChannelID: p.ChannelID,
			UserText:  p.UserText,
			Send: func(text string) {
				s.deliverToChannel(ctx, p.ChannelID, text)
			},
			Abort:         s.cancelSignal(ctx, p.ChannelID),
			StopPredicate: s.cancelStopPredicate(ctx, p.ChannelID),
		})
		if err != nil {
			return err
		}
		if s.metrics != nil {
			s.metrics.OrchestratorRounds.Inc()
		}
		if rejected := s.rejectUnsafe(ctx, p.ChannelID, guard.DirectionOutbound, reply); rejected {
			_ = s.q.SetResult(ctx, j.ID, "")
			return nil
		}
		_ = s.q.SetResult(ctx, j.ID, reply)
		s.deliverToChannel(ctx, p.ChannelID, reply)
		return nil
	})

	s.q.Register(queue.QueueAgents, func(ctx context.Context, j *queue.Job) error {
		var p agentPayload
		if err := json.Unmarshal(j.Payload, &p); err != nil {
			return fmt.Errorf("gateway: malformed agent payload: %w", err)
		}
		if s.agents == nil {
			return fmt.Errorf("gateway: agent runner not configured")
		}
		if s.sessions != nil {
			_ = s.sessions.TrackJob(ctx, p.ChannelID, j.ID)
			defer func() { _ = s.sessions.UntrackJob(context.Background(), p.ChannelID, j.ID) }()
		}
		reply, err := s.agents.Run(ctx, agentrunner.Input{
			AgentID:   p.AgentID,
			ChannelID: p.ChannelID,
			UserText:  p.UserText,
			Send: func(text string) {
				s.deliverToChannel(ctx, p.ChannelID, text)
			},
		})
		if err != nil {
			return err
		}
		_ = s.q.SetResult(ctx, j.ID, reply)
		s.deliverToChannel(ctx, p.ChannelID, reply)
		return nil
	})
}

// rejectByShield applies the config-driven deny/allow pattern list before
// any model is consulted, the cheapest guard layer.
func (s *Server) rejectByShield(text string) bool {
	if s.cfg == nil || text == "" {
		return false
	}
	verdict := shieldVerdict(s.cfg.GetConfigRef(), text)
	if !verdict.Safe {
		if s.metrics != nil {
			s.metrics.GuardRejections.WithLabelValues("shield").Inc()
		}
		s.logger.Warn("gateway: command shield rejected message", "reason", verdict.Reason)
		_ = s.notifier.notify("guard rejection", "command shield: "+verdict.Reason)
		return true
	}
	return false
}

// shieldVerdict runs the deterministic command shield against cfg's
// denied/allowed pattern lists, split out from rejectByShield so it can be
// exercised without a live config store.
func shieldVerdict(cfg config.Doc, text string) guard.Verdict {
	shield := guard.CommandShield{Denied: cfg.Guards.DeniedPatterns, Allowed: cfg.Guards.AllowedPatterns}
	return shield.Check(text)
}

// rejectUnsafe runs the echo+content guard check on dir and, if it trips,
// counts the rejection and reports true so the caller skips delivery
// entirely (guards fail closed: a check error is treated as unsafe).
func (s *Server) rejectUnsafe(ctx context.Context, channelID string, dir guard.Direction, text string) bool {
	if s.guard == nil || text == "" {
		return false
	}
	verdict, err := s.guard.CheckEchoAndContent(ctx, channelID, dir, text)
	if err != nil || !verdict.Safe {
		if s.metrics != nil {
			s.metrics.GuardRejections.WithLabelValues(string(dir)).Inc()
		}
		s.logger.Warn("gateway: guard rejected message", "channel", channelID, "direction", dir, "reason", verdict.Reason)
		_ = s.notifier.notify("guard rejection", string(dir)+": "+verdict.Reason)
		return true
	}
	return false
}

// cancelSignal returns a channel closed once /stop flips channelID's
// session into CANCELLING, or ctx ends, whichever comes first. Wired as
// the orchestrator's Abort input so a call blocked inside a model or tool
// round notices the request without waiting for the round to finish.
func (s *Server) cancelSignal(ctx context.Context, channelID string) <-chan struct{} {
	abort := make(chan struct{})
	if s.sessions == nil {
		return abort
	}
	go func() {
		ticker := time.NewTicker(cancelPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cancelling, err := s.sessions.IsCancelling(ctx, channelID)
				if err == nil && cancelling {
					close(abort)
					return
				}
			}
		}
	}()
	return abort
}

// cancelStopPredicate reports StopCancelled once /stop has flipped
// channelID's session into CANCELLING; the orchestrator consults it at
// every round boundary.
func (s *Server) cancelStopPredicate(ctx context.Context, channelID string) func() orchestrator.StopReason {
	return func() orchestrator.StopReason {
		if s.sessions == nil {
			return orchestrator.StopNone
		}
		cancelling, err := s.sessions.IsCancelling(ctx, channelID)
		if err == nil && cancelling {
			return orchestrator.StopCancelled
		}
		return orchestrator.StopNone
	}
}

// deliverToChannel best-effort forwards text to a live channel adapter.
// Admin/API-originated channel ids (prefixed "admin:") have no adapter and
// are skipped; the HTTP caller already gets the reply via the queue result.
func (s *Server) deliverToChannel(ctx context.Context, channelID, text string) {
	if s.chanMgr == nil || text == "" {
		return
	}
	if len(channelID) >= 6 && channelID[:6] == "admin:" {
		return
	}
	if err := s.chanMgr.SendToChannel(ctx, channelID, text); err != nil {
		s.logger.Warn("gateway: failed to deliver reply to channel", "channel", channelID, "error", err)
	}
}
