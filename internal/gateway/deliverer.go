package gateway

import (
	"context"

	"github.com/scalyclaw/scalyclaw/internal/channels"
	"github.com/scalyclaw/scalyclaw/internal/queue"
)

// Deliverer implements scheduler.Deliverer: a reminder is a direct channel
// send, a task re-enters the full orchestrator loop as if the operator had
// typed the description themselves. It depends only on the channel manager
// and queue fabric, not the full Server, so it can be constructed before
// the scheduler (and therefore the Server, which embeds the scheduler).
type Deliverer struct {
	chanMgr *channels.Manager
	q       *queue.Fabric
}

func NewDeliverer(chanMgr *channels.Manager, q *queue.Fabric) Deliverer {
	return Deliverer{chanMgr: chanMgr, q: q}
}

func (d Deliverer) DeliverReminder(ctx context.Context, channelID, text string) error {
	return d.chanMgr.SendToChannel(ctx, channelID, text)
}

func (d Deliverer) DeliverTask(ctx context.Context, channelID, description string) error {
	_, err := d.q.Enqueue(ctx, queue.QueueMessages, "chat", chatPayload{
		ChannelID: channelID,
		UserText:  description,
	}, queue.EnqueueOptions{Attempts: 1, Priority: 5})
	return err
}
