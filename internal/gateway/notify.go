package gateway

import (
	"fmt"

	goslack "github.com/slack-go/slack"
)

// healthNotifier fans a short status line out to an operator Slack channel
// via an incoming webhook. It is deliberately not a channel adapter: it
// carries no inbound path and no per-message reply address, just a
// fire-and-forget outbound line for each guard rejection.
type healthNotifier struct {
	webhookURL string
}

func newHealthNotifier(webhookURL string) *healthNotifier {
	return &healthNotifier{webhookURL: webhookURL}
}

func (n *healthNotifier) notify(event, detail string) error {
	if n == nil || n.webhookURL == "" {
		return nil
	}
	msg := &goslack.WebhookMessage{
		Text: fmt.Sprintf("[scalyclaw] %s: %s", event, detail),
	}
	return goslack.PostWebhook(n.webhookURL, msg)
}
