// Package progress implements the per-channel progress pub/sub fabric:
// targeted delivery of progress/complete/error events with reconnect
// buffering and a single-response key that WaitUntilFinished checks for
// request/reply waiters.
package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/scalyclaw/scalyclaw/internal/kv"
)

// EventType is the discriminator on a published Event.
type EventType string

const (
	EventProgress EventType = "progress"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
)

// Event is the payload published on progress:<channelId>.
type Event struct {
	JobID    string `json:"jobId"`
	Type     EventType `json:"type"`
	Message  string    `json:"message,omitempty"`
	Result   string    `json:"result,omitempty"`
	FilePath string    `json:"filePath,omitempty"`
	Caption  string    `json:"caption,omitempty"`
	Error    string    `json:"error,omitempty"`
}

const (
	singleResponseTTL = 2 * time.Minute
	bufferTTL         = 10 * time.Minute
)

// Fabric publishes and fans out progress Events.
type Fabric struct {
	kv     *kv.Store
	logger *slog.Logger

	mu       sync.Mutex
	waiters  map[string]chan Event // jobID -> single waiter (waitUntilFinished style)
	handlers map[string][]func(channelID string, ev Event)
	started  bool
}

// New returns a Fabric bound to store.
func New(store *kv.Store, logger *slog.Logger) *Fabric {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fabric{
		kv:       store,
		logger:   logger,
		waiters:  make(map[string]chan Event),
		handlers: make(map[string][]func(channelID string, ev Event)),
	}
}

func topicFor(channelID string) string {
	return kv.PrefixProgress + channelID
}

func bufferKey(channelID string) string {
	return kv.PrefixProgressBuf + channelID
}

func singleResponseKey(jobID string) string {
	return kv.PrefixProgress + "response:" + jobID
}

// Publish delivers ev to channelID's subscribers. Complete/error events
// additionally record a single-response key for request/reply fallback.
// If nobody was subscribed, a complete or error event is buffered so a
// reconnecting node can drain it; progress events are not buffered.
func (f *Fabric) Publish(ctx context.Context, channelID string, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("progress: marshal event: %w", err)
	}

	if ev.Type == EventComplete || ev.Type == EventError {
		if err := f.kv.Set(ctx, singleResponseKey(ev.JobID), string(payload), singleResponseTTL); err != nil {
			f.logger.Warn("progress: failed to record single-response key", "error", err)
		}
	}

	n, err := f.kv.Publish(ctx, topicFor(channelID), string(payload))
	if err != nil {
		return fmt.Errorf("progress: publish: %w", err)
	}

	if n == 0 && ev.Type != EventProgress {
		if err := f.kv.RPush(ctx, bufferKey(channelID), string(payload)); err != nil {
			f.logger.Warn("progress: failed to buffer event", "error", err)
		} else if err := f.kv.Expire(ctx, bufferKey(channelID), bufferTTL); err != nil {
			f.logger.Warn("progress: failed to set buffer ttl", "error", err)
		}
	}
	return nil
}

// DrainBuffer returns and clears any buffered events for channelID,
// intended to be called on adapter reconnect or node start.
func (f *Fabric) DrainBuffer(ctx context.Context, channelID string) ([]Event, error) {
	raw, err := f.kv.LRange(ctx, bufferKey(channelID), 0, -1)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	events := make([]Event, 0, len(raw))
	for _, r := range raw {
		var ev Event
		if err := json.Unmarshal([]byte(r), &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	if err := f.kv.Del(ctx, bufferKey(channelID)); err != nil {
		f.logger.Warn("progress: failed to clear buffer", "error", err)
	}
	return events, nil
}

// OnEvent registers a dispatcher for every event received on channelID.
// Call Run once to start the pattern subscription that feeds registered
// handlers and any outstanding WaitUntilFinished waiters.
func (f *Fabric) OnEvent(channelID string, handler func(channelID string, ev Event)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[channelID] = append(f.handlers[channelID], handler)
}

// Run starts the single PSUBSCRIBE progress:* fan-out goroutine that feeds
// per-job waiter channels and registered handlers. It blocks until ctx is
// cancelled.
func (f *Fabric) Run(ctx context.Context) error {
	f.mu.Lock()
	if f.started {
		f.mu.Unlock()
		return fmt.Errorf("progress: fabric already running")
	}
	f.started = true
	f.mu.Unlock()

	sub := f.kv.PSubscribe(ctx, kv.PrefixProgress+"*")
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			f.dispatch(msg.Channel, msg.Payload)
		}
	}
}

func (f *Fabric) dispatch(topic, payload string) {
	channelID := topic
	if len(topic) > len(kv.PrefixProgress) {
		channelID = topic[len(kv.PrefixProgress):]
	}
	var ev Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		f.logger.Warn("progress: dropping malformed event", "error", err)
		return
	}

	f.mu.Lock()
	waiter := f.waiters[ev.JobID]
	handlers := append([]func(string, Event){}, f.handlers[channelID]...)
	f.mu.Unlock()

	if waiter != nil && (ev.Type == EventComplete || ev.Type == EventError) {
		select {
		case waiter <- ev:
		default:
		}
	}
	for _, h := range handlers {
		h(channelID, ev)
	}
}

// WaitUntilFinished blocks until a complete/error event for jobID arrives
// or timeout elapses. No caller in this module uses it: POST /api/chat
// waits on queue.Fabric.WaitUntilFinished instead.
func (f *Fabric) WaitUntilFinished(ctx context.Context, jobID string, timeout time.Duration) (Event, error) {
	waitCh := make(chan Event, 1)
	f.mu.Lock()
	f.waiters[jobID] = waitCh
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		delete(f.waiters, jobID)
		f.mu.Unlock()
	}()

	// Fallback: the single-response key may already hold the answer if it
	// was published before this waiter registered (classic race in
	// request/reply over pub/sub).
	if raw, err := f.kv.Get(ctx, singleResponseKey(jobID)); err == nil && raw != "" {
		var ev Event
		if json.Unmarshal([]byte(raw), &ev) == nil {
			return ev, nil
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ev := <-waitCh:
		return ev, nil
	case <-timer.C:
		return Event{}, fmt.Errorf("progress: timed out waiting for job %s", jobID)
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}
