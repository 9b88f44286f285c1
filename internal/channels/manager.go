package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/scalyclaw/scalyclaw/internal/kv"
)

// Manager owns the set of connected adapters, fans their inbound messages
// out to a single handler, and persists reply addresses so outbound sends
// survive a node restart.
type Manager struct {
	kv      *kv.Store
	logger  *slog.Logger
	mu      sync.RWMutex
	adapters map[string]Adapter
	handler func(InboundMessage)
}

// NewManager returns an empty Manager bound to store.
func NewManager(store *kv.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{kv: store, logger: logger, adapters: make(map[string]Adapter)}
}

// OnMessage sets the single handler every registered adapter's inbound
// messages are dispatched to. Call before Register.
func (m *Manager) OnMessage(handler func(InboundMessage)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = handler
}

// Register connects adapter and wires its inbound messages through the
// manager's dispatch, which persists a reply address before calling the
// shared handler. If an adapter with the same id is already registered,
// it is disconnected first (hot reload on config change).
func (m *Manager) Register(ctx context.Context, a Adapter) error {
	m.mu.Lock()
	existing, had := m.adapters[a.ID()]
	m.mu.Unlock()
	if had {
		if err := existing.Disconnect(ctx); err != nil {
			m.logger.Warn("channels: disconnect previous adapter failed", "adapter", a.ID(), "error", err)
		}
	}

	a.OnMessage(func(msg InboundMessage) {
		m.dispatch(ctx, msg)
	})
	if err := a.Connect(ctx); err != nil {
		return fmt.Errorf("channels: connect %q: %w", a.ID(), err)
	}

	m.mu.Lock()
	m.adapters[a.ID()] = a
	m.mu.Unlock()
	return nil
}

// Unregister disconnects and removes the adapter with the given id.
func (m *Manager) Unregister(ctx context.Context, id string) error {
	m.mu.Lock()
	a, ok := m.adapters[id]
	delete(m.adapters, id)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return a.Disconnect(ctx)
}

func (m *Manager) dispatch(ctx context.Context, msg InboundMessage) {
	if m.kv != nil {
		if err := m.kv.Set(ctx, kv.PrefixReply+msg.ChannelID, msg.ChannelID, 0); err != nil {
			m.logger.Warn("channels: persist reply address failed", "channel", msg.ChannelID, "error", err)
		}
	}
	m.mu.RLock()
	handler := m.handler
	m.mu.RUnlock()
	if handler != nil {
		handler(msg)
	}
}

// ReplyAddress returns the last-known reply address for channelID, or ""
// if the channel has never been seen (e.g. a scheduled job firing before
// any inbound message arrived).
func (m *Manager) ReplyAddress(ctx context.Context, channelID string) (string, error) {
	return m.kv.Get(ctx, kv.PrefixReply+channelID)
}

// Get returns the registered adapter with id, if any.
func (m *Manager) Get(id string) (Adapter, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.adapters[id]
	return a, ok
}

// All returns every registered adapter.
func (m *Manager) All() []Adapter {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Adapter, 0, len(m.adapters))
	for _, a := range m.adapters {
		out = append(out, a)
	}
	return out
}

// HealthSnapshot reports the status of every registered adapter, keyed by
// adapter id.
func (m *Manager) HealthSnapshot() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Status, len(m.adapters))
	for id, a := range m.adapters {
		if bh, ok := a.(interface{ Status() Status }); ok {
			out[id] = bh.Status()
		} else {
			out[id] = Status{Connected: a.IsHealthy()}
		}
	}
	return out
}

// adapterFor resolves the adapter owning channelID, which is always
// prefixed "<adapterID>:<native-address>".
func (m *Manager) adapterFor(channelID string) (Adapter, bool) {
	prefix, _, found := strings.Cut(channelID, ":")
	if !found {
		return nil, false
	}
	return m.Get(prefix)
}

// SendToChannel routes text to the adapter that owns channelID.
func (m *Manager) SendToChannel(ctx context.Context, channelID, text string) error {
	a, ok := m.adapterFor(channelID)
	if !ok {
		return fmt.Errorf("channels: no adapter registered for channel %q", channelID)
	}
	return a.Send(ctx, channelID, text)
}

// SendFileToChannel routes a file send to the adapter that owns channelID.
func (m *Manager) SendFileToChannel(ctx context.Context, channelID, path, caption string) error {
	a, ok := m.adapterFor(channelID)
	if !ok {
		return fmt.Errorf("channels: no adapter registered for channel %q", channelID)
	}
	return a.SendFile(ctx, channelID, path, caption)
}

// SendTypingToChannel routes a typing indicator to the adapter that owns
// channelID. Best-effort: an unknown channel is a no-op, not an error.
func (m *Manager) SendTypingToChannel(ctx context.Context, channelID string) error {
	a, ok := m.adapterFor(channelID)
	if !ok {
		return nil
	}
	return a.SendTyping(ctx, channelID)
}

// StartTypingLoop ticks a typing indicator at interval until the returned
// stop func is called or ctx is done, giving callers "typing while a job
// runs" behaviour without threading per-adapter cadence through the
// orchestrator.
func (m *Manager) StartTypingLoop(ctx context.Context, channelID string, interval time.Duration) (stop func()) {
	loopCtx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				_ = m.SendTypingToChannel(loopCtx, channelID)
			}
		}
	}()
	return cancel
}

// StopAll disconnects every registered adapter.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.RLock()
	adapters := make([]Adapter, 0, len(m.adapters))
	for _, a := range m.adapters {
		adapters = append(adapters, a)
	}
	m.mu.RUnlock()

	var lastErr error
	for _, a := range adapters {
		if err := a.Disconnect(ctx); err != nil {
			lastErr = err
		}
	}
	return lastErr
}
