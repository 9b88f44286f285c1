// Package channels implements the adapter contract and manager that
// connect outside messaging platforms to the orchestrator: a normalised
// inbound message shape, per-adapter health/status, and hot-reloadable
// registration keyed by adapter id.
package channels

import (
	"context"
	"sync"
	"time"
)

// AttachmentType identifies the kind of file carried by an inbound message.
type AttachmentType string

const (
	AttachmentPhoto    AttachmentType = "photo"
	AttachmentDocument AttachmentType = "document"
	AttachmentAudio    AttachmentType = "audio"
	AttachmentVideo    AttachmentType = "video"
	AttachmentVoice    AttachmentType = "voice"
)

// Attachment describes one file carried alongside an inbound message.
type Attachment struct {
	Type     AttachmentType
	FilePath string
	FileName string
	MimeType string
	FileSize int64
}

// InboundMessage is the normalised shape every adapter emits.
type InboundMessage struct {
	ChannelID   string
	Text        string
	Attachments []Attachment
	Timestamp   time.Time
}

// Adapter is the minimal contract a channel connector implements, per the
// external channel adapter contract: connect/disconnect lifecycle, a
// handful of outbound send variants, and inbound delivery via callback.
type Adapter interface {
	ID() string
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Send(ctx context.Context, channelID, text string) error
	SendFile(ctx context.Context, channelID, path, caption string) error
	SendTyping(ctx context.Context, channelID string) error
	IsHealthy() bool
	OnMessage(handler func(InboundMessage))
}

// Status is the externally-reported connection status of an adapter.
type Status struct {
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
	LastPing  int64  `json:"lastPing,omitempty"`
}

// BaseHealth provides the shared connected/error/lastPing bookkeeping every
// adapter embeds rather than re-implementing.
type BaseHealth struct {
	mu     sync.RWMutex
	status Status
}

// SetStatus updates the adapter's connection status and stamps lastPing.
func (b *BaseHealth) SetStatus(connected bool, errMsg string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = Status{Connected: connected, Error: errMsg, LastPing: time.Now().Unix()}
}

// Status returns a copy of the current status.
func (b *BaseHealth) Status() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status
}

// IsHealthy reports connected-with-no-error.
func (b *BaseHealth) IsHealthy() bool {
	s := b.Status()
	return s.Connected && s.Error == ""
}
