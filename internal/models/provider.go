// Package models provides the provider-agnostic chat interface and the
// weighted/priority model registry the orchestrator selects from.
package models

import (
	"context"
	"errors"

	"github.com/scalyclaw/scalyclaw/pkg/types"
)

// ToolDef describes one callable tool offered to a model in a chat turn.
type ToolDef struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON schema
}

// Request is one chat-completion call.
type Request struct {
	System      string
	Messages    []types.Message
	Tools       []ToolDef
	Temperature float64
	MaxTokens   int
}

// Response is the normalized result of a chat-completion call.
type Response struct {
	Content      string
	ToolCalls    []types.ToolCall
	InputTokens  int
	OutputTokens int
	StopReason   string
}

// Provider is implemented by each concrete LLM backend.
type Provider interface {
	Name() string
	Chat(ctx context.Context, req Request) (Response, error)
}

// ErrNoModelAvailable is returned by Registry.Select when no enabled model
// exists in either the scoped or the global pool.
var ErrNoModelAvailable = errors.New("models: no enabled model available in any pool")
