// Package guard implements the fail-closed safety checks that sit in front
// of outbound/inbound text, skill installs, and agent registrations: an
// echo-similarity check and three JSON-contract LLM checks, plus a
// deterministic command shield that needs no model call at all.
package guard

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/scalyclaw/scalyclaw/internal/config"
	"github.com/scalyclaw/scalyclaw/internal/models"
	"github.com/scalyclaw/scalyclaw/pkg/types"
)

// Verdict is the normalized result of any guard check.
type Verdict struct {
	Safe    bool     `json:"safe"`
	Reason  string   `json:"reason"`
	Threats []string `json:"threats,omitempty"`
}

// UsageRecorder is the subset of storage.Store guards need.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, u types.UsageLog) error
}

// Pipeline runs guard checks against the configured guard model. All
// internal failures (no model available, malformed response, call error)
// are treated as unsafe: guards fail closed.
type Pipeline struct {
	registry *models.Registry
	config   *config.Store
	usage    UsageRecorder
}

// New returns a Pipeline bound to registry, config, and usage.
func New(registry *models.Registry, cfg *config.Store, usage UsageRecorder) *Pipeline {
	return &Pipeline{registry: registry, config: cfg, usage: usage}
}

// selectModel picks a model from the global enabled pool via
// Registry.Select; guard checks have no scoped pool of their own.
func (p *Pipeline) selectModel() (string, models.Provider, error) {
	cfg := p.config.GetConfigRef()
	modelID, err := p.registry.Select(nil, cfg.Models)
	if err != nil {
		return "", nil, fmt.Errorf("guard: select model: %w", err)
	}
	provider, ok := p.registry.Lookup(modelID)
	if !ok {
		return "", nil, fmt.Errorf("guard: no provider bound for %q", modelID)
	}
	return modelID, provider, nil
}

// callGuardModel runs one completion for a guard check and records usage
// with type=guard. The channelID is optional context for the usage row.
func (p *Pipeline) callGuardModel(ctx context.Context, channelID, system, input string) (string, error) {
	modelID, provider, err := p.selectModel()
	if err != nil {
		return "", err
	}

	resp, err := provider.Chat(ctx, models.Request{
		System:    system,
		Messages:  []types.Message{{Role: types.RoleUser, Content: input}},
		MaxTokens: 1024,
	})
	if err != nil {
		return "", fmt.Errorf("guard: chat call: %w", err)
	}

	if p.usage != nil {
		_ = p.usage.RecordUsage(ctx, types.UsageLog{
			Model:        models.ModelNameFor(modelID),
			Provider:     models.ProviderNameFor(modelID),
			InputTokens:  resp.InputTokens,
			OutputTokens: resp.OutputTokens,
			Type:         types.UsageGuard,
			ChannelID:    channelID,
		})
	}
	return resp.Content, nil
}

// parseVerdict strips markdown fencing and parses the first JSON object in
// raw as a Verdict. Any malformed or missing object is treated as unsafe.
func parseVerdict(raw string) (Verdict, error) {
	body := stripMarkdownFence(raw)
	start := strings.IndexByte(body, '{')
	if start < 0 {
		return Verdict{}, fmt.Errorf("guard: no JSON object in response")
	}
	end := matchingBrace(body, start)
	if end < 0 {
		return Verdict{}, fmt.Errorf("guard: unbalanced JSON object in response")
	}

	var v Verdict
	if err := json.Unmarshal([]byte(body[start:end+1]), &v); err != nil {
		return Verdict{}, fmt.Errorf("guard: parse verdict: %w", err)
	}
	return v, nil
}

func stripMarkdownFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// matchingBrace returns the index of the brace matching the one at open, or
// -1 if the braces in s starting at open are unbalanced.
func matchingBrace(s string, open int) int {
	depth := 0
	inString := false
	escaped := false
	for i := open; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
