package orchestrator

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/scalyclaw/scalyclaw/internal/budget"
	"github.com/scalyclaw/scalyclaw/internal/config"
	"github.com/scalyclaw/scalyclaw/internal/models"
	"github.com/scalyclaw/scalyclaw/internal/systemprompt"
	"github.com/scalyclaw/scalyclaw/internal/tools"
	"github.com/scalyclaw/scalyclaw/pkg/types"
)

type fakeStorage struct {
	history     []types.Message
	recorded    []types.UsageLog
}

func (f *fakeStorage) GetChannelMessages(ctx context.Context, channelID string, limit int) ([]types.Message, error) {
	return f.history, nil
}

func (f *fakeStorage) RecordUsage(ctx context.Context, u types.UsageLog) error {
	f.recorded = append(f.recorded, u)
	return nil
}

type fakeConfig struct {
	doc config.Doc
}

func (f fakeConfig) GetConfigRef() config.Doc { return f.doc }

type fakeRegistry struct {
	modelID  string
	provider models.Provider
	selErr   error
}

func (f fakeRegistry) Select(scoped []string, modelsCfg config.ModelsConfig) (string, error) {
	if f.selErr != nil {
		return "", f.selErr
	}
	return f.modelID, nil
}

func (f fakeRegistry) Lookup(modelID string) (models.Provider, bool) {
	if f.provider == nil {
		return nil, false
	}
	return f.provider, true
}

type fakeProvider struct {
	responses []models.Response
	calls     int
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Chat(ctx context.Context, req models.Request) (models.Response, error) {
	resp := f.responses[f.calls]
	if f.calls < len(f.responses)-1 {
		f.calls++
	}
	return resp, nil
}

type fakePrompt struct{ prompt string }

func (f fakePrompt) Build(ctx context.Context, vars systemprompt.Vars) (string, error) {
	return f.prompt, nil
}

type fakeTools struct {
	names   []string
	results map[string]string
	calls   []string
}

func (f *fakeTools) Names() []string { return f.names }

func (f *fakeTools) Call(ctx context.Context, call tools.CallContext, name string, args json.RawMessage) string {
	f.calls = append(f.calls, name)
	if r, ok := f.results[name]; ok {
		return r
	}
	return `{"error":"no such tool"}`
}

func TestRun_NoToolCalls_ReturnsFinalContent(t *testing.T) {
	provider := &fakeProvider{responses: []models.Response{
		{Content: "hello there", InputTokens: 10, OutputTokens: 5},
	}}
	o := New(Deps{
		Storage:  &fakeStorage{},
		Config:   fakeConfig{doc: config.Defaults()},
		Registry: fakeRegistry{modelID: "anthropic:claude", provider: provider},
		Prompt:   fakePrompt{prompt: "be nice"},
	})
	out, err := o.Run(context.Background(), Input{ChannelID: "c1", UserText: "hi"})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if out != "hello there" {
		t.Fatalf("Run() = %q", out)
	}
}

func TestRun_ToolCallThenFinalContent(t *testing.T) {
	toolCall := types.ToolCall{ID: "tc1", Name: "search_memory", Input: json.RawMessage(`{"query":"x"}`)}
	provider := &fakeProvider{responses: []models.Response{
		{ToolCalls: []types.ToolCall{toolCall}, InputTokens: 10, OutputTokens: 5},
		{Content: "done", InputTokens: 10, OutputTokens: 5},
	}}
	toolDispatcher := &fakeTools{names: []string{"search_memory"}, results: map[string]string{"search_memory": `{"results":[]}`}}
	o := New(Deps{
		Storage:  &fakeStorage{},
		Config:   fakeConfig{doc: config.Defaults()},
		Registry: fakeRegistry{modelID: "anthropic:claude", provider: provider},
		Prompt:   fakePrompt{prompt: "be nice"},
		Tools:    toolDispatcher,
	})
	out, err := o.Run(context.Background(), Input{ChannelID: "c1", UserText: "hi there"})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if out != "done" {
		t.Fatalf("Run() = %q", out)
	}
	if len(toolDispatcher.calls) != 1 || toolDispatcher.calls[0] != "search_memory" {
		t.Fatalf("expected search_memory to be called, got %v", toolDispatcher.calls)
	}
}

func TestRun_EmptyFinalContent_NoPlaceboMessage(t *testing.T) {
	toolCall := types.ToolCall{ID: "tc1", Name: "noop", Input: json.RawMessage(`{}`)}
	responses := make([]models.Response, 0, 13)
	for i := 0; i < 13; i++ {
		responses = append(responses, models.Response{ToolCalls: []types.ToolCall{toolCall}})
	}
	provider := &fakeProvider{responses: responses}
	toolDispatcher := &fakeTools{names: []string{"noop"}, results: map[string]string{"noop": `{}`}}
	cfg := config.Defaults()
	cfg.Orchestrator.MaxIterations = 3
	o := New(Deps{
		Storage:  &fakeStorage{},
		Config:   fakeConfig{doc: cfg},
		Registry: fakeRegistry{modelID: "anthropic:claude", provider: provider},
		Prompt:   fakePrompt{},
		Tools:    toolDispatcher,
	})
	out, err := o.Run(context.Background(), Input{ChannelID: "c1"})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if out != "" {
		t.Fatalf("expected empty final content after hitting iteration cap with no text, got %q", out)
	}
}

func TestRun_BudgetDenied_FailsFast(t *testing.T) {
	o := New(Deps{
		Storage: &fakeStorage{},
		Config:  fakeConfig{doc: config.Defaults()},
		BudgetCheck: func(ctx context.Context) (budget.Status, error) {
			return budget.Status{Allowed: false}, nil
		},
	})
	_, err := o.Run(context.Background(), Input{ChannelID: "c1"})
	if err == nil {
		t.Fatalf("expected error when budget denies the run")
	}
}

func TestRun_ModelSelectionFails_ReturnsActionableError(t *testing.T) {
	o := New(Deps{
		Storage:  &fakeStorage{},
		Config:   fakeConfig{doc: config.Defaults()},
		Registry: fakeRegistry{selErr: models.ErrNoModelAvailable},
		Prompt:   fakePrompt{},
	})
	_, err := o.Run(context.Background(), Input{ChannelID: "c1"})
	if err == nil {
		t.Fatalf("expected error when model selection fails")
	}
}

func TestRun_RecordsUsageOnce(t *testing.T) {
	provider := &fakeProvider{responses: []models.Response{{Content: "hi", InputTokens: 3, OutputTokens: 2}}}
	storage := &fakeStorage{}
	o := New(Deps{
		Storage:  storage,
		Config:   fakeConfig{doc: config.Defaults()},
		Registry: fakeRegistry{modelID: "anthropic:claude", provider: provider},
		Prompt:   fakePrompt{},
	})
	if _, err := o.Run(context.Background(), Input{ChannelID: "c1"}); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(storage.recorded) != 1 {
		t.Fatalf("expected exactly one usage record, got %d", len(storage.recorded))
	}
	if storage.recorded[0].Type != types.UsageOrchestrator {
		t.Fatalf("expected orchestrator usage type, got %q", storage.recorded[0].Type)
	}
}

func TestTrimHistory_NeverLeavesOrphanToolResultAtHead(t *testing.T) {
	history := []types.Message{
		{Role: types.RoleAssistant, Content: "some very long assistant turn with tool calls"},
		{Role: types.RoleTool, Content: "a tool result that answers it"},
		{Role: types.RoleUser, Content: "ok thanks"},
	}
	trimmed := trimHistory(history, 10)
	if len(trimmed) > 0 && trimmed[0].Role == types.RoleTool {
		t.Fatalf("expected no orphan tool result at head, got %+v", trimmed)
	}
}

func TestNarrateToolCalls_Deterministic(t *testing.T) {
	calls := []types.ToolCall{{Name: "search_memory", Input: json.RawMessage(`{"query":"weather"}`)}}
	got := narrateToolCalls(calls)
	want := `Searching memory for "weather"`
	if got != want {
		t.Fatalf("narrateToolCalls() = %q, want %q", got, want)
	}
}
