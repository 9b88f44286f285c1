// Package orchestrator implements the stateful tool-calling loop: select a
// model, build its system prompt and trimmed history, let it call tools
// across bounded iterations, and return the final assistant text.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scalyclaw/scalyclaw/internal/budget"
	"github.com/scalyclaw/scalyclaw/internal/config"
	"github.com/scalyclaw/scalyclaw/internal/models"
	"github.com/scalyclaw/scalyclaw/internal/systemprompt"
	"github.com/scalyclaw/scalyclaw/internal/tools"
	"github.com/scalyclaw/scalyclaw/pkg/types"
)

// HistoryStore is the subset of storage.Store the loop reads history from
// and records usage to.
type HistoryStore interface {
	GetChannelMessages(ctx context.Context, channelID string, limit int) ([]types.Message, error)
	RecordUsage(ctx context.Context, u types.UsageLog) error
}

// ConfigSource is the subset of config.Store the loop reads from.
type ConfigSource interface {
	GetConfigRef() config.Doc
}

// ModelSelector is the subset of models.Registry the loop uses to pick a
// provider for the current round.
type ModelSelector interface {
	Select(scoped []string, modelsCfg config.ModelsConfig) (string, error)
	Lookup(modelID string) (models.Provider, bool)
}

// MemorySearcher is the subset of memory.Manager the loop searches.
type MemorySearcher interface {
	SearchMemory(ctx context.Context, query string, opts types.MemorySearchOptions) ([]types.MemorySearchResult, error)
}

// PromptBuilder is the subset of systemprompt.Builder the loop calls.
type PromptBuilder interface {
	Build(ctx context.Context, vars systemprompt.Vars) (string, error)
}

// ToolCaller is the subset of tools.Dispatcher the loop dispatches through.
type ToolCaller interface {
	Names() []string
	Call(ctx context.Context, call tools.CallContext, name string, args json.RawMessage) string
}

// ActivityRecorder is optional; when set, a run with real user text marks
// its channel as active so the proactive engine's idle-channel sweep skips
// it for now.
type ActivityRecorder interface {
	RecordActivity(ctx context.Context, channelID string) error
}

// charsPerToken approximates tokens from character counts when trimming
// history against a model's context window, recalibrated once real token
// counts are available after the first round.
const charsPerToken = 3.5

// historyLimit bounds how many recent messages are fetched per channel
// before char-budget trimming narrows that further.
const historyLimit = 200

// StopReason is the outcome a stop predicate or the loop itself can signal.
type StopReason string

const (
	StopNone      StopReason = ""
	StopCancelled StopReason = "cancelled"
	StopBudget    StopReason = "budget"
)

// Deps bundles every subsystem the orchestrator reads from or calls into.
type Deps struct {
	Storage  HistoryStore
	Config   ConfigSource
	Registry ModelSelector
	Memory   MemorySearcher
	Prompt   PromptBuilder
	Tools    ToolCaller
	Logger   *slog.Logger
	Activity ActivityRecorder

	// BudgetCheck is optional; nil means budget is never consulted.
	BudgetCheck func(ctx context.Context) (budget.Status, error)
}

// Input parameterizes one orchestrator run.
type Input struct {
	ChannelID       string
	UserText        string
	Send            func(text string)
	RoundComplete   func()
	StopPredicate   func() StopReason
	Abort           <-chan struct{}
	AllowedTools    []string // nil = unrestricted; used by the agent runner
	AllowedSkills   []string
	ToolDefs        []models.ToolDef // nil = discover from tools.Dispatcher
	UsageType       types.UsageCallType
	AgentID         string

	// SystemPromptOverride, when set, replaces the persona-file prompt
	// entirely (used by the agent runner, whose system prompt comes from
	// the agent's own bundle rather than identity/soul/personality files).
	SystemPromptOverride string
}

// Orchestrator runs the tool-calling loop described above.
type Orchestrator struct {
	deps Deps
}

// New returns an Orchestrator bound to deps.
func New(deps Deps) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Orchestrator{deps: deps}
}

func aborted(abort <-chan struct{}) bool {
	if abort == nil {
		return false
	}
	select {
	case <-abort:
		return true
	default:
		return false
	}
}

// Run executes the full protocol and returns the final assistant text.
func (o *Orchestrator) Run(ctx context.Context, in Input) (string, error) {
	usageType := in.UsageType
	if usageType == "" {
		usageType = types.UsageOrchestrator
	}

	if o.deps.BudgetCheck != nil {
		status, err := o.deps.BudgetCheck(ctx)
		if err == nil && !status.Allowed {
			return "", fmt.Errorf("orchestrator: budget limit reached, spend is paused")
		}
	}

	cfg := o.deps.Config.GetConfigRef()

	if in.UserText != "" && o.deps.Activity != nil {
		if err := o.deps.Activity.RecordActivity(ctx, in.ChannelID); err != nil {
			o.deps.Logger.Warn("orchestrator: record activity failed", "error", err)
		}
	}

	var systemPrompt string
	var mems []types.MemorySearchResult
	var wg sync.WaitGroup
	if in.SystemPromptOverride != "" {
		systemPrompt = in.SystemPromptOverride
	} else {
		wg.Add(1)
		go func() {
			defer wg.Done()
			prompt, err := o.deps.Prompt.Build(ctx, systemprompt.Vars{ChannelID: in.ChannelID})
			if err != nil {
				o.deps.Logger.Warn("orchestrator: system prompt build failed", "error", err)
			}
			systemPrompt = prompt
		}()
	}
	if len(in.UserText) >= 10 && o.deps.Memory != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results, err := o.deps.Memory.SearchMemory(ctx, in.UserText, types.MemorySearchOptions{TopK: 5})
			if err != nil {
				o.deps.Logger.Warn("orchestrator: memory search failed", "error", err)
				return
			}
			mems = results
		}()
	}
	wg.Wait()

	if len(mems) > 0 {
		memObjs := make([]types.Memory, len(mems))
		for i, m := range mems {
			memObjs[i] = m.Memory
		}
		systemPrompt = systemprompt.WithMemories(systemPrompt, memObjs)
	}

	history, err := o.deps.Storage.GetChannelMessages(ctx, in.ChannelID, historyLimit)
	if err != nil {
		return "", fmt.Errorf("orchestrator: load channel history: %w", err)
	}

	modelID, err := o.deps.Registry.Select(cfg.Orchestrator.ModelPool, cfg.Models)
	if err != nil {
		return "", fmt.Errorf("orchestrator: model selection failed: %w", err)
	}
	provider, ok := o.deps.Registry.Lookup(modelID)
	if !ok {
		return "", fmt.Errorf("orchestrator: no provider bound for model %q", modelID)
	}

	contextWindow := models.ContextWindowFor(modelID, cfg.Models)
	charBudget := int(float64(contextWindow) * charsPerToken)
	messages := trimHistory(history, charBudget)

	toolDefs := in.ToolDefs
	if toolDefs == nil && o.deps.Tools != nil {
		toolDefs = builtinToolDefs(o.deps.Tools.Names())
	}

	maxIterations := cfg.Orchestrator.MaxIterations
	if maxIterations <= 0 {
		maxIterations = 12
	}

	var finalContent string
	var lastProgressText string
	var totalInputTokens, totalOutputTokens int
	remainingCharBudget := charBudget

	for round := 0; round < maxIterations; round++ {
		if aborted(in.Abort) {
			break
		}

		resp, err := provider.Chat(ctx, models.Request{
			System:   systemPrompt,
			Messages: messages,
			Tools:    toolDefs,
			MaxTokens: 4096,
		})
		if err != nil {
			return "", fmt.Errorf("orchestrator: chat completion failed: %w", err)
		}

		totalInputTokens += resp.InputTokens
		totalOutputTokens += resp.OutputTokens
		if round == 0 && resp.InputTokens > 0 {
			// Calibrate the remaining budget against the real token count
			// reported for round one, instead of the char approximation.
			used := int(float64(resp.InputTokens) * charsPerToken)
			remainingCharBudget = charBudget - used
		}

		if len(resp.ToolCalls) == 0 {
			finalContent = resp.Content
			break
		}

		if totalInputTokens*int(charsPerToken) > charBudget {
			finalContent = resp.Content
			break
		}

		narration := resp.Content
		if narration == "" {
			narration = narrateToolCalls(resp.ToolCalls)
		}
		if narration != "" && narration != lastProgressText && in.Send != nil {
			in.Send(narration)
			lastProgressText = narration
		}

		assistantMsg := types.Message{
			Channel:   in.ChannelID,
			Role:      types.RoleAssistant,
			Content:   resp.Content,
			Metadata:  map[string]any{"toolCalls": resp.ToolCalls},
			CreatedAt: time.Now(),
		}
		messages = append(messages, assistantMsg)

		results := o.executeToolCalls(ctx, in, resp.ToolCalls, messages)
		for _, tr := range results {
			truncated := truncateToBudget(tr.result, remainingCharBudget)
			remainingCharBudget -= len(truncated)
			messages = append(messages, types.Message{
				Channel:   in.ChannelID,
				Role:      types.RoleTool,
				Content:   truncated,
				Metadata:  map[string]any{"toolCallId": tr.id},
				CreatedAt: time.Now(),
			})
		}

		if in.RoundComplete != nil {
			in.RoundComplete()
		}
		if in.StopPredicate != nil {
			if reason := in.StopPredicate(); reason == StopCancelled || reason == StopBudget {
				break
			}
		}
	}

	if o.deps.Storage != nil {
		_ = o.deps.Storage.RecordUsage(ctx, types.UsageLog{
			Timestamp:    time.Now(),
			Model:        models.ModelNameFor(modelID),
			Provider:     models.ProviderNameFor(modelID),
			InputTokens:  totalInputTokens,
			OutputTokens: totalOutputTokens,
			Type:         usageType,
			AgentID:      in.AgentID,
			ChannelID:    in.ChannelID,
		})
	}

	o.deps.Logger.Info("orchestrator: run complete",
		"channel", in.ChannelID, "inputTokens", totalInputTokens, "outputTokens", totalOutputTokens)

	if finalContent != "" && finalContent == lastProgressText {
		return "", nil
	}
	return finalContent, nil
}

type toolResult struct {
	id     string
	result string
}

// executeToolCalls runs every call concurrently and returns results in the
// same order the calls were issued, so correlation ids line up.
func (o *Orchestrator) executeToolCalls(ctx context.Context, in Input, calls []types.ToolCall, messages []types.Message) []toolResult {
	results := make([]toolResult, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call types.ToolCall) {
			defer wg.Done()
			id := call.ID
			if id == "" {
				id = uuid.NewString()
			}
			if o.deps.Tools == nil {
				results[i] = toolResult{id: id, result: `{"error":"tools are not available in this context"}`}
				return
			}
			callCtx := tools.CallContext{
				ChannelID:     in.ChannelID,
				Messages:      messages,
				Send:          in.Send,
				AllowedTools:  in.AllowedTools,
				AllowedSkills: in.AllowedSkills,
			}
			result := o.deps.Tools.Call(ctx, callCtx, call.Name, call.Input)
			results[i] = toolResult{id: id, result: result}
		}(i, call)
	}
	wg.Wait()
	return results
}

func truncateToBudget(s string, budget int) string {
	if budget <= 0 {
		return ""
	}
	if len(s) <= budget {
		return s
	}
	return s[:budget]
}

// narrateToolCalls builds a deterministic one-line summary of a round's
// tool calls when the model itself produced no narration text.
func narrateToolCalls(calls []types.ToolCall) string {
	if len(calls) == 0 {
		return ""
	}
	parts := make([]string, 0, len(calls))
	for _, c := range calls {
		parts = append(parts, narrateOne(c))
	}
	return strings.Join(parts, "; ")
}

func narrateOne(c types.ToolCall) string {
	switch c.Name {
	case tools.ToolSearchMemory:
		var a struct {
			Query string `json:"query"`
		}
		_ = json.Unmarshal(c.Input, &a)
		return fmt.Sprintf("Searching memory for %q", a.Query)
	case tools.ToolCreateReminder:
		return "Scheduling a reminder"
	case tools.ToolCreateTask:
		return "Scheduling a task"
	case tools.ToolExecuteSkill:
		var a struct {
			Skill string `json:"skill"`
		}
		_ = json.Unmarshal(c.Input, &a)
		if a.Skill != "" {
			return fmt.Sprintf("Running `%s`", a.Skill)
		}
		return "Running a skill"
	default:
		return fmt.Sprintf("Running `%s`", c.Name)
	}
}

// trimHistory drops from the oldest end of history until it fits within
// budget characters, never splitting an assistant-with-tool-calls turn
// from the tool results that answer it, and never leaving an orphan tool
// result at the head of the kept slice.
func trimHistory(history []types.Message, budget int) []types.Message {
	total := 0
	for _, m := range history {
		total += len(m.Content)
	}
	if total <= budget || len(history) == 0 {
		return history
	}

	start := 0
	for start < len(history) && total > budget {
		total -= len(history[start].Content)
		start++
	}
	for start < len(history) && history[start].Role == types.RoleTool {
		start++
	}
	return history[start:]
}

func builtinToolDefs(names []string) []models.ToolDef {
	sort.Strings(names)
	defs := make([]models.ToolDef, len(names))
	for i, n := range names {
		defs[i] = models.ToolDef{Name: n, Description: n, Parameters: map[string]any{"type": "object"}}
	}
	return defs
}
