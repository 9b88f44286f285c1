// Package agentrunner runs a named agent's scoped variant of the
// orchestrator loop: a restricted tool set, a skill allow-list, and a
// periodic (rather than per-round) budget check.
package agentrunner

import (
	"context"
	"fmt"

	"github.com/scalyclaw/scalyclaw/internal/budget"
	"github.com/scalyclaw/scalyclaw/internal/mcp"
	"github.com/scalyclaw/scalyclaw/internal/models"
	"github.com/scalyclaw/scalyclaw/internal/orchestrator"
	"github.com/scalyclaw/scalyclaw/pkg/types"
)

// budgetCheckEveryRounds matches the "checkBudget every five rounds" rule.
const budgetCheckEveryRounds = 5

// Registry is the subset of registry.Registry the runner needs to resolve
// an agent's system prompt and tool/skill/MCP scoping.
type Registry interface {
	GetAgent(ctx context.Context, id string) (*types.AgentRegistration, error)
	GetAgentSystemPrompt(id string) (string, error)
}

// Runner executes agent calls by delegating to an underlying orchestrator
// configured per-call with that agent's scoping.
type Runner struct {
	orch        *orchestrator.Orchestrator
	reg         Registry
	mcp         *mcp.Manager
	budgetCheck func(ctx context.Context) (budget.Status, error)
}

// New returns a Runner that delegates to orch. budgetCheck is optional;
// nil means the periodic budget check never stops a run.
func New(orch *orchestrator.Orchestrator, reg Registry, mcpMgr *mcp.Manager, budgetCheck func(ctx context.Context) (budget.Status, error)) *Runner {
	return &Runner{orch: orch, reg: reg, mcp: mcpMgr, budgetCheck: budgetCheck}
}

// Input parameterizes one agent invocation.
type Input struct {
	AgentID  string
	ChannelID string
	UserText string
	Send     func(text string)
}

// Run resolves agentID's registration and system prompt, then runs the
// orchestrator loop scoped to its tools/skills/mcpServers.
func (r *Runner) Run(ctx context.Context, in Input) (string, error) {
	agent, err := r.reg.GetAgent(ctx, in.AgentID)
	if err != nil {
		return "", fmt.Errorf("agentrunner: load agent %q: %w", in.AgentID, err)
	}
	if agent == nil {
		return "", fmt.Errorf("agentrunner: no such agent %q", in.AgentID)
	}
	if !agent.Enabled {
		return "", fmt.Errorf("agentrunner: agent %q is disabled", in.AgentID)
	}

	systemPrompt, err := r.reg.GetAgentSystemPrompt(in.AgentID)
	if err != nil {
		return "", fmt.Errorf("agentrunner: load system prompt for %q: %w", in.AgentID, err)
	}

	toolDefs := r.buildAgentToolDefs(ctx, agent)

	rounds := 0
	stopPredicate := func() orchestrator.StopReason {
		rounds++
		if r.budgetCheck == nil || rounds%budgetCheckEveryRounds != 0 {
			return orchestrator.StopNone
		}
		status, err := r.budgetCheck(ctx)
		if err == nil && !status.Allowed {
			return orchestrator.StopBudget
		}
		return orchestrator.StopNone
	}

	return r.orch.Run(ctx, orchestrator.Input{
		ChannelID:            in.ChannelID,
		UserText:             in.UserText,
		Send:                 in.Send,
		StopPredicate:        stopPredicate,
		AllowedTools:         agent.Tools,
		AllowedSkills:        agent.Skills,
		ToolDefs:             toolDefs,
		UsageType:            types.UsageAgent,
		AgentID:              in.AgentID,
		SystemPromptOverride: systemPrompt,
	})
}

// buildAgentToolDefs assembles the native tool set plus any tools exposed
// by MCP servers the agent is permitted to reach.
func (r *Runner) buildAgentToolDefs(ctx context.Context, agent *types.AgentRegistration) []models.ToolDef {
	defs := make([]models.ToolDef, 0, len(agent.Tools))
	for _, name := range agent.Tools {
		defs = append(defs, models.ToolDef{Name: name, Description: name, Parameters: map[string]any{"type": "object"}})
	}
	if r.mcp == nil || len(agent.MCPServers) == 0 {
		return defs
	}
	toolsByKey, err := r.mcp.ToolsForServers(ctx, agent.MCPServers)
	if err != nil {
		return defs
	}
	for key, t := range toolsByKey {
		defs = append(defs, models.ToolDef{Name: key, Description: t.Description, Parameters: t.InputSchema})
	}
	return defs
}
