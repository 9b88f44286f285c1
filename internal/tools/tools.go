// Package tools implements the dispatch table the orchestrator and agent
// runner call into: local fast tools that run in-process, and execution
// tools that are submitted to the worker-backed tools queue and awaited.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/scalyclaw/scalyclaw/internal/config"
	"github.com/scalyclaw/scalyclaw/internal/mcp"
	"github.com/scalyclaw/scalyclaw/internal/memory"
	"github.com/scalyclaw/scalyclaw/internal/queue"
	"github.com/scalyclaw/scalyclaw/internal/registry"
	"github.com/scalyclaw/scalyclaw/internal/scheduler"
	"github.com/scalyclaw/scalyclaw/internal/session"
	"github.com/scalyclaw/scalyclaw/internal/vault"
	"github.com/scalyclaw/scalyclaw/pkg/types"
)

// Built-in tool names. execute_* tools are dispatched to the tools queue;
// everything else runs locally.
const (
	ToolStoreMemory     = "store_memory"
	ToolSearchMemory    = "search_memory"
	ToolDeleteMemory    = "delete_memory"
	ToolVaultGet        = "vault_get"
	ToolVaultSet        = "vault_set"
	ToolCreateReminder  = "create_reminder"
	ToolCreateTask      = "create_task"
	ToolCancelScheduled = "cancel_scheduled"
	ToolListScheduled   = "list_scheduled"
	ToolListAgents      = "list_agents"
	ToolListSkills      = "list_skills"
	ToolSetModelEnabled = "set_model_enabled"
	ToolGetConfig       = "get_config"
	ToolCompactContext  = "compact_context"

	ToolExecuteSkill   = "execute_skill"
	ToolExecuteCode    = "execute_code"
	ToolExecuteCommand = "execute_command"

	ToolSubmitJob          = "submit_job"
	ToolSubmitParallelJobs = "submit_parallel_jobs"
)

// defaultExecutionTimeout bounds how long a caller waits on a
// queue-dispatched execution tool before giving up.
const defaultExecutionTimeout = 5 * time.Minute

// WorkerFileRef is one file a tool result points the node at, fetched from
// the originating worker's file endpoint before being relayed to the user.
type WorkerFileRef struct {
	Src  string `json:"src"`
	Dest string `json:"dest"`
}

// CallContext carries everything a handler needs: the triggering channel,
// a way to send interim output, the conversation so far (for compaction),
// the model id in use, and — for agent-scoped calls — the allow-lists the
// agent runner enforces before dispatch ever reaches here.
type CallContext struct {
	ChannelID    string
	ModelID      string
	Messages     []types.Message
	Send         func(text string)
	AllowedTools []string // nil = unrestricted (orchestrator context)
	AllowedSkills []string // nil = unrestricted
}

// Allowed reports whether name is permitted under ctx's allow-list. A nil
// list means unrestricted.
func (c CallContext) Allowed(name string) bool {
	if c.AllowedTools == nil {
		return true
	}
	for _, t := range c.AllowedTools {
		if t == name {
			return true
		}
	}
	return false
}

// SkillAllowed reports whether skillID is permitted under ctx's skill
// allow-list. A nil list means unrestricted.
func (c CallContext) SkillAllowed(skillID string) bool {
	if c.AllowedSkills == nil {
		return true
	}
	for _, s := range c.AllowedSkills {
		if s == skillID {
			return true
		}
	}
	return false
}

// Handler executes one tool call and returns its JSON-string result.
type Handler func(ctx context.Context, call CallContext, args json.RawMessage) (string, error)

// Dispatcher owns every dependency a tool handler might need and the
// table mapping tool name to Handler.
type Dispatcher struct {
	memory   *memory.Manager
	vault    *vault.Vault
	sched    *scheduler.Scheduler
	reg      *registry.Registry
	queue    *queue.Fabric
	cfg      *config.Store
	mcpMgr   *mcp.Manager
	sessions *session.Control
	handlers map[string]Handler
}

// New wires a Dispatcher and registers every built-in handler. sessions is
// optional; nil skips tracking execution-tool jobs for /stop bulk-cancel.
func New(mem *memory.Manager, vlt *vault.Vault, sched *scheduler.Scheduler, reg *registry.Registry, q *queue.Fabric, cfg *config.Store, mcpMgr *mcp.Manager, sessions *session.Control) *Dispatcher {
	d := &Dispatcher{memory: mem, vault: vlt, sched: sched, reg: reg, queue: q, cfg: cfg, mcpMgr: mcpMgr, sessions: sessions, handlers: make(map[string]Handler)}
	d.registerBuiltins()
	return d
}

// Register installs or overrides a handler for name, e.g. to wire an
// MCP-proxied or skill-defined tool discovered at runtime.
func (d *Dispatcher) Register(name string, h Handler) {
	d.handlers[name] = h
}

// Names returns every registered tool name.
func (d *Dispatcher) Names() []string {
	names := make([]string, 0, len(d.handlers))
	for n := range d.handlers {
		names = append(names, n)
	}
	return names
}

// errResult formats the tool-contract failure payload.
func errResult(err error) string {
	raw, _ := json.Marshal(map[string]string{"error": err.Error()})
	return string(raw)
}

func okResult(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return errResult(err)
	}
	return string(raw)
}

// Call dispatches name, enforcing ctx's allow-list before the handler
// ever runs, and always returns a JSON string per the tool contract.
func (d *Dispatcher) Call(ctx context.Context, call CallContext, name string, args json.RawMessage) string {
	if !call.Allowed(name) {
		return errResult(fmt.Errorf("tool %q is not permitted in this context", name))
	}
	h, ok := d.handlers[name]
	if !ok {
		return errResult(fmt.Errorf("unknown tool %q", name))
	}
	result, err := h(ctx, call, args)
	if err != nil {
		return errResult(err)
	}
	return result
}
