// Package systemprompt assembles the system prompt handed to every model
// call: persona files, a code-defined instructions block, the registered
// skill and agent tables, and the connected MCP server list. It is a pure
// function of disk files, the config cache, and the live registries, with
// a cache kept until something that could change its output invalidates it.
package systemprompt

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/template"

	"github.com/scalyclaw/scalyclaw/internal/mcp"
	"github.com/scalyclaw/scalyclaw/internal/registry"
	"github.com/scalyclaw/scalyclaw/pkg/types"
)

const maxTableEntries = 20

const coreInstructions = `You are ScalyClaw, a self-hosted personal-assistant runtime. You act on
behalf of the operator who deployed you, using the tools available in this
conversation. Prefer a tool call over a guess whenever one is available.
Keep replies concise unless asked to elaborate. Never fabricate the result
of a tool call you did not make.`

// Builder assembles and caches the system prompt.
type Builder struct {
	personaDir string
	reg        *registry.Registry
	mcpMgr     *mcp.Manager

	mu      sync.Mutex
	cached  string
	primed  bool
}

// New returns a Builder reading persona files from personaDir.
func New(personaDir string, reg *registry.Registry, mcpMgr *mcp.Manager) *Builder {
	return &Builder{personaDir: personaDir, reg: reg, mcpMgr: mcpMgr}
}

// Invalidate discards the cached prompt; the next Build recomputes it.
// Call this on config reload, skill change, agent change, or memory clear.
func (b *Builder) Invalidate() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.primed = false
	b.cached = ""
}

// Vars are the template variables available to persona files that use
// text/template substitution (e.g. "{{.ChannelID}}").
type Vars struct {
	ChannelID string
	UserName  string
}

// Build returns the full system prompt, using the cache when primed.
func (b *Builder) Build(ctx context.Context, vars Vars) (string, error) {
	b.mu.Lock()
	if b.primed {
		cached := b.cached
		b.mu.Unlock()
		return applyVars(cached, vars), nil
	}
	b.mu.Unlock()

	var sections []string

	for _, name := range []string{"identity.md", "soul.md", "user_personality.md"} {
		if content, ok := b.readPersonaFile(name); ok {
			sections = append(sections, content)
		}
	}

	sections = append(sections, coreInstructions)

	if content, ok := b.readPersonaFile("knowledge.md"); ok {
		sections = append(sections, "## Knowledge\n\n"+content)
	}
	if content, ok := b.readPersonaFile("extensions.md"); ok {
		sections = append(sections, "## Extensions\n\n"+content)
	}

	if b.reg != nil {
		skillsTable, err := b.buildSkillsTable(ctx)
		if err == nil && skillsTable != "" {
			sections = append(sections, skillsTable)
		}
		agentsTable, err := b.buildAgentsTable(ctx)
		if err == nil && agentsTable != "" {
			sections = append(sections, agentsTable)
		}
	}

	if b.mcpMgr != nil {
		if mcpSection := b.buildMCPSection(ctx); mcpSection != "" {
			sections = append(sections, mcpSection)
		}
	}

	prompt := strings.Join(sections, "\n\n")

	b.mu.Lock()
	b.cached = prompt
	b.primed = true
	b.mu.Unlock()

	return applyVars(prompt, vars), nil
}

// WithMemories appends a "Relevant Memories" section to an already-built
// prompt. Called per request, never cached, since memory results vary
// with the triggering message.
func WithMemories(prompt string, memories []types.Memory) string {
	if len(memories) == 0 {
		return prompt
	}
	var b strings.Builder
	b.WriteString(prompt)
	b.WriteString("\n\n## Relevant Memories\n\n")
	for _, m := range memories {
		fmt.Fprintf(&b, "- %s\n", m.Content)
	}
	return b.String()
}

func (b *Builder) readPersonaFile(name string) (string, bool) {
	raw, err := os.ReadFile(filepath.Join(b.personaDir, name))
	if err != nil {
		return "", false
	}
	content := strings.TrimSpace(string(raw))
	if content == "" {
		return "", false
	}
	return content, true
}

func applyVars(prompt string, vars Vars) string {
	if !strings.Contains(prompt, "{{") {
		return prompt
	}
	tmpl, err := template.New("systemprompt").Option("missingkey=zero").Parse(prompt)
	if err != nil {
		return prompt
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return prompt
	}
	return buf.String()
}

func (b *Builder) buildSkillsTable(ctx context.Context) (string, error) {
	skills, err := b.reg.ListSkills(ctx)
	if err != nil {
		return "", err
	}
	enabled := make([]types.SkillRegistration, 0, len(skills))
	for _, s := range skills {
		if s.Enabled {
			enabled = append(enabled, s)
		}
	}
	if len(enabled) == 0 {
		return "", nil
	}

	var out strings.Builder
	out.WriteString("## Registered Skills\n\n| id | description |\n| --- | --- |\n")
	shown := enabled
	overflow := 0
	if len(shown) > maxTableEntries {
		overflow = len(shown) - maxTableEntries
		shown = shown[:maxTableEntries]
	}
	for _, s := range shown {
		desc := s.ID
		if m, err := b.reg.GetSkillManifest(s.ID); err == nil {
			desc = m.Description
		}
		fmt.Fprintf(&out, "| %s | %s |\n", s.ID, desc)
	}
	if overflow > 0 {
		fmt.Fprintf(&out, "\n...and %d more skill(s) not shown. Ask to list them explicitly.\n", overflow)
	}
	return out.String(), nil
}

func (b *Builder) buildAgentsTable(ctx context.Context) (string, error) {
	agents, err := b.reg.ListAgents(ctx)
	if err != nil {
		return "", err
	}
	enabled := make([]types.AgentRegistration, 0, len(agents))
	for _, a := range agents {
		if a.Enabled {
			enabled = append(enabled, a)
		}
	}
	if len(enabled) == 0 {
		return "", nil
	}

	var out strings.Builder
	out.WriteString("## Registered Agents\n\n| id | description |\n| --- | --- |\n")
	shown := enabled
	overflow := 0
	if len(shown) > maxTableEntries {
		overflow = len(shown) - maxTableEntries
		shown = shown[:maxTableEntries]
	}
	for _, a := range shown {
		desc := a.ID
		if prompt, err := b.reg.GetAgentSystemPrompt(a.ID); err == nil {
			desc = firstLine(prompt)
		}
		fmt.Fprintf(&out, "| %s | %s |\n", a.ID, desc)
	}
	if overflow > 0 {
		fmt.Fprintf(&out, "\n...and %d more agent(s) not shown. Ask to list them explicitly.\n", overflow)
	}
	return out.String(), nil
}

func (b *Builder) buildMCPSection(ctx context.Context) string {
	servers := b.mcpMgr.ConnectedServers()
	if len(servers) == 0 {
		return ""
	}
	var out strings.Builder
	out.WriteString("## Connected MCP Servers\n\n")
	for _, id := range servers {
		tools, err := b.mcpMgr.ToolsFor(ctx, id)
		if err != nil || len(tools) == 0 {
			fmt.Fprintf(&out, "- %s: (no tools reported)\n", id)
			continue
		}
		names := make([]string, len(tools))
		for i, t := range tools {
			names[i] = t.Name
		}
		fmt.Fprintf(&out, "- %s: %s\n", id, strings.Join(names, ", "))
	}
	return out.String()
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimPrefix(s, "# ")
}
