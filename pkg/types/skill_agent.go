package types

// SkillManifest is the parsed frontmatter of a skill bundle's manifest file.
type SkillManifest struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Script      string `yaml:"script"`
	Language    string `yaml:"language"`
	Install     string `yaml:"install,omitempty"`
}

// SkillRegistration is the state kept in the KV store for an installed skill.
type SkillRegistration struct {
	ID      string `json:"id"`
	Enabled bool   `json:"enabled"`
}

// AgentManifest is the parsed frontmatter + body of an agent bundle.
type AgentManifest struct {
	Name         string `yaml:"name"`
	Description  string `yaml:"description"`
	SystemPrompt string `yaml:"-"`
}

// AgentRegistration is the state kept in the KV store for a registered agent.
type AgentRegistration struct {
	ID            string   `json:"id"`
	Enabled       bool     `json:"enabled"`
	MaxIterations int      `json:"maxIterations"`
	Models        []string `json:"models,omitempty"`
	Skills        []string `json:"skills,omitempty"`
	Tools         []string `json:"tools,omitempty"`
	MCPServers    []string `json:"mcpServers,omitempty"`
	Immutable     bool     `json:"immutable,omitempty"`
}
