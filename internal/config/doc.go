package config

import (
	"encoding/json"
	"fmt"
)

// Doc is the single validated JSON document kept at kv.PrefixConfig.
// The channels section is a free-form dynamic record, preserved verbatim
// through the deep-merge below. Top-level keys outside these fields are
// not decoded: Extra carries the json:"-" tag, so such keys are dropped
// on load and save.
type Doc struct {
	Orchestrator OrchestratorConfig     `json:"orchestrator"`
	Gateway      GatewayConfig          `json:"gateway"`
	Logs         LogsConfig             `json:"logs"`
	Memory       MemoryConfig           `json:"memory"`
	Queue        QueueConfig            `json:"queue"`
	Models       ModelsConfig           `json:"models"`
	Guards       GuardsConfig           `json:"guards"`
	Budget       *BudgetConfig          `json:"budget,omitempty"`
	Proactive    *ProactiveConfig       `json:"proactive,omitempty"`
	Channels     map[string]any         `json:"channels,omitempty"`
	Extra        map[string]json.RawMessage `json:"-"`
}

// OrchestratorConfig configures the tool-calling loop.
type OrchestratorConfig struct {
	MaxIterations int      `json:"maxIterations"`
	ModelPool     []string `json:"modelPool,omitempty"`
}

// GatewayConfig carries the gateway auth fields, which must never be
// mutated through the generic update path, plus the bind port.
type GatewayConfig struct {
	Port            int    `json:"port"`
	AuthType        string `json:"authType,omitempty"`
	AuthValue       string `json:"authValue,omitempty"`
	SlackWebhookURL string `json:"slackWebhookUrl,omitempty"`
}

// LogsConfig configures the leveled/structured logger.
type LogsConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// MemoryConfig configures the memory engine's search defaults.
type MemoryConfig struct {
	Enabled           bool    `json:"enabled"`
	EmbeddingDimension int    `json:"embeddingDimension"`
	ScoreThreshold    float64 `json:"scoreThreshold"`
}

// QueueConfig configures default retry policy for the queue fabric.
type QueueConfig struct {
	DefaultAttempts int `json:"defaultAttempts"`
	DefaultBackoffMs int `json:"defaultBackoffMs"`
}

// ModelEntry is one entry in the weighted/priority model pool.
type ModelEntry struct {
	ID       string `json:"id"` // "<provider>:<model>"
	Provider string `json:"provider"`
	Enabled  bool   `json:"enabled"`
	Priority int    `json:"priority"`
	Weight   int    `json:"weight"`
	APIKey   string `json:"apiKey,omitempty"`
	ContextWindow int `json:"contextWindow"`
}

// ModelsConfig configures the model registry.
type ModelsConfig struct {
	Models          []ModelEntry `json:"models"`
	EmbeddingModels []ModelEntry `json:"embeddingModels"`
}

// GuardsConfig configures the guard pipeline thresholds.
type GuardsConfig struct {
	EchoThreshold   float64  `json:"echoThreshold"`
	DeniedPatterns  []string `json:"deniedPatterns,omitempty"`
	AllowedPatterns []string `json:"allowedPatterns,omitempty"`
}

// BudgetConfig configures spend limits and alert thresholds.
type BudgetConfig struct {
	DailyLimit      float64 `json:"dailyLimit,omitempty"`
	MonthlyLimit    float64 `json:"monthlyLimit,omitempty"`
	HardLimit       bool    `json:"hardLimit"`
	AlertThresholds []int   `json:"alertThresholds,omitempty"` // percentages
}

// ProactiveConfig configures the idle-channel follow-up engine.
type ProactiveConfig struct {
	Enabled             bool   `json:"enabled"`
	CronPattern         string `json:"cronPattern"`
	IdleThresholdMinutes int   `json:"idleThresholdMinutes"`
	QuietHoursStart     string `json:"quietHoursStart,omitempty"`
	QuietHoursEnd       string `json:"quietHoursEnd,omitempty"`
	Timezone            string `json:"timezone,omitempty"`
	MaxPerDay            int    `json:"maxPerDay"`
	CooldownMinutes      int    `json:"cooldownMinutes"`
}

// Defaults returns the built-in defaults table merged beneath a loaded
// document.
func Defaults() Doc {
	return Doc{
		Orchestrator: OrchestratorConfig{MaxIterations: 12},
		Gateway:      GatewayConfig{Port: 8089},
		Logs:         LogsConfig{Level: "info", Format: "json"},
		Memory:       MemoryConfig{Enabled: true, EmbeddingDimension: 1536, ScoreThreshold: 0.5},
		Queue:        QueueConfig{DefaultAttempts: 3, DefaultBackoffMs: 2000},
		Models:       ModelsConfig{Models: []ModelEntry{}, EmbeddingModels: []ModelEntry{}},
		Guards:       GuardsConfig{EchoThreshold: 0.9},
	}
}

// Validate checks that every required config section is present and sane.
func Validate(d Doc) error {
	if d.Orchestrator.MaxIterations <= 0 {
		return fmt.Errorf("config: orchestrator.maxIterations must be positive")
	}
	if d.Gateway.Port <= 0 {
		return fmt.Errorf("config: gateway.port must be numeric and positive")
	}
	if d.Logs.Level == "" {
		return fmt.Errorf("config: logs.level is required")
	}
	if d.Queue.DefaultAttempts <= 0 {
		return fmt.Errorf("config: queue.defaultAttempts must be positive")
	}
	if d.Models.Models == nil {
		return fmt.Errorf("config: models.models[] is required (may be empty, not nil)")
	}
	if d.Models.EmbeddingModels == nil {
		return fmt.Errorf("config: models.embeddingModels[] is required (may be empty, not nil)")
	}
	if d.Guards.EchoThreshold <= 0 || d.Guards.EchoThreshold > 1 {
		return fmt.Errorf("config: guards.echoThreshold must be in (0, 1]")
	}
	return nil
}

const redactedValue = "***"

// Redact returns a deep copy of d with provider API keys and gateway auth
// values masked, for safe external exposure.
func Redact(d Doc) Doc {
	out := d
	out.Gateway.AuthType = d.Gateway.AuthType
	if d.Gateway.AuthValue != "" {
		out.Gateway.AuthValue = redactedValue
	}
	if d.Gateway.SlackWebhookURL != "" {
		out.Gateway.SlackWebhookURL = redactedValue
	}
	out.Models.Models = make([]ModelEntry, len(d.Models.Models))
	for i, m := range d.Models.Models {
		out.Models.Models[i] = m
		if m.APIKey != "" {
			out.Models.Models[i].APIKey = redactedValue
		}
	}
	out.Models.EmbeddingModels = make([]ModelEntry, len(d.Models.EmbeddingModels))
	for i, m := range d.Models.EmbeddingModels {
		out.Models.EmbeddingModels[i] = m
		if m.APIKey != "" {
			out.Models.EmbeddingModels[i].APIKey = redactedValue
		}
	}
	return out
}

// MergeDefaults deep-merges zero-valued fields of d with fallback's values.
// Only the scalar/slice-empty cases the §4.4 "deep-merge missing keys from
// a defaults table" requirement calls for are handled; dynamic-record
// sections (Extra) are preserved as-is, never merged field-by-field.
func MergeDefaults(d, fallback Doc) Doc {
	if d.Orchestrator.MaxIterations == 0 {
		d.Orchestrator.MaxIterations = fallback.Orchestrator.MaxIterations
	}
	if len(d.Orchestrator.ModelPool) == 0 {
		d.Orchestrator.ModelPool = fallback.Orchestrator.ModelPool
	}
	if d.Gateway.Port == 0 {
		d.Gateway.Port = fallback.Gateway.Port
	}
	if d.Logs.Level == "" {
		d.Logs.Level = fallback.Logs.Level
	}
	if d.Logs.Format == "" {
		d.Logs.Format = fallback.Logs.Format
	}
	if d.Memory == (MemoryConfig{}) {
		d.Memory = fallback.Memory
	}
	if d.Memory.EmbeddingDimension == 0 {
		d.Memory.EmbeddingDimension = fallback.Memory.EmbeddingDimension
	}
	if d.Memory.ScoreThreshold == 0 {
		d.Memory.ScoreThreshold = fallback.Memory.ScoreThreshold
	}
	if d.Queue.DefaultAttempts == 0 {
		d.Queue.DefaultAttempts = fallback.Queue.DefaultAttempts
	}
	if d.Queue.DefaultBackoffMs == 0 {
		d.Queue.DefaultBackoffMs = fallback.Queue.DefaultBackoffMs
	}
	if d.Models.Models == nil {
		d.Models.Models = fallback.Models.Models
	}
	if d.Models.EmbeddingModels == nil {
		d.Models.EmbeddingModels = fallback.Models.EmbeddingModels
	}
	if d.Guards.EchoThreshold == 0 {
		d.Guards.EchoThreshold = fallback.Guards.EchoThreshold
	}
	return d
}
