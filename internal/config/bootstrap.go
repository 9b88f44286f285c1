// Package config implements a two-tier configuration scheme: a small
// on-disk bootstrap file (what's needed before the KV store exists) loaded
// from YAML, and a hot, validated JSON document kept in the KV store that
// the rest of the system reads and hot-reloads from.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Bootstrap holds the handful of settings needed to reach the KV store and
// relational store in the first place.
type Bootstrap struct {
	RedisAddr    string `yaml:"redis_addr"`
	PostgresDSN  string `yaml:"postgres_dsn"`
	Gateway      BootstrapGateway `yaml:"gateway"`
	VaultKeyFile string `yaml:"vault_key_file"`
	LogLevel     string `yaml:"log_level"`
	LogFormat    string `yaml:"log_format"` // "json" or "text"
	PersonaDir   string `yaml:"persona_dir"`
	SkillDir     string `yaml:"skill_dir"`
	AgentDir     string `yaml:"agent_dir"`
}

// BootstrapGateway configures the node's management HTTP surface bind
// address. Auth fields are carried here too, since gateway auth must
// never be mutable through the generic config update path.
type BootstrapGateway struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	AuthType string `yaml:"auth_type"`
	AuthValue string `yaml:"auth_value"`
}

// LoadBootstrap reads and parses the YAML bootstrap file at path.
func LoadBootstrap(path string) (*Bootstrap, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read bootstrap file: %w", err)
	}
	var b Bootstrap
	if err := yaml.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("config: parse bootstrap file: %w", err)
	}
	if b.RedisAddr == "" {
		b.RedisAddr = "127.0.0.1:6379"
	}
	if b.Gateway.Port == 0 {
		b.Gateway.Port = 8089
	}
	if b.LogFormat == "" {
		b.LogFormat = "json"
	}
	if b.PersonaDir == "" {
		b.PersonaDir = "./data/persona"
	}
	if b.SkillDir == "" {
		b.SkillDir = "./data/skills"
	}
	if b.AgentDir == "" {
		b.AgentDir = "./data/agents"
	}
	return &b, nil
}
