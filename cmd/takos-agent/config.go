package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/tako0614/takos-agent/internal/scheduler"
	"github.com/tako0614/takos-agent/pkg/schema"
)

// Config holds the agent process configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath       string `json:"db_path"`
	LogLevel     string `json:"log_level"`
	PoolSize     int    `json:"pool_size"`
	AgentConfig  string `json:"agent_config"`
	WorkflowsDir string `json:"workflows_dir"`

	// Vault credentials come from the environment only.
	VaultPassphrase string `json:"-"`
	VaultSalt       string `json:"-"`
}

func defaultConfig() Config {
	return Config{
		DBPath:       filepath.Join(agentDir(), "agent.db"),
		LogLevel:     "info",
		PoolSize:     16,
		AgentConfig:  filepath.Join(agentDir(), "agent.yaml"),
		WorkflowsDir: filepath.Join(agentDir(), "workflows"),
	}
}

func agentDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".takos-agent"
	}
	return filepath.Join(home, ".takos-agent")
}

func settingsPath() string {
	return filepath.Join(agentDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("TAKOS_AGENT_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("TAKOS_AGENT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("TAKOS_AGENT_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("TAKOS_AGENT_CONFIG"); v != "" {
		cfg.AgentConfig = v
	}
	if v := os.Getenv("TAKOS_AGENT_WORKFLOWS_DIR"); v != "" {
		cfg.WorkflowsDir = v
	}
	cfg.VaultPassphrase = os.Getenv("TAKOS_AGENT_VAULT_PASSPHRASE")
	cfg.VaultSalt = os.Getenv("TAKOS_AGENT_VAULT_SALT")

	return cfg
}

// AgentFile is the node's yaml configuration document: the AI feature
// config plus any cron schedules.
type AgentFile struct {
	AI        *schema.NodeAIConfig `yaml:"ai"`
	Schedules []scheduler.Schedule `yaml:"schedules"`
}

// loadAgentFile reads the agent yaml. A missing file yields an empty
// document, which leaves the AI feature disabled.
func loadAgentFile(path string) (*AgentFile, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &AgentFile{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read agent config %s: %w", path, err)
	}
	var doc AgentFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse agent config %s: %w", path, err)
	}
	return &doc, nil
}

// loadWorkflows reads workflow definitions from *.json files in dir.
// A missing directory yields no definitions.
func loadWorkflows(dir string) ([]*schema.WorkflowDefinition, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read workflows dir %s: %w", dir, err)
	}

	var defs []*schema.WorkflowDefinition
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read workflow %s: %w", path, err)
		}
		var def schema.WorkflowDefinition
		if err := json.Unmarshal(data, &def); err != nil {
			return nil, fmt.Errorf("parse workflow %s: %w", path, err)
		}
		defs = append(defs, &def)
	}
	return defs, nil
}
