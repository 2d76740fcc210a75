package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("TAKOS_AGENT_DB_PATH", "memory")
	t.Setenv("TAKOS_AGENT_LOG_LEVEL", "debug")
	t.Setenv("TAKOS_AGENT_POOL_SIZE", "4")
	t.Setenv("TAKOS_AGENT_VAULT_PASSPHRASE", "hunter2")

	cfg := loadConfig()
	assert.Equal(t, "memory", cfg.DBPath)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 4, cfg.PoolSize)
	assert.Equal(t, "hunter2", cfg.VaultPassphrase)
}

func TestLoadAgentFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	doc := `
ai:
  enabled: true
  enabled_actions: [summarize_text]
  data_policy:
    send_public_posts: true
    send_dm: false
  providers:
    - id: local
      type: ollama
      model: llama3
schedules:
  - id: digest
    workflow_id: daily-digest
    cron: "0 8 * * *"
    enabled: true
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	agent, err := loadAgentFile(path)
	require.NoError(t, err)
	require.NotNil(t, agent.AI)
	assert.True(t, agent.AI.Enabled)
	assert.Equal(t, []string{"summarize_text"}, agent.AI.EnabledActions)
	require.Len(t, agent.Schedules, 1)
	assert.Equal(t, "daily-digest", agent.Schedules[0].WorkflowID)
	assert.Equal(t, "0 8 * * *", agent.Schedules[0].Cron)
}

func TestLoadAgentFileMissing(t *testing.T) {
	agent, err := loadAgentFile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Nil(t, agent.AI)
	assert.Empty(t, agent.Schedules)
}

func TestLoadWorkflows(t *testing.T) {
	dir := t.TempDir()
	def := `{
  "id": "echo",
  "entry_point": "run",
  "steps": [
    {"id": "run", "type": "tool_call", "config": {"tool": "http_request"}}
  ]
}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "echo.json"), []byte(def), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o600))

	defs, err := loadWorkflows(dir)
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "echo", defs[0].ID)

	missing, err := loadWorkflows(filepath.Join(dir, "absent"))
	require.NoError(t, err)
	assert.Empty(t, missing)
}
