package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, "config.json", `{
  "app": {"name": "cantiere", "users": {"42": "manager"}},
  "gateways": {"telegram": {"token": "tg", "enabled": true, "rate_per_minute": 20}},
  "providers": {"openai": {"api_key": "k", "model": "gpt-4o-mini", "enabled": true}},
  "orchestrator": {"max_retries": 5, "step_timeout": "45s", "session_idle_ttl": "30m"},
  "tools": {"http": [{"name": "projects", "endpoint": "http://localhost:9000",
    "actions": {"get": {"method": "GET", "output_ref_path": "id"}}}]},
  "projects": [{"id": "prj-1", "name": "Residenza Aurora"}]
}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Orchestrator.MaxRetries)
	assert.Equal(t, 45*time.Second, cfg.Orchestrator.StepTimeout.Duration)
	assert.Equal(t, 30*time.Minute, cfg.Orchestrator.SessionIdleTTL.Duration)
	assert.Equal(t, "id", cfg.Tools.HTTP[0].Actions["get"].OutputRefPath)
	assert.Equal(t, "manager", cfg.RoleFor("42"))
	assert.Equal(t, "member", cfg.RoleFor("7"))

	tg, ok := cfg.Gateway("telegram")
	assert.True(t, ok)
	assert.Equal(t, 20, tg.RatePerMinute)
	_, ok = cfg.Gateway("discord")
	assert.False(t, ok)

	name, p := cfg.GetDefaultProvider()
	assert.Equal(t, "openai", name)
	assert.Equal(t, "gpt-4o-mini", p.Model)
}

func TestLoadTOMLDefaults(t *testing.T) {
	path := writeFile(t, "config.toml", `
[app]
name = "cantiere"
default_role = "viewer"

[orchestrator]
step_timeout = "10s"

[[projects]]
id = "prj-2"
name = "Borgo Nuovo"
aliases = ["borgo"]
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Orchestrator.MaxRetries)
	assert.Equal(t, 10*time.Second, cfg.Orchestrator.StepTimeout.Duration)
	assert.Equal(t, time.Minute, cfg.Orchestrator.SweepInterval.Duration)
	assert.Equal(t, "viewer", cfg.RoleFor("anyone"))
	assert.Equal(t, cfg.Memory.Path, cfg.Audit.Path)
	require.Len(t, cfg.Projects, 1)
	assert.Equal(t, []string{"borgo"}, cfg.Projects[0].Aliases)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := writeFile(t, "config.json", `{"orchestrator": {"step_timeout": "soon"}}`)
	_, err := Load(path)
	assert.Error(t, err)
}
