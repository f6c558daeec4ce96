package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "./data", cfg.DataDir)
	assert.Equal(t, "./data/anvil.db", cfg.DBPath)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.False(t, cfg.StrictIntegrity)
}

func TestYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "anvil.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
db_path: ":memory:"
log_level: debug
strict_integrity: true
rate_limit_per_min: 120
tool_rate_limits:
  parse: 10
tool_allowlist:
  - "parse"
  - "hash.*"
workers:
  - command: anvil
    args: ["worker"]
    replicas: 2
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":memory:", cfg.DBPath)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.StrictIntegrity)
	assert.Equal(t, 120, cfg.RateLimitPerMin)
	assert.Equal(t, map[string]int{"parse": 10}, cfg.ToolRateLimits)
	assert.Equal(t, []string{"parse", "hash.*"}, cfg.ToolAllowlist)
	require.Len(t, cfg.Workers, 1)
	assert.Equal(t, 2, cfg.Workers[0].Replicas)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "anvil.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: debug\n"), 0o644))

	t.Setenv("ANVIL_LOG_LEVEL", "error")
	t.Setenv("ANVIL_DB_PATH", ":memory:")
	t.Setenv("ANVIL_TOOL_DENYLIST", "js.*, sleep")
	t.Setenv("ANVIL_TOOL_RATE_LIMITS", "parse=5,hash.sha256=50")
	t.Setenv("ANVIL_STRICT_INTEGRITY", "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "error", cfg.LogLevel)
	assert.Equal(t, ":memory:", cfg.DBPath)
	assert.Equal(t, []string{"js.*", "sleep"}, cfg.ToolDenylist)
	assert.Equal(t, map[string]int{"parse": 5, "hash.sha256": 50}, cfg.ToolRateLimits)
	assert.True(t, cfg.StrictIntegrity)
}

func TestBadEnvValues(t *testing.T) {
	t.Setenv("ANVIL_RATE_LIMIT", "many")
	_, err := Load("")
	assert.Error(t, err)
}

func TestMalformedToolRates(t *testing.T) {
	t.Setenv("ANVIL_TOOL_RATE_LIMITS", "parse")
	_, err := Load("")
	assert.Error(t, err)
}

func TestMissingConfigFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
