package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigPassesValidation(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromEnvOverlaysOnlySetVariables(t *testing.T) {
	cfg := DefaultConfig()
	t.Setenv("MESH_PORT", "9999")
	t.Setenv("MESH_LOG_LEVEL", "debug")

	require.NoError(t, cfg.LoadFromEnv())
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "0.0.0.0", cfg.Server.Address, "an unset env var must leave the default in place")
}

func TestLoadFromEnvRejectsMalformedPort(t *testing.T) {
	cfg := DefaultConfig()
	t.Setenv("MESH_PORT", "not-a-number")
	assert.Error(t, cfg.LoadFromEnv())
}

func TestLoadFromEnvRedisURLFallsBackToGenericVar(t *testing.T) {
	cfg := DefaultConfig()
	t.Setenv("REDIS_URL", "redis://fallback:6379")
	require.NoError(t, cfg.LoadFromEnv())
	assert.Equal(t, "redis://fallback:6379", cfg.Queue.RedisURL)
}

func TestLoadFromEnvSpecificRedisURLWinsOverGeneric(t *testing.T) {
	cfg := DefaultConfig()
	t.Setenv("REDIS_URL", "redis://generic:6379")
	t.Setenv("MESH_QUEUE_REDIS_URL", "redis://specific:6379")
	require.NoError(t, cfg.LoadFromEnv())
	assert.Equal(t, "redis://specific:6379", cfg.Queue.RedisURL)
}

func TestLoadFromFileYAMLOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	contents := "server:\n  port: 7070\nlog_level: warn\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg := DefaultConfig()
	require.NoError(t, cfg.LoadFromFile(path))
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestLoadFromFileRejectsUnsupportedExtension(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("port = 1"), 0o644))

	cfg := DefaultConfig()
	assert.Error(t, cfg.LoadFromFile(path))
}

func TestValidateRejectsOutOfRangePort(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.Port = 0
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsNonPositiveQueueSize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Queue.MaxQueueSize = 0
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownRole(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RBAC.CallerRoles["someone"] = "not-a-real-role"
	assert.Error(t, cfg.Validate())
}

func TestRoleMapConvertsStringsToTypedRoles(t *testing.T) {
	cfg := DefaultConfig()
	roles := cfg.RoleMap()
	assert.Equal(t, "ADMIN", string(roles["admin"]))
}

func TestNewAppliesOptionsAfterEnv(t *testing.T) {
	t.Setenv("MESH_PORT", "1234")
	cfg, err := New(WithPort(5555))
	require.NoError(t, err)
	assert.Equal(t, 5555, cfg.Server.Port, "a functional option must override the environment value")
}

func TestNewWithConfigFileOption(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 4321\n"), 0o644))

	cfg, err := New(WithConfigFile(path))
	require.NoError(t, err)
	assert.Equal(t, 4321, cfg.Server.Port)
}

func TestNewPropagatesValidationFailure(t *testing.T) {
	_, err := New(WithPort(-1))
	assert.Error(t, err)
}

func TestWithAnthropicAPIKeyOverridesConfig(t *testing.T) {
	cfg, err := New(WithAnthropicAPIKey("sk-test-key"))
	require.NoError(t, err)
	assert.Equal(t, "sk-test-key", cfg.Anthropic.APIKey)
}
