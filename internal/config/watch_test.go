package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ailinux/llmesh/internal/meshtypes"
	"github.com/ailinux/llmesh/internal/rbac"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadRolesAppliesKnownRoles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "roles.yaml")
	require.NoError(t, os.WriteFile(path, []byte("caller_roles:\n  gemini: worker\n"), 0o644))

	rbacSvc := rbac.New(nil, nil, nil)
	require.NoError(t, loadRoles(path, rbacSvc, nil))
	assert.Equal(t, meshtypes.RoleWorker, rbacSvc.RoleOf("gemini"))
}

func TestLoadRolesSkipsUnknownRole(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "roles.yaml")
	require.NoError(t, os.WriteFile(path, []byte("caller_roles:\n  gemini: not-a-role\n"), 0o644))

	rbacSvc := rbac.New(nil, nil, nil)
	require.NoError(t, loadRoles(path, rbacSvc, nil))
	assert.Equal(t, meshtypes.RoleReader, rbacSvc.RoleOf("gemini"), "an unknown role must be skipped, not applied")
}

func TestLoadRolesReturnsErrorForMissingFile(t *testing.T) {
	rbacSvc := rbac.New(nil, nil, nil)
	assert.Error(t, loadRoles(filepath.Join(t.TempDir(), "missing.yaml"), rbacSvc, nil))
}

func TestWatchRolesNoopWithoutRolesFile(t *testing.T) {
	cfg := DefaultConfig()
	stop := make(chan struct{})
	defer close(stop)
	assert.NoError(t, WatchRoles(cfg, rbac.New(nil, nil, nil), nil, stop))
}

func TestWatchRolesReloadsOnFileWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "roles.yaml")
	require.NoError(t, os.WriteFile(path, []byte("caller_roles:\n  gemini: worker\n"), 0o644))

	cfg := DefaultConfig()
	cfg.RBAC.RolesFile = path
	rbacSvc := rbac.New(nil, nil, nil)
	stop := make(chan struct{})
	defer close(stop)

	require.NoError(t, WatchRoles(cfg, rbacSvc, nil, stop))
	require.Eventually(t, func() bool {
		return rbacSvc.RoleOf("gemini") == meshtypes.RoleWorker
	}, time.Second, 10*time.Millisecond, "initial load must populate the role before any file event")

	require.NoError(t, os.WriteFile(path, []byte("caller_roles:\n  gemini: admin\n"), 0o644))
	assert.Eventually(t, func() bool {
		return rbacSvc.RoleOf("gemini") == meshtypes.RoleAdmin
	}, time.Second, 10*time.Millisecond, "a write to the roles file must be picked up by the watcher")
}
