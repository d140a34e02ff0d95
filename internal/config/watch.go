package config

import (
	"os"
	"strings"

	"github.com/ailinux/llmesh/internal/meshlog"
	"github.com/ailinux/llmesh/internal/meshtypes"
	"github.com/ailinux/llmesh/internal/rbac"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// rolesFile is the shape of RBAC.RolesFile's contents: a flat
// caller-id -> role-name map, reloaded in full on every change. Role names
// are matched case-insensitively.
type rolesFile struct {
	CallerRoles map[string]string `yaml:"caller_roles"`
}

// WatchRoles watches cfg.RBAC.RolesFile and pushes every change into
// rbacSvc via SetCallerRole, so an operator can grant or revoke a caller's
// role without restarting the process. It returns immediately if
// RolesFile is unset; otherwise it runs until stop is closed.
func WatchRoles(cfg *Config, rbacSvc *rbac.RBAC, logger meshlog.Logger, stop <-chan struct{}) error {
	if cfg.RBAC.RolesFile == "" {
		return nil
	}
	if logger == nil {
		logger = meshlog.NoOp()
	}
	if cal, ok := logger.(meshlog.ComponentAwareLogger); ok {
		logger = cal.WithComponent("config")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	if err := loadRoles(cfg.RBAC.RolesFile, rbacSvc, logger); err != nil {
		logger.Warn("initial roles file load failed", map[string]interface{}{"error": err.Error()})
	}

	if err := watcher.Add(cfg.RBAC.RolesFile); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-stop:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := loadRoles(cfg.RBAC.RolesFile, rbacSvc, logger); err != nil {
					logger.Warn("roles file reload failed", map[string]interface{}{"error": err.Error()})
					continue
				}
				logger.Info("roles file reloaded", map[string]interface{}{"file": cfg.RBAC.RolesFile})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("roles file watch error", map[string]interface{}{"error": err.Error()})
			}
		}
	}()

	return nil
}

func loadRoles(path string, rbacSvc *rbac.RBAC, logger meshlog.Logger) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var parsed rolesFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return err
	}
	for caller, role := range parsed.CallerRoles {
		name := strings.ToUpper(role)
		if !validRole(name) {
			logger.Warn("roles file: unknown role, skipping", map[string]interface{}{"caller": caller, "role": role})
			continue
		}
		rbacSvc.SetCallerRole(caller, meshtypes.Role(name))
	}
	return nil
}
