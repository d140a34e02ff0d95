// Package rbac implements the role->permission->tool/target lookup table
// described in spec §4.1, grounded on the original_source
// app/services/triforce/rbac.py permission/role tables and adapted to
// gomind's style of small, dependency-injected components with structured
// logging rather than package-level globals.
package rbac

import (
	"context"
	"sync"

	"github.com/ailinux/llmesh/internal/audit"
	"github.com/ailinux/llmesh/internal/meshlog"
	"github.com/ailinux/llmesh/internal/meshtypes"
)

// rolePermissions is the fixed role->permission subset table from §4.1,
// grounded on rbac.py's ROLE_PERMISSIONS.
var rolePermissions = map[meshtypes.Role]map[meshtypes.Permission]struct{}{
	meshtypes.RoleAdmin: allPermissions(),
	meshtypes.RoleLead: toSet(
		meshtypes.PermMemoryRead, meshtypes.PermMemoryWrite,
		meshtypes.PermFileRead, meshtypes.PermGitRead,
		meshtypes.PermLLMCall, meshtypes.PermLLMBroadcast, meshtypes.PermLLMConsensus,
		meshtypes.PermAuditRead, meshtypes.PermAuditWrite, meshtypes.PermHealthCheck,
	),
	meshtypes.RoleWorker: toSet(
		meshtypes.PermMemoryRead, meshtypes.PermMemoryWrite,
		meshtypes.PermCodeExec, meshtypes.PermCodeLint, meshtypes.PermDepsInstall, meshtypes.PermTestsRun,
		meshtypes.PermFileRead, meshtypes.PermFileWrite,
		meshtypes.PermGitRead, meshtypes.PermGitWrite, meshtypes.PermGitBranch,
		meshtypes.PermLLMCall, meshtypes.PermHealthCheck,
	),
	meshtypes.RoleReviewer: toSet(
		meshtypes.PermMemoryRead, meshtypes.PermCodeLint,
		meshtypes.PermFileRead, meshtypes.PermGitRead,
		meshtypes.PermLLMCall, meshtypes.PermAuditRead, meshtypes.PermHealthCheck,
	),
	meshtypes.RoleReader: toSet(
		meshtypes.PermMemoryRead, meshtypes.PermFileRead,
		meshtypes.PermGitRead, meshtypes.PermHealthCheck,
	),
}

func allPermissions() map[meshtypes.Permission]struct{} {
	return toSet(
		meshtypes.PermMemoryRead, meshtypes.PermMemoryWrite, meshtypes.PermMemoryDelete, meshtypes.PermMemoryAdmin,
		meshtypes.PermCodeExec, meshtypes.PermCodeLint, meshtypes.PermDepsInstall, meshtypes.PermTestsRun,
		meshtypes.PermGitRead, meshtypes.PermGitWrite, meshtypes.PermGitBranch,
		meshtypes.PermFileRead, meshtypes.PermFileWrite, meshtypes.PermFileDelete,
		meshtypes.PermLLMCall, meshtypes.PermLLMBroadcast, meshtypes.PermLLMConsensus,
		meshtypes.PermAuditRead, meshtypes.PermAuditWrite, meshtypes.PermHealthCheck,
		meshtypes.PermAdminFull,
	)
}

func toSet(perms ...meshtypes.Permission) map[meshtypes.Permission]struct{} {
	out := make(map[meshtypes.Permission]struct{}, len(perms))
	for _, p := range perms {
		out[p] = struct{}{}
	}
	return out
}

// RBAC resolves caller identities to roles and checks tool/target access.
// No side effects beyond the audit log it is wired to; callers branch on
// booleans rather than catching exceptions (§4.1).
type RBAC struct {
	mu         sync.RWMutex
	callerRole map[string]meshtypes.Role
	tools      map[string]meshtypes.Permission
	audit      *audit.Log
	logger     meshlog.Logger
}

// New creates an RBAC table. callerRoles seeds the initial identity->role
// map (endpoint default roles, overridable per deployment per §4.1).
func New(callerRoles map[string]meshtypes.Role, auditLog *audit.Log, logger meshlog.Logger) *RBAC {
	if logger == nil {
		logger = meshlog.NoOp()
	}
	if cal, ok := logger.(meshlog.ComponentAwareLogger); ok {
		logger = cal.WithComponent("rbac")
	}
	roles := make(map[string]meshtypes.Role, len(callerRoles))
	for k, v := range callerRoles {
		roles[k] = v
	}
	return &RBAC{
		callerRole: roles,
		tools:      make(map[string]meshtypes.Permission),
		audit:      auditLog,
		logger:     logger,
	}
}

// SetCallerRole overrides or seeds the role for one caller/endpoint id.
func (r *RBAC) SetCallerRole(callerID string, role meshtypes.Role) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callerRole[callerID] = role
}

// RegisterTool records the permission a tool requires.
func (r *RBAC) RegisterTool(toolName string, perm meshtypes.Permission) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[toolName] = perm
}

// RoleOf returns the role of callerID, defaulting to READER when unknown.
func (r *RBAC) RoleOf(callerID string) meshtypes.Role {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if role, ok := r.callerRole[callerID]; ok {
		return role
	}
	return meshtypes.RoleReader
}

// Permissions returns the permission set granted to role.
func (r *RBAC) Permissions(role meshtypes.Role) map[meshtypes.Permission]struct{} {
	return rolePermissions[role]
}

// hasPermission checks role->permission membership, with admin:full
// short-circuiting every check per §4.1.
func hasPermission(role meshtypes.Role, perm meshtypes.Permission) bool {
	perms := rolePermissions[role]
	if perms == nil {
		return false
	}
	if _, ok := perms[meshtypes.PermAdminFull]; ok {
		return true
	}
	_, ok := perms[perm]
	return ok
}

// CanUseTool reports whether caller may invoke the named tool. On denial
// it records a security/rbac_denied audit entry before returning false.
func (r *RBAC) CanUseTool(ctx context.Context, callerID, toolName string) bool {
	r.mu.RLock()
	required, known := r.tools[toolName]
	r.mu.RUnlock()
	if !known {
		return false
	}
	role := r.RoleOf(callerID)
	if hasPermission(role, required) {
		return true
	}
	r.denyAudit(ctx, callerID, "rbac_denied", map[string]any{
		"tool":                toolName,
		"required_permission": string(required),
		"caller_role":         string(role),
	})
	return false
}

// CanCall reports whether caller may invoke the LLM Mesh against target.
// Requires llm:call or admin:full.
func (r *RBAC) CanCall(ctx context.Context, callerID, target string) bool {
	role := r.RoleOf(callerID)
	if hasPermission(role, meshtypes.PermLLMCall) {
		return true
	}
	r.denyAudit(ctx, callerID, "rbac_denied", map[string]any{
		"target":      target,
		"caller_role": string(role),
		"reason":      "missing llm:call",
	})
	return false
}

func (r *RBAC) denyAudit(ctx context.Context, callerID, action string, metadata map[string]any) {
	if r.logger != nil {
		r.logger.WarnWithContext(ctx, "rbac denied", metadata)
	}
	if r.audit == nil {
		return
	}
	r.audit.Record(ctx, audit.EntryParams{
		CallerID: callerID,
		Action:   "security/" + action,
		Level:    meshtypes.LevelSecurity,
		Metadata: metadata,
	})
}
