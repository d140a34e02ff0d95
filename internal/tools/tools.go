// Package tools implements the named tool registry and RBAC-gated
// dispatcher described in spec §4.8, grounded on original_source
// app/services/triforce/tool_registry.py's TOOL_INDEX. Each tool's
// required_permission is registered with the RBAC table so CanUseTool
// enforcement and the registry stay in sync.
package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ailinux/llmesh/internal/audit"
	"github.com/ailinux/llmesh/internal/meshlog"
	"github.com/ailinux/llmesh/internal/meshtypes"
	"github.com/ailinux/llmesh/internal/rbac"
)

// Handler executes one tool call given sanitized/validated params.
type Handler func(ctx context.Context, params map[string]any) (map[string]any, error)

// registeredTool pairs a Handler with its descriptive metadata.
type registeredTool struct {
	def     meshtypes.Tool
	handler Handler
}

// Dispatcher is the name->handler registry with RBAC-gated invocation.
type Dispatcher struct {
	tools  map[string]registeredTool
	rbac   *rbac.RBAC
	audit  *audit.Log
	logger meshlog.Logger
}

// New creates an empty Dispatcher wired to the shared RBAC table and
// audit log.
func New(rbacSvc *rbac.RBAC, auditLog *audit.Log, logger meshlog.Logger) *Dispatcher {
	if logger == nil {
		logger = meshlog.NoOp()
	}
	if cal, ok := logger.(meshlog.ComponentAwareLogger); ok {
		logger = cal.WithComponent("tools")
	}
	return &Dispatcher{
		tools:  make(map[string]registeredTool),
		rbac:   rbacSvc,
		audit:  auditLog,
		logger: logger,
	}
}

// Register adds a tool to the dispatcher and its required permission to
// the RBAC table, so CanUseTool enforcement sees it immediately.
func (d *Dispatcher) Register(def meshtypes.Tool, handler Handler) {
	d.tools[def.Name] = registeredTool{def: def, handler: handler}
	if d.rbac != nil {
		d.rbac.RegisterTool(def.Name, def.RequiredPermission)
	}
}

// List returns every registered tool's metadata.
func (d *Dispatcher) List() []meshtypes.Tool {
	out := make([]meshtypes.Tool, 0, len(d.tools))
	for _, t := range d.tools {
		out = append(out, t.def)
	}
	return out
}

// ListFor returns the subset of the registry callerID's role is permitted to
// use, per CanUseTool. A Dispatcher with no RBAC table wired returns every
// tool, matching the unrestricted behavior of Invoke in that case.
func (d *Dispatcher) ListFor(ctx context.Context, callerID string) []meshtypes.Tool {
	if d.rbac == nil {
		return d.List()
	}
	out := make([]meshtypes.Tool, 0, len(d.tools))
	for name, t := range d.tools {
		if d.rbac.CanUseTool(ctx, callerID, name) {
			out = append(out, t.def)
		}
	}
	return out
}

// Get returns one tool's metadata by name.
func (d *Dispatcher) Get(name string) (meshtypes.Tool, bool) {
	t, ok := d.tools[name]
	return t.def, ok
}

var sensitiveKeyFragments = []string{"password", "api_key", "secret", "token", "credential"}

const sentinelValue = "***REDACTED***"
const maxParamStringLen = 500

// sanitizeForAudit redacts sensitive keys and truncates long strings
// before a call's parameters are written to the audit log, mirroring
// audit.sanitizeParams but kept local so tool invocation never depends
// on audit internals beyond its public Record API.
func sanitizeForAudit(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		lower := strings.ToLower(k)
		sensitive := false
		for _, frag := range sensitiveKeyFragments {
			if strings.Contains(lower, frag) {
				sensitive = true
				break
			}
		}
		if sensitive {
			out[k] = sentinelValue
			continue
		}
		if s, ok := v.(string); ok && len(s) > maxParamStringLen {
			out[k] = s[:maxParamStringLen] + "...[truncated]"
			continue
		}
		out[k] = v
	}
	return out
}

// InvokeParams configures one dispatcher call.
type InvokeParams struct {
	CallerID string
	ToolName string
	Params   map[string]any
	TraceID  string
}

// Invoke resolves the tool, runs the RBAC check, executes the handler, and
// records a tool_call audit entry whether the handler succeeds or fails.
// An unknown tool or an RBAC denial returns before the handler runs and
// writes no tool_call entry; the RBAC table audits its own denials.
func (d *Dispatcher) Invoke(ctx context.Context, p InvokeParams) (map[string]any, error) {
	start := time.Now()

	tool, ok := d.tools[p.ToolName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", meshtypes.ErrUnknownTool, p.ToolName)
	}

	if d.rbac != nil && !d.rbac.CanUseTool(ctx, p.CallerID, p.ToolName) {
		return nil, fmt.Errorf("%w: %s cannot use %s", meshtypes.ErrRBACDenied, p.CallerID, p.ToolName)
	}

	sanitized := sanitizeForAudit(p.Params)
	result, err := tool.handler(ctx, p.Params)
	execMs := float64(time.Since(start).Milliseconds())

	status := "success"
	errMsg := ""
	if err != nil {
		status = "error"
		errMsg = err.Error()
	}

	if d.audit != nil {
		d.audit.Record(ctx, audit.EntryParams{
			TraceID:         p.TraceID,
			CallerID:        p.CallerID,
			Action:          "tool_call",
			Level:           meshtypes.LevelInfo,
			ToolName:        p.ToolName,
			Params:          sanitized,
			ResultStatus:    status,
			ExecutionTimeMs: execMs,
			ErrorMessage:    errMsg,
		})
	}

	if err != nil {
		d.logger.ErrorWithContext(ctx, "tool invocation failed", map[string]interface{}{
			"tool":  p.ToolName,
			"error": errMsg,
		})
		return nil, err
	}
	return result, nil
}
