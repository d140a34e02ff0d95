package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/ailinux/llmesh/internal/audit"
	"github.com/ailinux/llmesh/internal/mesh"
	"github.com/ailinux/llmesh/internal/memory"
	"github.com/ailinux/llmesh/internal/meshtypes"
)

// RegisterDefaults wires the memory, mesh and audit/system tools named in
// the tool index (spec §4.8) into dispatcher d.
func RegisterDefaults(d *Dispatcher, mem *memory.Store, m *mesh.Mesh, auditLog *audit.Log) {
	registerMemoryTools(d, mem)
	registerMeshTools(d, m)
	registerSystemTools(d, auditLog, m)
}

func registerMemoryTools(d *Dispatcher, mem *memory.Store) {
	d.Register(meshtypes.Tool{
		Name:               "memory_recall",
		Category:           "memory",
		Description:        "Retrieve stored knowledge from the memory database",
		RequiredPermission: meshtypes.PermMemoryRead,
	}, func(ctx context.Context, params map[string]any) (map[string]any, error) {
		p := memory.RecallParams{
			Query:         stringParam(params, "query"),
			ProjectID:     stringParam(params, "project_id"),
			Limit:         intParam(params, "limit", 10),
			MinConfidence: floatParam(params, "min_confidence", 0.0),
			Tags:          stringSliceParam(params, "tags"),
		}
		if t := stringParam(params, "type"); t != "" {
			p.Type = meshtypes.MemoryType(t)
		}
		if h := intParam(params, "max_age_hours", 0); h > 0 {
			p.MaxAge = time.Duration(h) * time.Hour
		}
		entries := mem.Recall(p)
		return map[string]any{"entries": entries, "count": len(entries)}, nil
	})

	d.Register(meshtypes.Tool{
		Name:               "memory_store",
		Category:           "memory",
		Description:        "Store new knowledge in the memory database",
		RequiredPermission: meshtypes.PermMemoryWrite,
	}, func(ctx context.Context, params map[string]any) (map[string]any, error) {
		content := stringParam(params, "content")
		if content == "" {
			return nil, fmt.Errorf("memory_store: content is required")
		}
		typ := stringParam(params, "type")
		if typ == "" {
			return nil, fmt.Errorf("memory_store: type is required")
		}
		p := memory.StoreParams{
			Content:        content,
			Type:           meshtypes.MemoryType(typ),
			ProjectID:      stringParam(params, "project_id"),
			Tags:           stringSliceParam(params, "tags"),
			Confidence:     floatParam(params, "confidence", 0.8),
			SourceEndpoint: stringParam(params, "source_llm"),
		}
		if h := intParam(params, "ttl_hours", 0); h > 0 {
			p.TTL = time.Duration(h) * time.Hour
		}
		entry := mem.Store(p)
		return map[string]any{"entry": entry}, nil
	})

	d.Register(meshtypes.Tool{
		Name:               "memory_update",
		Category:           "memory",
		Description:        "Update existing memory entry (with versioning)",
		RequiredPermission: meshtypes.PermMemoryWrite,
	}, func(ctx context.Context, params map[string]any) (map[string]any, error) {
		memoryID := stringParam(params, "memory_id")
		if memoryID == "" {
			return nil, fmt.Errorf("memory_update: memory_id is required")
		}
		up := memory.UpdateParams{
			Content:     stringParam(params, "content"),
			Tags:        stringSliceParam(params, "tags"),
			ValidatedBy: stringParam(params, "validated_by"),
		}
		if v, ok := params["confidence"]; ok {
			f := toFloat(v)
			up.Confidence = &f
		}
		entry := mem.Update(memoryID, up)
		if entry == nil {
			return nil, fmt.Errorf("memory_update: unknown memory_id %q", memoryID)
		}
		return map[string]any{"entry": entry}, nil
	})

	d.Register(meshtypes.Tool{
		Name:               "memory_history",
		Category:           "memory",
		Description:        "Show version history of a memory entry",
		RequiredPermission: meshtypes.PermMemoryRead,
	}, func(ctx context.Context, params map[string]any) (map[string]any, error) {
		memoryID := stringParam(params, "memory_id")
		if memoryID == "" {
			return nil, fmt.Errorf("memory_history: memory_id is required")
		}
		history := mem.History(memoryID)
		return map[string]any{"history": history, "count": len(history)}, nil
	})
}

func registerMeshTools(d *Dispatcher, m *mesh.Mesh) {
	d.Register(meshtypes.Tool{
		Name:               "llm_call",
		Category:           "mesh",
		Description:        "Call another LLM (full mesh network)",
		RequiredPermission: meshtypes.PermLLMCall,
	}, func(ctx context.Context, params map[string]any) (map[string]any, error) {
		target := stringParam(params, "target")
		prompt := stringParam(params, "prompt")
		if target == "" || prompt == "" {
			return nil, fmt.Errorf("llm_call: target and prompt are required")
		}
		result := m.Call(ctx, mesh.CallParams{
			Target:    target,
			Prompt:    prompt,
			CallerLLM: stringParam(params, "caller_llm"),
			MaxTokens: intParam(params, "max_tokens", 0),
			TraceID:   stringParam(params, "trace_id"),
		})
		return structToMap(result), nil
	})

	d.Register(meshtypes.Tool{
		Name:               "llm_broadcast",
		Category:           "mesh",
		Description:        "Send to multiple LLMs in parallel",
		RequiredPermission: meshtypes.PermLLMBroadcast,
	}, func(ctx context.Context, params map[string]any) (map[string]any, error) {
		targets := stringSliceParam(params, "targets")
		prompt := stringParam(params, "prompt")
		if len(targets) == 0 || prompt == "" {
			return nil, fmt.Errorf("llm_broadcast: targets and prompt are required")
		}
		result := m.Broadcast(ctx, mesh.BroadcastParams{
			Targets:   targets,
			Prompt:    prompt,
			CallerLLM: stringParam(params, "caller_llm"),
			TraceID:   stringParam(params, "trace_id"),
		})
		return structToMap(result), nil
	})

	d.Register(meshtypes.Tool{
		Name:               "llm_consensus",
		Category:           "mesh",
		Description:        "Get consensus from multiple LLMs",
		RequiredPermission: meshtypes.PermLLMConsensus,
	}, func(ctx context.Context, params map[string]any) (map[string]any, error) {
		targets := stringSliceParam(params, "targets")
		question := stringParam(params, "question")
		if len(targets) == 0 || question == "" {
			return nil, fmt.Errorf("llm_consensus: targets and question are required")
		}
		weights := make(map[string]float64)
		if raw, ok := params["weights"].(map[string]any); ok {
			for k, v := range raw {
				weights[k] = toFloat(v)
			}
		}
		result := m.Consensus(ctx, mesh.ConsensusParams{
			Targets:      targets,
			Question:     question,
			CallerLLM:    stringParam(params, "caller_llm"),
			Weights:      weights,
			MinAgreement: floatParam(params, "min_agreement", 0.6),
			TraceID:      stringParam(params, "trace_id"),
		})
		return structToMap(result), nil
	})

	d.Register(meshtypes.Tool{
		Name:               "llm_delegate",
		Category:           "mesh",
		Description:        "Delegate specialized task to an LLM",
		RequiredPermission: meshtypes.PermLLMCall,
	}, func(ctx context.Context, params map[string]any) (map[string]any, error) {
		target := stringParam(params, "target")
		taskType := stringParam(params, "task_type")
		prompt := stringParam(params, "prompt")
		if target == "" || taskType == "" || prompt == "" {
			return nil, fmt.Errorf("llm_delegate: target, task_type and prompt are required")
		}
		result := m.Delegate(ctx, mesh.DelegateParams{
			Target:       target,
			TaskType:     taskType,
			Prompt:       prompt,
			CallerLLM:    stringParam(params, "caller_llm"),
			ContextFiles: stringSliceParam(params, "context_files"),
			TraceID:      stringParam(params, "trace_id"),
		})
		return structToMap(result), nil
	})
}

func registerSystemTools(d *Dispatcher, auditLog *audit.Log, m *mesh.Mesh) {
	d.Register(meshtypes.Tool{
		Name:               "audit_log",
		Category:           "system",
		Description:        "Write audit log entry or read logs",
		RequiredPermission: meshtypes.PermAuditWrite,
	}, func(ctx context.Context, params map[string]any) (map[string]any, error) {
		if auditLog == nil {
			return nil, fmt.Errorf("audit_log: no audit log configured")
		}
		action := stringParam(params, "action")
		switch action {
		case "write":
			level := meshtypes.AuditLevel(stringParam(params, "level"))
			entry := auditLog.Record(ctx, audit.EntryParams{
				CallerID: stringParam(params, "caller_id"),
				Action:   "manual_log",
				Level:    level,
				Metadata: map[string]any{"message": stringParam(params, "message")},
			})
			return map[string]any{"entry": entry}, nil
		case "read", "query":
			n := intParam(params, "limit", 20)
			return map[string]any{"entries": auditLog.LatestN(n)}, nil
		default:
			return nil, fmt.Errorf("audit_log: unknown action %q", action)
		}
	})

	d.Register(meshtypes.Tool{
		Name:               "health_check",
		Category:           "system",
		Description:        "Check system health of mesh components",
		RequiredPermission: meshtypes.PermHealthCheck,
	}, func(ctx context.Context, params map[string]any) (map[string]any, error) {
		status := map[string]any{"status": "ok"}
		if m != nil {
			status["mesh"] = m.Status()
		}
		return status, nil
	})

	d.Register(meshtypes.Tool{
		Name:               "tools_index",
		Category:           "workspace",
		Description:        "List all available tools",
		RequiredPermission: meshtypes.PermHealthCheck,
	}, func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return map[string]any{"tools": d.List(), "count": len(d.tools)}, nil
	})
}

func stringParam(params map[string]any, key string) string {
	if v, ok := params[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func intParam(params map[string]any, key string, def int) int {
	if v, ok := params[key]; ok {
		switch n := v.(type) {
		case int:
			return n
		case float64:
			return int(n)
		}
	}
	return def
}

func floatParam(params map[string]any, key string, def float64) float64 {
	if v, ok := params[key]; ok {
		return toFloat(v)
	}
	return def
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	}
	return 0
}

func stringSliceParam(params map[string]any, key string) []string {
	raw, ok := params[key]
	if !ok {
		return nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, v := range list {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func structToMap(v any) map[string]any {
	switch r := v.(type) {
	case mesh.CallResult:
		return map[string]any{
			"target":            r.Target,
			"actual_target":     r.ActualTarget,
			"success":           r.Success,
			"response":          r.Response,
			"model_id":          r.ModelID,
			"error":             r.Error,
			"execution_time_ms": r.ExecutionTimeMs,
			"fallback_used":     r.FallbackUsed,
			"wait_seconds":      r.WaitSeconds,
			"trace_id":          r.TraceID,
		}
	case mesh.BroadcastResult:
		return map[string]any{
			"targets":       r.Targets,
			"responses":     r.Responses,
			"success_count": r.SuccessCount,
			"error_count":   r.ErrorCount,
			"trace_id":      r.TraceID,
		}
	case mesh.ConsensusResult:
		return map[string]any{
			"question":             r.Question,
			"targets":              r.Targets,
			"individual_responses": r.IndividualResponses,
			"consensus":            r.Consensus,
			"consensus_success":    r.ConsensusSuccess,
			"success_count":        r.SuccessCount,
			"error":                r.Error,
			"trace_id":             r.TraceID,
		}
	default:
		return map[string]any{"result": v}
	}
}
