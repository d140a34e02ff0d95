// Package mesh implements the guarded LLM-to-LLM mesh described in spec
// §4.7: call, broadcast, consensus and delegate, each passing through
// RBAC, cycle detection, rate limiting and circuit breaking before the
// underlying model transport. Grounded on original_source
// app/services/triforce/llm_mesh.py, with asyncio.gather's fan-out
// replaced by golang.org/x/sync/errgroup and the module-level singletons
// replaced by constructor-injected dependencies per gomind's style.
package mesh

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ailinux/llmesh/internal/audit"
	"github.com/ailinux/llmesh/internal/circuit"
	"github.com/ailinux/llmesh/internal/cycledetect"
	"github.com/ailinux/llmesh/internal/meshlog"
	"github.com/ailinux/llmesh/internal/meshtypes"
	"github.com/ailinux/llmesh/internal/ratelimit"
	"github.com/ailinux/llmesh/internal/rbac"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const defaultTimeout = 120 * time.Second

// modelAliases maps the mesh's short endpoint names to the transport's
// concrete model identifier, carried from MODEL_ALIASES.
var modelAliases = map[string]string{
	"gemini":        "gemini/gemini-2.5-flash",
	"kimi":          "kimi-k2:1t-cloud",
	"claude":        "anthropic/claude-sonnet-4",
	"deepseek":      "deepseek-v3.1:671b-cloud",
	"qwen":          "qwen3-vl:235b-cloud",
	"qwen-coder":    "qwen3-coder:480b-cloud",
	"glm":           "glm-4.6:cloud",
	"minimax":       "minimax-m2:cloud",
	"mistral":       "mistral/mistral-medium-latest",
	"mistral-large": "mistral/mistral-large-latest",
	"codestral":     "mistral/codestral-latest",
	"cogito":        "cogito-2.1:671b-cloud",
	"nova":          "gpt-oss:cloud/120b",
	"codex":         "gpt-oss:20b-cloud",
	"kimi-thinking":  "kimi-k2-thinking:cloud",
	"magistral":     "mistral/magistral-medium-latest",
}

// specializations maps each endpoint to the task tags it is best suited
// for, carried from LLM_SPECIALIZATIONS and used by capability routing.
var specializations = map[string][]string{
	"gemini":        {"coordination", "planning", "research", "vision"},
	"claude":        {"coding", "analysis", "documentation", "review"},
	"deepseek":      {"heavy_coding", "algorithms", "optimization"},
	"qwen":          {"multilingual", "vision", "general"},
	"qwen-coder":    {"code_generation", "code_review", "refactoring"},
	"kimi":          {"long_context", "research", "analysis"},
	"kimi-thinking": {"deep_reasoning", "math", "logic"},
	"nova":          {"german", "documentation", "creative"},
	"cogito":        {"reasoning", "logic", "debugging"},
	"mistral":       {"review", "security", "fast_response"},
	"mistral-large": {"complex_analysis", "code_analysis", "reasoning"},
	"codestral":     {"code_generation", "code_completion", "refactoring"},
	"magistral":     {"deep_reasoning", "math", "logic"},
	"glm":           {"chinese", "general", "agents"},
	"minimax":       {"agents", "general", "fast"},
}

// Transport generates one completion from a resolved model id. Concrete
// implementations wrap providers such as anthropic-sdk-go or a plain HTTP
// client for OpenAI-compatible endpoints.
type Transport interface {
	GenerateResponse(ctx context.Context, modelID, systemPrompt, prompt string, maxTokens int) (string, error)
}

// CallResult is the outcome of one guarded call.
type CallResult struct {
	Target          string  `json:"target"`
	ActualTarget    string  `json:"actual_target,omitempty"`
	Success         bool    `json:"success"`
	Response        string  `json:"response,omitempty"`
	ModelID         string  `json:"model_id,omitempty"`
	Error           string  `json:"error,omitempty"`
	ExecutionTimeMs float64 `json:"execution_time_ms,omitempty"`
	FallbackUsed    string  `json:"fallback_used,omitempty"`
	WaitSeconds     float64 `json:"wait_seconds,omitempty"`
	TraceID         string  `json:"trace_id"`
	TaskType        string  `json:"task_type,omitempty"`
	Delegated       bool    `json:"delegated,omitempty"`
}

// BroadcastResult is the outcome of calling several endpoints in parallel.
type BroadcastResult struct {
	Targets      []string              `json:"targets"`
	Responses    map[string]CallResult `json:"responses"`
	SuccessCount int                   `json:"success_count"`
	ErrorCount   int                   `json:"error_count"`
	TraceID      string                `json:"trace_id"`
}

// ConsensusResult is the outcome of a multi-endpoint consensus query.
type ConsensusResult struct {
	Question            string                `json:"question"`
	Targets              []string              `json:"targets"`
	IndividualResponses  map[string]CallResult `json:"individual_responses"`
	Consensus            string                `json:"consensus,omitempty"`
	ConsensusSuccess     bool                  `json:"consensus_success"`
	SuccessCount         int                   `json:"success_count"`
	Error                string                `json:"error,omitempty"`
	TraceID              string                `json:"trace_id"`
}

const meshSystemPrompt = `You are an LLM in a guarded orchestration mesh.
You were called by another LLM to help with a task.

Respond in this format:
=== RESPONSE ===
STATUS: success|partial|need_info
SUMMARY: [Brief summary of your response]
DETAILS: [Detailed response]
=== END RESPONSE ===`

// Mesh wires RBAC, cycle detection, rate limiting and circuit breaking
// around a Transport to implement the guarded call/broadcast/
// consensus/delegate primitives.
type Mesh struct {
	transport Transport
	rbacSvc   *rbac.RBAC
	circuits  *circuit.Registry
	cycles    *cycledetect.Detector
	limiter   *ratelimit.Limiter
	auditLog  *audit.Log
	logger    meshlog.Logger
}

// New wires a Mesh from its guarded dependencies.
func New(transport Transport, rbacSvc *rbac.RBAC, circuits *circuit.Registry, cycles *cycledetect.Detector, limiter *ratelimit.Limiter, auditLog *audit.Log, logger meshlog.Logger) *Mesh {
	if logger == nil {
		logger = meshlog.NoOp()
	}
	if cal, ok := logger.(meshlog.ComponentAwareLogger); ok {
		logger = cal.WithComponent("mesh")
	}
	return &Mesh{
		transport: transport,
		rbacSvc:   rbacSvc,
		circuits:  circuits,
		cycles:    cycles,
		limiter:   limiter,
		auditLog:  auditLog,
		logger:    logger,
	}
}

// ModelID resolves target to its transport-level model identifier,
// returning target unchanged if it carries no alias.
func ModelID(target string) string {
	if id, ok := modelAliases[strings.ToLower(target)]; ok {
		return id
	}
	return target
}

// BestForTask returns the first available endpoint specialized for
// taskType, defaulting to "gemini" when nothing matches.
func (m *Mesh) BestForTask(taskType string) string {
	tag := strings.ToLower(taskType)
	for endpoint, tags := range specializations {
		for _, t := range tags {
			if t == tag && m.circuits.IsAvailable(endpoint) {
				return endpoint
			}
		}
	}
	return "gemini"
}

// CallParams configures one guarded call.
type CallParams struct {
	Target    string
	Prompt    string
	CallerLLM string
	Context   map[string]any
	MaxTokens int
	TraceID   string
	SessionID string
	Timeout   time.Duration
}

// Call performs one guarded call to target: RBAC, cycle detection, rate
// limiting and circuit breaking run in that order before the transport is
// invoked. Every branch is audited.
func (m *Mesh) Call(ctx context.Context, p CallParams) CallResult {
	start := time.Now()
	if p.CallerLLM == "" {
		p.CallerLLM = "unknown"
	}
	if p.TraceID == "" {
		p.TraceID = uuid.NewString()
	}
	if p.Timeout <= 0 {
		p.Timeout = defaultTimeout
	}
	if p.MaxTokens <= 0 {
		p.MaxTokens = 2048
	}

	if m.rbacSvc != nil && !m.rbacSvc.CanCall(ctx, p.CallerLLM, p.Target) {
		return CallResult{
			Target:  p.Target,
			Success: false,
			Error:   fmt.Sprintf("RBAC denied: %s cannot call %s", p.CallerLLM, p.Target),
			TraceID: p.TraceID,
		}
	}

	if !m.cycles.AddToChain(p.TraceID, p.Target) {
		chain := m.cycles.Chain(p.TraceID)
		m.recordAudit(ctx, p.CallerLLM, "security/cycle_detected", meshtypes.LevelSecurity, p.TraceID, p.SessionID, map[string]any{
			"call_chain": chain,
			"target":     p.Target,
		})
		return CallResult{
			Target:  p.Target,
			Success: false,
			Error:   fmt.Sprintf("cycle detected: %s -> %s", strings.Join(chain, " -> "), p.Target),
			TraceID: p.TraceID,
		}
	}
	defer m.cycles.PopFromChain(p.TraceID)

	if !m.limiter.Allow(p.Target) {
		wait := m.limiter.WaitTime(p.Target)
		m.recordAudit(ctx, p.CallerLLM, "rate_limited", meshtypes.LevelWarn, p.TraceID, p.SessionID, map[string]any{"wait_seconds": wait})
		return CallResult{
			Target:      p.Target,
			Success:     false,
			Error:       fmt.Sprintf("rate limit exceeded. wait %.1fs", wait),
			WaitSeconds: wait,
			TraceID:     p.TraceID,
		}
	}

	actualTarget := p.Target
	var fallbackUsed string
	if !m.circuits.IsAvailable(p.Target) {
		fallback, ok := m.circuits.AvailableFallback(p.Target)
		if !ok {
			m.recordAudit(ctx, p.CallerLLM, "circuit_open", meshtypes.LevelWarn, p.TraceID, p.SessionID, map[string]any{"target": p.Target})
			return CallResult{
				Target:  p.Target,
				Success: false,
				Error:   fmt.Sprintf("circuit open for %s, no fallback available", p.Target),
				TraceID: p.TraceID,
			}
		}
		actualTarget = fallback
		fallbackUsed = fallback
		m.logger.Info("using fallback endpoint", map[string]interface{}{"target": p.Target, "fallback": fallback})
	}

	modelID := ModelID(actualTarget)
	callCtx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	systemPrompt := meshSystemPrompt
	if len(p.Context) > 0 {
		systemPrompt = fmt.Sprintf("%s\n\nContext provided:\n%v", meshSystemPrompt, p.Context)
	}

	response, err := m.transport.GenerateResponse(callCtx, modelID, systemPrompt, p.Prompt, p.MaxTokens)
	execMs := float64(time.Since(start).Milliseconds())

	if err != nil {
		m.circuits.RecordFailure(actualTarget)
		status := "error"
		if callCtx.Err() == context.DeadlineExceeded {
			status = "timeout"
		}
		m.recordAudit(ctx, p.CallerLLM, "llm_call", meshtypes.LevelError, p.TraceID, p.SessionID, map[string]any{
			"target_endpoint":   actualTarget,
			"result_status":     status,
			"execution_time_ms": execMs,
			"error_message":     err.Error(),
		})
		return CallResult{
			Target:          p.Target,
			ActualTarget:    actualTarget,
			Success:         false,
			Error:           err.Error(),
			ExecutionTimeMs: execMs,
			TraceID:         p.TraceID,
		}
	}

	m.circuits.RecordSuccess(actualTarget)
	m.recordAudit(ctx, p.CallerLLM, "llm_call", meshtypes.LevelInfo, p.TraceID, p.SessionID, map[string]any{
		"target_endpoint":   actualTarget,
		"result_status":     "success",
		"execution_time_ms": execMs,
	})

	return CallResult{
		Target:          p.Target,
		ActualTarget:    actualTarget,
		Success:         true,
		Response:        response,
		ModelID:         modelID,
		ExecutionTimeMs: execMs,
		FallbackUsed:    fallbackUsed,
		TraceID:         p.TraceID,
	}
}

func (m *Mesh) recordAudit(ctx context.Context, callerID, action string, level meshtypes.AuditLevel, traceID, sessionID string, metadata map[string]any) {
	if m.auditLog == nil {
		return
	}
	m.auditLog.Record(ctx, audit.EntryParams{
		TraceID:   traceID,
		SessionID: sessionID,
		CallerID:  callerID,
		Action:    action,
		Level:     level,
		Metadata:  metadata,
	})
}

// BroadcastParams configures a parallel fan-out to several endpoints.
type BroadcastParams struct {
	Targets   []string
	Prompt    string
	CallerLLM string
	TraceID   string
	SessionID string
	Timeout   time.Duration
}

// Broadcast calls every target in parallel, collecting every result
// regardless of individual failures.
func (m *Mesh) Broadcast(ctx context.Context, p BroadcastParams) BroadcastResult {
	if p.TraceID == "" {
		p.TraceID = uuid.NewString()
	}

	results := make([]CallResult, len(p.Targets))
	g, gctx := errgroup.WithContext(ctx)
	for i, target := range p.Targets {
		i, target := i, target
		g.Go(func() error {
			results[i] = m.Call(gctx, CallParams{
				Target:    target,
				Prompt:    p.Prompt,
				CallerLLM: p.CallerLLM,
				TraceID:   p.TraceID,
				SessionID: p.SessionID,
				Timeout:   p.Timeout,
			})
			return nil
		})
	}
	_ = g.Wait()

	responses := make(map[string]CallResult, len(p.Targets))
	successCount, errorCount := 0, 0
	for i, target := range p.Targets {
		responses[target] = results[i]
		if results[i].Success {
			successCount++
		} else {
			errorCount++
		}
	}

	return BroadcastResult{
		Targets:      p.Targets,
		Responses:    responses,
		SuccessCount: successCount,
		ErrorCount:   errorCount,
		TraceID:      p.TraceID,
	}
}

// ConsensusParams configures a consensus query.
type ConsensusParams struct {
	Targets      []string
	Question     string
	CallerLLM    string
	Weights      map[string]float64
	MinAgreement float64
	TraceID      string
	SessionID    string
}

// Consensus broadcasts a question to Targets, then asks "gemini" to
// synthesize agreement across the successful responses.
func (m *Mesh) Consensus(ctx context.Context, p ConsensusParams) ConsensusResult {
	if p.TraceID == "" {
		p.TraceID = uuid.NewString()
	}
	if p.MinAgreement == 0 {
		p.MinAgreement = 0.6
	}

	broadcast := m.Broadcast(ctx, BroadcastParams{
		Targets:   p.Targets,
		Prompt:    p.Question,
		CallerLLM: p.CallerLLM,
		TraceID:   p.TraceID,
		SessionID: p.SessionID,
	})

	successful := make(map[string]CallResult)
	for t, r := range broadcast.Responses {
		if r.Success {
			successful[t] = r
		}
	}

	if len(successful) < 2 {
		return ConsensusResult{
			Question:            p.Question,
			Targets:              p.Targets,
			IndividualResponses:  broadcast.Responses,
			Error:                "Not enough successful responses for consensus",
			TraceID:              p.TraceID,
		}
	}

	var sb strings.Builder
	for t, r := range successful {
		weight := 1.0
		if w, ok := p.Weights[t]; ok {
			weight = w
		}
		fmt.Fprintf(&sb, "=== %s (weight: %.2f) ===\n%s\n\n", t, weight, r.Response)
	}

	analysisPrompt := fmt.Sprintf(`Analyze the following responses and find consensus:

QUESTION: %s

RESPONSES:
%s

TASK:
1. AGREEMENT: What do all/most responses agree on?
2. DIFFERENCES: Where do they differ?
3. RECOMMENDATION: What's the best recommendation based on consensus?
4. AGREEMENT_SCORE: Rate the overall agreement from 0.0 to 1.0

Minimum required agreement: %.2f`, p.Question, sb.String(), p.MinAgreement)

	consensusResult := m.Call(ctx, CallParams{
		Target:    "gemini",
		Prompt:    analysisPrompt,
		CallerLLM: p.CallerLLM,
		TraceID:   p.TraceID,
		SessionID: p.SessionID,
	})

	return ConsensusResult{
		Question:            p.Question,
		Targets:              p.Targets,
		IndividualResponses:  broadcast.Responses,
		Consensus:            consensusResult.Response,
		ConsensusSuccess:     consensusResult.Success,
		SuccessCount:         broadcast.SuccessCount,
		TraceID:              p.TraceID,
	}
}

// DelegateParams configures a specialized-task delegation.
type DelegateParams struct {
	Target        string
	TaskType      string
	Prompt        string
	CallerLLM     string
	ContextFiles  []string
	TraceID       string
	SessionID     string
}

// Delegate wraps Call with a task-framing prompt, auto-selecting the best
// endpoint for TaskType when Target is "auto".
func (m *Mesh) Delegate(ctx context.Context, p DelegateParams) CallResult {
	target := p.Target
	if strings.EqualFold(target, "auto") {
		target = m.BestForTask(p.TaskType)
	}

	delegationPrompt := fmt.Sprintf(`DELEGATED TASK
Type: %s
From: %s

TASK:
%s

Please complete this task thoroughly and return your results.`, p.TaskType, p.CallerLLM, p.Prompt)

	result := m.Call(ctx, CallParams{
		Target:    target,
		Prompt:    delegationPrompt,
		CallerLLM: p.CallerLLM,
		Context:   map[string]any{"task_type": p.TaskType, "files": p.ContextFiles},
		TraceID:   p.TraceID,
		SessionID: p.SessionID,
		MaxTokens: 4096,
	})
	result.TaskType = p.TaskType
	result.Delegated = true
	return result
}

// AvailableEndpoints returns every known endpoint whose circuit currently
// admits calls.
func (m *Mesh) AvailableEndpoints() []string {
	out := make([]string, 0, len(modelAliases))
	for endpoint := range modelAliases {
		if m.circuits.IsAvailable(endpoint) {
			out = append(out, endpoint)
		}
	}
	return out
}

// EndpointStatus summarizes one endpoint's circuit and rate limit state.
type EndpointStatus struct {
	Endpoint        string            `json:"endpoint"`
	ModelID         string            `json:"model_id"`
	CircuitState    string            `json:"circuit_state"`
	Available       bool              `json:"available"`
	RateLimit       ratelimit.Usage   `json:"rate_limit"`
	Specializations []string          `json:"specializations,omitempty"`
	Fallback        string            `json:"fallback,omitempty"`
}

// Status returns a snapshot of every known endpoint in the mesh.
func (m *Mesh) Status() map[string]EndpointStatus {
	out := make(map[string]EndpointStatus, len(modelAliases))
	for endpoint, modelID := range modelAliases {
		cbStatus := m.circuits.Status(endpoint)
		out[endpoint] = EndpointStatus{
			Endpoint:        endpoint,
			ModelID:         modelID,
			CircuitState:    cbStatus.State,
			Available:       m.circuits.IsAvailable(endpoint),
			RateLimit:       m.limiter.CurrentUsage(endpoint),
			Specializations: specializations[endpoint],
			Fallback:        cbStatus.Fallback,
		}
	}
	return out
}
