// Package chain implements the Cycle Engine and Chain Engine from spec
// §4.10-§4.11, grounded on original_source
// app/services/tristar/cycle_engine.py and chain_engine.py: a bounded
// Lead -> Mesh -> Lead orchestration loop where a lead model plans work,
// mesh agents execute it, and the lead consolidates results into a
// continue/done/error decision.
package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/ailinux/llmesh/internal/mesh"
	"github.com/ailinux/llmesh/internal/meshlog"
	"github.com/ailinux/llmesh/internal/meshtypes"
	"golang.org/x/sync/errgroup"
)

const chainKernelCallerID = "chain_kernel"

const (
	defaultLeadModel       = "gemini"
	defaultCycleTimeout    = 120 * time.Second
	defaultMaxParallelTask = 8
)

// agentPlanFence matches a fenced ```agent_plan ... ``` block in a lead
// model's response.
var agentPlanFence = regexp.MustCompile("(?s)```agent_plan\\s*(.*?)\\s*```")

// looseJSONWithTasks matches any JSON object containing a "tasks" key,
// used when the lead model forgets the fence but still emits JSON.
var looseJSONWithTasks = regexp.MustCompile(`(?s)\{.*"tasks".*\}`)

// CycleEngine runs one plan -> dispatch -> consolidate iteration.
type CycleEngine struct {
	mesh             *mesh.Mesh
	defaultLead      string
	defaultTimeout   time.Duration
	maxParallelTasks int
	logger           meshlog.Logger
}

// CycleConfig configures a CycleEngine.
type CycleConfig struct {
	DefaultLead      string
	DefaultTimeout   time.Duration
	MaxParallelTasks int
}

// NewCycleEngine builds a CycleEngine bound to m for all plan/delegate/
// consolidate calls.
func NewCycleEngine(m *mesh.Mesh, cfg CycleConfig, logger meshlog.Logger) *CycleEngine {
	if cfg.DefaultLead == "" {
		cfg.DefaultLead = defaultLeadModel
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultCycleTimeout
	}
	if cfg.MaxParallelTasks <= 0 {
		cfg.MaxParallelTasks = defaultMaxParallelTask
	}
	if logger == nil {
		logger = meshlog.NoOp()
	}
	if cal, ok := logger.(meshlog.ComponentAwareLogger); ok {
		logger = cal.WithComponent("cycle")
	}
	return &CycleEngine{
		mesh:             m,
		defaultLead:      cfg.DefaultLead,
		defaultTimeout:   cfg.DefaultTimeout,
		maxParallelTasks: cfg.MaxParallelTasks,
		logger:           logger,
	}
}

// CycleParams configures one ExecuteCycle call.
type CycleParams struct {
	Prompt       string
	SystemPrompt string
	LeadModel    string
	CycleNumber  int
	Aggressive   bool
	TraceID      string
}

// ExecuteCycle runs one lead-plan -> mesh-dispatch -> lead-consolidate
// iteration, never returning an error: failures are captured in the
// returned Cycle's Errors/NextAction fields, mirroring
// CycleEngine.execute_cycle's try/except-to-result shape.
func (e *CycleEngine) ExecuteCycle(ctx context.Context, p CycleParams) *meshtypes.Cycle {
	start := time.Now()
	cycle := &meshtypes.Cycle{
		CycleNumber:  p.CycleNumber,
		StartedAt:    start,
		AgentResults: make(map[string]meshtypes.AgentResult),
		NextAction:   meshtypes.ActionContinue,
	}

	leadModel := p.LeadModel
	if leadModel == "" {
		leadModel = e.defaultLead
	}

	planPrompt := e.buildPlanningPrompt(p.SystemPrompt, p.Prompt, p.CycleNumber)
	e.logger.Info("cycle lead analyzing task", map[string]interface{}{"cycle": p.CycleNumber, "lead": leadModel})

	planResp := e.mesh.Call(ctx, mesh.CallParams{
		Target:    leadModel,
		Prompt:    planPrompt,
		CallerLLM: chainKernelCallerID,
		TraceID:   p.TraceID,
		Timeout:   e.defaultTimeout,
	})
	if !planResp.Success {
		cycle.Errors = append(cycle.Errors, fmt.Sprintf("lead analysis failed: %s", planResp.Error))
		cycle.NextAction = meshtypes.ActionError
		e.finish(cycle, start)
		return cycle
	}

	cycle.LeadAnalysis = planResp.Response
	cycle.TokensUsed += estimateTokens(planResp.Response)

	agentPlan := parseAgentPlan(planResp.Response)
	cycle.AgentPlan = agentPlan

	if agentPlan == nil || len(agentPlan.Tasks) == 0 {
		cycle.Consolidation = planResp.Response
		if strings.Contains(planResp.Response, "[CHAIN_DONE]") {
			cycle.NextAction = meshtypes.ActionDone
		}
		e.finish(cycle, start)
		return cycle
	}

	e.logger.Info("cycle delegating tasks to mesh agents", map[string]interface{}{
		"cycle": p.CycleNumber, "task_count": len(agentPlan.Tasks),
	})
	cycle.AgentTasks = agentPlan.Tasks

	maxParallel := e.maxParallelTasks
	if !p.Aggressive {
		maxParallel = min(4, len(agentPlan.Tasks))
	}
	agentResults := e.executeAgentTasks(ctx, agentPlan.Tasks, maxParallel, p.TraceID)
	cycle.AgentResults = agentResults
	for _, r := range agentResults {
		cycle.TokensUsed += estimateTokens(r.Response)
	}

	e.logger.Info("cycle lead consolidating results", map[string]interface{}{"cycle": p.CycleNumber})
	consolidationPrompt := buildConsolidationPrompt(p.Prompt, agentPlan, agentResults, p.CycleNumber)

	consolidationResp := e.mesh.Call(ctx, mesh.CallParams{
		Target:    leadModel,
		Prompt:    consolidationPrompt,
		CallerLLM: chainKernelCallerID,
		TraceID:   p.TraceID,
		Timeout:   e.defaultTimeout,
	})
	if !consolidationResp.Success {
		cycle.Errors = append(cycle.Errors, fmt.Sprintf("consolidation failed: %s", consolidationResp.Error))
		cycle.NextAction = meshtypes.ActionError
		e.finish(cycle, start)
		return cycle
	}

	cycle.Consolidation = consolidationResp.Response
	cycle.TokensUsed += estimateTokens(cycle.Consolidation)

	switch {
	case strings.Contains(cycle.Consolidation, "[CHAIN_DONE]"):
		cycle.NextAction = meshtypes.ActionDone
	case strings.Contains(cycle.Consolidation, "[CHAIN_CONTINUE]"):
		cycle.NextAction = meshtypes.ActionContinue
	case strings.Contains(cycle.Consolidation, "[CHAIN_ERROR]"):
		cycle.NextAction = meshtypes.ActionError
	default:
		cycle.NextAction = meshtypes.ActionContinue
	}

	e.finish(cycle, start)
	return cycle
}

func (e *CycleEngine) finish(cycle *meshtypes.Cycle, start time.Time) {
	now := time.Now()
	cycle.CompletedAt = &now
	cycle.ExecutionTimeMs = float64(now.Sub(start).Milliseconds())
}

func (e *CycleEngine) buildPlanningPrompt(systemPrompt, prompt string, cycleNumber int) string {
	return fmt.Sprintf(`%s

CYCLE: %d

%s

Analyze the task thoroughly.
If you can solve it yourself, do so directly.
If you need specialists, produce an AGENT_PLAN.

AGENT_PLAN FORMAT:
`+"```"+`agent_plan
{
  "analysis": "short analysis of the task",
  "reasoning": "why these agents were chosen",
  "tasks": [
    {
      "task_id": "task_1",
      "agent": "claude|deepseek|qwen|mistral|cogito|nova|kimi",
      "task_type": "coding|research|review|documentation",
      "description": "short description",
      "prompt": "detailed prompt for the agent",
      "priority": 1
    }
  ],
  "expected_output": "description of the expected result"
}
`+"```"+`

End with [CHAIN_DONE] if the task is complete.
End with [CHAIN_CONTINUE] if you still need another cycle.`, systemPrompt, cycleNumber, prompt)
}

func buildConsolidationPrompt(originalPrompt string, plan *meshtypes.AgentPlan, results map[string]meshtypes.AgentResult, cycleNumber int) string {
	var sb strings.Builder
	if plan != nil {
		for _, task := range plan.Tasks {
			result, ok := results[task.TaskID]
			if !ok {
				continue
			}
			mark := "x"
			if result.Success {
				mark = "ok"
			}
			fmt.Fprintf(&sb, "\n### %s (%s) [%s]\n%s\n", task.TaskID, result.Endpoint, mark, result.Response)
		}
	}

	planJSON, _ := json.MarshalIndent(plan, "", "  ")

	return fmt.Sprintf(`CONSOLIDATION - CYCLE %d

ORIGINAL TASK:
%s

AGENT PLAN:
%s

AGENT RESULTS:
%s

INSTRUCTIONS:
1. Analyze every agent result
2. Summarize the findings
3. Identify open points
4. Produce one coherent answer

OUTPUT:
- Start with a summary
- Add details and results
- End with [CHAIN_DONE] if the task is complete
- End with [CHAIN_CONTINUE] if more work is needed
- End with [CHAIN_ERROR] if a critical failure occurred`, cycleNumber, originalPrompt, string(planJSON), sb.String())
}

// parseAgentPlan extracts the ```agent_plan fenced block from response,
// falling back to any loose JSON object containing a "tasks" key, and
// finally to an empty plan carrying the raw response as analysis.
func parseAgentPlan(response string) *meshtypes.AgentPlan {
	if match := agentPlanFence.FindStringSubmatch(response); match != nil {
		var plan meshtypes.AgentPlan
		if err := json.Unmarshal([]byte(match[1]), &plan); err == nil {
			return &plan
		}
	}
	if match := looseJSONWithTasks.FindString(response); match != "" {
		var plan meshtypes.AgentPlan
		if err := json.Unmarshal([]byte(match), &plan); err == nil {
			return &plan
		}
	}
	return &meshtypes.AgentPlan{Analysis: response}
}

// executeAgentTasks runs every dependency-free task concurrently (capped
// at maxParallel), then runs dependent tasks sequentially once their
// predecessors have completed, injecting predecessor responses as context.
func (e *CycleEngine) executeAgentTasks(ctx context.Context, tasks []meshtypes.AgentTask, maxParallel int, traceID string) map[string]meshtypes.AgentResult {
	results := make(map[string]meshtypes.AgentResult)
	var mu sync.Mutex

	var noDeps, withDeps []meshtypes.AgentTask
	for _, t := range tasks {
		if len(t.DependsOn) == 0 {
			noDeps = append(noDeps, t)
		} else {
			withDeps = append(withDeps, t)
		}
	}

	if maxParallel <= 0 {
		maxParallel = 1
	}

	for i := 0; i < len(noDeps); i += maxParallel {
		end := i + maxParallel
		if end > len(noDeps) {
			end = len(noDeps)
		}
		batch := noDeps[i:end]

		g, gctx := errgroup.WithContext(ctx)
		for _, task := range batch {
			task := task
			g.Go(func() error {
				result := e.delegateTask(gctx, task, task.Prompt, traceID)
				mu.Lock()
				results[task.TaskID] = result
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
	}

	for _, task := range withDeps {
		depsSatisfied := true
		var depContext strings.Builder
		for _, dep := range task.DependsOn {
			r, ok := results[dep]
			if !ok || !r.Success {
				depsSatisfied = false
				break
			}
			fmt.Fprintf(&depContext, "Result from %s:\n%s\n", dep, r.Response)
		}
		if !depsSatisfied {
			results[task.TaskID] = meshtypes.AgentResult{
				Endpoint: task.Agent,
				Success:  false,
				Error:    "dependencies not satisfied",
			}
			continue
		}
		enhancedPrompt := fmt.Sprintf("%s\n\nCONTEXT FROM PREVIOUS TASKS:\n%s", task.Prompt, depContext.String())
		results[task.TaskID] = e.delegateTask(ctx, task, enhancedPrompt, traceID)
	}

	return results
}

func (e *CycleEngine) delegateTask(ctx context.Context, task meshtypes.AgentTask, prompt, traceID string) meshtypes.AgentResult {
	agent := task.Agent
	if agent == "" {
		agent = "claude"
	}
	result := e.mesh.Delegate(ctx, mesh.DelegateParams{
		Target:    agent,
		TaskType:  task.TaskType,
		Prompt:    prompt,
		CallerLLM: chainKernelCallerID,
		TraceID:   traceID,
	})
	return meshtypes.AgentResult{
		Endpoint: agent,
		Success:  result.Success,
		Response: result.Response,
		Error:    result.Error,
	}
}

func estimateTokens(text string) int {
	return len(text) / 4
}
