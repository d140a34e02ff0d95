package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ailinux/llmesh/internal/meshlog"
	"github.com/ailinux/llmesh/internal/meshtypes"
)

const (
	defaultWorkspaceBase = "./var/chains"
	defaultMaxCycles     = 10
)

// Engine drives a Chain through repeated cycles until a lead model signals
// completion, max cycles is reached, or the chain is cancelled. Grounded on
// original_source app/services/tristar/chain_engine.py's ChainEngine.
type Engine struct {
	mu            sync.Mutex
	cycles        *CycleEngine
	workspaceBase string
	defaultLead   string
	maxCycles     int
	active        map[string]*meshtypes.Chain
	logger        meshlog.Logger
}

// EngineConfig configures a chain Engine.
type EngineConfig struct {
	WorkspaceBase string
	DefaultLead   string
	MaxCycles     int
}

// New builds a chain Engine backed by cycles for each individual iteration.
func New(cycles *CycleEngine, cfg EngineConfig, logger meshlog.Logger) *Engine {
	if cfg.WorkspaceBase == "" {
		cfg.WorkspaceBase = defaultWorkspaceBase
	}
	if cfg.DefaultLead == "" {
		cfg.DefaultLead = defaultLeadModel
	}
	if cfg.MaxCycles <= 0 {
		cfg.MaxCycles = defaultMaxCycles
	}
	if logger == nil {
		logger = meshlog.NoOp()
	}
	if cal, ok := logger.(meshlog.ComponentAwareLogger); ok {
		logger = cal.WithComponent("chain")
	}
	return &Engine{
		cycles:        cycles,
		workspaceBase: cfg.WorkspaceBase,
		defaultLead:   cfg.DefaultLead,
		maxCycles:     cfg.MaxCycles,
		active:        make(map[string]*meshtypes.Chain),
		logger:        logger,
	}
}

// StartParams configures one StartChain call.
type StartParams struct {
	UserPrompt   string
	ProjectID    string
	SystemPrompt string
	MaxCycles    int
	Aggressive   bool
	TraceID      string
}

// StartChain registers a new Chain, persists its workspace config, and
// launches cycle execution in the background. The returned Chain reflects
// RUNNING status immediately; callers poll GetChain or GetLogs for progress.
func (e *Engine) StartChain(ctx context.Context, p StartParams) (*meshtypes.Chain, error) {
	chainID := meshtypes.NewID("chain")
	projectID := p.ProjectID
	if projectID == "" {
		projectID = meshtypes.NewID("proj")
	}
	maxCycles := p.MaxCycles
	if maxCycles <= 0 {
		maxCycles = e.maxCycles
	}
	traceID := p.TraceID
	if traceID == "" {
		traceID = meshtypes.NewID("trace")
	}

	now := time.Now()
	chainDir := filepath.Join(e.workspaceBase, projectID, "chains", now.Format("20060102_150405"))
	if err := os.MkdirAll(chainDir, 0o755); err != nil {
		return nil, fmt.Errorf("chain: create workspace: %w", err)
	}

	result := &meshtypes.Chain{
		ChainID:    chainID,
		ProjectID:  projectID,
		UserPrompt: p.UserPrompt,
		Status:     meshtypes.ChainRunning,
		StartedAt:  now,
		MaxCycles:  maxCycles,
	}

	config := map[string]any{
		"chain_id":    chainID,
		"project_id":  projectID,
		"user_prompt": p.UserPrompt,
		"max_cycles":  maxCycles,
		"aggressive":  p.Aggressive,
		"trace_id":    traceID,
		"started_at":  now,
		"workspace":   chainDir,
	}
	if err := writeJSON(filepath.Join(chainDir, "config.json"), config); err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.active[chainID] = result
	e.mu.Unlock()

	e.logger.Info("chain started", map[string]interface{}{"chain_id": chainID, "project_id": projectID})

	go e.runChain(context.Background(), result, chainDir, p.SystemPrompt, p.Aggressive, traceID)

	return result, nil
}

// runChain executes cycles until completion, a terminal marker, or
// cancellation observed at a cycle boundary. It always updates e.active
// with the final Chain state before returning.
func (e *Engine) runChain(ctx context.Context, result *meshtypes.Chain, chainDir, systemPrompt string, aggressive bool, traceID string) {
	start := time.Now()
	currentContext := result.UserPrompt

	for cycleNum := 1; cycleNum <= result.MaxCycles; cycleNum++ {
		if e.statusOf(result.ChainID) == meshtypes.ChainCancelled {
			break
		}
		for e.statusOf(result.ChainID) == meshtypes.ChainPaused {
			time.Sleep(500 * time.Millisecond)
		}

		cycle := e.cycles.ExecuteCycle(ctx, CycleParams{
			Prompt:       currentContext,
			SystemPrompt: systemPrompt,
			LeadModel:    e.defaultLead,
			CycleNumber:  cycleNum,
			Aggressive:   aggressive,
			TraceID:      traceID,
		})

		e.mu.Lock()
		result.Cycles = append(result.Cycles, cycle)
		result.CurrentCycle = cycleNum
		result.TotalTokens += cycle.TokensUsed
		e.mu.Unlock()

		cycleFile := filepath.Join(chainDir, fmt.Sprintf("cycle_%03d.json", cycleNum))
		if err := writeJSON(cycleFile, cycle); err != nil {
			e.logger.Error("failed to persist cycle", map[string]interface{}{"chain_id": result.ChainID, "error": err.Error()})
		}

		if cycle.NextAction == meshtypes.ActionDone {
			e.mu.Lock()
			result.FinalOutput = cycle.Consolidation
			result.Status = meshtypes.ChainCompleted
			e.mu.Unlock()
			break
		}
		if cycle.NextAction == meshtypes.ActionError {
			e.mu.Lock()
			result.Status = meshtypes.ChainFailed
			if len(cycle.Errors) > 0 {
				result.Error = cycle.Errors[0]
			}
			e.mu.Unlock()
			break
		}

		if cycle.Consolidation != "" {
			currentContext = cycle.Consolidation
		}
	}

	e.mu.Lock()
	now := time.Now()
	result.CompletedAt = &now
	if result.Status == meshtypes.ChainRunning {
		result.Status = meshtypes.ChainCompleted
		if len(result.Cycles) > 0 {
			result.FinalOutput = result.Cycles[len(result.Cycles)-1].Consolidation
		}
	}
	totalMs := float64(time.Since(start).Milliseconds())
	e.active[result.ChainID] = result
	e.mu.Unlock()

	if err := writeJSON(filepath.Join(chainDir, "result.json"), result); err != nil {
		e.logger.Error("failed to persist chain result", map[string]interface{}{"chain_id": result.ChainID, "error": err.Error()})
	}
	e.logger.Info("chain completed", map[string]interface{}{
		"chain_id": result.ChainID, "status": string(result.Status), "total_time_ms": totalMs,
	})
}

func (e *Engine) statusOf(chainID string) meshtypes.ChainStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.active[chainID]; ok {
		return c.Status
	}
	return ""
}

// GetChain returns a chain's current state by id.
func (e *Engine) GetChain(chainID string) (*meshtypes.Chain, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.active[chainID]
	return c, ok
}

// CancelChain marks a chain cancelled; the running goroutine observes this
// at its next cycle boundary.
func (e *Engine) CancelChain(chainID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.active[chainID]
	if !ok {
		return false
	}
	c.Status = meshtypes.ChainCancelled
	now := time.Now()
	c.CompletedAt = &now
	return true
}

// PauseChain pauses a RUNNING chain; it has no effect on a chain already
// paused, completed, or cancelled.
func (e *Engine) PauseChain(chainID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.active[chainID]
	if !ok || c.Status != meshtypes.ChainRunning {
		return false
	}
	c.Status = meshtypes.ChainPaused
	return true
}

// ResumeChain resumes a PAUSED chain.
func (e *Engine) ResumeChain(chainID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.active[chainID]
	if !ok || c.Status != meshtypes.ChainPaused {
		return false
	}
	c.Status = meshtypes.ChainRunning
	return true
}

// ListChains returns a summary of every tracked chain, optionally filtered
// by project id and/or status.
func (e *Engine) ListChains(projectID string, status meshtypes.ChainStatus) []*meshtypes.Chain {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*meshtypes.Chain, 0, len(e.active))
	for _, c := range e.active {
		if projectID != "" && c.ProjectID != projectID {
			continue
		}
		if status != "" && c.Status != status {
			continue
		}
		out = append(out, c)
	}
	return out
}

// GetLogs returns every cycle of a chain, or only cycleNumber's cycle when
// it is non-zero.
func (e *Engine) GetLogs(chainID string, cycleNumber int) []*meshtypes.Cycle {
	e.mu.Lock()
	c, ok := e.active[chainID]
	e.mu.Unlock()
	if !ok {
		return nil
	}
	if cycleNumber == 0 {
		return c.Cycles
	}
	var out []*meshtypes.Cycle
	for _, cycle := range c.Cycles {
		if cycle.CycleNumber == cycleNumber {
			out = append(out, cycle)
		}
	}
	return out
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("chain: marshal %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("chain: write %s: %w", path, err)
	}
	return nil
}
