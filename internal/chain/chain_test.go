package chain

import (
	"context"
	"testing"
	"time"

	"github.com/ailinux/llmesh/internal/meshtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gatedTransport blocks each GenerateResponse call until the test sends on
// resume, announcing the call is in flight on started first. This gives a
// test a window to act (e.g. cancel the chain) between cycles.
type gatedTransport struct {
	responses []string
	i         int
	started   chan struct{}
	resume    chan struct{}
}

func (g *gatedTransport) GenerateResponse(ctx context.Context, modelID, systemPrompt, prompt string, maxTokens int) (string, error) {
	g.started <- struct{}{}
	<-g.resume
	if g.i >= len(g.responses) {
		return "[CHAIN_DONE]", nil
	}
	resp := g.responses[g.i]
	g.i++
	return resp, nil
}

func waitForTerminal(t *testing.T, engine *Engine, chainID string) *meshtypes.Chain {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c, ok := engine.GetChain(chainID)
		require.True(t, ok)
		if c.Status != meshtypes.ChainRunning {
			return c
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("chain never reached a terminal state")
	return nil
}

func TestStartChainCompletesOnSingleCycleDoneMarker(t *testing.T) {
	transport := &scriptedTransport{queue: []string{"all done here. [CHAIN_DONE]"}}
	cycles := newTestCycleEngine(t, transport)
	engine := New(cycles, EngineConfig{WorkspaceBase: t.TempDir(), MaxCycles: 5}, nil)

	result, err := engine.StartChain(context.Background(), StartParams{UserPrompt: "do the thing"})
	require.NoError(t, err)

	final := waitForTerminal(t, engine, result.ChainID)
	assert.Equal(t, meshtypes.ChainCompleted, final.Status)
	assert.Len(t, final.Cycles, 1, "a CHAIN_DONE marker on the first cycle must stop further iteration")
}

func TestStartChainStopsAtMaxCyclesWithoutTerminalMarker(t *testing.T) {
	transport := &scriptedTransport{queue: []string{"still going", "still going", "still going"}}
	cycles := newTestCycleEngine(t, transport)
	engine := New(cycles, EngineConfig{WorkspaceBase: t.TempDir(), MaxCycles: 3}, nil)

	result, err := engine.StartChain(context.Background(), StartParams{UserPrompt: "endless task"})
	require.NoError(t, err)

	final := waitForTerminal(t, engine, result.ChainID)
	assert.Equal(t, meshtypes.ChainCompleted, final.Status, "exhausting max cycles without a marker still ends the chain, just without an explicit DONE")
	assert.Len(t, final.Cycles, 3)
}

func TestStartChainFailsOnLeadError(t *testing.T) {
	// No agent_plan fence means ExecuteCycle never inspects a [CHAIN_ERROR]
	// marker in free text; the only reliable way the cycle reports ActionError
	// is a failed lead call itself, so the chain's transport errors outright.
	cycles := newTestCycleEngine(t, failingTransport{})
	engine := New(cycles, EngineConfig{WorkspaceBase: t.TempDir(), MaxCycles: 5}, nil)

	result, err := engine.StartChain(context.Background(), StartParams{UserPrompt: "risky task"})
	require.NoError(t, err)

	final := waitForTerminal(t, engine, result.ChainID)
	assert.Equal(t, meshtypes.ChainFailed, final.Status)
}

func TestCancelChainStopsFutureCycles(t *testing.T) {
	transport := &gatedTransport{
		responses: []string{"keep going", "keep going", "keep going"},
		started:   make(chan struct{}),
		resume:    make(chan struct{}),
	}
	cycles := newTestCycleEngine(t, transport)
	engine := New(cycles, EngineConfig{WorkspaceBase: t.TempDir(), MaxCycles: 10}, nil)

	result, err := engine.StartChain(context.Background(), StartParams{UserPrompt: "long task"})
	require.NoError(t, err)

	<-transport.started // first cycle's lead call is in flight
	assert.True(t, engine.CancelChain(result.ChainID))
	transport.resume <- struct{}{} // let cycle 1 finish; cycle 2 must never start

	final := waitForTerminal(t, engine, result.ChainID)
	assert.Equal(t, meshtypes.ChainCancelled, final.Status)
}

func TestListChainsFiltersByProjectAndStatus(t *testing.T) {
	transport := &scriptedTransport{queue: []string{"[CHAIN_DONE]"}}
	cycles := newTestCycleEngine(t, transport)
	engine := New(cycles, EngineConfig{WorkspaceBase: t.TempDir(), MaxCycles: 1}, nil)

	result, err := engine.StartChain(context.Background(), StartParams{UserPrompt: "task", ProjectID: "proj-a"})
	require.NoError(t, err)
	waitForTerminal(t, engine, result.ChainID)

	chains := engine.ListChains("proj-a", meshtypes.ChainCompleted)
	assert.Len(t, chains, 1)

	assert.Empty(t, engine.ListChains("proj-b", ""))
}
