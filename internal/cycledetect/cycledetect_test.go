package cycledetect

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddToChainRefusesRevisit(t *testing.T) {
	d := New(Config{}, nil)

	require.True(t, d.AddToChain("trace-1", "agent-a"))
	require.True(t, d.AddToChain("trace-1", "agent-b"))

	assert.False(t, d.AddToChain("trace-1", "agent-a"), "revisiting an endpoint already on the chain must be refused")
	assert.Equal(t, []string{"agent-a", "agent-b"}, d.Chain("trace-1"))
}

func TestAddToChainEnforcesMaxDepth(t *testing.T) {
	d := New(Config{MaxDepth: 2}, nil)

	require.True(t, d.AddToChain("trace-1", "a"))
	require.True(t, d.AddToChain("trace-1", "b"))

	assert.False(t, d.AddToChain("trace-1", "c"), "chain at max depth must refuse further additions")
	assert.Equal(t, 2, d.Depth("trace-1"))
}

func TestPopFromChainUnwinds(t *testing.T) {
	d := New(Config{}, nil)
	d.AddToChain("trace-1", "a")
	d.AddToChain("trace-1", "b")

	d.PopFromChain("trace-1")
	assert.Equal(t, []string{"a"}, d.Chain("trace-1"))

	d.PopFromChain("trace-1")
	assert.Empty(t, d.Chain("trace-1"))

	// Popping an empty chain must not panic.
	d.PopFromChain("trace-1")
	assert.Empty(t, d.Chain("trace-1"))
}

func TestEndChainDiscardsState(t *testing.T) {
	d := New(Config{}, nil)
	d.AddToChain("trace-1", "a")

	d.EndChain("trace-1")

	assert.Equal(t, 0, d.Depth("trace-1"))
	assert.False(t, d.InChain("trace-1", "a"))
}

func TestChainsAreIndependentPerTrace(t *testing.T) {
	d := New(Config{}, nil)

	require.True(t, d.AddToChain("trace-1", "a"))
	require.True(t, d.AddToChain("trace-2", "a"), "the same endpoint must be allowed on an unrelated trace")

	assert.True(t, d.InChain("trace-1", "a"))
	assert.True(t, d.InChain("trace-2", "a"))
}

func TestActiveChainsReturnsIndependentCopies(t *testing.T) {
	d := New(Config{}, nil)
	d.AddToChain("trace-1", "a")

	snap := d.ActiveChains()
	snap["trace-1"][0] = "mutated"

	assert.Equal(t, []string{"a"}, d.Chain("trace-1"), "mutating a snapshot must not affect tracked state")
}
