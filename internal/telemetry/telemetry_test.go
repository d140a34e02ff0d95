package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBuildsProviderWithWorkingCounters(t *testing.T) {
	p, err := New("llmesh-test")
	require.NoError(t, err)
	require.NotNil(t, p)

	ctx := context.Background()
	assert.NotPanics(t, func() {
		p.RecordRPCRequest(ctx, "tools/call")
		p.RecordToolCall(ctx, "web_search", true)
		p.RecordMeshCall(ctx, "claude", false)
		p.RecordChainCycle(ctx, "CONTINUE")
	})
}

func TestStartSpanReturnsUsableSpan(t *testing.T) {
	p, err := New("llmesh-test")
	require.NoError(t, err)

	ctx, span := p.StartSpan(context.Background(), "test-span")
	require.NotNil(t, ctx)
	require.NotNil(t, span)
	assert.NotPanics(t, span.End)
}

func TestShutdownStopsBothProviders(t *testing.T) {
	p, err := New("llmesh-test")
	require.NoError(t, err)

	err = p.Shutdown(context.Background())
	assert.NoError(t, err)
}
