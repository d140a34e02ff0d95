package tools

import (
	"context"
	"testing"

	"github.com/ailinux/llmesh/internal/meshtypes"
	"github.com/ailinux/llmesh/internal/rbac"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInlineCallsStrictJSON(t *testing.T) {
	text := `please run @mcp.call(search_memory, {"query": "outage", "limit": 5})  now`

	calls := ParseInlineCalls(text)
	require.Len(t, calls, 1)
	assert.Equal(t, "search_memory", calls[0].ToolName)
	assert.Equal(t, "outage", calls[0].Params["query"])
	assert.Equal(t, float64(5), calls[0].Params["limit"])
	assert.Equal(t, 1, calls[0].Line)
}

func TestParseInlineCallsRelaxedFallback(t *testing.T) {
	// Unquoted keys make this invalid strict JSON; the parser must still
	// recover query/limit via the relaxed key:value fallback.
	text := `@mcp.call(search_memory, {query: hello, limit: 3, active: true})`

	calls := ParseInlineCalls(text)
	require.Len(t, calls, 1)
	assert.Equal(t, "hello", calls[0].Params["query"])
	assert.Equal(t, 3, calls[0].Params["limit"])
	assert.Equal(t, true, calls[0].Params["active"])
}

func TestParseInlineCallsMalformedNeverPanics(t *testing.T) {
	text := `@mcp.call(broken, {not even close to json!!!})`
	assert.NotPanics(t, func() {
		calls := ParseInlineCalls(text)
		require.Len(t, calls, 1)
		assert.Equal(t, "broken", calls[0].ToolName)
	})
}

func TestHasInlineCallsDetectsPresence(t *testing.T) {
	assert.True(t, HasInlineCalls(`@mcp.call(tool, {})`))
	assert.False(t, HasInlineCalls(`no calls here`))
}

func TestProcessInlineInjectsResults(t *testing.T) {
	rbacSvc := rbac.New(map[string]meshtypes.Role{"caller-1": meshtypes.RoleAdmin}, nil, nil)
	d := New(rbacSvc, nil, nil)
	d.Register(meshtypes.Tool{Name: "echo", RequiredPermission: meshtypes.PermAdminFull}, echoHandler)

	text := `run @mcp.call(echo, {"x": 1}) please`
	rewritten, results := d.ProcessInline(context.Background(), "caller-1", "trace-1", text)

	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.Contains(t, rewritten, "[MCP_RESULT:echo]")
	assert.NotContains(t, rewritten, "@mcp.call")
}

func TestProcessInlineNoCallsReturnsUnchanged(t *testing.T) {
	d := New(rbac.New(nil, nil, nil), nil, nil)
	text := "just plain text"

	rewritten, results := d.ProcessInline(context.Background(), "caller-1", "trace-1", text)
	assert.Equal(t, text, rewritten)
	assert.Nil(t, results)
}

func TestProcessInlineInjectsErrorMarkerOnFailure(t *testing.T) {
	rbacSvc := rbac.New(map[string]meshtypes.Role{"caller-1": meshtypes.RoleReader}, nil, nil)
	d := New(rbacSvc, nil, nil)
	d.Register(meshtypes.Tool{Name: "restricted", RequiredPermission: meshtypes.PermAdminFull}, echoHandler)

	text := `@mcp.call(restricted, {})`
	rewritten, results := d.ProcessInline(context.Background(), "caller-1", "trace-1", text)

	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Contains(t, rewritten, "[MCP_ERROR:restricted]")
}

func TestProcessInlineIterativeResolvesChainedCalls(t *testing.T) {
	rbacSvc := rbac.New(map[string]meshtypes.Role{"caller-1": meshtypes.RoleAdmin}, nil, nil)
	d := New(rbacSvc, nil, nil)

	calls := 0
	d.Register(meshtypes.Tool{Name: "chain", RequiredPermission: meshtypes.PermAdminFull}, func(ctx context.Context, params map[string]any) (map[string]any, error) {
		calls++
		if calls == 1 {
			return map[string]any{"next": "@mcp.call(chain, {})"}, nil
		}
		return map[string]any{"done": true}, nil
	})

	text := `@mcp.call(chain, {})`
	_, results := d.ProcessInlineIterative(context.Background(), "caller-1", "trace-1", text, 3)

	assert.Len(t, results, 2, "a tool result containing a further call must be re-parsed and executed")
}
