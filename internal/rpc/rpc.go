// Package rpc fronts the tool dispatcher with a JSON-RPC 2.0 endpoint,
// grounded on original_source
// client-deploy/.../core/mcp_stdio_server.py's MCPStdioServer.handle_request:
// initialize/tools-list/tools-call method routing, notification (missing
// id) suppression, and MCP-style content-block result wrapping, moved from
// stdio framing onto an HTTP POST handler bound with gin.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/ailinux/llmesh/internal/chain"
	"github.com/ailinux/llmesh/internal/meshlog"
	"github.com/ailinux/llmesh/internal/meshtypes"
	"github.com/ailinux/llmesh/internal/queue"
	"github.com/ailinux/llmesh/internal/telemetry"
	"github.com/ailinux/llmesh/internal/tools"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"
)

const (
	serverName    = "llmesh"
	serverVersion = "1.0.0"
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInternalError  = -32000
)

// Request is one JSON-RPC 2.0 request envelope. ID is raw so that both
// numeric and string ids round-trip unchanged; a nil ID marks a
// notification, which never receives a response.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

// Response is one JSON-RPC 2.0 response envelope.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any         `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

// RPCError is the JSON-RPC error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Server handles JSON-RPC requests against a tool dispatcher, and
// optionally the command queue and chain engine, exposed as additional
// JSON-RPC methods under the same envelope.
type Server struct {
	dispatcher  *tools.Dispatcher
	logger      meshlog.Logger
	telemetry   *telemetry.Provider
	queue       *queue.Queue
	chainEngine *chain.Engine
}

// New builds a Server bound to dispatcher.
func New(dispatcher *tools.Dispatcher, logger meshlog.Logger) *Server {
	if logger == nil {
		logger = meshlog.NoOp()
	}
	if cal, ok := logger.(meshlog.ComponentAwareLogger); ok {
		logger = cal.WithComponent("rpc")
	}
	return &Server{dispatcher: dispatcher, logger: logger}
}

// WithTelemetry attaches a telemetry.Provider so every request increments
// the rpc-requests counter and runs inside a span. Optional: a Server
// with no provider attached behaves exactly as before.
func (s *Server) WithTelemetry(p *telemetry.Provider) *Server {
	s.telemetry = p
	return s
}

// WithQueue attaches a command queue, enabling the queue/* methods.
// Optional: without it those methods return method-not-found.
func (s *Server) WithQueue(q *queue.Queue) *Server {
	s.queue = q
	return s
}

// WithChainEngine attaches a chain engine, enabling the chain/* methods.
// Optional: without it those methods return method-not-found.
func (s *Server) WithChainEngine(e *chain.Engine) *Server {
	s.chainEngine = e
	return s
}

// RegisterRoutes mounts the JSON-RPC endpoint on router.
func (s *Server) RegisterRoutes(router gin.IRouter) {
	router.POST("/rpc", s.handle)
}

func (s *Server) handle(c *gin.Context) {
	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusOK, Response{
			JSONRPC: "2.0",
			Error:   &RPCError{Code: codeParseError, Message: "parse error: " + err.Error()},
		})
		return
	}

	if req.JSONRPC != "2.0" {
		c.JSON(http.StatusOK, Response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &RPCError{Code: codeInvalidRequest, Message: "jsonrpc must be \"2.0\""},
		})
		return
	}

	resp := s.dispatch(c.Request.Context(), req)
	if resp == nil {
		// Notification: no response body per JSON-RPC 2.0.
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// dispatch routes one request to its method handler. A nil ID marks a
// notification and always returns nil regardless of outcome.
func (s *Server) dispatch(ctx context.Context, req Request) *Response {
	isNotification := len(req.ID) == 0 || string(req.ID) == "null"
	s.logger.Info("rpc request", map[string]interface{}{"method": req.Method})

	if s.telemetry != nil {
		var span trace.Span
		ctx, span = s.telemetry.StartSpan(ctx, "rpc."+req.Method)
		defer span.End()
		s.telemetry.RecordRPCRequest(ctx, req.Method)
	}

	switch req.Method {
	case "notifications/initialized":
		return nil

	case "initialize":
		if isNotification {
			return nil
		}
		return &Response{JSONRPC: "2.0", ID: req.ID, Result: s.capabilities()}

	case "tools/list":
		if isNotification {
			return nil
		}
		return &Response{JSONRPC: "2.0", ID: req.ID, Result: map[string]any{"tools": s.listTools(ctx, req.Params)}}

	case "tools/call":
		result, callErr := s.callTool(ctx, req.Params)
		if isNotification {
			return nil
		}
		if callErr != nil {
			return &Response{JSONRPC: "2.0", ID: req.ID, Error: &RPCError{Code: codeInternalError, Message: callErr.Error()}}
		}
		return &Response{JSONRPC: "2.0", ID: req.ID, Result: result}

	case "queue/enqueue":
		result, err := s.enqueueCommand(req.Params)
		if isNotification {
			return nil
		}
		if err != nil {
			return &Response{JSONRPC: "2.0", ID: req.ID, Error: &RPCError{Code: codeInternalError, Message: err.Error()}}
		}
		return &Response{JSONRPC: "2.0", ID: req.ID, Result: result}

	case "queue/status":
		if isNotification {
			return nil
		}
		result, err := s.queueStatus(req.Params)
		if err != nil {
			return &Response{JSONRPC: "2.0", ID: req.ID, Error: &RPCError{Code: codeInternalError, Message: err.Error()}}
		}
		return &Response{JSONRPC: "2.0", ID: req.ID, Result: result}

	case "queue/stats":
		if isNotification {
			return nil
		}
		if s.queue == nil {
			return &Response{JSONRPC: "2.0", ID: req.ID, Error: &RPCError{Code: codeInternalError, Message: "queue not configured"}}
		}
		return &Response{JSONRPC: "2.0", ID: req.ID, Result: s.queue.Stats()}

	case "chain/start":
		result, err := s.startChain(ctx, req.Params)
		if isNotification {
			return nil
		}
		if err != nil {
			return &Response{JSONRPC: "2.0", ID: req.ID, Error: &RPCError{Code: codeInternalError, Message: err.Error()}}
		}
		return &Response{JSONRPC: "2.0", ID: req.ID, Result: result}

	case "chain/status":
		if isNotification {
			return nil
		}
		result, err := s.chainStatus(req.Params)
		if err != nil {
			return &Response{JSONRPC: "2.0", ID: req.ID, Error: &RPCError{Code: codeInternalError, Message: err.Error()}}
		}
		return &Response{JSONRPC: "2.0", ID: req.ID, Result: result}

	case "chain/cancel":
		if isNotification {
			return nil
		}
		result, err := s.chainCancel(req.Params)
		if err != nil {
			return &Response{JSONRPC: "2.0", ID: req.ID, Error: &RPCError{Code: codeInternalError, Message: err.Error()}}
		}
		return &Response{JSONRPC: "2.0", ID: req.ID, Result: result}

	case "chain/list":
		if isNotification {
			return nil
		}
		result, err := s.chainList(req.Params)
		if err != nil {
			return &Response{JSONRPC: "2.0", ID: req.ID, Error: &RPCError{Code: codeInternalError, Message: err.Error()}}
		}
		return &Response{JSONRPC: "2.0", ID: req.ID, Result: result}

	case "resources/list":
		if isNotification {
			return nil
		}
		return &Response{JSONRPC: "2.0", ID: req.ID, Result: map[string]any{"resources": []any{}}}

	case "prompts/list":
		if isNotification {
			return nil
		}
		return &Response{JSONRPC: "2.0", ID: req.ID, Result: map[string]any{"prompts": []any{}}}

	default:
		s.logger.Warn("unknown rpc method", map[string]interface{}{"method": req.Method})
		if isNotification {
			return nil
		}
		return &Response{JSONRPC: "2.0", ID: req.ID, Error: &RPCError{Code: codeMethodNotFound, Message: "method not found: " + req.Method}}
	}
}

func (s *Server) capabilities() map[string]any {
	return map[string]any{
		"capabilities": map[string]any{
			"tools":     map[string]any{"listChanged": true},
			"resources": map[string]any{"subscribe": false, "listChanged": false},
			"prompts":   map[string]any{"listChanged": false},
			"logging":   map[string]any{},
		},
		"serverInfo": map[string]any{
			"name":    serverName,
			"version": serverVersion,
		},
	}
}

// toolView is the wire shape of one tools/list entry, per the MCP
// tools/list contract: name, description, inputSchema only. RBAC metadata
// (required permission, category) is server-internal and never leaves the
// process.
type toolView struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

type toolsListParams struct {
	CallerID string `json:"caller_id"`
}

// listTools returns the wire view of every tool callerID's role may use.
func (s *Server) listTools(ctx context.Context, raw json.RawMessage) []toolView {
	var p toolsListParams
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &p)
	}
	callerID := p.CallerID
	if callerID == "" {
		callerID = "anonymous"
	}

	tools := s.dispatcher.ListFor(ctx, callerID)
	out := make([]toolView, 0, len(tools))
	for _, t := range tools {
		out = append(out, toolView{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}
	return out
}

type toolCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	CallerID  string         `json:"caller_id"`
	TraceID   string         `json:"trace_id"`
}

// callTool unmarshals tools/call params and invokes the dispatcher,
// wrapping the result in an MCP-style content block.
func (s *Server) callTool(ctx context.Context, raw json.RawMessage) (map[string]any, error) {
	var p toolCallParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
	}
	callerID := p.CallerID
	if callerID == "" {
		callerID = "anonymous"
	}

	result, err := s.dispatcher.Invoke(ctx, tools.InvokeParams{
		CallerID: callerID,
		ToolName: p.Name,
		Params:   p.Arguments,
		TraceID:  p.TraceID,
	})
	if s.telemetry != nil {
		s.telemetry.RecordToolCall(ctx, p.Name, err == nil)
	}
	if err != nil {
		return map[string]any{
			"content": []map[string]any{{"type": "text", "text": err.Error()}},
			"isError": true,
		}, nil
	}

	payload, marshalErr := json.MarshalIndent(result, "", "  ")
	if marshalErr != nil {
		return nil, marshalErr
	}
	return map[string]any{
		"content": []map[string]any{{"type": "text", "text": string(payload)}},
	}, nil
}

type enqueueParams struct {
	Payload    map[string]any            `json:"payload"`
	Type       string                    `json:"type"`
	Priority   meshtypes.CommandPriority `json:"priority"`
	Target     string                    `json:"target"`
	MaxRetries int                       `json:"max_retries"`
}

// enqueueCommand unmarshals queue/enqueue params and pushes a command onto
// the command queue.
func (s *Server) enqueueCommand(raw json.RawMessage) (*meshtypes.Command, error) {
	if s.queue == nil {
		return nil, fmt.Errorf("rpc: queue not configured")
	}
	var p enqueueParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
	}
	return s.queue.Enqueue(queue.EnqueueParams{
		Payload:    p.Payload,
		Type:       p.Type,
		Priority:   p.Priority,
		Target:     p.Target,
		MaxRetries: p.MaxRetries,
	})
}

type commandIDParams struct {
	CommandID string `json:"command_id"`
}

// queueStatus unmarshals queue/status params and looks up one command.
func (s *Server) queueStatus(raw json.RawMessage) (*meshtypes.Command, error) {
	if s.queue == nil {
		return nil, fmt.Errorf("rpc: queue not configured")
	}
	var p commandIDParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
	}
	cmd, ok := s.queue.Get(p.CommandID)
	if !ok {
		return nil, fmt.Errorf("rpc: command not found: %s", p.CommandID)
	}
	return cmd, nil
}

type chainStartParams struct {
	UserPrompt   string `json:"user_prompt"`
	ProjectID    string `json:"project_id"`
	SystemPrompt string `json:"system_prompt"`
	MaxCycles    int    `json:"max_cycles"`
	Aggressive   bool   `json:"aggressive"`
	TraceID      string `json:"trace_id"`
}

// startChain unmarshals chain/start params and launches a new chain.
func (s *Server) startChain(ctx context.Context, raw json.RawMessage) (*meshtypes.Chain, error) {
	if s.chainEngine == nil {
		return nil, fmt.Errorf("rpc: chain engine not configured")
	}
	var p chainStartParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
	}
	return s.chainEngine.StartChain(ctx, chain.StartParams{
		UserPrompt:   p.UserPrompt,
		ProjectID:    p.ProjectID,
		SystemPrompt: p.SystemPrompt,
		MaxCycles:    p.MaxCycles,
		Aggressive:   p.Aggressive,
		TraceID:      p.TraceID,
	})
}

type chainIDParams struct {
	ChainID string `json:"chain_id"`
}

// chainStatus unmarshals chain/status params and looks up one chain.
func (s *Server) chainStatus(raw json.RawMessage) (*meshtypes.Chain, error) {
	if s.chainEngine == nil {
		return nil, fmt.Errorf("rpc: chain engine not configured")
	}
	var p chainIDParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
	}
	c, ok := s.chainEngine.GetChain(p.ChainID)
	if !ok {
		return nil, fmt.Errorf("rpc: chain not found: %s", p.ChainID)
	}
	return c, nil
}

// chainCancel unmarshals chain/cancel params and cancels a running chain.
func (s *Server) chainCancel(raw json.RawMessage) (map[string]any, error) {
	if s.chainEngine == nil {
		return nil, fmt.Errorf("rpc: chain engine not configured")
	}
	var p chainIDParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
	}
	ok := s.chainEngine.CancelChain(p.ChainID)
	if !ok {
		return nil, fmt.Errorf("rpc: chain not found: %s", p.ChainID)
	}
	return map[string]any{"cancelled": true}, nil
}

type chainListParams struct {
	ProjectID string                `json:"project_id"`
	Status    meshtypes.ChainStatus `json:"status"`
}

// chainList unmarshals chain/list params and returns matching chains.
func (s *Server) chainList(raw json.RawMessage) ([]*meshtypes.Chain, error) {
	if s.chainEngine == nil {
		return nil, fmt.Errorf("rpc: chain engine not configured")
	}
	var p chainListParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
	}
	return s.chainEngine.ListChains(p.ProjectID, p.Status), nil
}
