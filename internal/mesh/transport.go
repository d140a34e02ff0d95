package mesh

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ailinux/llmesh/internal/meshlog"
	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicTransport implements Transport for model ids that resolve to an
// "anthropic/..." alias, using the official SDK. Grounded on gomind's
// ai/providers/anthropic client shape, swapped to the native SDK instead
// of a hand-rolled HTTP request.
type AnthropicTransport struct {
	client *anthropic.Client
	logger meshlog.Logger
}

// NewAnthropicTransport builds a transport backed by the Anthropic API.
func NewAnthropicTransport(apiKey string, logger meshlog.Logger) *AnthropicTransport {
	if logger == nil {
		logger = meshlog.NoOp()
	}
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicTransport{client: &client, logger: logger}
}

func stripAnthropicPrefix(modelID string) string {
	return strings.TrimPrefix(modelID, "anthropic/")
}

// GenerateResponse issues one non-streaming Messages API call.
func (t *AnthropicTransport) GenerateResponse(ctx context.Context, modelID, systemPrompt, prompt string, maxTokens int) (string, error) {
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	msg, err := t.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(stripAnthropicPrefix(modelID)),
		MaxTokens: int64(maxTokens),
		System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		t.logger.Error("anthropic request failed", map[string]interface{}{"model": modelID, "error": err.Error()})
		return "", fmt.Errorf("anthropic: %w", err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("anthropic: empty response content")
	}
	return sb.String(), nil
}

// HTTPTransport implements Transport against any OpenAI-compatible chat
// completions endpoint (the cloud gateway fronting deepseek/qwen/kimi/
// glm/minimax/mistral/cogito/nova in the mesh's model alias table).
// Grounded on gomind's ai/providers/openai client and
// ai/providers/base.go's retry/timeout conventions.
type HTTPTransport struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	logger     meshlog.Logger
}

// NewHTTPTransport builds a transport against an OpenAI-compatible gateway.
func NewHTTPTransport(baseURL, apiKey string, logger meshlog.Logger) *HTTPTransport {
	if logger == nil {
		logger = meshlog.NoOp()
	}
	return &HTTPTransport{
		httpClient: &http.Client{Timeout: 180 * time.Second},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		logger:     logger,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// GenerateResponse POSTs one chat completion to the configured gateway.
func (t *HTTPTransport) GenerateResponse(ctx context.Context, modelID, systemPrompt, prompt string, maxTokens int) (string, error) {
	reqBody := chatCompletionRequest{
		Model: modelID,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
		MaxTokens:   maxTokens,
		Temperature: 0.7,
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("httptransport: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("httptransport: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if t.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+t.apiKey)
	}

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("httptransport: request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("httptransport: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("httptransport: status %d: %s", resp.StatusCode, string(body))
	}

	var parsed chatCompletionResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("httptransport: parse response: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("httptransport: gateway error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("httptransport: empty choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

// RoutingTransport dispatches to AnthropicTransport for anthropic/ model
// ids and to a default HTTPTransport for everything else, so the mesh can
// be constructed with one Transport regardless of which endpoint a call
// targets.
type RoutingTransport struct {
	anthropic *AnthropicTransport
	fallback  *HTTPTransport
}

// NewRoutingTransport wires the two concrete transports together.
func NewRoutingTransport(anthropicT *AnthropicTransport, fallback *HTTPTransport) *RoutingTransport {
	return &RoutingTransport{anthropic: anthropicT, fallback: fallback}
}

// GenerateResponse routes by model id prefix.
func (r *RoutingTransport) GenerateResponse(ctx context.Context, modelID, systemPrompt, prompt string, maxTokens int) (string, error) {
	if strings.HasPrefix(modelID, "anthropic/") && r.anthropic != nil {
		return r.anthropic.GenerateResponse(ctx, modelID, systemPrompt, prompt, maxTokens)
	}
	if r.fallback == nil {
		return "", fmt.Errorf("routingtransport: no transport configured for model %q", modelID)
	}
	return r.fallback.GenerateResponse(ctx, modelID, systemPrompt, prompt, maxTokens)
}
