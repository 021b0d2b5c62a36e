// Package agent implements the bounded reasoning/tool loop that answers
// one chat request against a connected org.
//
// llm.go is the client for the reasoning model: OpenAI-compatible chat
// completions with function calling, which works with OpenAI, Anthropic
// proxies, and any compatible endpoint.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jholhewres/crmclaw/pkg/crmclaw/tools"
)

// DefaultLLMCallTimeout is the safety-net timeout for a single model call.
// It only prevents hung connections; the loop's turn cap is the primary
// bound on a run.
const DefaultLLMCallTimeout = 5 * time.Minute

// ChatMessage represents a message in the OpenAI chat format. Supports
// user, system, assistant (with optional tool_calls), and tool result
// messages.
type ChatMessage struct {
	Role       string       `json:"role"`
	Content    string       `json:"content"`
	ToolCalls  []tools.Call `json:"tool_calls,omitempty"`
	ToolCallID string       `json:"tool_call_id,omitempty"`
}

// chatRequest is the OpenAI-compatible chat completions request.
type chatRequest struct {
	Model       string             `json:"model"`
	Messages    []ChatMessage      `json:"messages"`
	Tools       []tools.Definition `json:"tools,omitempty"`
	Temperature *float64           `json:"temperature,omitempty"`
}

// chatResponse is the chat completions response envelope.
type chatResponse struct {
	Choices []struct {
		Message struct {
			Content   string       `json:"content"`
			ToolCalls []tools.Call `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// LLMUsage holds token usage information from the API response.
type LLMUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// LLMResponse holds the parsed response from a chat completion.
type LLMResponse struct {
	Content      string
	ToolCalls    []tools.Call
	FinishReason string
	Usage        LLMUsage
}

// LLMCaller is the reasoning-model surface the loop depends on.
// Tests substitute a scripted implementation.
type LLMCaller interface {
	CompleteWithTools(ctx context.Context, messages []ChatMessage, defs []tools.Definition) (*LLMResponse, error)
}

// LLMClient handles communication with the model provider API.
type LLMClient struct {
	baseURL     string
	apiKey      string
	model       string
	callTimeout time.Duration
	httpClient  *http.Client
	logger      *slog.Logger
}

// NewLLMClient creates a model client for an OpenAI-compatible endpoint.
func NewLLMClient(baseURL, apiKey, model string, callTimeout time.Duration, logger *slog.Logger) *LLMClient {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if callTimeout <= 0 {
		callTimeout = DefaultLLMCallTimeout
	}
	return &LLMClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      apiKey,
		model:       model,
		callTimeout: callTimeout,
		httpClient: &http.Client{
			// No global timeout — each call carries its own deadline.
			Transport: &http.Transport{
				MaxIdleConns:          10,
				MaxIdleConnsPerHost:   5,
				IdleConnTimeout:       120 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 180 * time.Second,
			},
		},
		logger: logger.With("component", "llm"),
	}
}

// CompleteWithTools sends one chat completion request with the tool
// catalog and parses content and/or tool calls from the response.
func (c *LLMClient) CompleteWithTools(ctx context.Context, messages []ChatMessage, defs []tools.Definition) (*LLMResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	reqBody := chatRequest{
		Model:    c.model,
		Messages: messages,
		Tools:    defs,
	}
	raw, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("model call: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("reading model response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("model returned %d: %s", resp.StatusCode, truncate(string(body), 500))
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parsing model response: %w", err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("model error (%s): %s", parsed.Error.Type, parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("model response has no choices")
	}

	choice := parsed.Choices[0]
	out := &LLMResponse{
		Content:      choice.Message.Content,
		ToolCalls:    choice.Message.ToolCalls,
		FinishReason: choice.FinishReason,
		Usage: LLMUsage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		},
	}

	c.logger.Debug("model call completed",
		"duration_ms", time.Since(start).Milliseconds(),
		"tool_calls", len(out.ToolCalls),
		"finish_reason", out.FinishReason,
		"total_tokens", out.Usage.TotalTokens,
	)
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
