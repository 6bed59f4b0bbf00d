// Package openai is the upstream client for the OpenAI chat completions
// dialect, used by OpenAI itself and by compatible vendors.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tjfontaine/modelkey-gateway/internal/core/domain"
	"github.com/tjfontaine/modelkey-gateway/internal/core/ports"
)

const (
	// DefaultBaseURL is used when an endpoint has no base URL.
	DefaultBaseURL = "https://api.openai.com/v1"

	defaultUserAgent = "modelkey-gateway/1.0"
)

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithUserAgent sets the User-Agent sent when the request carries none.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// Client sends chat completions to OpenAI-compatible endpoints. Base URL
// and credential come from the route, so one client serves every endpoint.
type Client struct {
	httpClient *http.Client
	userAgent  string
}

var _ ports.ProviderClient = (*Client)(nil)

// New creates a client.
func New(opts ...Option) *Client {
	c := &Client{
		httpClient: http.DefaultClient,
		userAgent:  defaultUserAgent,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatRequest struct {
	Model         string                  `json:"model"`
	Messages      []domain.Message        `json:"messages"`
	Tools         []domain.ToolDefinition `json:"tools,omitempty"`
	Temperature   *float64                `json:"temperature,omitempty"`
	MaxTokens     int                     `json:"max_tokens,omitempty"`
	Stream        bool                    `json:"stream,omitempty"`
	StreamOptions *streamOptions          `json:"stream_options,omitempty"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (u *usage) toDomain() *domain.Usage {
	if u == nil {
		return nil
	}
	return &domain.Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role      string            `json:"role"`
			Content   string            `json:"content"`
			ToolCalls []domain.ToolCall `json:"tool_calls,omitempty"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *usage `json:"usage,omitempty"`
}

type toolCallChunk struct {
	Index    int    `json:"index"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content   string          `json:"content,omitempty"`
			ToolCalls []toolCallChunk `json:"tool_calls,omitempty"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *usage `json:"usage,omitempty"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}

func toChatRequest(route *domain.ResolvedRoute, req *domain.ChatRequest) *chatRequest {
	return &chatRequest{
		Model:       route.ResolvedModel,
		Messages:    req.Messages,
		Tools:       req.Tools,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
}

func baseURL(route *domain.ResolvedRoute) string {
	if route.Endpoint == nil || strings.TrimSpace(route.Endpoint.BaseURL) == "" {
		return DefaultBaseURL
	}
	return strings.TrimSuffix(strings.TrimSpace(route.Endpoint.BaseURL), "/")
}

func (c *Client) post(ctx context.Context, route *domain.ResolvedRoute, req *domain.ChatRequest, body *chatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL(route)+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+route.APIKey)
	if body.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	if req.RequestID != "" {
		httpReq.Header.Set("X-Request-ID", req.RequestID)
	}
	if req.UserAgent != "" {
		httpReq.Header.Set("User-Agent", req.UserAgent)
	} else {
		httpReq.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, domain.ErrUpstream(fmt.Sprintf("openai request failed: %v", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return nil, statusError(resp.StatusCode, respBody)
	}
	return resp, nil
}

func statusError(status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	var parsed errorResponse
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		msg = parsed.Error.Message
	}
	if len(msg) > 512 {
		msg = msg[:512]
	}
	return domain.ErrUpstream(fmt.Sprintf("openai returned status %d: %s", status, msg))
}

// Complete performs a non-streaming chat completion.
func (c *Client) Complete(ctx context.Context, route *domain.ResolvedRoute, req *domain.ChatRequest) (*domain.Completion, error) {
	resp, err := c.post(ctx, route, req, toChatRequest(route, req))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, domain.ErrUpstream(fmt.Sprintf("failed to decode openai response: %v", err))
	}

	out := &domain.Completion{Model: result.Model, Usage: result.Usage.toDomain()}
	if len(result.Choices) > 0 {
		choice := result.Choices[0]
		out.Content = choice.Message.Content
		out.ToolCalls = choice.Message.ToolCalls
		out.FinishReason = choice.FinishReason
	}
	return out, nil
}

// Stream starts a streaming chat completion. The returned channel yields
// content, tool-call, and usage deltas and ends with Done or Err.
func (c *Client) Stream(ctx context.Context, route *domain.ResolvedRoute, req *domain.ChatRequest) (<-chan domain.Delta, error) {
	body := toChatRequest(route, req)
	body.Stream = true
	body.StreamOptions = &streamOptions{IncludeUsage: true}

	resp, err := c.post(ctx, route, req, body)
	if err != nil {
		return nil, err
	}

	out := make(chan domain.Delta)
	go streamReader(ctx, resp.Body, out)
	return out, nil
}

func streamReader(ctx context.Context, body io.ReadCloser, out chan<- domain.Delta) {
	defer close(out)
	defer body.Close()

	send := func(d domain.Delta) bool {
		select {
		case out <- d:
			return true
		case <-ctx.Done():
			return false
		}
	}

	scanner := bufio.NewScanner(body)
	// Increase buffer size for potentially large chunks
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			send(domain.Delta{Done: true})
			return
		}

		var chunk chatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			send(domain.Delta{Err: domain.ErrUpstream(fmt.Sprintf("failed to unmarshal openai chunk: %v", err))})
			return
		}

		for _, choice := range chunk.Choices {
			for _, tc := range choice.Delta.ToolCalls {
				if tc.ID == "" {
					continue
				}
				call := &domain.ToolCall{ID: tc.ID, Type: tc.Type}
				call.Function.Name = tc.Function.Name
				call.Function.Arguments = tc.Function.Arguments
				if !send(domain.Delta{ToolCall: call}) {
					return
				}
			}
			if choice.Delta.Content != "" {
				if !send(domain.Delta{Content: choice.Delta.Content}) {
					return
				}
			}
		}
		if chunk.Usage != nil {
			if !send(domain.Delta{Usage: chunk.Usage.toDomain()}) {
				return
			}
		}
	}

	if err := scanner.Err(); err != nil {
		send(domain.Delta{Err: domain.ErrUpstream(fmt.Sprintf("openai stream read error: %v", err))})
		return
	}
	send(domain.Delta{Done: true})
}
