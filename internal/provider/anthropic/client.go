// Package anthropic is the upstream client for the Anthropic Messages
// dialect.
package anthropic

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
	DefaultBaseURL = "https://api.anthropic.com"

	// APIVersion is sent as the anthropic-version header.
	APIVersion = "2023-06-01"

	// DefaultMaxTokens is used when the request does not set max_tokens,
	// which the Messages API requires.
	DefaultMaxTokens = 4096

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

// Client sends requests to the Messages API.
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

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type tool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"input_schema"`
}

type messagesRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	System      string    `json:"system,omitempty"`
	Messages    []message `json:"messages"`
	Tools       []tool    `json:"tools,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

type usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type contentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

type messagesResponse struct {
	ID         string         `json:"id"`
	Model      string         `json:"model"`
	Content    []contentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      usage          `json:"usage"`
}

// streamEvent covers every SSE payload shape the Messages API sends.
type streamEvent struct {
	Type    string `json:"type"`
	Message *struct {
		Usage usage `json:"usage"`
	} `json:"message,omitempty"`
	ContentBlock *contentBlock `json:"content_block,omitempty"`
	Delta        *struct {
		Type       string `json:"type"`
		Text       string `json:"text,omitempty"`
		StopReason string `json:"stop_reason,omitempty"`
	} `json:"delta,omitempty"`
	Usage *usage `json:"usage,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// toMessagesRequest moves system messages into the system field. Tool
// results are sent as user text since the gateway never executes tools.
func toMessagesRequest(route *domain.ResolvedRoute, req *domain.ChatRequest) *messagesRequest {
	out := &messagesRequest{
		Model:       route.ResolvedModel,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if out.MaxTokens <= 0 {
		out.MaxTokens = DefaultMaxTokens
	}

	var system []string
	for _, m := range req.Messages {
		switch m.Role {
		case "system", "developer":
			system = append(system, m.Content)
		case "assistant":
			out.Messages = append(out.Messages, message{Role: "assistant", Content: m.Content})
		default:
			out.Messages = append(out.Messages, message{Role: "user", Content: m.Content})
		}
	}
	out.System = strings.Join(system, "\n\n")

	for _, t := range req.Tools {
		schema := t.Function.Parameters
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}
		out.Tools = append(out.Tools, tool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: schema,
		})
	}
	return out
}

func baseURL(route *domain.ResolvedRoute) string {
	if route.Endpoint == nil || strings.TrimSpace(route.Endpoint.BaseURL) == "" {
		return DefaultBaseURL
	}
	base := strings.TrimSuffix(strings.TrimSpace(route.Endpoint.BaseURL), "/")
	return strings.TrimSuffix(base, "/v1")
}

func (c *Client) post(ctx context.Context, route *domain.ResolvedRoute, req *domain.ChatRequest, body *messagesRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL(route)+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", route.APIKey)
	httpReq.Header.Set("anthropic-version", APIVersion)
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
		return nil, domain.ErrUpstream(fmt.Sprintf("anthropic request failed: %v", err))
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
	var parsed streamEvent
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error != nil && parsed.Error.Message != "" {
		msg = parsed.Error.Message
	}
	if len(msg) > 512 {
		msg = msg[:512]
	}
	return domain.ErrUpstream(fmt.Sprintf("anthropic returned status %d: %s", status, msg))
}

// Complete performs a non-streaming request.
func (c *Client) Complete(ctx context.Context, route *domain.ResolvedRoute, req *domain.ChatRequest) (*domain.Completion, error) {
	resp, err := c.post(ctx, route, req, toMessagesRequest(route, req))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result messagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, domain.ErrUpstream(fmt.Sprintf("failed to decode anthropic response: %v", err))
	}

	out := &domain.Completion{
		Model:        result.Model,
		FinishReason: result.StopReason,
		Usage: &domain.Usage{
			PromptTokens:     result.Usage.InputTokens,
			CompletionTokens: result.Usage.OutputTokens,
			TotalTokens:      result.Usage.InputTokens + result.Usage.OutputTokens,
		},
	}
	var text strings.Builder
	for _, block := range result.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			call := domain.ToolCall{ID: block.ID, Type: "function"}
			call.Function.Name = block.Name
			call.Function.Arguments = string(block.Input)
			out.ToolCalls = append(out.ToolCalls, call)
		}
	}
	out.Content = text.String()
	return out, nil
}

// Stream starts a streaming request. Text deltas become content deltas,
// tool_use blocks become tool-call deltas, and message_stop ends the
// stream after the accumulated usage.
func (c *Client) Stream(ctx context.Context, route *domain.ResolvedRoute, req *domain.ChatRequest) (<-chan domain.Delta, error) {
	body := toMessagesRequest(route, req)
	body.Stream = true

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
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	var input, output int
	for scanner.Scan() {
		line := scanner.Text()
		// The payload repeats the event name in its type field, so event:
		// lines carry nothing extra.
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}

		var ev streamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			send(domain.Delta{Err: domain.ErrUpstream(fmt.Sprintf("failed to unmarshal anthropic event: %v", err))})
			return
		}

		switch ev.Type {
		case "message_start":
			if ev.Message != nil {
				input = ev.Message.Usage.InputTokens
				output = ev.Message.Usage.OutputTokens
			}
		case "content_block_start":
			if ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
				call := &domain.ToolCall{ID: ev.ContentBlock.ID, Type: "function"}
				call.Function.Name = ev.ContentBlock.Name
				if !send(domain.Delta{ToolCall: call}) {
					return
				}
			}
		case "content_block_delta":
			if ev.Delta != nil && ev.Delta.Type == "text_delta" && ev.Delta.Text != "" {
				if !send(domain.Delta{Content: ev.Delta.Text}) {
					return
				}
			}
		case "message_delta":
			if ev.Usage != nil {
				output = ev.Usage.OutputTokens
			}
		case "message_stop":
			if input > 0 || output > 0 {
				if !send(domain.Delta{Usage: &domain.Usage{
					PromptTokens:     input,
					CompletionTokens: output,
					TotalTokens:      input + output,
				}}) {
					return
				}
			}
			send(domain.Delta{Done: true})
			return
		case "error":
			msg := "anthropic stream error"
			if ev.Error != nil {
				msg = fmt.Sprintf("anthropic %s: %s", ev.Error.Type, ev.Error.Message)
			}
			send(domain.Delta{Err: domain.ErrUpstream(msg)})
			return
		}
	}

	if err := scanner.Err(); err != nil {
		send(domain.Delta{Err: domain.ErrUpstream(fmt.Sprintf("anthropic stream read error: %v", err))})
		return
	}
	send(domain.Delta{Done: true})
}
