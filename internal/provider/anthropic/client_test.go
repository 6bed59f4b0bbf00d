package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tjfontaine/modelkey-gateway/internal/core/domain"
	"github.com/tjfontaine/modelkey-gateway/internal/testutil"
)

func route(baseURL, model string) *domain.ResolvedRoute {
	return &domain.ResolvedRoute{
		Endpoint:      &domain.ProviderEndpoint{ID: 2, Name: "claude", BaseURL: baseURL},
		EndpointID:    2,
		APIKey:        testutil.APIKey("ANTHROPIC_API_KEY"),
		Provider:      "anthropic",
		Dialect:       domain.DialectAnthropic,
		ResolvedModel: model,
	}
}

func helloRequest() *domain.ChatRequest {
	return &domain.ChatRequest{
		Messages:  []domain.Message{{Role: "user", Content: "Say hello world"}},
		RequestID: "req-vcr-2",
	}
}

func collect(t *testing.T, ch <-chan domain.Delta) []domain.Delta {
	t.Helper()
	var out []domain.Delta
	timeout := time.After(5 * time.Second)
	for {
		select {
		case d, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, d)
		case <-timeout:
			t.Fatal("timed out waiting for stream")
		}
	}
}

func TestClient_StreamVCR(t *testing.T) {
	testutil.SkipUnlessRecordable(t, "ANTHROPIC_API_KEY")

	recorder, cleanup := testutil.NewVCRRecorder(t, "anthropic_stream")
	defer cleanup()

	c := New(WithHTTPClient(testutil.VCRHTTPClient(recorder)))
	ch, err := c.Stream(context.Background(), route("", "claude-3-5-haiku-latest"), helloRequest())
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}

	deltas := collect(t, ch)
	var text strings.Builder
	var usage *domain.Usage
	for _, d := range deltas {
		if d.Err != nil {
			t.Fatalf("stream error: %v", d.Err)
		}
		text.WriteString(d.Content)
		if d.Usage != nil {
			usage = d.Usage
		}
	}

	if text.String() != "Hello world" {
		t.Errorf("content = %q, want %q", text.String(), "Hello world")
	}
	if usage == nil || usage.PromptTokens != 12 || usage.CompletionTokens != 3 {
		t.Errorf("usage = %+v, want 12/3", usage)
	}
	if last := deltas[len(deltas)-1]; !last.Done {
		t.Errorf("last delta = %+v, want Done", last)
	}
}

func TestClient_CompleteVCR(t *testing.T) {
	testutil.SkipUnlessRecordable(t, "ANTHROPIC_API_KEY")

	recorder, cleanup := testutil.NewVCRRecorder(t, "anthropic_complete")
	defer cleanup()

	c := New(WithHTTPClient(testutil.VCRHTTPClient(recorder)))
	resp, err := c.Complete(context.Background(), route("https://api.anthropic.com/v1", "claude-3-5-haiku-latest"), helloRequest())
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if resp.Content != "Hello world" {
		t.Errorf("Content = %q, want %q", resp.Content, "Hello world")
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 15 {
		t.Errorf("Usage = %+v, want total 15", resp.Usage)
	}
}

func TestToMessagesRequest(t *testing.T) {
	req := &domain.ChatRequest{
		Messages: []domain.Message{
			{Role: "system", Content: "Be brief."},
			{Role: "user", Content: "Hi"},
			{Role: "assistant", Content: "Hello"},
			{Role: "tool", Content: "result"},
		},
		Tools: []domain.ToolDefinition{{Type: "function", Function: domain.FunctionDef{Name: "search"}}},
	}

	got := toMessagesRequest(route("", "claude-sonnet-4"), req)

	if got.Model != "claude-sonnet-4" {
		t.Errorf("Model = %q", got.Model)
	}
	if got.System != "Be brief." {
		t.Errorf("System = %q, want %q", got.System, "Be brief.")
	}
	if got.MaxTokens != DefaultMaxTokens {
		t.Errorf("MaxTokens = %d, want %d", got.MaxTokens, DefaultMaxTokens)
	}
	roles := make([]string, len(got.Messages))
	for i, m := range got.Messages {
		roles[i] = m.Role
	}
	if strings.Join(roles, ",") != "user,assistant,user" {
		t.Errorf("roles = %v, want user,assistant,user", roles)
	}
	if len(got.Tools) != 1 || got.Tools[0].InputSchema == nil {
		t.Errorf("Tools = %+v, want one tool with a schema", got.Tools)
	}
}

func TestClient_StreamHeaders(t *testing.T) {
	var gotHeaders http.Header
	var gotBody messagesRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		if r.URL.Path != "/v1/messages" {
			t.Errorf("path = %q, want /v1/messages", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		fmt.Fprint(w, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"ok\"}}\n\n")
		fmt.Fprint(w, "event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n")
	}))
	defer srv.Close()

	ch, err := New().Stream(context.Background(), route(srv.URL+"/v1", "claude-sonnet-4"), helloRequest())
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	deltas := collect(t, ch)

	if len(deltas) != 2 || deltas[0].Content != "ok" || !deltas[1].Done {
		t.Errorf("deltas = %+v, want content then done", deltas)
	}
	if got := gotHeaders.Get("X-Request-ID"); got != "req-vcr-2" {
		t.Errorf("X-Request-ID = %q, want req-vcr-2", got)
	}
	if got := gotHeaders.Get("anthropic-version"); got != APIVersion {
		t.Errorf("anthropic-version = %q, want %q", got, APIVersion)
	}
	if gotHeaders.Get("x-api-key") == "" {
		t.Error("x-api-key header missing")
	}
	if !gotBody.Stream {
		t.Error("body stream = false, want true")
	}
}

func TestClient_StreamEvents(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		check func(t *testing.T, deltas []domain.Delta)
	}{
		{
			name: "tool use",
			body: `data: {"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_1","name":"search","input":{}}}` + "\n\n",
			check: func(t *testing.T, deltas []domain.Delta) {
				if len(deltas) == 0 || deltas[0].ToolCall == nil || deltas[0].ToolCall.Function.Name != "search" {
					t.Errorf("deltas = %+v, want tool call", deltas)
				}
			},
		},
		{
			name: "error event",
			body: `data: {"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}` + "\n\n",
			check: func(t *testing.T, deltas []domain.Delta) {
				if len(deltas) != 1 || deltas[0].Err == nil || !strings.Contains(deltas[0].Err.Error(), "Overloaded") {
					t.Errorf("deltas = %+v, want overloaded error", deltas)
				}
			},
		},
		{
			name: "eof without stop",
			body: `data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"partial"}}` + "\n\n",
			check: func(t *testing.T, deltas []domain.Delta) {
				if len(deltas) != 2 || deltas[0].Content != "partial" || !deltas[1].Done {
					t.Errorf("deltas = %+v, want content then done", deltas)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			ch, err := New().Stream(context.Background(), route(srv.URL, "claude-sonnet-4"), helloRequest())
			if err != nil {
				t.Fatalf("Stream() error = %v", err)
			}
			tt.check(t, collect(t, ch))
		})
	}
}

func TestClient_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"type":"error","error":{"type":"rate_limit_error","message":"Rate limited"}}`)
	}))
	defer srv.Close()

	_, err := New().Complete(context.Background(), route(srv.URL, "claude-sonnet-4"), helloRequest())
	var apiErr *domain.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want *domain.APIError", err)
	}
	if apiErr.Code != domain.ErrorCodeUpstreamError || !strings.Contains(apiErr.Message, "Rate limited") {
		t.Errorf("error = %+v", apiErr)
	}
}
