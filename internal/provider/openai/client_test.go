package openai

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
		Endpoint:      &domain.ProviderEndpoint{ID: 1, Name: "openai", BaseURL: baseURL},
		EndpointID:    1,
		APIKey:        testutil.APIKey("OPENAI_API_KEY"),
		Provider:      "openai",
		Dialect:       domain.DialectOpenAI,
		ResolvedModel: model,
	}
}

func helloRequest() *domain.ChatRequest {
	return &domain.ChatRequest{
		Messages:  []domain.Message{{Role: "user", Content: "Say hello world"}},
		RequestID: "req-vcr-1",
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
	testutil.SkipUnlessRecordable(t, "OPENAI_API_KEY")

	recorder, cleanup := testutil.NewVCRRecorder(t, "openai_stream")
	defer cleanup()

	c := New(WithHTTPClient(testutil.VCRHTTPClient(recorder)))
	ch, err := c.Stream(context.Background(), route(DefaultBaseURL, "gpt-4o-mini"), helloRequest())
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}

	var text strings.Builder
	var usage *domain.Usage
	var done bool
	for _, d := range collect(t, ch) {
		if d.Err != nil {
			t.Fatalf("stream error: %v", d.Err)
		}
		text.WriteString(d.Content)
		if d.Usage != nil {
			usage = d.Usage
		}
		done = done || d.Done
	}

	if text.String() != "Hello world" {
		t.Errorf("content = %q, want %q", text.String(), "Hello world")
	}
	if usage == nil || usage.TotalTokens != 13 {
		t.Errorf("usage = %+v, want total 13", usage)
	}
	if !done {
		t.Error("stream ended without Done")
	}
}

func TestClient_CompleteVCR(t *testing.T) {
	testutil.SkipUnlessRecordable(t, "OPENAI_API_KEY")

	recorder, cleanup := testutil.NewVCRRecorder(t, "openai_complete")
	defer cleanup()

	c := New(WithHTTPClient(testutil.VCRHTTPClient(recorder)))
	resp, err := c.Complete(context.Background(), route("", "gpt-4o-mini"), helloRequest())
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if resp.Content != "Hello world" {
		t.Errorf("Content = %q, want %q", resp.Content, "Hello world")
	}
	if resp.FinishReason != "stop" {
		t.Errorf("FinishReason = %q, want stop", resp.FinishReason)
	}
}

func TestClient_StreamHeadersAndBody(t *testing.T) {
	var gotHeaders http.Header
	var gotBody chatRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %q, want /v1/chat/completions", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	temp := 0.2
	req := helloRequest()
	req.Temperature = &temp
	req.UserAgent = "client/2.0"

	c := New()
	ch, err := c.Stream(context.Background(), route(srv.URL+"/v1/", "grok-4"), req)
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	deltas := collect(t, ch)

	if len(deltas) != 2 || deltas[0].Content != "hi" || !deltas[1].Done {
		t.Errorf("deltas = %+v, want content then done", deltas)
	}
	if got := gotHeaders.Get("X-Request-ID"); got != "req-vcr-1" {
		t.Errorf("X-Request-ID = %q, want req-vcr-1", got)
	}
	if got := gotHeaders.Get("Authorization"); !strings.HasPrefix(got, "Bearer ") {
		t.Errorf("Authorization = %q", got)
	}
	if got := gotHeaders.Get("User-Agent"); got != "client/2.0" {
		t.Errorf("User-Agent = %q, want client/2.0", got)
	}
	if gotBody.Model != "grok-4" || !gotBody.Stream || gotBody.StreamOptions == nil {
		t.Errorf("body = %+v, want resolved model and streaming", gotBody)
	}
	if gotBody.Temperature == nil || *gotBody.Temperature != 0.2 {
		t.Errorf("temperature = %v, want 0.2", gotBody.Temperature)
	}
}

func TestClient_StreamToolCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"search","arguments":""}}]}}]}`+"\n\n")
		fmt.Fprint(w, `data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"q\":1}"}}]}}]}`+"\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	ch, err := New().Stream(context.Background(), route(srv.URL, "gpt-4o"), helloRequest())
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	deltas := collect(t, ch)

	if len(deltas) == 0 || deltas[0].ToolCall == nil {
		t.Fatalf("deltas = %+v, want a tool call first", deltas)
	}
	if deltas[0].ToolCall.Function.Name != "search" {
		t.Errorf("tool name = %q, want search", deltas[0].ToolCall.Function.Name)
	}
}

func TestClient_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"Incorrect API key provided","type":"invalid_request_error"}}`)
	}))
	defer srv.Close()

	_, err := New().Stream(context.Background(), route(srv.URL, "gpt-4o"), helloRequest())
	if err == nil {
		t.Fatal("Stream() error = nil, want error")
	}
	var apiErr *domain.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error type = %T, want *domain.APIError", err)
	}
	if apiErr.Code != domain.ErrorCodeUpstreamError {
		t.Errorf("Code = %v, want %v", apiErr.Code, domain.ErrorCodeUpstreamError)
	}
	if !strings.Contains(apiErr.Message, "401") || !strings.Contains(apiErr.Message, "Incorrect API key") {
		t.Errorf("Message = %q", apiErr.Message)
	}
}

func TestClient_MalformedChunk(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {not json}\n\n")
	}))
	defer srv.Close()

	ch, err := New().Stream(context.Background(), route(srv.URL, "gpt-4o"), helloRequest())
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	deltas := collect(t, ch)
	if len(deltas) != 1 || deltas[0].Err == nil {
		t.Errorf("deltas = %+v, want a single error", deltas)
	}
}

func TestBaseURL(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{"", DefaultBaseURL},
		{"https://api.x.ai/v1/", "https://api.x.ai/v1"},
		{" http://localhost:11434/v1 ", "http://localhost:11434/v1"},
	}
	for _, tt := range tests {
		if got := baseURL(route(tt.base, "m")); got != tt.want {
			t.Errorf("baseURL(%q) = %q, want %q", tt.base, got, tt.want)
		}
	}
}
