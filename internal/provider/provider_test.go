package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tjfontaine/modelkey-gateway/internal/core/domain"
	"github.com/tjfontaine/modelkey-gateway/internal/pkg/safehttp"
	"github.com/tjfontaine/modelkey-gateway/internal/provider/anthropic"
	"github.com/tjfontaine/modelkey-gateway/internal/provider/openai"
)

func TestRouter_ClientFor(t *testing.T) {
	r := NewRouter()

	tests := []struct {
		dialect domain.Dialect
		want    string
	}{
		{domain.DialectOpenAI, fmt.Sprintf("%T", &openai.Client{})},
		{domain.DialectAnthropic, fmt.Sprintf("%T", &anthropic.Client{})},
	}
	for _, tt := range tests {
		c, err := r.ClientFor(tt.dialect)
		if err != nil {
			t.Fatalf("ClientFor(%v) error = %v", tt.dialect, err)
		}
		if got := fmt.Sprintf("%T", c); got != tt.want {
			t.Errorf("ClientFor(%v) = %s, want %s", tt.dialect, got, tt.want)
		}
	}

	if _, err := r.ClientFor(domain.Dialect(99)); err == nil {
		t.Error("ClientFor(unknown) error = nil, want error")
	}
}

func TestRouter_CompleteDispatch(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/messages":
			fmt.Fprint(w, `{"model":"claude","content":[{"type":"text","text":"from anthropic"}],"usage":{}}`)
		default:
			fmt.Fprint(w, `{"model":"gpt","choices":[{"message":{"content":"from openai"}}]}`)
		}
	}))
	defer srv.Close()

	r := NewRouter(WithHTTPClient(srv.Client()), WithUserAgent("test-agent"))
	req := &domain.ChatRequest{Messages: []domain.Message{{Role: "user", Content: "hi"}}}

	tests := []struct {
		dialect  domain.Dialect
		wantPath string
		want     string
	}{
		{domain.DialectOpenAI, "/chat/completions", "from openai"},
		{domain.DialectAnthropic, "/v1/messages", "from anthropic"},
	}
	for _, tt := range tests {
		route := &domain.ResolvedRoute{
			Endpoint:      &domain.ProviderEndpoint{BaseURL: srv.URL},
			Dialect:       tt.dialect,
			ResolvedModel: "m",
			APIKey:        "k",
		}
		resp, err := r.Complete(context.Background(), route, req)
		if err != nil {
			t.Fatalf("Complete(%v) error = %v", tt.dialect, err)
		}
		if gotPath != tt.wantPath {
			t.Errorf("path = %q, want %q", gotPath, tt.wantPath)
		}
		if resp.Content != tt.want {
			t.Errorf("Content = %q, want %q", resp.Content, tt.want)
		}
	}
}

func TestRouter_WithTransport_DeniesPrivateUpstream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("upstream should not be reached")
	}))
	defer srv.Close()

	r := NewRouter(WithTransport(safehttp.NewTransport()))
	route := &domain.ResolvedRoute{
		Endpoint:      &domain.ProviderEndpoint{BaseURL: srv.URL},
		Dialect:       domain.DialectOpenAI,
		ResolvedModel: "m",
	}
	_, err := r.Complete(context.Background(), route, &domain.ChatRequest{})
	if err == nil {
		t.Fatal("Complete() error = nil, want private address error")
	}
	if !strings.Contains(err.Error(), safehttp.ErrPrivateAddress.Error()) {
		t.Errorf("Complete() error = %v, want %q", err, safehttp.ErrPrivateAddress)
	}
}
