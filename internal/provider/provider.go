// Package provider dispatches upstream calls to the client for a route's
// dialect.
package provider

import (
	"context"
	"fmt"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/modelkey-gateway/internal/core/domain"
	"github.com/tjfontaine/modelkey-gateway/internal/core/ports"
	"github.com/tjfontaine/modelkey-gateway/internal/provider/anthropic"
	"github.com/tjfontaine/modelkey-gateway/internal/provider/openai"
)

// Option configures a Router.
type Option func(*options)

type options struct {
	httpClient *http.Client
	userAgent  string
}

// WithHTTPClient sets the HTTP client shared by every dialect client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithTransport routes outbound requests through rt, wrapped for tracing.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *options) { o.httpClient = &http.Client{Transport: otelhttp.NewTransport(rt)} }
}

// WithUserAgent sets the fallback User-Agent.
func WithUserAgent(ua string) Option {
	return func(o *options) { o.userAgent = ua }
}

// Router holds one client per dialect.
type Router struct {
	openai    *openai.Client
	anthropic *anthropic.Client
}

var _ ports.ProviderClient = (*Router)(nil)

// NewRouter creates a router. Without WithHTTPClient, outbound requests go
// through an otelhttp transport so upstream calls appear in traces.
func NewRouter(opts ...Option) *Router {
	o := &options{
		httpClient: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
	for _, opt := range opts {
		opt(o)
	}

	oaOpts := []openai.Option{openai.WithHTTPClient(o.httpClient)}
	anOpts := []anthropic.Option{anthropic.WithHTTPClient(o.httpClient)}
	if o.userAgent != "" {
		oaOpts = append(oaOpts, openai.WithUserAgent(o.userAgent))
		anOpts = append(anOpts, anthropic.WithUserAgent(o.userAgent))
	}

	return &Router{
		openai:    openai.New(oaOpts...),
		anthropic: anthropic.New(anOpts...),
	}
}

// ClientFor returns the client for dialect d.
func (r *Router) ClientFor(d domain.Dialect) (ports.ProviderClient, error) {
	switch d {
	case domain.DialectOpenAI:
		return r.openai, nil
	case domain.DialectAnthropic:
		return r.anthropic, nil
	default:
		return nil, fmt.Errorf("no upstream client for dialect %q", d)
	}
}

// Stream implements ports.ProviderClient.
func (r *Router) Stream(ctx context.Context, route *domain.ResolvedRoute, req *domain.ChatRequest) (<-chan domain.Delta, error) {
	c, err := r.ClientFor(route.Dialect)
	if err != nil {
		return nil, err
	}
	return c.Stream(ctx, route, req)
}

// Complete implements ports.ProviderClient.
func (r *Router) Complete(ctx context.Context, route *domain.ResolvedRoute, req *domain.ChatRequest) (*domain.Completion, error) {
	c, err := r.ClientFor(route.Dialect)
	if err != nil {
		return nil, err
	}
	return c.Complete(ctx, route, req)
}
