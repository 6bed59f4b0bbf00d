// Package selector picks the provider endpoint, credential, and dialect that
// will serve a resolved model.
package selector

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"

	"github.com/tjfontaine/modelkey-gateway/internal/core/domain"
	"github.com/tjfontaine/modelkey-gateway/internal/core/ports"
)

// Policy holds the routing toggles. It can be swapped at runtime.
type Policy struct {
	// StrictMappedRouting fails mapped models that no endpoint lists
	// instead of sending them to the default endpoint.
	StrictMappedRouting bool

	// AllowTestEndpoints keeps test-fixture endpoints in the candidate set.
	AllowTestEndpoints bool
}

// Request is the input to Select.
type Request struct {
	// Model is the resolved model name; empty when nothing resolved.
	Model string

	// MappingHit is set when Model came from an override mapping.
	MappingHit bool

	// EndpointID pins a specific endpoint; zero means no preference.
	EndpointID int64
}

// Selector chooses endpoints from a registry snapshot.
type Selector struct {
	registry ports.EndpointRegistry
	policy   atomic.Pointer[Policy]
	logger   *slog.Logger
}

// Option configures a Selector.
type Option func(*Selector)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Selector) { s.logger = logger }
}

// New creates a selector over registry.
func New(registry ports.EndpointRegistry, policy Policy, opts ...Option) *Selector {
	s := &Selector{
		registry: registry,
		logger:   slog.Default(),
	}
	s.policy.Store(&policy)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetPolicy replaces the routing toggles for subsequent calls.
func (s *Selector) SetPolicy(p Policy) {
	s.policy.Store(&p)
}

// Policy returns the current routing toggles.
func (s *Selector) Policy() Policy {
	return *s.policy.Load()
}

type candidate struct {
	endpoint *domain.ProviderEndpoint
	apiKey   string
}

// Select returns the route for req. Selection failures are *domain.APIError
// values; registry failures are returned wrapped.
func (s *Selector) Select(ctx context.Context, req Request) (*domain.ResolvedRoute, error) {
	policy := s.Policy()

	candidates, err := s.candidates(ctx, policy)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, domain.ErrNoActiveEndpoint()
	}

	var chosen *candidate
	pinned := req.EndpointID != 0
	if pinned {
		for i := range candidates {
			if candidates[i].endpoint.ID == req.EndpointID {
				chosen = &candidates[i]
				break
			}
		}
		if chosen == nil {
			return nil, domain.ErrEndpointNotFound(req.EndpointID)
		}
	} else {
		chosen = &candidates[0]
		for i := range candidates {
			if candidates[i].endpoint.IsDefault {
				chosen = &candidates[i]
				break
			}
		}
	}

	model := req.Model
	if model != "" {
		if pinned {
			e := chosen.endpoint
			if len(e.ModelList) > 0 && !e.Supports(model) {
				switch {
				case !req.MappingHit:
					return nil, domain.ErrModelNotSupported(model, e.ID)
				case policy.StrictMappedRouting:
					return nil, domain.ErrNoEndpointForMappedModel(model)
				}
			}
		} else if !chosen.endpoint.Supports(model) {
			var supporter *candidate
			for i := range candidates {
				if candidates[i].endpoint.Supports(model) {
					supporter = &candidates[i]
					break
				}
			}
			switch {
			case supporter != nil:
				chosen = supporter
			case req.MappingHit && policy.StrictMappedRouting:
				return nil, domain.ErrNoEndpointForMappedModel(model)
			}
		}
	} else {
		model = fallbackModel(chosen.endpoint)
	}

	route := &domain.ResolvedRoute{
		Endpoint:      chosen.endpoint,
		EndpointID:    chosen.endpoint.ID,
		APIKey:        chosen.apiKey,
		Provider:      InferProvider(chosen.endpoint),
		Dialect:       InferDialect(chosen.endpoint),
		ResolvedModel: model,
	}

	s.logger.Debug("endpoint selected",
		slog.Int64("endpoint_id", route.EndpointID),
		slog.String("provider", route.Provider),
		slog.String("dialect", route.Dialect.String()),
		slog.String("resolved_model", route.ResolvedModel),
		slog.Bool("pinned", pinned),
		slog.Int("candidates", len(candidates)))

	return route, nil
}

// candidates loads active endpoints that are not offline and have a
// credential, sorted by id. Test fixtures are dropped only when something
// else remains.
func (s *Selector) candidates(ctx context.Context, policy Policy) ([]candidate, error) {
	endpoints, err := s.registry.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list endpoints: %w", err)
	}

	var usable []candidate
	for _, e := range endpoints {
		if e == nil || !e.IsActive || e.Status == domain.EndpointStatusOffline {
			continue
		}
		key, err := s.registry.GetCredential(ctx, e.ID)
		if err != nil {
			s.logger.Warn("credential lookup failed, skipping endpoint",
				slog.Int64("endpoint_id", e.ID),
				slog.String("error", err.Error()))
			continue
		}
		if key == "" {
			continue
		}
		usable = append(usable, candidate{endpoint: e, apiKey: key})
	}
	sort.SliceStable(usable, func(i, j int) bool { return usable[i].endpoint.ID < usable[j].endpoint.ID })

	if policy.AllowTestEndpoints {
		return usable, nil
	}
	var real []candidate
	for _, c := range usable {
		if !IsTestEndpoint(c.endpoint) {
			real = append(real, c)
		}
	}
	if len(real) == 0 {
		return usable, nil
	}
	return real, nil
}

// fallbackModel picks a chat model from the endpoint's own configuration.
func fallbackModel(e *domain.ProviderEndpoint) string {
	if e.Model != "" && !domain.IsEmbeddingModel(e.Model) {
		return e.Model
	}
	for _, m := range e.ModelList {
		if m != "" && !domain.IsEmbeddingModel(m) {
			return m
		}
	}
	return ""
}
