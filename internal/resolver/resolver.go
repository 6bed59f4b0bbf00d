// Package resolver turns logical model keys into concrete model names by
// walking scoped override mappings and skipping blocked or embedding-only
// candidates.
package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tjfontaine/modelkey-gateway/internal/core/domain"
	"github.com/tjfontaine/modelkey-gateway/internal/core/ports"
)

// Reasons reported by ResolveForMessage.
const (
	ReasonHit                   = "mapping_hit"
	ReasonMappingNotFound       = "mapping_not_found"
	ReasonMappingEmptyOrBlocked = "mapping_empty_or_blocked"
	ReasonMappingInactive       = "mapping_inactive"
)

// Result is the outcome of Resolve. Hit with an empty ResolvedModel means a
// mapping matched but none of its models survived.
type Result struct {
	ResolvedModel string           `json:"resolved_model,omitempty"`
	Hit           bool             `json:"hit"`
	MappingID     string           `json:"mapping_id,omitempty"`
	ScopeType     domain.ScopeType `json:"scope_type,omitempty"`
	Skipped       []string         `json:"skipped,omitempty"`
	Temperature   *float64         `json:"temperature,omitempty"`
}

// MessageQuery identifies the caller and prompt for ResolveForMessage.
type MessageQuery struct {
	UserID   string
	TenantID string
	PromptID string
}

// ChainEntry records one scope attempt.
type ChainEntry struct {
	Scope     domain.ScopeType `json:"scope"`
	Key       string           `json:"key"`
	MappingID string           `json:"mapping_id"`
	Found     bool             `json:"found"`
	Active    bool             `json:"active"`
	Model     string           `json:"model,omitempty"`
	Skipped   []string         `json:"skipped,omitempty"`
}

// MessageResult is the outcome of ResolveForMessage.
type MessageResult struct {
	Model       string           `json:"model,omitempty"`
	Temperature *float64         `json:"temperature,omitempty"`
	HitScope    domain.ScopeType `json:"hit_scope,omitempty"`
	MappingID   string           `json:"mapping_id,omitempty"`
	Chain       []ChainEntry     `json:"chain"`
	Reason      string           `json:"reason"`
}

// Hit reports whether a mapping matched, even if it yielded no model.
func (r *MessageResult) Hit() bool {
	return r.HitScope != ""
}

// Resolver reads mappings and the blocked set on every call. It holds no
// mutable state of its own and is safe for concurrent use.
type Resolver struct {
	mappings ports.MappingStore
	blocked  ports.BlockedModelStore
	logger   *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) { r.logger = logger }
}

// New creates a resolver. blocked may be nil when no blocklist is in use.
func New(mappings ports.MappingStore, blocked ports.BlockedModelStore, opts ...Option) *Resolver {
	r := &Resolver{
		mappings: mappings,
		blocked:  blocked,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve maps a model key to a model name. Keys of the form
// "scope_type:scope_key" name one mapping exactly; any other key is a
// business key matched against tenant and then global mappings, with the
// most recently updated mapping winning within a scope. Absence is not an
// error; store failures are.
func (r *Resolver) Resolve(ctx context.Context, modelKey string) (Result, error) {
	key := strings.TrimSpace(modelKey)
	if key == "" {
		return Result{}, nil
	}

	var (
		mapping *domain.Mapping
		err     error
	)
	if scope, scopeKey, ok := domain.SplitMappingID(key); ok {
		mapping, err = r.mappings.GetMapping(ctx, domain.MappingID(scope, scopeKey))
		if err != nil {
			return Result{}, fmt.Errorf("resolve %s: %w", key, err)
		}
		if mapping != nil && !mapping.IsActive {
			mapping = nil
		}
	} else {
		mapping, err = r.findBusinessMapping(ctx, key)
		if err != nil {
			return Result{}, fmt.Errorf("resolve %s: %w", key, err)
		}
	}

	if mapping == nil {
		r.logger.Debug("model key not mapped", slog.String("model_key", key))
		return Result{}, nil
	}

	blocked, err := r.blockedSet(ctx)
	if err != nil {
		return Result{}, err
	}

	model, skipped := pickSurvivor(mapping, blocked)
	r.logger.Debug("model key resolved",
		slog.String("model_key", key),
		slog.String("mapping_id", mapping.ID),
		slog.String("resolved_model", model),
		slog.Int("skipped", len(skipped)))

	res := Result{
		ResolvedModel: model,
		Hit:           true,
		MappingID:     mapping.ID,
		ScopeType:     mapping.ScopeType,
		Skipped:       skipped,
	}
	if temp, ok := mapping.Temperature(); ok && model != "" {
		res.Temperature = &temp
	}
	return res, nil
}

func (r *Resolver) findBusinessMapping(ctx context.Context, key string) (*domain.Mapping, error) {
	candidates, err := r.mappings.ListMappings(ctx, ports.MappingFilter{ScopeKey: key, ActiveOnly: true})
	if err != nil {
		return nil, err
	}

	var (
		best     *domain.Mapping
		bestRank int
	)
	for _, m := range candidates {
		if !m.IsActive || m.ScopeKey != key {
			continue
		}
		rank, ok := bareKeyRank(m.ScopeType)
		if !ok {
			continue
		}
		switch {
		case best == nil, rank < bestRank:
			best, bestRank = m, rank
		case rank == bestRank && m.UpdatedAt.After(best.UpdatedAt):
			best = m
		}
	}
	return best, nil
}

// bareKeyRank ranks scopes for bare business keys: tenant beats global,
// lower wins. ok is false for scopes a bare key never matches. Every
// ScopeType is listed so a new scope needs a decision here.
func bareKeyRank(scope domain.ScopeType) (rank int, ok bool) {
	switch scope {
	case domain.ScopeTenant:
		return 0, true
	case domain.ScopeGlobal:
		return 1, true
	case domain.ScopePrompt, domain.ScopeUser, domain.ScopeMapping, domain.ScopeModule:
		return 0, false
	default:
		return 0, false
	}
}

// ResolveForMessage walks prompt, user, tenant, then global scopes. The
// first mapping found decides the outcome: an inactive or exhausted mapping
// stops the walk instead of falling through to a lower scope.
func (r *Resolver) ResolveForMessage(ctx context.Context, q MessageQuery) (MessageResult, error) {
	steps := []struct {
		scope domain.ScopeType
		key   string
	}{
		{domain.ScopePrompt, q.PromptID},
		{domain.ScopeUser, q.UserID},
		{domain.ScopeTenant, q.TenantID},
		{domain.ScopeGlobal, domain.GlobalScopeKey},
	}

	result := MessageResult{Chain: []ChainEntry{}}
	var blocked map[string]struct{}

	for _, step := range steps {
		key := strings.TrimSpace(step.key)
		if key == "" {
			continue
		}
		entry := ChainEntry{Scope: step.scope, Key: key, MappingID: domain.MappingID(step.scope, key)}

		mapping, err := r.mappings.GetMapping(ctx, entry.MappingID)
		if err != nil {
			return MessageResult{}, fmt.Errorf("resolve %s: %w", entry.MappingID, err)
		}
		if mapping == nil {
			result.Chain = append(result.Chain, entry)
			continue
		}

		entry.Found = true
		entry.Active = mapping.IsActive
		result.MappingID = mapping.ID
		if !mapping.IsActive {
			result.Chain = append(result.Chain, entry)
			result.Reason = ReasonMappingInactive
			return result, nil
		}

		if blocked == nil {
			if blocked, err = r.blockedSet(ctx); err != nil {
				return MessageResult{}, err
			}
		}

		model, skipped := pickSurvivor(mapping, blocked)
		entry.Model = model
		entry.Skipped = skipped
		result.Chain = append(result.Chain, entry)
		result.HitScope = step.scope

		if model == "" {
			result.Reason = ReasonMappingEmptyOrBlocked
			return result, nil
		}

		result.Model = model
		result.Reason = ReasonHit
		if temp, ok := mapping.Temperature(); ok {
			result.Temperature = &temp
		}
		return result, nil
	}

	result.Reason = ReasonMappingNotFound
	return result, nil
}

func (r *Resolver) blockedSet(ctx context.Context) (map[string]struct{}, error) {
	set := make(map[string]struct{})
	if r.blocked == nil {
		return set, nil
	}
	models, err := r.blocked.ListBlocked(ctx)
	if err != nil {
		return nil, fmt.Errorf("load blocked models: %w", err)
	}
	for _, m := range models {
		set[m] = struct{}{}
	}
	return set, nil
}

// pickSurvivor returns the first model of m that is neither blocked nor
// embedding-only, along with the names it passed over.
func pickSurvivor(m *domain.Mapping, blocked map[string]struct{}) (string, []string) {
	var skipped []string
	for _, name := range m.OrderedModels() {
		if _, ok := blocked[name]; ok || domain.IsEmbeddingModel(name) {
			skipped = append(skipped, name)
			continue
		}
		return name, skipped
	}
	return "", skipped
}
