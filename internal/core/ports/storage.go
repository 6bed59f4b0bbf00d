package ports

import (
	"context"

	"github.com/tjfontaine/modelkey-gateway/internal/core/domain"
)

// MappingFilter narrows ListMappings. Zero values match everything.
type MappingFilter struct {
	ScopeType  domain.ScopeType
	ScopeKey   string
	ActiveOnly bool
}

// MappingStore is read/write access to override records.
type MappingStore interface {
	// ListMappings returns mappings matching filter.
	ListMappings(ctx context.Context, filter MappingFilter) ([]*domain.Mapping, error)

	// GetMapping returns the mapping with id, or nil when absent.
	GetMapping(ctx context.Context, id string) (*domain.Mapping, error)

	// UpsertMapping creates or replaces a mapping and returns the stored copy.
	UpsertMapping(ctx context.Context, m *domain.Mapping) (*domain.Mapping, error)

	// DeleteMapping removes a mapping and reports whether it existed.
	DeleteMapping(ctx context.Context, id string) (bool, error)
}

// BlockedModelStore is the global blocked-model set.
type BlockedModelStore interface {
	// ListBlocked returns the blocked model names, sorted.
	ListBlocked(ctx context.Context) ([]string, error)

	// SetBlocked applies updates and returns the resulting set, sorted.
	SetBlocked(ctx context.Context, updates []domain.BlockUpdate) ([]string, error)
}

// EndpointRegistry exposes provider endpoints to the selector.
type EndpointRegistry interface {
	// ListActive returns endpoints flagged is_active.
	ListActive(ctx context.Context) ([]*domain.ProviderEndpoint, error)

	// GetCredential returns the endpoint's credential, or "" when it has none.
	GetCredential(ctx context.Context, endpointID int64) (string, error)
}

// EndpointWriter manages endpoint records; used for start-up seeding and
// the operator CLI. UpsertEndpoint with a zero ID matches an existing
// endpoint by name before allocating a new id.
type EndpointWriter interface {
	ListEndpoints(ctx context.Context) ([]*domain.ProviderEndpoint, error)
	UpsertEndpoint(ctx context.Context, e *domain.ProviderEndpoint) (*domain.ProviderEndpoint, error)
}

// RouteStore is everything a single backing store provides.
type RouteStore interface {
	MappingStore
	BlockedModelStore
	EndpointRegistry
	EndpointWriter

	Close() error
}
