package ports

import (
	"context"

	"github.com/tjfontaine/modelkey-gateway/internal/core/domain"
	"github.com/tjfontaine/modelkey-gateway/internal/pkg/config"
)

// ConfigProvider loads and manages configuration.
// Implementations: file-based (default).
type ConfigProvider interface {
	Load(ctx context.Context) (*config.Config, error)
	Watch(ctx context.Context, onChange func(*config.Config)) error
	Close() error
}

// IdentityVerifier turns a bearer token into a caller identity.
// Implementations: JWT (HS256).
type IdentityVerifier interface {
	Verify(ctx context.Context, token string) (*domain.Identity, error)
}

// ProviderClient talks to one upstream dialect.
type ProviderClient interface {
	// Stream starts a streaming completion. The channel is closed after a
	// delta with Done or Err set, or when ctx is cancelled.
	Stream(ctx context.Context, route *domain.ResolvedRoute, req *domain.ChatRequest) (<-chan domain.Delta, error)

	// Complete performs a single non-streaming completion.
	Complete(ctx context.Context, route *domain.ResolvedRoute, req *domain.ChatRequest) (*domain.Completion, error)
}
