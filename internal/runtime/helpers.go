package runtime

import (
	"context"
	"fmt"
	"io"

	"github.com/tjfontaine/modelkey-gateway/internal/core/domain"
	"github.com/tjfontaine/modelkey-gateway/internal/core/ports"
	"github.com/tjfontaine/modelkey-gateway/internal/frontdoor/chat"
	"github.com/tjfontaine/modelkey-gateway/internal/guard"
	"github.com/tjfontaine/modelkey-gateway/internal/pkg/config"
	"github.com/tjfontaine/modelkey-gateway/internal/selector"
	"github.com/tjfontaine/modelkey-gateway/internal/storage/memory"
	"github.com/tjfontaine/modelkey-gateway/internal/storage/redis"
	"github.com/tjfontaine/modelkey-gateway/internal/storage/sqldb"
	"github.com/tjfontaine/modelkey-gateway/internal/stream"
)

// OpenStore opens the route store named by cfg.
func OpenStore(cfg config.StorageConfig) (ports.RouteStore, error) {
	if cfg.Driver == "memory" {
		return memory.New(), nil
	}
	store, err := sqldb.New(sqldb.Config{Driver: cfg.Driver, DSN: cfg.DSN})
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Driver, err)
	}
	return store, nil
}

// OpenBlocklist returns the blocked-model set for cfg. The sql backend
// shares the route store. The returned closer is nil when nothing extra
// was opened.
func OpenBlocklist(ctx context.Context, cfg config.BlocklistConfig, store ports.RouteStore) (ports.BlockedModelStore, io.Closer, error) {
	switch cfg.Backend {
	case "redis":
		set, err := redis.New(ctx, redis.Config{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Key:      cfg.Redis.Key,
		})
		if err != nil {
			return nil, nil, err
		}
		return set, set, nil
	case "memory":
		return memory.New(), nil, nil
	default:
		return store, nil, nil
	}
}

// Seed upserts the endpoints, mappings, and blocked models listed in cfg.
// It is idempotent, so running it on every start is safe.
func Seed(ctx context.Context, cfg *config.Config, store ports.RouteStore, blocked ports.BlockedModelStore) error {
	for _, ec := range cfg.Endpoints {
		e, err := endpointFromConfig(ec)
		if err != nil {
			return err
		}
		if _, err := store.UpsertEndpoint(ctx, e); err != nil {
			return fmt.Errorf("seed endpoint %s: %w", ec.Name, err)
		}
	}

	for _, mc := range cfg.Mappings {
		m, err := mappingFromConfig(mc)
		if err != nil {
			return err
		}
		if _, err := store.UpsertMapping(ctx, m); err != nil {
			return fmt.Errorf("seed mapping %s: %w", m.ID, err)
		}
	}

	if len(cfg.BlockedModels) > 0 {
		updates := make([]domain.BlockUpdate, 0, len(cfg.BlockedModels))
		for _, model := range cfg.BlockedModels {
			updates = append(updates, domain.BlockUpdate{Model: model, Blocked: true})
		}
		if _, err := blocked.SetBlocked(ctx, updates); err != nil {
			return fmt.Errorf("seed blocked models: %w", err)
		}
	}
	return nil
}

func endpointFromConfig(ec config.EndpointConfig) (*domain.ProviderEndpoint, error) {
	status := domain.EndpointStatus(ec.Status)
	switch status {
	case domain.EndpointStatusUnset, domain.EndpointStatusOnline, domain.EndpointStatusOffline:
	default:
		return nil, fmt.Errorf("endpoint %s: unknown status %q", ec.Name, ec.Status)
	}
	return &domain.ProviderEndpoint{
		ID:               ec.ID,
		Name:             ec.Name,
		BaseURL:          ec.BaseURL,
		APIKey:           ec.APIKey,
		ProviderProtocol: ec.ProviderProtocol,
		Model:            ec.Model,
		ModelList:        ec.ModelList,
		IsActive:         ec.IsActive == nil || *ec.IsActive,
		IsDefault:        ec.IsDefault,
		Status:           status,
	}, nil
}

func mappingFromConfig(mc config.MappingConfig) (*domain.Mapping, error) {
	scope, err := domain.ParseScopeType(mc.ScopeType)
	if err != nil {
		return nil, fmt.Errorf("mapping %s: %w", mc.ScopeKey, err)
	}
	m := &domain.Mapping{
		ScopeType:    scope,
		ScopeKey:     mc.ScopeKey,
		Name:         mc.Name,
		DefaultModel: mc.DefaultModel,
		Candidates:   append([]string(nil), mc.Candidates...),
		IsActive:     mc.IsActive == nil || *mc.IsActive,
		Metadata:     mc.Metadata,
	}
	m.Normalize()
	return m, nil
}

func limitsFromConfig(cfg config.ConcurrencyConfig) guard.Limits {
	return guard.Limits{
		PerUser:         cfg.MaxPerUser,
		PerAnonymous:    cfg.MaxPerAnonymous,
		PerConversation: cfg.MaxPerConversation,
		RetryAfter:      cfg.RetryAfter,
	}
}

func policyFromConfig(cfg config.RoutingConfig) selector.Policy {
	return selector.Policy{
		StrictMappedRouting: cfg.StrictMappedRouting,
		AllowTestEndpoints:  cfg.AllowTestEndpoints,
	}
}

func settingsFromConfig(cfg *config.Config) (chat.Settings, error) {
	mode, err := stream.ParseMode(cfg.Streaming.Mode)
	if err != nil {
		return chat.Settings{}, err
	}
	return chat.Settings{
		Stream: stream.Config{
			Mode:               mode,
			ParseErrorSentinel: cfg.Streaming.ParseErrorSentinel,
			ReplayChunkSize:    cfg.Streaming.ReplayChunkSize,
		},
		UpstreamTimeout: cfg.Streaming.UpstreamTimeout,
		DefaultModel:    cfg.Routing.DefaultModel,
		Operators:       cfg.Auth.OperatorUsers,
	}, nil
}
