package runtime

import (
	"fmt"
	"log/slog"

	"github.com/tjfontaine/modelkey-gateway/internal/adapters/config/file"
	"github.com/tjfontaine/modelkey-gateway/internal/core/ports"
	"github.com/tjfontaine/modelkey-gateway/internal/storage/memory"
	"github.com/tjfontaine/modelkey-gateway/internal/storage/sqldb"
)

// Option is a functional option for configuring a Gateway.
type Option func(*Gateway) error

// WithFileConfig uses file-based configuration with hot-reload (default).
// The path should point to a config.yaml file that will be watched for changes.
func WithFileConfig(path string) Option {
	return func(g *Gateway) error {
		provider, err := file.NewProvider(path)
		if err != nil {
			return fmt.Errorf("create file config provider: %w", err)
		}
		g.config = provider
		return nil
	}
}

// WithConfigProvider sets a custom config provider.
// For advanced use cases where you need full control over config loading.
func WithConfigProvider(provider ports.ConfigProvider) Option {
	return func(g *Gateway) error {
		g.config = provider
		return nil
	}
}

// WithSQLite uses SQLite storage (default for single-instance deployments).
// It overrides storage.driver from the config file.
func WithSQLite(dsn string) Option {
	return withSQL("sqlite", dsn)
}

// WithPostgres uses PostgreSQL storage.
// Recommended for distributed deployments.
func WithPostgres(dsn string) Option {
	return withSQL("postgres", dsn)
}

// WithMySQL uses MySQL storage.
func WithMySQL(dsn string) Option {
	return withSQL("mysql", dsn)
}

func withSQL(driver, dsn string) Option {
	return func(g *Gateway) error {
		store, err := sqldb.New(sqldb.Config{Driver: driver, DSN: dsn})
		if err != nil {
			return fmt.Errorf("create %s storage: %w", driver, err)
		}
		g.store = store
		return nil
	}
}

// WithMemoryStorage keeps mappings, endpoints, and the blocked set in
// process memory. Nothing survives a restart.
func WithMemoryStorage() Option {
	return func(g *Gateway) error {
		g.store = memory.New()
		return nil
	}
}

// WithRouteStore sets a custom store for mappings, endpoints, and the
// blocked set.
func WithRouteStore(store ports.RouteStore) Option {
	return func(g *Gateway) error {
		g.store = store
		return nil
	}
}

// WithBlockedModelStore keeps the blocked set somewhere other than the
// route store, overriding blocklist.backend.
func WithBlockedModelStore(store ports.BlockedModelStore) Option {
	return func(g *Gateway) error {
		g.blocked = store
		return nil
	}
}

// WithIdentityVerifier sets the bearer token verifier, overriding
// auth.jwt_secret.
func WithIdentityVerifier(v ports.IdentityVerifier) Option {
	return func(g *Gateway) error {
		g.verifier = v
		return nil
	}
}

// WithProviderClient replaces the upstream clients. Tests use it to avoid
// network calls.
func WithProviderClient(client ports.ProviderClient) Option {
	return func(g *Gateway) error {
		g.upstream = client
		return nil
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) error {
		g.logger = logger
		return nil
	}
}
