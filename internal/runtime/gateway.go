// Package runtime provides the core Gateway struct and lifecycle management
// for the model-key gateway.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/tjfontaine/modelkey-gateway/internal/auth"
	"github.com/tjfontaine/modelkey-gateway/internal/core/ports"
	"github.com/tjfontaine/modelkey-gateway/internal/frontdoor/chat"
	"github.com/tjfontaine/modelkey-gateway/internal/guard"
	"github.com/tjfontaine/modelkey-gateway/internal/pkg/config"
	"github.com/tjfontaine/modelkey-gateway/internal/pkg/safehttp"
	"github.com/tjfontaine/modelkey-gateway/internal/provider"
	"github.com/tjfontaine/modelkey-gateway/internal/resolver"
	"github.com/tjfontaine/modelkey-gateway/internal/selector"
	"github.com/tjfontaine/modelkey-gateway/internal/server"
	"github.com/tjfontaine/modelkey-gateway/internal/storage/cache"
	"github.com/tjfontaine/modelkey-gateway/internal/tokens"
)

// Gateway is the main entry point for running the gateway.
// It manages configuration, storage, the routing core, and HTTP server lifecycle.
// Gateway can be embedded in larger applications or run standalone.
type Gateway struct {
	// Dependencies (injected via options)
	config   ports.ConfigProvider
	store    ports.RouteStore
	blocked  ports.BlockedModelStore
	verifier ports.IdentityVerifier
	upstream ports.ProviderClient

	// Built in Start
	registry *cache.Registry
	selector *selector.Selector
	guard    *guard.Guard
	chat     *chat.Handler
	server   *server.Server
	closers  []io.Closer
	logger   *slog.Logger

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.RWMutex
}

// New creates a new Gateway with the given options.
// A config provider is required; storage defaults to storage.driver from
// the loaded config.
func New(opts ...Option) (*Gateway, error) {
	gw := &Gateway{
		logger: slog.Default(),
	}

	// Apply options
	for _, opt := range opts {
		if err := opt(gw); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	if gw.config == nil {
		return nil, fmt.Errorf("config provider required (use WithFileConfig or WithConfigProvider)")
	}
	return gw, nil
}

// Start loads configuration, opens storage, seeds it, and starts serving.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.ctx, g.cancel = context.WithCancel(ctx)

	cfg, err := g.config.Load(g.ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := g.initStorage(cfg); err != nil {
		return fmt.Errorf("init storage: %w", err)
	}
	if err := Seed(g.ctx, cfg, g.store, g.blocked); err != nil {
		return fmt.Errorf("seed storage: %w", err)
	}
	if err := g.initCore(cfg); err != nil {
		return fmt.Errorf("init core: %w", err)
	}

	g.server = server.New(server.Options{
		Port:           cfg.Server.Port,
		RequestTimeout: cfg.Server.RequestTimeout,
		Logger:         g.logger,
		Verifier:       g.verifier,
		RequireAuth:    cfg.Auth.RequireAuth,
	})
	g.chat.Register(g.server.Router)

	go func() {
		if err := g.server.Start(); err != nil {
			g.logger.Error("server error", slog.String("error", err.Error()))
		}
	}()

	// Watch for config changes
	go g.watchConfig()

	g.logger.Info("gateway started",
		slog.Int("port", cfg.Server.Port),
		slog.String("storage", cfg.Storage.Driver),
		slog.String("blocklist", cfg.Blocklist.Backend),
		slog.String("stream_mode", cfg.Streaming.Mode),
		slog.Bool("auth", g.verifier != nil))

	return nil
}

func (g *Gateway) initStorage(cfg *config.Config) error {
	if g.store == nil {
		store, err := OpenStore(cfg.Storage)
		if err != nil {
			return err
		}
		g.store = store
	}
	g.closers = append(g.closers, g.store)

	if g.blocked == nil {
		blocked, closer, err := OpenBlocklist(g.ctx, cfg.Blocklist, g.store)
		if err != nil {
			return fmt.Errorf("open blocklist: %w", err)
		}
		g.blocked = blocked
		if closer != nil {
			g.closers = append(g.closers, closer)
		}
	}
	return nil
}

func (g *Gateway) initCore(cfg *config.Config) error {
	settings, err := settingsFromConfig(cfg)
	if err != nil {
		return err
	}

	if g.verifier == nil && cfg.Auth.JWTSecret != "" {
		v, err := auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
		if err != nil {
			return fmt.Errorf("create verifier: %w", err)
		}
		g.verifier = v
	}
	if g.verifier == nil {
		g.logger.Info("no jwt secret configured, all callers are anonymous")
	}
	if g.upstream == nil {
		var opts []provider.Option
		if cfg.Routing.DenyPrivateUpstreams {
			opts = append(opts, provider.WithTransport(safehttp.NewTransport()))
		}
		g.upstream = provider.NewRouter(opts...)
	}

	g.registry = cache.NewRegistry(g.store, cfg.Routing.EndpointCacheTTL, cfg.Routing.CredentialCacheTTL,
		cache.WithLogger(g.logger))
	g.selector = selector.New(g.registry, policyFromConfig(cfg.Routing), selector.WithLogger(g.logger))
	g.guard = guard.New(limitsFromConfig(cfg.Concurrency), guard.WithLogger(g.logger))

	res := resolver.New(g.store, g.blocked, resolver.WithLogger(g.logger))
	g.chat = chat.NewHandler(res, g.selector, g.guard, g.upstream, settings,
		chat.WithLogger(g.logger),
		chat.WithUsageEstimator(tokens.NewCounter()))
	return nil
}

// Handler returns the HTTP handler, for tests and for embedding the
// gateway behind another server. It is nil before Start.
func (g *Gateway) Handler() http.Handler {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.server == nil {
		return nil
	}
	return g.server.Router
}

// Shutdown gracefully stops the gateway.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.logger.Info("shutting down gateway")

	if g.cancel != nil {
		g.cancel()
	}

	var errs []error
	if g.server != nil {
		if err := g.server.Shutdown(ctx); err != nil {
			g.logger.Error("failed to shutdown server", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	for _, c := range g.closers {
		if err := c.Close(); err != nil {
			g.logger.Error("failed to close storage", slog.String("error", err.Error()))
		}
	}
	g.closers = nil

	if g.config != nil {
		if err := g.config.Close(); err != nil {
			g.logger.Error("failed to close config", slog.String("error", err.Error()))
		}
	}

	g.logger.Info("gateway shutdown complete")
	return errors.Join(errs...)
}

// watchConfig watches for config changes and reloads.
func (g *Gateway) watchConfig() {
	onChange := func(newCfg *config.Config) {
		g.logger.Info("config changed, reloading")
		if err := g.Reload(newCfg); err != nil {
			g.logger.Error("failed to reload", slog.String("error", err.Error()))
		}
	}

	if err := g.config.Watch(g.ctx, onChange); err != nil {
		if !errors.Is(err, context.Canceled) {
			g.logger.Error("config watch failed", slog.String("error", err.Error()))
		}
	}
}

// Reload applies the reloadable parts of cfg: concurrency limits, stream
// settings, and routing toggles. Port and storage changes need a restart.
// Live streams keep the settings they started with.
func (g *Gateway) Reload(cfg *config.Config) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.chat == nil {
		return fmt.Errorf("gateway not started")
	}

	settings, err := settingsFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("reload streaming settings: %w", err)
	}

	g.guard.SetLimits(limitsFromConfig(cfg.Concurrency))
	g.selector.SetPolicy(policyFromConfig(cfg.Routing))
	g.chat.SetSettings(settings)
	g.registry.Invalidate()

	g.logger.Info("reload complete",
		slog.String("stream_mode", string(settings.Stream.Mode)),
		slog.Int("max_per_user", cfg.Concurrency.MaxPerUser),
		slog.Int("max_per_conversation", cfg.Concurrency.MaxPerConversation))

	return nil
}
