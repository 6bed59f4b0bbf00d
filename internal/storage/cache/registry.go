// Package cache fronts an endpoint registry with a short-lived snapshot so
// selection reads in-memory state instead of hitting the store per request.
package cache

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/tjfontaine/modelkey-gateway/internal/core/domain"
	"github.com/tjfontaine/modelkey-gateway/internal/core/ports"
)

const (
	DefaultSnapshotTTL   = 30 * time.Second
	DefaultCredentialTTL = 5 * time.Minute
	credentialCacheSize  = 1024
)

// Registry implements ports.EndpointRegistry over another registry.
type Registry struct {
	source      ports.EndpointRegistry
	snapshotTTL time.Duration
	logger      *slog.Logger
	now         func() time.Time

	group       singleflight.Group
	credentials *expirable.LRU[int64, string]

	mu        sync.RWMutex
	snapshot  []*domain.ProviderEndpoint
	fetchedAt time.Time
}

var _ ports.EndpointRegistry = (*Registry)(nil)

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// WithClock replaces time.Now; used by tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry wraps source. Non-positive TTLs use the defaults.
func NewRegistry(source ports.EndpointRegistry, snapshotTTL, credentialTTL time.Duration, opts ...Option) *Registry {
	if snapshotTTL <= 0 {
		snapshotTTL = DefaultSnapshotTTL
	}
	if credentialTTL <= 0 {
		credentialTTL = DefaultCredentialTTL
	}
	r := &Registry{
		source:      source,
		snapshotTTL: snapshotTTL,
		logger:      slog.Default(),
		now:         time.Now,
		credentials: expirable.NewLRU[int64, string](credentialCacheSize, nil, credentialTTL),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ListActive returns the cached snapshot, refreshing it once it is older
// than the snapshot TTL. Concurrent refreshes collapse into one store read.
// When a refresh fails and a previous snapshot exists, the stale snapshot is
// served and the error is logged.
func (r *Registry) ListActive(ctx context.Context) ([]*domain.ProviderEndpoint, error) {
	r.mu.RLock()
	snapshot, fetchedAt := r.snapshot, r.fetchedAt
	r.mu.RUnlock()

	if snapshot != nil && r.now().Sub(fetchedAt) < r.snapshotTTL {
		return cloneAll(snapshot), nil
	}

	// The refresh is shared by every waiter, so one caller's cancellation
	// must not fail the others.
	shared := context.WithoutCancel(ctx)
	v, err, _ := r.group.Do("endpoints", func() (any, error) {
		fresh, err := r.source.ListActive(shared)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.snapshot = fresh
		r.fetchedAt = r.now()
		r.mu.Unlock()
		return fresh, nil
	})
	if err != nil {
		if snapshot != nil {
			r.logger.Warn("endpoint refresh failed, serving stale snapshot",
				slog.String("error", err.Error()),
				slog.Duration("age", r.now().Sub(fetchedAt)))
			return cloneAll(snapshot), nil
		}
		return nil, err
	}
	return cloneAll(v.([]*domain.ProviderEndpoint)), nil
}

// GetCredential caches non-empty credentials. Empty results and errors are
// not cached so a newly provisioned key is picked up on the next request.
func (r *Registry) GetCredential(ctx context.Context, endpointID int64) (string, error) {
	if key, ok := r.credentials.Get(endpointID); ok {
		return key, nil
	}

	shared := context.WithoutCancel(ctx)
	v, err, _ := r.group.Do("credential:"+strconv.FormatInt(endpointID, 10), func() (any, error) {
		return r.source.GetCredential(shared, endpointID)
	})
	if err != nil {
		return "", err
	}
	key := v.(string)
	if key != "" {
		r.credentials.Add(endpointID, key)
	}
	return key, nil
}

// Invalidate drops the snapshot and all cached credentials.
func (r *Registry) Invalidate() {
	r.mu.Lock()
	r.snapshot = nil
	r.fetchedAt = time.Time{}
	r.mu.Unlock()
	r.credentials.Purge()
}

func cloneAll(in []*domain.ProviderEndpoint) []*domain.ProviderEndpoint {
	out := make([]*domain.ProviderEndpoint, len(in))
	for i, e := range in {
		out[i] = e.Clone()
	}
	return out
}
