package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tjfontaine/modelkey-gateway/internal/core/domain"
	"github.com/tjfontaine/modelkey-gateway/internal/core/ports"
)

// Store is an in-memory implementation of ports.RouteStore. Values are
// cloned on the way in and out so callers never share state with the store.
type Store struct {
	mu        sync.RWMutex
	mappings  map[string]*domain.Mapping
	blocked   map[string]struct{}
	endpoints map[int64]*domain.ProviderEndpoint
}

var _ ports.RouteStore = (*Store)(nil)

// New creates a new in-memory store
func New() *Store {
	return &Store{
		mappings:  make(map[string]*domain.Mapping),
		blocked:   make(map[string]struct{}),
		endpoints: make(map[int64]*domain.ProviderEndpoint),
	}
}

func (s *Store) ListMappings(ctx context.Context, filter ports.MappingFilter) ([]*domain.Mapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Mapping
	for _, m := range s.mappings {
		if filter.ScopeType != "" && m.ScopeType != filter.ScopeType {
			continue
		}
		if filter.ScopeKey != "" && m.ScopeKey != filter.ScopeKey {
			continue
		}
		if filter.ActiveOnly && !m.IsActive {
			continue
		}
		result = append(result, m.Clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *Store) GetMapping(ctx context.Context, id string) (*domain.Mapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.mappings[id].Clone(), nil
}

func (s *Store) UpsertMapping(ctx context.Context, m *domain.Mapping) (*domain.Mapping, error) {
	stored := m.Clone()
	stored.Normalize()
	if err := stored.Validate(); err != nil {
		return nil, fmt.Errorf("invalid mapping: %w", err)
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	s.mappings[stored.ID] = stored
	s.mu.Unlock()

	return stored.Clone(), nil
}

func (s *Store) DeleteMapping(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.mappings[id]; !exists {
		return false, nil
	}
	delete(s.mappings, id)
	return true, nil
}

func (s *Store) ListBlocked(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.sortedBlocked(), nil
}

func (s *Store) SetBlocked(ctx context.Context, updates []domain.BlockUpdate) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range updates {
		model := strings.TrimSpace(u.Model)
		if model == "" {
			continue
		}
		if u.Blocked {
			s.blocked[model] = struct{}{}
		} else {
			delete(s.blocked, model)
		}
	}
	return s.sortedBlocked(), nil
}

func (s *Store) sortedBlocked() []string {
	out := make([]string, 0, len(s.blocked))
	for m := range s.blocked {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

func (s *Store) ListActive(ctx context.Context) ([]*domain.ProviderEndpoint, error) {
	return s.listEndpoints(true), nil
}

func (s *Store) ListEndpoints(ctx context.Context) ([]*domain.ProviderEndpoint, error) {
	return s.listEndpoints(false), nil
}

func (s *Store) listEndpoints(activeOnly bool) []*domain.ProviderEndpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.ProviderEndpoint, 0, len(s.endpoints))
	for _, e := range s.endpoints {
		if activeOnly && !e.IsActive {
			continue
		}
		result = append(result, e.Clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

func (s *Store) GetCredential(ctx context.Context, endpointID int64) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.endpoints[endpointID]
	if !ok {
		return "", nil
	}
	return strings.TrimSpace(e.APIKey), nil
}

func (s *Store) UpsertEndpoint(ctx context.Context, e *domain.ProviderEndpoint) (*domain.ProviderEndpoint, error) {
	stored := e.Clone()
	stored.Name = strings.TrimSpace(stored.Name)
	if stored.Name == "" {
		return nil, fmt.Errorf("endpoint name is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if stored.ID == 0 {
		stored.ID = s.endpointIDByName(stored.Name)
	}
	s.endpoints[stored.ID] = stored
	return stored.Clone(), nil
}

// endpointIDByName returns the lowest id carrying name, or the next free
// id when none does. Callers hold s.mu.
func (s *Store) endpointIDByName(name string) int64 {
	var match, maxID int64
	for id, e := range s.endpoints {
		if e.Name == name && (match == 0 || id < match) {
			match = id
		}
		maxID = max(maxID, id)
	}
	if match != 0 {
		return match
	}
	return maxID + 1
}

func (s *Store) Close() error {
	return nil
}
