package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ScopeType identifies the override layer a mapping belongs to.
type ScopeType string

const (
	ScopePrompt  ScopeType = "prompt"
	ScopeUser    ScopeType = "user"
	ScopeTenant  ScopeType = "tenant"
	ScopeMapping ScopeType = "mapping"
	ScopeModule  ScopeType = "module"
	ScopeGlobal  ScopeType = "global"
)

// ScopeDelimiter separates scope type and scope key in a mapping id.
const ScopeDelimiter = ":"

// GlobalScopeKey is the scope key of the single global mapping consulted by
// message resolution.
const GlobalScopeKey = "global"

// ParseScopeType converts a string into a known ScopeType.
func ParseScopeType(s string) (ScopeType, error) {
	switch st := ScopeType(strings.ToLower(strings.TrimSpace(s))); st {
	case ScopePrompt, ScopeUser, ScopeTenant, ScopeMapping, ScopeModule, ScopeGlobal:
		return st, nil
	default:
		return "", fmt.Errorf("unknown scope type %q", s)
	}
}

// MappingID derives the store id for a scope.
func MappingID(scopeType ScopeType, scopeKey string) string {
	return string(scopeType) + ScopeDelimiter + scopeKey
}

// SplitMappingID splits "scope_type:scope_key". ok is false when the key
// carries no delimiter or names an unknown scope type.
func SplitMappingID(id string) (ScopeType, string, bool) {
	idx := strings.Index(id, ScopeDelimiter)
	if idx <= 0 {
		return "", "", false
	}
	st, err := ParseScopeType(id[:idx])
	if err != nil {
		return "", "", false
	}
	return st, id[idx+1:], true
}

// Mapping is one override record: a scope and the models it routes to.
type Mapping struct {
	ID           string         `json:"id" db:"id"`
	ScopeType    ScopeType      `json:"scope_type" db:"scope_type"`
	ScopeKey     string         `json:"scope_key" db:"scope_key"`
	Name         string         `json:"name" db:"name"`
	DefaultModel string         `json:"default_model,omitempty" db:"default_model"`
	Candidates   []string       `json:"candidates"`
	IsActive     bool           `json:"is_active" db:"is_active"`
	UpdatedAt    time.Time      `json:"updated_at" db:"updated_at"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Normalize fills the derived id and trims names. It does not reorder
// candidates.
func (m *Mapping) Normalize() {
	m.ScopeKey = strings.TrimSpace(m.ScopeKey)
	m.DefaultModel = strings.TrimSpace(m.DefaultModel)
	m.ID = MappingID(m.ScopeType, m.ScopeKey)
	cleaned := m.Candidates[:0]
	for _, c := range m.Candidates {
		if c = strings.TrimSpace(c); c != "" {
			cleaned = append(cleaned, c)
		}
	}
	m.Candidates = cleaned
}

// Validate reports whether the mapping can be stored.
func (m *Mapping) Validate() error {
	if _, err := ParseScopeType(string(m.ScopeType)); err != nil {
		return err
	}
	if m.ScopeKey == "" {
		return fmt.Errorf("scope_key is required")
	}
	return nil
}

// OrderedModels returns default_model followed by candidates in stored
// order, without duplicates.
func (m *Mapping) OrderedModels() []string {
	out := make([]string, 0, len(m.Candidates)+1)
	seen := make(map[string]struct{}, len(m.Candidates)+1)
	add := func(name string) {
		if name == "" {
			return
		}
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	add(m.DefaultModel)
	for _, c := range m.Candidates {
		add(c)
	}
	return out
}

// Temperature reads an optional "temperature" entry from metadata.
func (m *Mapping) Temperature() (float64, bool) {
	raw, ok := m.Metadata["temperature"]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// Clone returns a deep copy safe to hand out from stores.
func (m *Mapping) Clone() *Mapping {
	if m == nil {
		return nil
	}
	c := *m
	c.Candidates = append([]string(nil), m.Candidates...)
	if m.Metadata != nil {
		c.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// BlockUpdate toggles one model in the blocked set.
type BlockUpdate struct {
	Model   string `json:"model"`
	Blocked bool   `json:"blocked"`
}
