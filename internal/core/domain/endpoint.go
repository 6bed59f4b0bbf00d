package domain

import "strings"

// EndpointStatus is the health flag an operator sets on an endpoint.
type EndpointStatus string

const (
	EndpointStatusUnset   EndpointStatus = ""
	EndpointStatusOnline  EndpointStatus = "online"
	EndpointStatusOffline EndpointStatus = "offline"
)

// ProviderEndpoint is a concrete upstream base URL with its catalog.
type ProviderEndpoint struct {
	ID               int64          `json:"id" db:"id"`
	Name             string         `json:"name" db:"name"`
	BaseURL          string         `json:"base_url" db:"base_url"`
	APIKey           string         `json:"-" db:"api_key"`
	ProviderProtocol string         `json:"provider_protocol,omitempty" db:"provider_protocol"`
	Model            string         `json:"model,omitempty" db:"model"`
	ModelList        []string       `json:"model_list,omitempty"`
	IsActive         bool           `json:"is_active" db:"is_active"`
	IsDefault        bool           `json:"is_default" db:"is_default"`
	Status           EndpointStatus `json:"status,omitempty" db:"status"`
}

// Supports reports whether the endpoint lists model or uses it as its
// default, compared case-insensitively.
func (e *ProviderEndpoint) Supports(model string) bool {
	if model == "" {
		return false
	}
	if strings.EqualFold(e.Model, model) {
		return true
	}
	return e.Lists(model)
}

// Lists reports whether model appears in ModelList.
func (e *ProviderEndpoint) Lists(model string) bool {
	for _, m := range e.ModelList {
		if strings.EqualFold(strings.TrimSpace(m), model) {
			return true
		}
	}
	return false
}

// Clone returns a copy with its own model list.
func (e *ProviderEndpoint) Clone() *ProviderEndpoint {
	if e == nil {
		return nil
	}
	c := *e
	c.ModelList = append([]string(nil), e.ModelList...)
	return &c
}

// Dialect is the request/response shape an upstream expects.
type Dialect int

const (
	DialectOpenAI Dialect = iota
	DialectAnthropic
)

// DefaultDialect is used when neither the tag nor the URL identifies one.
const DefaultDialect = DialectOpenAI

func (d Dialect) String() string {
	switch d {
	case DialectOpenAI:
		return "openai"
	case DialectAnthropic:
		return "anthropic"
	default:
		return "unknown"
	}
}

// MarshalText lets dialects render as their names in JSON.
func (d Dialect) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// ParseDialect maps an explicit provider_protocol tag to a dialect.
func ParseDialect(tag string) (Dialect, bool) {
	switch strings.ToLower(strings.TrimSpace(tag)) {
	case "openai", "openai-compatible", "openai_compatible", "chat_completions":
		return DialectOpenAI, true
	case "anthropic", "claude", "messages":
		return DialectAnthropic, true
	default:
		return DefaultDialect, false
	}
}

// ResolvedRoute is the per-request outcome of selection. It is never
// persisted.
type ResolvedRoute struct {
	Endpoint      *ProviderEndpoint `json:"-"`
	EndpointID    int64             `json:"endpoint_id"`
	APIKey        string            `json:"-"`
	Provider      string            `json:"provider"`
	Dialect       Dialect           `json:"dialect"`
	ResolvedModel string            `json:"resolved_model"`
}
