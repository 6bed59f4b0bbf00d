package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is stripped from environment overrides; "__" separates nesting,
// so GATEWAY_CONCURRENCY__MAX_PER_USER sets concurrency.max_per_user.
const EnvPrefix = "GATEWAY_"

// DefaultPath is used when no explicit config file is given.
const DefaultPath = "config.yaml"

type Config struct {
	Server        ServerConfig      `koanf:"server"`
	Storage       StorageConfig     `koanf:"storage"`
	Blocklist     BlocklistConfig   `koanf:"blocklist"`
	Auth          AuthConfig        `koanf:"auth"`
	Routing       RoutingConfig     `koanf:"routing"`
	Streaming     StreamingConfig   `koanf:"streaming"`
	Concurrency   ConcurrencyConfig `koanf:"concurrency"`
	Telemetry     TelemetryConfig   `koanf:"telemetry"`
	Endpoints     []EndpointConfig  `koanf:"endpoints"`
	Mappings      []MappingConfig   `koanf:"mappings"`
	BlockedModels []string          `koanf:"blocked_models"`
}

type ServerConfig struct {
	Port           int           `koanf:"port"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
}

type StorageConfig struct {
	Driver string `koanf:"driver"` // sqlite, postgres, mysql, memory
	DSN    string `koanf:"dsn"`    // Data source name / connection string
}

// BlocklistConfig selects where the blocked-model set lives.
type BlocklistConfig struct {
	Backend string      `koanf:"backend"` // sql, redis, memory
	Redis   RedisConfig `koanf:"redis"`
}

type RedisConfig struct {
	Address  string `koanf:"address"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
	Key      string `koanf:"key"`
}

type AuthConfig struct {
	JWTSecret   string `koanf:"jwt_secret"`
	Issuer      string `koanf:"issuer"`
	RequireAuth bool   `koanf:"require_auth"`

	// OperatorUsers may read per-session concurrency stats.
	OperatorUsers []string `koanf:"operator_users"`
}

type RoutingConfig struct {
	StrictMappedRouting bool          `koanf:"strict_mapped_routing"`
	AllowTestEndpoints  bool          `koanf:"allow_test_endpoints"`
	EndpointCacheTTL    time.Duration `koanf:"endpoint_cache_ttl"`
	CredentialCacheTTL  time.Duration `koanf:"credential_cache_ttl"`
	DefaultModel        string        `koanf:"default_model"`

	// DenyPrivateUpstreams refuses upstream connections to loopback and
	// private addresses.
	DenyPrivateUpstreams bool `koanf:"deny_private_upstreams"`
}

type StreamingConfig struct {
	Mode               string        `koanf:"mode"` // passthrough, structured
	UpstreamTimeout    time.Duration `koanf:"upstream_timeout"`
	ParseErrorSentinel string        `koanf:"parse_error_sentinel"`
	ReplayChunkSize    int           `koanf:"replay_chunk_size"`
}

type ConcurrencyConfig struct {
	MaxPerUser         int           `koanf:"max_per_user"`
	MaxPerAnonymous    int           `koanf:"max_per_anonymous"`
	MaxPerConversation int           `koanf:"max_per_conversation"`
	RetryAfter         time.Duration `koanf:"retry_after"`
}

type TelemetryConfig struct {
	ServiceName string `koanf:"service_name"`
	Exporter    string `koanf:"exporter"` // stdout, none
}

// EndpointConfig seeds one provider endpoint into the store at start-up.
type EndpointConfig struct {
	ID               int64    `koanf:"id"`
	Name             string   `koanf:"name"`
	BaseURL          string   `koanf:"base_url"`
	APIKey           string   `koanf:"api_key"`
	ProviderProtocol string   `koanf:"provider_protocol"`
	Model            string   `koanf:"model"`
	ModelList        []string `koanf:"model_list"`
	IsActive         *bool    `koanf:"is_active"`
	IsDefault        bool     `koanf:"is_default"`
	Status           string   `koanf:"status"`
}

// MappingConfig seeds one override mapping into the store at start-up.
type MappingConfig struct {
	ScopeType    string         `koanf:"scope_type"`
	ScopeKey     string         `koanf:"scope_key"`
	Name         string         `koanf:"name"`
	DefaultModel string         `koanf:"default_model"`
	Candidates   []string       `koanf:"candidates"`
	IsActive     *bool          `koanf:"is_active"`
	Metadata     map[string]any `koanf:"metadata"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

var defaults = map[string]any{
	"server.port":                      8080,
	"server.request_timeout":           "10m",
	"storage.driver":                   "sqlite",
	"storage.dsn":                      "file:gateway.db",
	"blocklist.backend":                "sql",
	"blocklist.redis.key":              "gateway:blocked_models",
	"routing.endpoint_cache_ttl":       "30s",
	"routing.credential_cache_ttl":     "5m",
	"streaming.mode":                   "passthrough",
	"streaming.upstream_timeout":       "120s",
	"streaming.parse_error_sentinel":   "__PARSING_ERROR__",
	"concurrency.max_per_user":         3,
	"concurrency.max_per_anonymous":    1,
	"concurrency.max_per_conversation": 1,
	"concurrency.retry_after":          "2s",
	"telemetry.service_name":           "modelkey-gateway",
	"telemetry.exporter":               "stdout",
}

// Load reads DefaultPath, then environment overrides.
func Load() (*Config, error) {
	return LoadFile(DefaultPath)
}

// LoadFile reads the YAML file at path (a missing file is fine), applies
// GATEWAY_ environment overrides and defaults, and substitutes ${VAR}
// references in endpoint credentials.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			// File not found is OK, we'll use env vars
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("load %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	for key, value := range defaults {
		if !k.Exists(key) {
			k.Set(key, value)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	for i := range cfg.Endpoints {
		cfg.Endpoints[i].APIKey = substituteEnvVars(cfg.Endpoints[i].APIKey)
	}
	cfg.Auth.JWTSecret = substituteEnvVars(cfg.Auth.JWTSecret)
	cfg.Blocklist.Redis.Password = substituteEnvVars(cfg.Blocklist.Redis.Password)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the gateway cannot start with.
func (c *Config) Validate() error {
	switch c.Streaming.Mode {
	case "passthrough", "structured":
	default:
		return fmt.Errorf("streaming.mode must be passthrough or structured, got %q", c.Streaming.Mode)
	}
	switch c.Storage.Driver {
	case "sqlite", "postgres", "mysql", "memory":
	default:
		return fmt.Errorf("unsupported storage.driver %q", c.Storage.Driver)
	}
	switch c.Blocklist.Backend {
	case "sql", "redis", "memory":
	default:
		return fmt.Errorf("unsupported blocklist.backend %q", c.Blocklist.Backend)
	}
	if c.Blocklist.Backend == "redis" && c.Blocklist.Redis.Address == "" {
		return fmt.Errorf("blocklist.redis.address is required for the redis backend")
	}
	if c.Concurrency.MaxPerUser < 1 || c.Concurrency.MaxPerAnonymous < 1 || c.Concurrency.MaxPerConversation < 1 {
		return fmt.Errorf("concurrency limits must be at least 1")
	}
	switch c.Telemetry.Exporter {
	case "stdout", "none":
	default:
		return fmt.Errorf("unsupported telemetry.exporter %q", c.Telemetry.Exporter)
	}
	if c.Streaming.ReplayChunkSize < 0 {
		return fmt.Errorf("streaming.replay_chunk_size must not be negative")
	}
	return nil
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
