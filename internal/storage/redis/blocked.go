// Package redis keeps the blocked-model set in a Redis SET so every gateway
// replica sees the same blocklist.
package redis

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/tjfontaine/modelkey-gateway/internal/core/domain"
	"github.com/tjfontaine/modelkey-gateway/internal/core/ports"
)

// DefaultKey is the SET holding blocked model names.
const DefaultKey = "gateway:blocked_models"

// Config holds Redis connection configuration
type Config struct {
	Address  string // host:port
	Password string
	DB       int
	Key      string

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// BlockedSet implements ports.BlockedModelStore on a Redis SET.
type BlockedSet struct {
	client *goredis.Client
	key    string
}

var _ ports.BlockedModelStore = (*BlockedSet)(nil)

// New connects to Redis and verifies the connection with PING.
func New(ctx context.Context, cfg Config) (*BlockedSet, error) {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 3 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 3 * time.Second
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Address, err)
	}

	return NewWithClient(client, cfg.Key), nil
}

// NewWithClient wraps an existing client. An empty key uses DefaultKey.
func NewWithClient(client *goredis.Client, key string) *BlockedSet {
	if key == "" {
		key = DefaultKey
	}
	return &BlockedSet{client: client, key: key}
}

func (b *BlockedSet) ListBlocked(ctx context.Context) ([]string, error) {
	members, err := b.client.SMembers(ctx, b.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read blocked models: %w", err)
	}
	sort.Strings(members)
	return members, nil
}

// SetBlocked applies all updates in one MULTI/EXEC.
func (b *BlockedSet) SetBlocked(ctx context.Context, updates []domain.BlockUpdate) ([]string, error) {
	var members *goredis.StringSliceCmd
	_, err := b.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		for _, u := range updates {
			model := strings.TrimSpace(u.Model)
			if model == "" {
				continue
			}
			if u.Blocked {
				pipe.SAdd(ctx, b.key, model)
			} else {
				pipe.SRem(ctx, b.key, model)
			}
		}
		members = pipe.SMembers(ctx, b.key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update blocked models: %w", err)
	}

	out := members.Val()
	sort.Strings(out)
	return out, nil
}

// Close closes the Redis client.
func (b *BlockedSet) Close() error {
	return b.client.Close()
}
