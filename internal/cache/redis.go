// Package cache backs the oracle's price slot with Redis so replicas share
// one warm cache.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"token-economy/internal/oracle"
)

const keyPrefix = "tokenecon:price:"

// Options configure the Redis connection.
type Options struct {
	Addr         string
	Password     string
	DB           int
	TokenAddress string
	// KeyTTL bounds how long Redis keeps the slot; zero keeps it forever.
	KeyTTL time.Duration
}

// RedisPriceCache implements oracle.CacheStore on a single Redis key.
type RedisPriceCache struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	logger zerolog.Logger
}

// NewRedisPriceCache connects to Redis lazily; use Ping to check reachability.
func NewRedisPriceCache(opts Options, logger zerolog.Logger) *RedisPriceCache {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return &RedisPriceCache{
		client: client,
		key:    keyPrefix + strings.ToLower(opts.TokenAddress),
		ttl:    opts.KeyTTL,
		logger: logger.With().Str("component", "redis_cache").Logger(),
	}
}

// Ping verifies the connection.
func (r *RedisPriceCache) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

func (r *RedisPriceCache) Load(ctx context.Context) (oracle.CachedPrice, bool, error) {
	data, err := r.client.Get(ctx, r.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return oracle.CachedPrice{}, false, nil
		}
		return oracle.CachedPrice{}, false, fmt.Errorf("get cached price: %w", err)
	}

	var entry oracle.CachedPrice
	if err := json.Unmarshal(data, &entry); err != nil {
		r.logger.Warn().Err(err).Str("key", r.key).Msg("discarding malformed cached price")
		return oracle.CachedPrice{}, false, nil
	}
	return entry, true, nil
}

func (r *RedisPriceCache) Save(ctx context.Context, price oracle.CachedPrice) error {
	data, err := json.Marshal(price)
	if err != nil {
		return fmt.Errorf("marshal cached price: %w", err)
	}
	if err := r.client.Set(ctx, r.key, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("set cached price: %w", err)
	}
	return nil
}

// Close releases the client.
func (r *RedisPriceCache) Close() error {
	return r.client.Close()
}

var _ oracle.CacheStore = (*RedisPriceCache)(nil)
