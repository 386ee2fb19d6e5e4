package memo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const writeBackTimeout = 10 * time.Second

// RedisConfig holds the connection and keying settings for a RedisCache.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	CacheTTL time.Duration
	// KeyPrefix namespaces keys, typically "fetchcache:<source>:<group>:".
	KeyPrefix string
}

// RedisOption configures a RedisCache.
type RedisOption[K comparable, V any] func(*RedisCache[K, V])

// WithCodec replaces the default JSON encoding of cached values.
func WithCodec[K comparable, V any](codec Codec[V]) RedisOption[K, V] {
	return func(c *RedisCache[K, V]) {
		c.codec = codec
	}
}

// RedisCache shares fetched values between processes through Redis. A miss
// goes to the fallback and the value is written back in the background.
//
// Redis is treated as an optimisation: when it cannot be reached, Fetch
// serves from the fallback and logs a warning instead of failing.
type RedisCache[K comparable, V any] struct {
	client   redis.UniversalClient
	logger   zerolog.Logger
	ttl      time.Duration
	prefix   string
	codec    Codec[V]
	fallback Fetcher[K, V]

	writes sync.WaitGroup
}

// NewRedisCache connects to Redis and pings it before returning.
func NewRedisCache[K comparable, V any](
	ctx context.Context,
	cfg *RedisConfig,
	logger zerolog.Logger,
	fallback Fetcher[K, V],
	opts ...RedisOption[K, V],
) (*RedisCache[K, V], error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	logger.Info().Str("redis_address", cfg.Addr).Msg("Successfully connected to Redis.")
	return NewRedisCacheFromClient(rdb, cfg, logger, fallback, opts...), nil
}

// NewRedisCacheFromClient wraps an existing client. The cache owns the client
// and closes it on Close. Only the TTL and key prefix of cfg are used.
func NewRedisCacheFromClient[K comparable, V any](
	client redis.UniversalClient,
	cfg *RedisConfig,
	logger zerolog.Logger,
	fallback Fetcher[K, V],
	opts ...RedisOption[K, V],
) *RedisCache[K, V] {
	c := &RedisCache[K, V]{
		client:   client,
		logger:   logger.With().Str("component", "RedisCache").Logger(),
		ttl:      cfg.CacheTTL,
		prefix:   cfg.KeyPrefix,
		codec:    JSONCodec[V]{},
		fallback: fallback,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *RedisCache[K, V]) key(key K) string {
	return fmt.Sprintf("%s%v", c.prefix, key)
}

// Fetch returns the cached value for key or loads it from the fallback.
func (c *RedisCache[K, V]) Fetch(ctx context.Context, key K) (V, error) {
	var zero V
	value, err := c.get(ctx, key)
	switch {
	case err == nil:
		return value, nil
	case errors.Is(err, redis.Nil):
	case ctx.Err() != nil:
		return zero, context.Cause(ctx)
	default:
		c.logger.Warn().Err(err).Str("key", c.key(key)).Msg("Redis read failed, using the source.")
	}

	if c.fallback == nil {
		return zero, fmt.Errorf("key '%v': %w", key, ErrMiss)
	}
	value, err = c.fallback.Fetch(ctx, key)
	if err != nil {
		return zero, err
	}

	c.writes.Add(1)
	go func() {
		defer c.writes.Done()
		writeCtx, cancel := context.WithTimeout(context.Background(), writeBackTimeout)
		defer cancel()
		if err := c.Write(writeCtx, key, value); err != nil {
			c.logger.Warn().Err(err).Str("key", c.key(key)).Msg("Failed to write to cache in background.")
		}
	}()
	return value, nil
}

func (c *RedisCache[K, V]) get(ctx context.Context, key K) (V, error) {
	data, err := c.client.Get(ctx, c.key(key)).Bytes()
	if err != nil {
		var zero V
		return zero, err
	}
	value, err := c.codec.Unmarshal(data)
	if err != nil {
		return value, fmt.Errorf("failed to decode cached value %s: %w", c.key(key), err)
	}
	c.logger.Debug().Str("key", c.key(key)).Msg("Redis cache hit.")
	return value, nil
}

// Write stores value under key with the configured TTL.
func (c *RedisCache[K, V]) Write(ctx context.Context, key K, value V) error {
	data, err := c.codec.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode value for %s: %w", c.key(key), err)
	}
	if err := c.client.Set(ctx, c.key(key), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set %s in redis: %w", c.key(key), err)
	}
	c.logger.Debug().Str("key", c.key(key)).Int("bytes", len(data)).Msg("Stored value in Redis cache.")
	return nil
}

// Invalidate deletes key from Redis.
func (c *RedisCache[K, V]) Invalidate(ctx context.Context, key K) error {
	return c.client.Del(ctx, c.key(key)).Err()
}

// Close waits for background writes, then closes the client and the fallback.
func (c *RedisCache[K, V]) Close() error {
	c.writes.Wait()
	var errs []error
	if c.client != nil {
		c.logger.Info().Msg("Closing Redis client connection...")
		errs = append(errs, c.client.Close())
	}
	if c.fallback != nil {
		errs = append(errs, c.fallback.Close())
	}
	return errors.Join(errs...)
}
