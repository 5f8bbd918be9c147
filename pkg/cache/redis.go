package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConfig holds the configuration for the Redis fetcher.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	CacheTTL time.Duration
}

// RedisFetcher is a Redis-backed caching layer. On a miss it consults the
// fallback fetcher, returns its answer, and writes it back to Redis in the
// background so the request path never blocks on the cache write.
type RedisFetcher[K comparable, V any] struct {
	client   *redis.Client
	logger   zerolog.Logger
	ttl      time.Duration
	fallback Fetcher[K, V]
}

// NewRedisFetcher connects to Redis, pinging it to verify connectivity
// before returning. fallback may be nil.
func NewRedisFetcher[K comparable, V any](
	ctx context.Context,
	cfg *RedisConfig,
	fallback Fetcher[K, V],
	logger zerolog.Logger,
) (*RedisFetcher[K, V], error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	logger.Info().Str("redis_address", cfg.Addr).Msg("Connected to Redis.")

	return &RedisFetcher[K, V]{
		client:   client,
		logger:   logger.With().Str("component", "RedisFetcher").Logger(),
		ttl:      cfg.CacheTTL,
		fallback: fallback,
	}, nil
}

// Fetch retrieves a value, trying Redis first.
func (f *RedisFetcher[K, V]) Fetch(ctx context.Context, key K) (V, error) {
	var zero V
	stringKey := fmt.Sprintf("%v", key)

	cached, err := f.client.Get(ctx, stringKey).Result()
	if err == nil {
		var value V
		if err := json.Unmarshal([]byte(cached), &value); err != nil {
			f.logger.Error().Err(err).Str("key", stringKey).Msg("Failed to unmarshal cached value.")
			return zero, fmt.Errorf("failed to unmarshal cached value: %w", err)
		}
		f.logger.Debug().Str("key", stringKey).Msg("Redis cache hit.")
		return value, nil
	}
	if !errors.Is(err, redis.Nil) {
		f.logger.Error().Err(err).Str("key", stringKey).Msg("Unexpected Redis error during fetch.")
		return zero, err
	}

	if f.fallback == nil {
		return zero, fmt.Errorf("key '%v': %w", key, ErrNotFound)
	}
	value, err := f.fallback.Fetch(ctx, key)
	if err != nil {
		return zero, err
	}

	go func() {
		writeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := f.write(writeCtx, stringKey, value); err != nil {
			f.logger.Error().Err(err).Str("key", stringKey).Msg("Failed to write-back to Redis.")
		}
	}()
	return value, nil
}

func (f *RedisFetcher[K, V]) write(ctx context.Context, key string, value V) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	if err := f.client.Set(ctx, key, data, f.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set in redis: %w", err)
	}
	return nil
}

// Close closes the Redis connection and the fallback.
func (f *RedisFetcher[K, V]) Close() error {
	err := f.client.Close()
	if f.fallback != nil {
		if fbErr := f.fallback.Close(); err == nil {
			err = fbErr
		}
	}
	return err
}
