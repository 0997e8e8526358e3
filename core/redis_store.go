package core

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisStore is a Redis-backed implementation of the Memory interface.
// The pipeline keeps its runtime state here (scheduler/detection
// toggles, detection watermark, last scrape summary) so restarts do not
// lose operator-set toggles.
//
// All keys are prefixed with the namespace ("fleetwatch:state" by
// default) to coexist with other consumers of the same Redis.
type RedisStore struct {
	client    *redis.Client
	namespace string
	logger    Logger
}

// RedisStoreOptions configures the Redis store
type RedisStoreOptions struct {
	RedisURL  string
	Namespace string
	Logger    Logger
}

// NewRedisStore creates a Redis runtime-state store and verifies the
// connection with a ping.
func NewRedisStore(opts RedisStoreOptions) (*RedisStore, error) {
	if opts.RedisURL == "" {
		return nil, fmt.Errorf("redis URL is required: %w", ErrInvalidConfiguration)
	}
	if opts.Namespace == "" {
		opts.Namespace = "fleetwatch:state"
	}
	if opts.Logger == nil {
		opts.Logger = &NoOpLogger{}
	}

	redisOpt, err := redis.ParseURL(opts.RedisURL)
	if err != nil {
		opts.Logger.Error("Failed to parse Redis URL", map[string]interface{}{
			"operation": "state_init",
			"error":     err.Error(),
		})
		return nil, fmt.Errorf("invalid Redis URL: %w", ErrInvalidConfiguration)
	}

	client := redis.NewClient(redisOpt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		opts.Logger.Error("Redis connection test failed", map[string]interface{}{
			"operation": "state_init",
			"error":     err.Error(),
		})
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	opts.Logger.Info("Runtime-state store connected", map[string]interface{}{
		"operation": "state_init",
		"provider":  "redis",
		"namespace": opts.Namespace,
	})

	return &RedisStore{
		client:    client,
		namespace: opts.Namespace,
		logger:    opts.Logger,
	}, nil
}

func (r *RedisStore) key(key string) string {
	return r.namespace + ":" + key
}

// Get retrieves a value. Missing keys return "" with no error.
func (r *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, r.key(key)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("state get %s: %w", key, err)
	}
	return val, nil
}

// Set stores a value with optional TTL (0 means no expiry).
func (r *RedisStore) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("state set %s: %w", key, err)
	}
	return nil
}

// Delete removes a value
func (r *RedisStore) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("state delete %s: %w", key, err)
	}
	return nil
}

// Exists reports whether a key is present
func (r *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("state exists %s: %w", key, err)
	}
	return n > 0, nil
}

// Close releases the underlying Redis connection pool
func (r *RedisStore) Close() error {
	return r.client.Close()
}
