package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is a distributed alternative to TTLCache for multi-instance
// deployments that need a shared view of the same cached entries instead
// of one in-process copy per replica.
type Store interface {
	Get(ctx context.Context, key string, dest any) (bool, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// RedisStore implements Store on top of a Redis client. Values are
// JSON-encoded; TTL is delegated to Redis's own key expiry rather than a
// second local clock.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to the given Redis URL (redis://host:port/db
// form). keyPrefix namespaces keys so one Redis instance can back several
// caches (profile, rule table) without collisions.
func NewRedisStore(redisURL, keyPrefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("cache: parse redis url: %w", err)
	}
	return &RedisStore{client: redis.NewClient(opts), prefix: keyPrefix}, nil
}

func (s *RedisStore) fullKey(key string) string {
	return s.prefix + ":" + key
}

// Get unmarshals the cached value into dest, reporting ok=false on a cache
// miss (expired or never set).
func (s *RedisStore) Get(ctx context.Context, key string, dest any) (bool, error) {
	raw, err := s.client.Get(ctx, s.fullKey(key)).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cache: redis get: %w", err)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, fmt.Errorf("cache: redis unmarshal: %w", err)
	}
	return true, nil
}

// Set stores value under key with the given TTL.
func (s *RedisStore) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache: redis marshal: %w", err)
	}
	if err := s.client.Set(ctx, s.fullKey(key), raw, ttl).Err(); err != nil {
		return fmt.Errorf("cache: redis set: %w", err)
	}
	return nil
}

// Delete removes key, if present.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.fullKey(key)).Err(); err != nil {
		return fmt.Errorf("cache: redis delete: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
