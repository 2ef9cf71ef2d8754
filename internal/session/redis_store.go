// Package session caches verified identities so hot request paths do not
// re-verify provider tokens on every call.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"easel/api/internal/identity"
)

var ErrNotCached = errors.New("identity not cached")

// RedisStore caches verified identities keyed by token hash.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to Redis and returns an identity cache.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStore{client: client, prefix: "idtok:"}, nil
}

func (s *RedisStore) key(tokenHash string) string {
	return s.prefix + tokenHash
}

// Save caches a verified identity under the token hash for ttl.
func (s *RedisStore) Save(ctx context.Context, tokenHash string, id identity.Identity, ttl time.Duration) error {
	payload, err := json.Marshal(id)
	if err != nil {
		return fmt.Errorf("marshal identity: %w", err)
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if err := s.client.Set(ctx, s.key(tokenHash), payload, ttl).Err(); err != nil {
		return fmt.Errorf("cache identity: %w", err)
	}
	return nil
}

// Lookup returns the cached identity for a token hash, or ErrNotCached.
func (s *RedisStore) Lookup(ctx context.Context, tokenHash string) (identity.Identity, error) {
	payload, err := s.client.Get(ctx, s.key(tokenHash)).Result()
	if err == redis.Nil {
		return identity.Identity{}, ErrNotCached
	}
	if err != nil {
		return identity.Identity{}, fmt.Errorf("lookup identity: %w", err)
	}

	var id identity.Identity
	if err := json.Unmarshal([]byte(payload), &id); err != nil {
		return identity.Identity{}, fmt.Errorf("unmarshal identity: %w", err)
	}
	return id, nil
}

// Invalidate drops a cached identity.
func (s *RedisStore) Invalidate(ctx context.Context, tokenHash string) error {
	if err := s.client.Del(ctx, s.key(tokenHash)).Err(); err != nil {
		return fmt.Errorf("invalidate identity: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
