package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// IdempotencyStore deduplicates effectful gateway calls through Redis, so a
// crash-resume replay of an already committed call returns the stored result
// instead of firing the side effect again. Satisfies gateway.IdempotencyStore.
type IdempotencyStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// NewIdempotencyStore creates a store over the manager's client. Committed
// results expire after ttl; zero falls back to the manager's default TTL.
func (m *Manager) NewIdempotencyStore(keyPrefix string, ttl time.Duration) *IdempotencyStore {
	if keyPrefix == "" {
		keyPrefix = "floweave:idem:"
	}
	if ttl <= 0 {
		ttl = m.config.DefaultTTL
	}
	return &IdempotencyStore{client: m.redis, keyPrefix: keyPrefix, ttl: ttl}
}

func (s *IdempotencyStore) Lookup(ctx context.Context, key string) (any, bool, error) {
	data, err := s.client.Get(ctx, s.keyPrefix+key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("idempotency lookup: %w", err)
	}

	var result any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, false, fmt.Errorf("idempotency decode: %w", err)
	}
	return result, true, nil
}

func (s *IdempotencyStore) Commit(ctx context.Context, key string, result any) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("idempotency encode: %w", err)
	}
	if err := s.client.Set(ctx, s.keyPrefix+key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("idempotency commit: %w", err)
	}
	return nil
}
