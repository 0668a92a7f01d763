package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/floweave/floweave/types"
)

// RedisStore is a Redis-backed checkpoint store. Suitable for distributed
// deployments where a suspended instance may be resumed by a different worker
// process than the one that suspended it.
//
// Layout:
//
//	{prefix}cp:{checkpoint_id}        -> checkpoint JSON
//	{prefix}current:{instance_id}     -> current checkpoint id
//	{prefix}bynode:{instance}:{node}  -> checkpoint id (upsert key)
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// NewRedisStore creates a Redis-backed store using an existing client.
func NewRedisStore(client *redis.Client, keyPrefix string, ttl time.Duration) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "floweave:checkpoint:"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix, ttl: ttl}
}

func (s *RedisStore) cpKey(id string) string       { return s.keyPrefix + "cp:" + id }
func (s *RedisStore) currentKey(id string) string  { return s.keyPrefix + "current:" + id }
func (s *RedisStore) nodeKey(inst, n string) string { return s.keyPrefix + "bynode:" + inst + ":" + n }

func (s *RedisStore) Save(ctx context.Context, cp *Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	// Overwrite any previous checkpoint for the same (instance, node).
	prevID, err := s.client.Get(ctx, s.nodeKey(cp.InstanceID, cp.NodeID)).Result()
	if err == nil && prevID != "" && prevID != cp.ID {
		if err := s.client.Del(ctx, s.cpKey(prevID)).Err(); err != nil {
			return fmt.Errorf("delete superseded checkpoint: %w", err)
		}
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.cpKey(cp.ID), data, s.ttl)
	pipe.Set(ctx, s.nodeKey(cp.InstanceID, cp.NodeID), cp.ID, s.ttl)
	pipe.Set(ctx, s.currentKey(cp.InstanceID), cp.ID, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func (s *RedisStore) Current(ctx context.Context, instanceID string) (*Checkpoint, error) {
	id, err := s.client.Get(ctx, s.currentKey(instanceID)).Result()
	if err == redis.Nil {
		return nil, types.Errorf(types.ErrNotFound, "no checkpoint for instance %s", instanceID)
	}
	if err != nil {
		return nil, fmt.Errorf("load current checkpoint id: %w", err)
	}
	return s.Get(ctx, id)
}

func (s *RedisStore) Get(ctx context.Context, checkpointID string) (*Checkpoint, error) {
	data, err := s.client.Get(ctx, s.cpKey(checkpointID)).Bytes()
	if err == redis.Nil {
		return nil, types.Errorf(types.ErrNotFound, "checkpoint %s not found", checkpointID)
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return &cp, nil
}

func (s *RedisStore) DeleteInstance(ctx context.Context, instanceID string) error {
	id, err := s.client.Get(ctx, s.currentKey(instanceID)).Result()
	if err == nil && id != "" {
		if err := s.client.Del(ctx, s.cpKey(id)).Err(); err != nil {
			return fmt.Errorf("delete checkpoint: %w", err)
		}
	}

	iter := s.client.Scan(ctx, 0, s.keyPrefix+"bynode:"+instanceID+":*", 0).Iterator()
	for iter.Next(ctx) {
		cpID, gerr := s.client.Get(ctx, iter.Val()).Result()
		if gerr == nil && cpID != "" {
			s.client.Del(ctx, s.cpKey(cpID))
		}
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("delete checkpoint index: %w", err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan checkpoints: %w", err)
	}
	return s.client.Del(ctx, s.currentKey(instanceID)).Err()
}

// ReclaimExpired is a no-op for Redis: expiry rides on key TTLs.
func (s *RedisStore) ReclaimExpired(ctx context.Context, now time.Time) (int, error) {
	return 0, nil
}
