package checkpoint

import (
	"context"
	"sync"
	"time"

	"github.com/floweave/floweave/types"
)

// MemoryStore is an in-memory checkpoint store for tests and single-process
// deployments.
type MemoryStore struct {
	byID    map[string]*Checkpoint
	current map[string]string // instance id -> current checkpoint id
	mu      sync.RWMutex
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[string]*Checkpoint),
		current: make(map[string]string),
	}
}

func (s *MemoryStore) Save(ctx context.Context, cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Upsert on (instance_id, node_id): a duplicate write for the same node
	// overwrites rather than appends.
	for id, existing := range s.byID {
		if existing.InstanceID == cp.InstanceID && existing.NodeID == cp.NodeID {
			delete(s.byID, id)
		}
	}
	clone := *cp
	clone.Snapshot = CloneSnapshot(cp.Snapshot)
	s.byID[cp.ID] = &clone
	s.current[cp.InstanceID] = cp.ID
	return nil
}

func (s *MemoryStore) Current(ctx context.Context, instanceID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.current[instanceID]
	if !ok {
		return nil, types.Errorf(types.ErrNotFound, "no checkpoint for instance %s", instanceID)
	}
	return s.copyOut(s.byID[id])
}

func (s *MemoryStore) Get(ctx context.Context, checkpointID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp, ok := s.byID[checkpointID]
	if !ok {
		return nil, types.Errorf(types.ErrNotFound, "checkpoint %s not found", checkpointID)
	}
	return s.copyOut(cp)
}

func (s *MemoryStore) DeleteInstance(ctx context.Context, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, cp := range s.byID {
		if cp.InstanceID == instanceID {
			delete(s.byID, id)
		}
	}
	delete(s.current, instanceID)
	return nil
}

func (s *MemoryStore) ReclaimExpired(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reclaimed := 0
	for id, cp := range s.byID {
		if !cp.ExpiresAt.IsZero() && cp.ExpiresAt.Before(now) {
			delete(s.byID, id)
			if s.current[cp.InstanceID] == id {
				delete(s.current, cp.InstanceID)
			}
			reclaimed++
		}
	}
	return reclaimed, nil
}

func (s *MemoryStore) copyOut(cp *Checkpoint) (*Checkpoint, error) {
	clone := *cp
	clone.Snapshot = CloneSnapshot(cp.Snapshot)
	return &clone, nil
}
