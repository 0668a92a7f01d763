package saga

import (
	"context"
	"sync"
)

// MemoryAuditStore is an in-memory audit trail for tests and single-process
// deployments.
type MemoryAuditStore struct {
	records map[string][]Record // instance id -> records in append order
	mu      sync.RWMutex
}

// NewMemoryAuditStore creates an empty in-memory audit store.
func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{records: make(map[string][]Record)}
}

func (s *MemoryAuditStore) Append(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.InstanceID] = append(s.records[rec.InstanceID], *rec)
	return nil
}

func (s *MemoryAuditStore) List(ctx context.Context, instanceID string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, len(s.records[instanceID]))
	copy(out, s.records[instanceID])
	return out, nil
}
