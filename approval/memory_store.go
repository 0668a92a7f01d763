package approval

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/floweave/floweave/types"
)

// MemoryStore is an in-memory approval store for tests and single-process
// deployments.
type MemoryStore struct {
	byID map[string]*Request
	mu   sync.RWMutex
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*Request)}
}

func (s *MemoryStore) Create(ctx context.Context, req *Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.byID {
		if existing.InstanceID == req.InstanceID &&
			existing.NodeID == req.NodeID &&
			existing.Status == StatusPending {
			return types.Errorf(types.ErrConflict,
				"pending approval already exists for instance %s node %s",
				req.InstanceID, req.NodeID)
		}
	}
	clone := cloneRequest(req)
	s.byID[req.ID] = clone
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.byID[id]
	if !ok {
		return nil, types.Errorf(types.ErrNotFound, "approval request %s not found", id)
	}
	return cloneRequest(req), nil
}

func (s *MemoryStore) Pending(ctx context.Context, tenant string) ([]Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Request
	for _, req := range s.byID {
		if req.Tenant == tenant && req.Status == StatusPending {
			out = append(out, *cloneRequest(req))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) PendingForInstance(ctx context.Context, instanceID, nodeID string) (*Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, req := range s.byID {
		if req.InstanceID == instanceID && req.NodeID == nodeID && req.Status == StatusPending {
			return cloneRequest(req), nil
		}
	}
	return nil, types.Errorf(types.ErrNotFound,
		"no pending approval for instance %s node %s", instanceID, nodeID)
}

func (s *MemoryStore) Update(ctx context.Context, req *Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[req.ID]; !ok {
		return types.Errorf(types.ErrNotFound, "approval request %s not found", req.ID)
	}
	s.byID[req.ID] = cloneRequest(req)
	return nil
}

func (s *MemoryStore) ExpiredPending(ctx context.Context, now time.Time) ([]Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Request
	for _, req := range s.byID {
		if req.Status == StatusPending && !req.ExpiresAt.IsZero() && req.ExpiresAt.Before(now) {
			out = append(out, *cloneRequest(req))
		}
	}
	return out, nil
}

func cloneRequest(req *Request) *Request {
	clone := *req
	clone.Approvers = append([]string(nil), req.Approvers...)
	if req.DecidedAt != nil {
		t := *req.DecidedAt
		clone.DecidedAt = &t
	}
	return &clone
}
