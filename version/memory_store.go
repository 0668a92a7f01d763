package version

import (
	"context"
	"sort"
	"sync"

	"github.com/floweave/floweave/dsl"
	"github.com/floweave/floweave/types"
)

// MemoryStore is an in-memory version store for tests and single-process
// deployments.
type MemoryStore struct {
	defs map[string]map[int]*dsl.Definition // tenant/workflow -> version -> definition
	mu   sync.RWMutex
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{defs: make(map[string]map[int]*dsl.Definition)}
}

func storeKey(tenant, workflowID string) string {
	return tenant + "/" + workflowID
}

func (s *MemoryStore) Save(ctx context.Context, def *dsl.Definition) error {
	clone, err := dsl.Clone(def)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := storeKey(def.Tenant, def.ID)
	versions, ok := s.defs[key]
	if !ok {
		versions = make(map[int]*dsl.Definition)
		s.defs[key] = versions
	}
	if _, exists := versions[def.Version]; exists {
		return types.Errorf(types.ErrConflict,
			"version %d of workflow %s already exists", def.Version, def.ID)
	}
	versions[def.Version] = clone
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, tenant, workflowID string, version int) (*dsl.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	def, ok := s.defs[storeKey(tenant, workflowID)][version]
	if !ok {
		return nil, types.Errorf(types.ErrNotFound,
			"version %d of workflow %s not found", version, workflowID)
	}
	return dsl.Clone(def)
}

func (s *MemoryStore) Active(ctx context.Context, tenant, workflowID string) (*dsl.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, def := range s.defs[storeKey(tenant, workflowID)] {
		if def.Status == dsl.StatusActive {
			return dsl.Clone(def)
		}
	}
	return nil, types.Errorf(types.ErrNotFound, "no active version of workflow %s", workflowID)
}

func (s *MemoryStore) List(ctx context.Context, tenant, workflowID string, status dsl.DefinitionStatus) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var records []Record
	for _, def := range s.defs[storeKey(tenant, workflowID)] {
		if status != "" && def.Status != status {
			continue
		}
		records = append(records, Record{
			WorkflowID: def.ID,
			Tenant:     def.Tenant,
			Name:       def.Name,
			Version:    def.Version,
			Status:     def.Status,
			ChangeLog:  def.ChangeLog,
			CreatedAt:  def.CreatedAt,
		})
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Version < records[j].Version })
	return records, nil
}

func (s *MemoryStore) MaxVersion(ctx context.Context, tenant, workflowID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	maxVersion := 0
	for v := range s.defs[storeKey(tenant, workflowID)] {
		if v > maxVersion {
			maxVersion = v
		}
	}
	return maxVersion, nil
}

func (s *MemoryStore) Publish(ctx context.Context, tenant, workflowID string, version int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions := s.defs[storeKey(tenant, workflowID)]
	target, ok := versions[version]
	if !ok {
		return types.Errorf(types.ErrNotFound,
			"version %d of workflow %s not found", version, workflowID)
	}
	for _, def := range versions {
		if def.Status == dsl.StatusActive {
			def.Status = dsl.StatusDeprecated
		}
	}
	target.Status = dsl.StatusActive
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, tenant, workflowID string, version int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions := s.defs[storeKey(tenant, workflowID)]
	if _, ok := versions[version]; !ok {
		return types.Errorf(types.ErrNotFound,
			"version %d of workflow %s not found", version, workflowID)
	}
	delete(versions, version)
	return nil
}
