package version

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/floweave/floweave/dsl"
	"github.com/floweave/floweave/types"
)

// Record is the metadata view of one stored version.
type Record struct {
	WorkflowID string               `json:"workflow_id"`
	Tenant     string               `json:"tenant"`
	Name       string               `json:"name"`
	Version    int                  `json:"version"`
	Status     dsl.DefinitionStatus `json:"status"`
	ChangeLog  string               `json:"change_log,omitempty"`
	CreatedAt  time.Time            `json:"created_at"`
}

// Store is the durable version store contract. Implementations must make
// Publish an atomic swap: the previously active version becomes deprecated
// in the same transaction that activates the new one.
type Store interface {
	Save(ctx context.Context, def *dsl.Definition) error
	Get(ctx context.Context, tenant, workflowID string, version int) (*dsl.Definition, error)
	Active(ctx context.Context, tenant, workflowID string) (*dsl.Definition, error)
	List(ctx context.Context, tenant, workflowID string, status dsl.DefinitionStatus) ([]Record, error)
	MaxVersion(ctx context.Context, tenant, workflowID string) (int, error)
	Publish(ctx context.Context, tenant, workflowID string, version int) error
	Delete(ctx context.Context, tenant, workflowID string, version int) error
}

// Manager owns definition versioning.
type Manager struct {
	store  Store
	logger *zap.Logger
}

// NewManager creates a version manager.
func NewManager(store Store, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:  store,
		logger: logger.With(zap.String("component", "version_manager")),
	}
}

// CreateVersion validates a definition and stores it as the next version of
// its workflow. The stored version is immutable; the returned definition
// carries the assigned version number and draft status.
func (m *Manager) CreateVersion(ctx context.Context, def *dsl.Definition, changeLog string) (*dsl.Definition, error) {
	if errs := dsl.Validate(def); len(errs) > 0 {
		return nil, types.Errorf(types.ErrValidation, "definition failed validation: %s", errs[0].Error())
	}

	maxVersion, err := m.store.MaxVersion(ctx, def.Tenant, def.ID)
	if err != nil {
		return nil, err
	}

	stored, err := dsl.Clone(def)
	if err != nil {
		return nil, err
	}
	stored.Version = maxVersion + 1
	stored.Status = dsl.StatusDraft
	stored.ChangeLog = changeLog
	stored.CreatedAt = time.Now()

	if err := m.store.Save(ctx, stored); err != nil {
		return nil, err
	}

	m.logger.Info("version created",
		zap.String("tenant", stored.Tenant),
		zap.String("workflow_id", stored.ID),
		zap.Int("version", stored.Version))
	return stored, nil
}

// Publish atomically makes the given version the sole active one. Any
// previously active version becomes deprecated.
func (m *Manager) Publish(ctx context.Context, tenant, workflowID string, version int) error {
	if err := m.store.Publish(ctx, tenant, workflowID, version); err != nil {
		return err
	}
	m.logger.Info("version published",
		zap.String("tenant", tenant),
		zap.String("workflow_id", workflowID),
		zap.Int("version", version))
	return nil
}

// Rollback publishes an older version. It is publish with a guard: the
// target must be older than the currently active version.
func (m *Manager) Rollback(ctx context.Context, tenant, workflowID string, version int) error {
	active, err := m.store.Active(ctx, tenant, workflowID)
	if err != nil {
		return err
	}
	if version >= active.Version {
		return types.Errorf(types.ErrConflict,
			"rollback target version %d is not older than active version %d", version, active.Version)
	}
	if err := m.store.Publish(ctx, tenant, workflowID, version); err != nil {
		return err
	}
	m.logger.Info("version rolled back",
		zap.String("tenant", tenant),
		zap.String("workflow_id", workflowID),
		zap.Int("from_version", active.Version),
		zap.Int("to_version", version))
	return nil
}

// Get returns one stored version. Version 0 resolves to the active version.
func (m *Manager) Get(ctx context.Context, tenant, workflowID string, version int) (*dsl.Definition, error) {
	if version == 0 {
		return m.store.Active(ctx, tenant, workflowID)
	}
	return m.store.Get(ctx, tenant, workflowID, version)
}

// Active returns the active version for a workflow.
func (m *Manager) Active(ctx context.Context, tenant, workflowID string) (*dsl.Definition, error) {
	return m.store.Active(ctx, tenant, workflowID)
}

// ListVersions lists stored versions, optionally filtered by status.
func (m *Manager) ListVersions(ctx context.Context, tenant, workflowID string, status dsl.DefinitionStatus) ([]Record, error) {
	return m.store.List(ctx, tenant, workflowID, status)
}

// DeleteVersion removes a version. Only the most recent, non-active version
// may be deleted.
func (m *Manager) DeleteVersion(ctx context.Context, tenant, workflowID string, version int) error {
	maxVersion, err := m.store.MaxVersion(ctx, tenant, workflowID)
	if err != nil {
		return err
	}
	if version != maxVersion {
		return types.Errorf(types.ErrConflict,
			"only the most recent version (%d) may be deleted", maxVersion)
	}
	def, err := m.store.Get(ctx, tenant, workflowID, version)
	if err != nil {
		return err
	}
	if def.Status == dsl.StatusActive {
		return types.Errorf(types.ErrConflict, "the active version may not be deleted")
	}
	return m.store.Delete(ctx, tenant, workflowID, version)
}

// Deployer promotes or reverts one type of versioned artifact. Deploy and
// rollback nodes resolve the deployer for their configured artifact type.
type Deployer interface {
	Deploy(ctx context.Context, artifactID string, version int) error
	Rollback(ctx context.Context, artifactID string, version int) error
}

// DeployerRegistry maps artifact types to deployers.
type DeployerRegistry struct {
	deployers map[string]Deployer
	mu        sync.RWMutex
}

// NewDeployerRegistry creates an empty registry.
func NewDeployerRegistry() *DeployerRegistry {
	return &DeployerRegistry{deployers: make(map[string]Deployer)}
}

// Register binds a deployer to an artifact type.
func (r *DeployerRegistry) Register(artifactType string, d Deployer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deployers[artifactType] = d
}

// Get resolves a deployer by artifact type.
func (r *DeployerRegistry) Get(artifactType string) (Deployer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.deployers[artifactType]
	if !ok {
		return nil, types.Errorf(types.ErrNotFound, "no deployer for artifact type %q", artifactType)
	}
	return d, nil
}

// WorkflowDeployer adapts the version manager to the Deployer contract for
// one tenant's workflow definitions.
type WorkflowDeployer struct {
	manager *Manager
	tenant  string
}

// NewWorkflowDeployer creates a deployer over workflow definitions.
func NewWorkflowDeployer(manager *Manager, tenant string) *WorkflowDeployer {
	return &WorkflowDeployer{manager: manager, tenant: tenant}
}

func (d *WorkflowDeployer) Deploy(ctx context.Context, artifactID string, version int) error {
	return d.manager.Publish(ctx, d.tenant, artifactID, version)
}

func (d *WorkflowDeployer) Rollback(ctx context.Context, artifactID string, version int) error {
	return d.manager.Rollback(ctx, d.tenant, artifactID, version)
}
