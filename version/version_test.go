package version

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/floweave/floweave/dsl"
	"github.com/floweave/floweave/internal/database"
	"github.com/floweave/floweave/types"
)

func sampleDefinition() *dsl.Definition {
	return &dsl.Definition{
		ID:     "order-flow",
		Tenant: "acme",
		Name:   "Order Flow",
		Roots:  []string{"charge"},
		Nodes: []dsl.Node{
			{
				ID:   "charge",
				Type: dsl.NodeTypeAction,
				Action: &dsl.ActionConfig{
					Target:    "payment-svc",
					Operation: "charge",
				},
			},
		},
	}
}

func versionStores(t *testing.T) map[string]Store {
	db, err := database.Open(database.Config{Driver: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	gormStore, err := NewGormStore(db)
	require.NoError(t, err)

	return map[string]Store{
		"memory": NewMemoryStore(),
		"gorm":   gormStore,
	}
}

func TestCreateVersion_AssignsSequentialVersions(t *testing.T) {
	m := NewManager(NewMemoryStore(), zap.NewNop())
	ctx := context.Background()

	first, err := m.CreateVersion(ctx, sampleDefinition(), "initial")
	require.NoError(t, err)
	assert.Equal(t, 1, first.Version)
	assert.Equal(t, dsl.StatusDraft, first.Status)
	assert.Equal(t, "initial", first.ChangeLog)
	assert.False(t, first.CreatedAt.IsZero())

	second, err := m.CreateVersion(ctx, sampleDefinition(), "tweak")
	require.NoError(t, err)
	assert.Equal(t, 2, second.Version)
}

func TestCreateVersion_RejectsInvalidDefinition(t *testing.T) {
	m := NewManager(NewMemoryStore(), zap.NewNop())

	def := sampleDefinition()
	def.Nodes = nil
	_, err := m.CreateVersion(context.Background(), def, "")
	require.Error(t, err)
	assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))
}

func TestCreateVersion_StoredCopyIsImmutable(t *testing.T) {
	m := NewManager(NewMemoryStore(), zap.NewNop())
	ctx := context.Background()

	def := sampleDefinition()
	created, err := m.CreateVersion(ctx, def, "")
	require.NoError(t, err)

	// Mutating the caller's definition must not affect the stored copy.
	def.Nodes[0].Action.Operation = "mutated"

	stored, err := m.Get(ctx, "acme", "order-flow", created.Version)
	require.NoError(t, err)
	assert.Equal(t, "charge", stored.Nodes[0].Action.Operation)
}

func TestPublish_ExactlyOneActive(t *testing.T) {
	m := NewManager(NewMemoryStore(), zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := m.CreateVersion(ctx, sampleDefinition(), "")
		require.NoError(t, err)
	}

	require.NoError(t, m.Publish(ctx, "acme", "order-flow", 1))
	require.NoError(t, m.Publish(ctx, "acme", "order-flow", 2))

	active, err := m.Active(ctx, "acme", "order-flow")
	require.NoError(t, err)
	assert.Equal(t, 2, active.Version)

	records, err := m.ListVersions(ctx, "acme", "order-flow", "")
	require.NoError(t, err)
	require.Len(t, records, 3)

	statuses := map[int]dsl.DefinitionStatus{}
	for _, rec := range records {
		statuses[rec.Version] = rec.Status
	}
	assert.Equal(t, dsl.StatusDeprecated, statuses[1])
	assert.Equal(t, dsl.StatusActive, statuses[2])
	assert.Equal(t, dsl.StatusDraft, statuses[3])
}

func TestPublish_UnknownVersion(t *testing.T) {
	m := NewManager(NewMemoryStore(), zap.NewNop())

	err := m.Publish(context.Background(), "acme", "order-flow", 9)
	require.Error(t, err)
	assert.Equal(t, types.ErrNotFound, types.GetErrorCode(err))
}

func TestRollback(t *testing.T) {
	m := NewManager(NewMemoryStore(), zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := m.CreateVersion(ctx, sampleDefinition(), "")
		require.NoError(t, err)
	}
	require.NoError(t, m.Publish(ctx, "acme", "order-flow", 2))

	require.NoError(t, m.Rollback(ctx, "acme", "order-flow", 1))

	active, err := m.Active(ctx, "acme", "order-flow")
	require.NoError(t, err)
	assert.Equal(t, 1, active.Version)
}

func TestRollback_TargetMustBeOlder(t *testing.T) {
	m := NewManager(NewMemoryStore(), zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := m.CreateVersion(ctx, sampleDefinition(), "")
		require.NoError(t, err)
	}
	require.NoError(t, m.Publish(ctx, "acme", "order-flow", 1))

	err := m.Rollback(ctx, "acme", "order-flow", 2)
	require.Error(t, err)
	assert.Equal(t, types.ErrConflict, types.GetErrorCode(err))

	err = m.Rollback(ctx, "acme", "order-flow", 1)
	require.Error(t, err, "rolling back to the active version itself is rejected")
}

func TestGet_VersionZeroResolvesActive(t *testing.T) {
	m := NewManager(NewMemoryStore(), zap.NewNop())
	ctx := context.Background()

	_, err := m.CreateVersion(ctx, sampleDefinition(), "")
	require.NoError(t, err)
	require.NoError(t, m.Publish(ctx, "acme", "order-flow", 1))

	def, err := m.Get(ctx, "acme", "order-flow", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, def.Version)
}

func TestDeleteVersion_Rules(t *testing.T) {
	m := NewManager(NewMemoryStore(), zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := m.CreateVersion(ctx, sampleDefinition(), "")
		require.NoError(t, err)
	}

	// Only the most recent version may be deleted.
	err := m.DeleteVersion(ctx, "acme", "order-flow", 1)
	require.Error(t, err)
	assert.Equal(t, types.ErrConflict, types.GetErrorCode(err))

	// The active version may not be deleted even when most recent.
	require.NoError(t, m.Publish(ctx, "acme", "order-flow", 2))
	err = m.DeleteVersion(ctx, "acme", "order-flow", 2)
	require.Error(t, err)
	assert.Equal(t, types.ErrConflict, types.GetErrorCode(err))

	// A draft at the top of the history deletes cleanly.
	_, err = m.CreateVersion(ctx, sampleDefinition(), "")
	require.NoError(t, err)
	require.NoError(t, m.DeleteVersion(ctx, "acme", "order-flow", 3))

	_, err = m.Get(ctx, "acme", "order-flow", 3)
	assert.Equal(t, types.ErrNotFound, types.GetErrorCode(err))
}

func TestStore_SaveAndGet(t *testing.T) {
	for name, store := range versionStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			def := sampleDefinition()
			def.Version = 1
			def.Status = dsl.StatusDraft
			require.NoError(t, store.Save(ctx, def))

			got, err := store.Get(ctx, "acme", "order-flow", 1)
			require.NoError(t, err)
			assert.Equal(t, "Order Flow", got.Name)
			assert.Equal(t, dsl.StatusDraft, got.Status)
			assert.Equal(t, "charge", got.Nodes[0].Action.Operation)

			_, err = store.Get(ctx, "acme", "order-flow", 9)
			assert.Equal(t, types.ErrNotFound, types.GetErrorCode(err))
		})
	}
}

func TestStore_SaveDuplicateVersionConflicts(t *testing.T) {
	for name, store := range versionStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			def := sampleDefinition()
			def.Version = 1
			def.Status = dsl.StatusDraft
			require.NoError(t, store.Save(ctx, def))

			err := store.Save(ctx, def)
			require.Error(t, err)
			assert.Equal(t, types.ErrConflict, types.GetErrorCode(err))
		})
	}
}

func TestStore_PublishIsAtomicSwap(t *testing.T) {
	for name, store := range versionStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			for v := 1; v <= 2; v++ {
				def := sampleDefinition()
				def.Version = v
				def.Status = dsl.StatusDraft
				require.NoError(t, store.Save(ctx, def))
			}

			require.NoError(t, store.Publish(ctx, "acme", "order-flow", 1))
			require.NoError(t, store.Publish(ctx, "acme", "order-flow", 2))

			active, err := store.Active(ctx, "acme", "order-flow")
			require.NoError(t, err)
			assert.Equal(t, 2, active.Version)

			old, err := store.Get(ctx, "acme", "order-flow", 1)
			require.NoError(t, err)
			assert.Equal(t, dsl.StatusDeprecated, old.Status)
		})
	}
}

func TestStore_TenantIsolation(t *testing.T) {
	for name, store := range versionStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			def := sampleDefinition()
			def.Version = 1
			def.Status = dsl.StatusDraft
			require.NoError(t, store.Save(ctx, def))

			other := sampleDefinition()
			other.Tenant = "globex"
			other.Version = 1
			other.Status = dsl.StatusDraft
			require.NoError(t, store.Save(ctx, other), "same workflow id under another tenant is distinct")

			_, err := store.Get(ctx, "globex", "order-flow", 1)
			require.NoError(t, err)

			maxVersion, err := store.MaxVersion(ctx, "acme", "order-flow")
			require.NoError(t, err)
			assert.Equal(t, 1, maxVersion)
		})
	}
}

func TestStore_ListFiltersByStatus(t *testing.T) {
	for name, store := range versionStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			for v := 1; v <= 3; v++ {
				def := sampleDefinition()
				def.Version = v
				def.Status = dsl.StatusDraft
				require.NoError(t, store.Save(ctx, def))
			}
			require.NoError(t, store.Publish(ctx, "acme", "order-flow", 2))

			drafts, err := store.List(ctx, "acme", "order-flow", dsl.StatusDraft)
			require.NoError(t, err)
			require.Len(t, drafts, 2)
			assert.Equal(t, 1, drafts[0].Version)
			assert.Equal(t, 3, drafts[1].Version)

			all, err := store.List(ctx, "acme", "order-flow", "")
			require.NoError(t, err)
			assert.Len(t, all, 3)
		})
	}
}

func TestDeployerRegistry(t *testing.T) {
	r := NewDeployerRegistry()

	_, err := r.Get("workflow")
	require.Error(t, err)
	assert.Equal(t, types.ErrNotFound, types.GetErrorCode(err))

	m := NewManager(NewMemoryStore(), zap.NewNop())
	r.Register("workflow", NewWorkflowDeployer(m, "acme"))

	d, err := r.Get("workflow")
	require.NoError(t, err)
	assert.NotNil(t, d)
}

func TestWorkflowDeployer(t *testing.T) {
	m := NewManager(NewMemoryStore(), zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := m.CreateVersion(ctx, sampleDefinition(), "")
		require.NoError(t, err)
	}

	d := NewWorkflowDeployer(m, "acme")
	require.NoError(t, d.Deploy(ctx, "order-flow", 2))

	active, err := m.Active(ctx, "acme", "order-flow")
	require.NoError(t, err)
	assert.Equal(t, 2, active.Version)

	require.NoError(t, d.Rollback(ctx, "order-flow", 1))
	active, err = m.Active(ctx, "acme", "order-flow")
	require.NoError(t, err)
	assert.Equal(t, 1, active.Version)
}
