package saga

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/floweave/floweave/dsl"
	"github.com/floweave/floweave/gateway"
	"github.com/floweave/floweave/internal/database"
	"github.com/floweave/floweave/types"
)

// fakeCaller records every compensating call and fails the operations listed
// in failOps.
type fakeCaller struct {
	mu      sync.Mutex
	calls   []gateway.CallRequest
	failOps map[string]error
}

func (f *fakeCaller) Call(ctx context.Context, req gateway.CallRequest) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if err, ok := f.failOps[req.Operation]; ok {
		return nil, err
	}
	return "ok", nil
}

func (f *fakeCaller) operations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ops := make([]string, len(f.calls))
	for i, c := range f.calls {
		ops[i] = c.Operation
	}
	return ops
}

func forwardSteps() []CompletedStep {
	return []CompletedStep{
		{NodeID: "a", Target: "inventory", Operation: "reserve", Params: map[string]any{"sku": "x1"}},
		{NodeID: "b", Target: "payment", Operation: "charge", Params: map[string]any{"amount": 10}},
		{NodeID: "c", Target: "shipping", Operation: "dispatch"},
	}
}

func TestCompensate_ReverseOrder(t *testing.T) {
	caller := &fakeCaller{}
	c := NewCoordinator(caller, NewMemoryAuditStore(), zap.NewNop())

	result, err := c.Compensate(context.Background(), "inst-1", nil, forwardSteps())
	require.NoError(t, err)
	assert.Equal(t, 3, result.Compensated)
	assert.Equal(t, 0, result.Failed)
	assert.False(t, result.Aborted)

	// Strict reverse completion order: C', B', A'.
	assert.Equal(t, []string{"undo_dispatch", "undo_charge", "undo_reserve"}, caller.operations())
}

func TestCompensate_AutoDerivesInverse(t *testing.T) {
	caller := &fakeCaller{}
	c := NewCoordinator(caller, nil, zap.NewNop())

	_, err := c.Compensate(context.Background(), "inst-1", &dsl.CompensationConfig{
		Strategy: dsl.CompensationAuto,
	}, forwardSteps()[:1])
	require.NoError(t, err)

	require.Len(t, caller.calls, 1)
	assert.Equal(t, "inventory", caller.calls[0].Target)
	assert.Equal(t, "undo_reserve", caller.calls[0].Operation)
	assert.Equal(t, map[string]any{"sku": "x1"}, caller.calls[0].Params, "forward params ride along for the inverse")
}

func TestCompensate_ContinueOnFailure(t *testing.T) {
	caller := &fakeCaller{failOps: map[string]error{"undo_charge": errors.New("refund rejected")}}
	c := NewCoordinator(caller, NewMemoryAuditStore(), zap.NewNop())

	result, err := c.Compensate(context.Background(), "inst-1", &dsl.CompensationConfig{
		Strategy:  dsl.CompensationAuto,
		OnFailure: dsl.FailureContinue,
	}, forwardSteps())

	require.Error(t, err)
	assert.Equal(t, types.ErrCompensation, types.GetErrorCode(err))
	assert.Equal(t, 2, result.Compensated)
	assert.Equal(t, 1, result.Failed)
	assert.False(t, result.Aborted)

	// Earlier steps still get their attempt after the failure.
	assert.Equal(t, []string{"undo_dispatch", "undo_charge", "undo_reserve"}, caller.operations())
}

func TestCompensate_AbortOnFailure(t *testing.T) {
	caller := &fakeCaller{failOps: map[string]error{"undo_charge": errors.New("refund rejected")}}
	c := NewCoordinator(caller, NewMemoryAuditStore(), zap.NewNop())

	result, err := c.Compensate(context.Background(), "inst-1", &dsl.CompensationConfig{
		Strategy:  dsl.CompensationAuto,
		OnFailure: dsl.FailureAbort,
	}, forwardSteps())

	require.Error(t, err)
	assert.True(t, result.Aborted)
	assert.Equal(t, 1, result.Compensated)
	assert.Equal(t, 1, result.Failed)

	// The pass stops at the failed step; undo_reserve never runs.
	assert.Equal(t, []string{"undo_dispatch", "undo_charge"}, caller.operations())
}

func TestCompensate_ManualStrategy(t *testing.T) {
	caller := &fakeCaller{}
	c := NewCoordinator(caller, NewMemoryAuditStore(), zap.NewNop())

	cfg := &dsl.CompensationConfig{
		Strategy: dsl.CompensationManual,
		Actions: map[string]dsl.CompensationAction{
			"b": {Target: "payment", Operation: "refund", Params: map[string]any{"amount": 10}},
		},
	}
	result, err := c.Compensate(context.Background(), "inst-1", cfg, forwardSteps())
	require.NoError(t, err)

	// Only the node named in the actions map is compensated; the rest are
	// skipped, not failed.
	assert.Equal(t, 1, result.Compensated)
	assert.Equal(t, 2, result.Skipped)
	assert.Equal(t, 0, result.Failed)

	require.Len(t, caller.calls, 1)
	assert.Equal(t, "refund", caller.calls[0].Operation)
}

func TestCompensate_SkipsStepsWithoutTarget(t *testing.T) {
	caller := &fakeCaller{}
	c := NewCoordinator(caller, nil, zap.NewNop())

	steps := []CompletedStep{
		{NodeID: "cond"}, // no target, nothing to undo
		{NodeID: "a", Target: "svc", Operation: "op"},
	}
	result, err := c.Compensate(context.Background(), "inst-1", nil, steps)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Compensated)
	assert.Equal(t, 1, result.Skipped)
	assert.Len(t, caller.calls, 1)
}

func TestCompensate_EmptySteps(t *testing.T) {
	c := NewCoordinator(&fakeCaller{}, nil, zap.NewNop())

	result, err := c.Compensate(context.Background(), "inst-1", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, &Result{}, result)
}

func TestCompensate_WritesAuditTrail(t *testing.T) {
	caller := &fakeCaller{failOps: map[string]error{"undo_charge": errors.New("refund rejected")}}
	audit := NewMemoryAuditStore()
	c := NewCoordinator(caller, audit, zap.NewNop())

	_, err := c.Compensate(context.Background(), "inst-1", &dsl.CompensationConfig{
		Strategy:  dsl.CompensationAuto,
		OnFailure: dsl.FailureContinue,
	}, forwardSteps())
	require.Error(t, err)

	records, err := c.History(context.Background(), "inst-1")
	require.NoError(t, err)
	require.Len(t, records, 3)

	assert.Equal(t, "c", records[0].NodeID)
	assert.Equal(t, OutcomeSuccess, records[0].Outcome)
	assert.Equal(t, "b", records[1].NodeID)
	assert.Equal(t, OutcomeFailed, records[1].Outcome)
	assert.Contains(t, records[1].Error, "refund rejected")
	assert.Equal(t, "a", records[2].NodeID)
	assert.Equal(t, OutcomeSuccess, records[2].Outcome)

	for _, rec := range records {
		assert.NotEmpty(t, rec.ID)
		assert.Equal(t, "inst-1", rec.InstanceID)
	}
}

func TestInverseOperation(t *testing.T) {
	assert.Equal(t, "undo_charge", InverseOperation("charge"))
	assert.Equal(t, "undo_reserve", InverseOperation("reserve"))
}

func auditStores(t *testing.T) map[string]AuditStore {
	db, err := database.Open(database.Config{Driver: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	gormStore, err := NewGormAuditStore(db)
	require.NoError(t, err)

	return map[string]AuditStore{
		"memory": NewMemoryAuditStore(),
		"gorm":   gormStore,
	}
}

func TestAuditStore_AppendAndList(t *testing.T) {
	for name, store := range auditStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Now().UTC().Truncate(time.Second)

			for i, id := range []string{"rec-1", "rec-2"} {
				require.NoError(t, store.Append(ctx, &Record{
					ID:         id,
					InstanceID: "inst-1",
					NodeID:     "n",
					Target:     "svc",
					Operation:  "undo_op",
					Outcome:    OutcomeSuccess,
					CreatedAt:  base.Add(time.Duration(i) * time.Second),
				}))
			}
			require.NoError(t, store.Append(ctx, &Record{
				ID:         "rec-3",
				InstanceID: "inst-2",
				NodeID:     "n",
				Outcome:    OutcomeSkipped,
				CreatedAt:  base,
			}))

			records, err := store.List(ctx, "inst-1")
			require.NoError(t, err)
			require.Len(t, records, 2)
			assert.Equal(t, "rec-1", records[0].ID)
			assert.Equal(t, "rec-2", records[1].ID)

			other, err := store.List(ctx, "inst-2")
			require.NoError(t, err)
			assert.Len(t, other, 1)

			none, err := store.List(ctx, "ghost")
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}
