package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/floweave/floweave/checkpoint"
)

func TestRunContext_GetDotNotation(t *testing.T) {
	rc := newRunContext(map[string]any{
		"order": map[string]any{
			"customer": map[string]any{"id": "c-1"},
			"amount":   42,
		},
	})

	v, ok := rc.get("order.customer.id")
	require.True(t, ok)
	assert.Equal(t, "c-1", v)

	v, ok = rc.get("order.amount")
	require.True(t, ok)
	assert.Equal(t, 42, v)

	_, ok = rc.get("order.missing")
	assert.False(t, ok)

	// Descending through a non-map value fails rather than panics.
	_, ok = rc.get("order.amount.cents")
	assert.False(t, ok)
}

func TestRunContext_CompletionMarks(t *testing.T) {
	rc := newRunContext(nil)

	assert.False(t, rc.isCompleted("a"))
	rc.markCompleted("a")
	rc.markCompleted("b")
	rc.markCompleted("a") // idempotent
	assert.True(t, rc.isCompleted("a"))

	snap := rc.snapshot()
	assert.Equal(t, []string{"a", "b"}, snap.Completed)

	rc.unmarkCompleted("a")
	assert.False(t, rc.isCompleted("a"))
	assert.True(t, rc.isCompleted("b"))
	assert.Equal(t, []string{"b"}, rc.snapshot().Completed)
}

func TestRunContext_SnapshotRestoreRoundTrip(t *testing.T) {
	rc := newRunContext(map[string]any{"x": 1})
	rc.set("y", "two")
	rc.markCompleted("a")
	rc.setLoopIteration("loop", 2)
	rc.recordStep(checkpoint.EffectStep{NodeID: "a", Target: "svc", Operation: "op"})

	restored := restoreRunContext(rc.snapshot())

	v, ok := restored.get("y")
	require.True(t, ok)
	assert.Equal(t, "two", v)
	assert.True(t, restored.isCompleted("a"))
	assert.Equal(t, 2, restored.loopIteration("loop"))
	require.Len(t, restored.completedSteps(), 1)
	assert.Equal(t, "op", restored.completedSteps()[0].Operation)
}

func TestRunContext_SnapshotIsDetached(t *testing.T) {
	rc := newRunContext(map[string]any{"k": "v"})
	snap := rc.snapshot()

	rc.set("k", "changed")
	rc.markCompleted("a")

	assert.Equal(t, "v", snap.Variables["k"])
	assert.Empty(t, snap.Completed)
}

func TestRunContext_ExportVarsFiltersInternal(t *testing.T) {
	rc := newRunContext(map[string]any{"visible": 1})
	rc.set(instanceMetaKey, map[string]any{"tenant": "acme"})
	rc.set(branchChoiceKey("check"), true)

	out := rc.exportVars()
	assert.Equal(t, map[string]any{"visible": 1}, out)
}

func TestRunContext_LoopProgress(t *testing.T) {
	rc := newRunContext(nil)

	assert.Zero(t, rc.loopIteration("l"))
	rc.setLoopIteration("l", 3)
	assert.Equal(t, 3, rc.loopIteration("l"))
	rc.clearLoopIteration("l")
	assert.Zero(t, rc.loopIteration("l"))
}
