package engine

import (
	"strings"
	"sync"

	"github.com/floweave/floweave/checkpoint"
)

// runContext is the mutable state of one running instance: the variable
// bag nodes read and write, the set of completed nodes, loop progress, and
// the effectful steps recorded for compensation. It snapshots to and
// restores from checkpoints.
type runContext struct {
	vars         map[string]any
	completed    []string
	completedSet map[string]struct{}
	loopProgress map[string]int
	steps        []checkpoint.EffectStep
	mu           sync.RWMutex
}

func newRunContext(input map[string]any) *runContext {
	rc := &runContext{
		vars:         make(map[string]any),
		completedSet: make(map[string]struct{}),
		loopProgress: make(map[string]int),
	}
	for k, v := range input {
		rc.vars[k] = v
	}
	return rc
}

// restoreRunContext rebuilds a run context from a checkpoint snapshot.
func restoreRunContext(snap checkpoint.Snapshot) *runContext {
	snap = checkpoint.CloneSnapshot(snap)
	rc := &runContext{
		vars:         snap.Variables,
		completed:    snap.Completed,
		loopProgress: snap.LoopProgress,
		steps:        snap.Steps,
		completedSet: make(map[string]struct{}, len(snap.Completed)),
	}
	if rc.vars == nil {
		rc.vars = make(map[string]any)
	}
	if rc.loopProgress == nil {
		rc.loopProgress = make(map[string]int)
	}
	for _, id := range snap.Completed {
		rc.completedSet[id] = struct{}{}
	}
	return rc
}

// snapshot captures the current state for checkpointing.
func (rc *runContext) snapshot() checkpoint.Snapshot {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return checkpoint.CloneSnapshot(checkpoint.Snapshot{
		Variables:    rc.vars,
		Completed:    rc.completed,
		LoopProgress: rc.loopProgress,
		Steps:        rc.steps,
	})
}

func (rc *runContext) get(path string) (any, bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()

	parts := strings.Split(path, ".")
	var cur any = rc.vars
	for _, part := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func (rc *runContext) set(key string, value any) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.vars[key] = value
}

func (rc *runContext) delete(key string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	delete(rc.vars, key)
}

// varsCopy returns a shallow copy of the variable bag, for expression
// evaluation and simulate overlays.
func (rc *runContext) varsCopy() map[string]any {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	out := make(map[string]any, len(rc.vars))
	for k, v := range rc.vars {
		out[k] = v
	}
	return out
}

// exportVars returns the variable bag without engine-internal keys, for
// instance output and subflow results.
func (rc *runContext) exportVars() map[string]any {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	out := make(map[string]any, len(rc.vars))
	for k, v := range rc.vars {
		if strings.HasPrefix(k, "__") {
			continue
		}
		out[k] = v
	}
	return out
}

// markCompleted records a node completion exactly once.
func (rc *runContext) markCompleted(nodeID string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if _, ok := rc.completedSet[nodeID]; ok {
		return
	}
	rc.completedSet[nodeID] = struct{}{}
	rc.completed = append(rc.completed, nodeID)
}

// unmarkCompleted clears a completion mark so a loop body can re-execute on
// the next iteration.
func (rc *runContext) unmarkCompleted(nodeID string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if _, ok := rc.completedSet[nodeID]; !ok {
		return
	}
	delete(rc.completedSet, nodeID)
	for i, id := range rc.completed {
		if id == nodeID {
			rc.completed = append(rc.completed[:i], rc.completed[i+1:]...)
			break
		}
	}
}

func (rc *runContext) isCompleted(nodeID string) bool {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	_, ok := rc.completedSet[nodeID]
	return ok
}

func (rc *runContext) loopIteration(nodeID string) int {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.loopProgress[nodeID]
}

func (rc *runContext) setLoopIteration(nodeID string, iteration int) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.loopProgress[nodeID] = iteration
}

func (rc *runContext) clearLoopIteration(nodeID string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	delete(rc.loopProgress, nodeID)
}

// recordStep appends one effectful completion for later compensation.
func (rc *runContext) recordStep(step checkpoint.EffectStep) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.steps = append(rc.steps, step)
}

func (rc *runContext) completedSteps() []checkpoint.EffectStep {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	out := make([]checkpoint.EffectStep, len(rc.steps))
	copy(out, rc.steps)
	return out
}
