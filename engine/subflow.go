package engine

import (
	"context"

	"github.com/floweave/floweave/dsl"
	"github.com/floweave/floweave/types"
)

// execSubflow runs another workflow definition inline. The child gets its own
// variable bag seeded from the resolved input; its final variables become the
// subflow node's result. The child shares the parent's compensation trail
// through namespaced effect steps, but cannot suspend: the subflow node is
// the parent's unit of resume.
func (it *interpreter) execSubflow(ctx context.Context, key string, node *dsl.Node) error {
	cfg := node.Subflow
	if it.depth+1 > maxSubflowDepth {
		return types.Errorf(types.ErrValidation,
			"subflow nesting exceeds depth %d", maxSubflowDepth).WithNode(node.ID)
	}

	childDef, err := it.eng.versions.Get(ctx, it.inst.Tenant, cfg.WorkflowID, cfg.Version)
	if err != nil {
		return attachNode(err, node.ID)
	}

	input, err := it.resolveParams(cfg.Input)
	if err != nil {
		return attachNode(err, node.ID)
	}

	childRC := newRunContext(input)
	child := &interpreter{
		eng:    it.eng,
		def:    childDef,
		rc:     childRC,
		inst:   it.inst,
		caller: it.caller,
		prefix: key + "/",
		depth:  it.depth + 1,
		dryRun: it.dryRun,
	}

	if err := rejectSuspend(child.run(ctx), node.ID); err != nil {
		return err
	}

	// Propagate child effect steps so compensation covers them.
	for _, step := range childRC.completedSteps() {
		it.rc.recordStep(step)
	}
	it.rc.set(assignKey(cfg.AssignTo, node.ID), childRC.exportVars())
	return nil
}
