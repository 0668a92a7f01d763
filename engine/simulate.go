package engine

import (
	"context"

	"github.com/floweave/floweave/dsl"
	"github.com/floweave/floweave/types"
)

// execSimulate dry-runs the configured target nodes under each scenario's
// context overrides. Targets go through a non-mutating gateway view, so no
// side effect fires, no breaker state moves, and nothing is written back to
// the live context except the collected report.
func (it *interpreter) execSimulate(ctx context.Context, node *dsl.Node) error {
	cfg := node.Simulate
	dryCaller := it.eng.gateway.DryRun()

	report := make(map[string]any, len(cfg.Scenarios))
	for _, scenario := range cfg.Scenarios {
		overlay := newRunContext(it.rc.varsCopy())
		for k, v := range scenario.Overrides {
			overlay.set(k, v)
		}

		sub := &interpreter{
			eng:    it.eng,
			def:    it.def,
			rc:     overlay,
			inst:   it.inst,
			caller: dryCaller,
			prefix: it.prefix,
			depth:  it.depth,
			dryRun: true,
		}

		results := make(map[string]any, len(cfg.Targets))
		for _, targetID := range cfg.Targets {
			target := it.def.NodeByID(targetID)
			if target == nil {
				return types.Errorf(types.ErrValidation,
					"simulate target %s not found", targetID).WithNode(node.ID)
			}
			if !target.Type.IsEffectful() {
				return types.Errorf(types.ErrValidation,
					"simulate target %s is not an external-call node", targetID).WithNode(node.ID)
			}

			req, _, _, err := sub.buildCallRequest(target)
			if err != nil {
				return err
			}
			result, err := dryCaller.Call(ctx, req)
			if err != nil {
				return attachNode(err, node.ID)
			}
			results[targetID] = result
		}
		report[scenario.Name] = results
	}

	it.rc.set(assignKey(cfg.AssignTo, node.ID), report)
	return nil
}
