package engine

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/floweave/floweave/dsl"
	"github.com/floweave/floweave/types"
)

// execParallel runs the node's branches concurrently against the shared run
// context. With fail_fast, the first branch failure cancels in-flight
// siblings; otherwise all branches run to completion and the join fails only
// when every branch failed, keeping whatever the surviving branches wrote.
//
// Wait and approval nodes cannot suspend from inside a branch: a suspension
// signal crossing the join would strand its siblings.
func (it *interpreter) execParallel(ctx context.Context, node *dsl.Node) error {
	cfg := node.Parallel

	if cfg.FailFast {
		g, gctx := errgroup.WithContext(ctx)
		for _, branch := range cfg.Branches {
			nodes := branch.Nodes
			g.Go(func() error {
				return rejectSuspend(it.execList(gctx, nodes), node.ID)
			})
		}
		return g.Wait()
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, branch := range cfg.Branches {
		nodes := branch.Nodes
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := rejectSuspend(it.execList(ctx, nodes), node.ID); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if len(errs) == len(cfg.Branches) {
		return errors.Join(errs...)
	}
	return nil
}

func rejectSuspend(err error, parallelID string) error {
	var sig *suspendSignal
	if errors.As(err, &sig) {
		return types.Errorf(types.ErrValidation,
			"node %s cannot suspend inside parallel node %s", sig.nodeID, parallelID).
			WithNode(sig.nodeID)
	}
	return err
}
