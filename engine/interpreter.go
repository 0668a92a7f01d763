package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/floweave/floweave/checkpoint"
	"github.com/floweave/floweave/dsl"
	"github.com/floweave/floweave/gateway"
	"github.com/floweave/floweave/saga"
	"github.com/floweave/floweave/types"
)

// maxSubflowDepth bounds nested subflow invocations.
const maxSubflowDepth = 8

// branchChoiceKey namespaces the recorded if_else branch decisions inside the
// variable bag, so a resumed re-walk takes the same branch even when branch
// nodes mutated the variables the expression reads.
func branchChoiceKey(nodeKey string) string { return "__branch:" + nodeKey }

// waitDeadlineKey namespaces a timed wait's recorded deadline, so the deadline
// rides the suspension checkpoint and survives rehydration on another worker.
func waitDeadlineKey(nodeKey string) string { return "__wait:" + nodeKey }

// interpreter walks one definition depth-first on behalf of one instance.
type interpreter struct {
	eng    *Engine
	def    *dsl.Definition
	rc     *runContext
	inst   *Instance
	caller saga.Caller

	// prefix namespaces completion marks when executing a subflow, so node
	// ids from parent and child definitions cannot collide.
	prefix string
	depth  int

	// checkpointing is off inside subflows and simulate overlays; the
	// enclosing node is the unit of resume there.
	checkpointing bool
	dryRun        bool
}

// run executes the definition's roots to completion or suspension.
func (it *interpreter) run(ctx context.Context) error {
	return it.execList(ctx, it.def.Roots)
}

func (it *interpreter) execList(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if err := it.execNode(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (it *interpreter) execNode(ctx context.Context, id string) error {
	key := it.prefix + id
	node := it.def.NodeByID(id)
	if node == nil {
		return types.Errorf(types.ErrValidation, "node %s not found in definition", id).WithNode(id)
	}

	// A re-walk passes through completed nodes without re-executing them;
	// their continuations may still hold unfinished work.
	if it.rc.isCompleted(key) {
		return it.execList(ctx, node.Next)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	it.eng.observeNode(it.inst, node, key)

	start := time.Now()
	err := it.dispatch(ctx, key, node)
	it.eng.recordNodeMetric(node.Type, err, time.Since(start))
	if err != nil {
		return err
	}

	it.rc.markCompleted(key)
	if err := it.commit(ctx, id); err != nil {
		return err
	}
	return it.execList(ctx, node.Next)
}

func (it *interpreter) dispatch(ctx context.Context, key string, node *dsl.Node) error {
	switch node.Type {
	case dsl.NodeTypeCondition:
		return it.execCondition(node)
	case dsl.NodeTypeIfElse:
		return it.execIfElse(ctx, key, node)
	case dsl.NodeTypeLoop:
		return it.execLoop(ctx, key, node)
	case dsl.NodeTypeParallel:
		return it.execParallel(ctx, node)
	case dsl.NodeTypeAction, dsl.NodeTypeData, dsl.NodeTypeJudgment, dsl.NodeTypeBI, dsl.NodeTypeMCP:
		return it.execCall(ctx, key, node)
	case dsl.NodeTypeWait:
		return it.execWait(key, node)
	case dsl.NodeTypeApproval:
		return it.execApproval(ctx, node)
	case dsl.NodeTypeCompensation:
		// Boundary marker: completing it arms compensation for everything
		// recorded so far. The config is read back from the definition when
		// the instance fails.
		return nil
	case dsl.NodeTypeDeploy:
		return it.execDeploy(ctx, node)
	case dsl.NodeTypeRollback:
		return it.execRollback(ctx, node)
	case dsl.NodeTypeSimulate:
		return it.execSimulate(ctx, node)
	case dsl.NodeTypeSubflow:
		return it.execSubflow(ctx, key, node)
	}
	return types.Errorf(types.ErrValidation, "unknown node type %q", node.Type).WithNode(node.ID)
}

// commit persists a checkpoint after a node completed. A persist failure is
// fatal: the walk stops rather than running ahead of durable state.
func (it *interpreter) commit(ctx context.Context, nodeID string) error {
	if !it.checkpointing {
		return nil
	}
	_, err := it.eng.checkpoints.Commit(ctx, it.inst.ID, nodeID, it.rc.snapshot())
	return err
}

// ===== Control flow =====

func (it *interpreter) execCondition(node *dsl.Node) error {
	cfg := node.Condition
	result, err := it.eng.evaluator.EvaluateBool(cfg.Expr, it.rc.varsCopy())
	if err != nil {
		return attachNode(err, node.ID)
	}
	it.rc.set(assignKey(cfg.AssignTo, node.ID), result)
	return nil
}

func (it *interpreter) execIfElse(ctx context.Context, key string, node *dsl.Node) error {
	cfg := node.IfElse

	// The branch decision is made once and recorded, so a resumed re-walk
	// cannot flip branches mid-way.
	var takeThen bool
	if recorded, ok := it.rc.get(branchChoiceKey(key)); ok {
		takeThen, _ = recorded.(bool)
	} else {
		result, err := it.eng.evaluator.EvaluateBool(cfg.Expr, it.rc.varsCopy())
		if err != nil {
			return attachNode(err, node.ID)
		}
		takeThen = result
		it.rc.set(branchChoiceKey(key), takeThen)
	}

	if takeThen {
		return it.execList(ctx, cfg.Then)
	}
	return it.execList(ctx, cfg.Else)
}

func (it *interpreter) execLoop(ctx context.Context, key string, node *dsl.Node) error {
	cfg := node.Loop
	maxIterations := cfg.MaxIterations
	if maxIterations <= 0 {
		maxIterations = dsl.DefaultMaxLoopIterations
	}

	for iteration := it.rc.loopIteration(key); ; iteration++ {
		if cfg.Mode == dsl.LoopModeFor && iteration >= cfg.Count {
			break
		}
		if iteration >= maxIterations {
			return types.Errorf(types.ErrLoopLimit,
				"loop %s exceeded iteration cap %d", node.ID, maxIterations).WithNode(node.ID)
		}
		if cfg.Mode == dsl.LoopModeWhile {
			keepGoing, err := it.eng.evaluator.EvaluateBool(cfg.Expr, it.rc.varsCopy())
			if err != nil {
				return attachNode(err, node.ID)
			}
			if !keepGoing {
				break
			}
		}

		if err := it.execList(ctx, cfg.Body); err != nil {
			return err
		}

		// Iteration done: clear body marks so the next pass re-executes, then
		// checkpoint the advanced progress.
		it.rc.setLoopIteration(key, iteration+1)
		it.unmarkSubtree(cfg.Body)
		if err := it.commit(ctx, node.ID); err != nil {
			return err
		}
	}

	it.rc.clearLoopIteration(key)
	return nil
}

// unmarkSubtree clears completion marks for a node list and everything
// reachable through their child slots.
func (it *interpreter) unmarkSubtree(ids []string) {
	seen := make(map[string]struct{})
	var walk func(ids []string)
	walk = func(ids []string) {
		for _, id := range ids {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			it.rc.unmarkCompleted(it.prefix + id)
			it.rc.delete(branchChoiceKey(it.prefix + id))
			it.rc.delete(waitDeadlineKey(it.prefix + id))
			if node := it.def.NodeByID(id); node != nil {
				for _, slot := range node.ChildSlots() {
					walk(slot)
				}
			}
		}
	}
	walk(ids)
}

// ===== External calls =====

func (it *interpreter) execCall(ctx context.Context, key string, node *dsl.Node) error {
	req, assignTo, compensable, err := it.buildCallRequest(node)
	if err != nil {
		return err
	}

	result, err := it.caller.Call(ctx, req)
	if err != nil {
		return attachNode(err, node.ID)
	}

	if assignTo != "" {
		it.rc.set(assignTo, result)
	}
	if compensable && !it.dryRun {
		it.rc.recordStep(checkpoint.EffectStep{
			NodeID:    key,
			Target:    req.Target,
			Operation: req.Operation,
			Params:    req.Params,
		})
	}
	return nil
}

// buildCallRequest maps an effectful node config onto one gateway request.
// Mutating variants (action, mcp) are recorded for compensation; read
// variants (data, judgment, bi) are not.
func (it *interpreter) buildCallRequest(node *dsl.Node) (gateway.CallRequest, string, bool, error) {
	var (
		req         gateway.CallRequest
		assignTo    string
		compensable bool
	)

	switch node.Type {
	case dsl.NodeTypeAction:
		cfg := node.Action
		req = gateway.CallRequest{
			Target:         cfg.Target,
			Operation:      cfg.Operation,
			Params:         cfg.Params,
			IdempotencyKey: it.idempotencyKey(cfg.IdempotencyKey, node.ID),
		}
		assignTo = cfg.AssignTo
		compensable = true
	case dsl.NodeTypeData:
		cfg := node.Data
		req = gateway.CallRequest{
			Target:    cfg.Source,
			Operation: "query",
			Params:    withParam(cfg.Params, "query", cfg.Query),
		}
		assignTo = assignKey(cfg.AssignTo, node.ID)
	case dsl.NodeTypeJudgment:
		cfg := node.Judgment
		req = gateway.CallRequest{
			Target:    cfg.Target,
			Operation: "classify",
			Params:    cfg.Params,
		}
		assignTo = assignKey(cfg.AssignTo, node.ID)
	case dsl.NodeTypeBI:
		cfg := node.BI
		req = gateway.CallRequest{
			Target:    cfg.Target,
			Operation: "aggregate",
			Params:    withParam(cfg.Params, "query", cfg.Query),
		}
		assignTo = assignKey(cfg.AssignTo, node.ID)
	case dsl.NodeTypeMCP:
		cfg := node.MCP
		req = gateway.CallRequest{
			Target:         cfg.Target,
			Operation:      cfg.Tool,
			Params:         cfg.Params,
			IdempotencyKey: it.idempotencyKey(cfg.IdempotencyKey, node.ID),
		}
		assignTo = cfg.AssignTo
		compensable = true
	}

	params, err := it.resolveParams(req.Params)
	if err != nil {
		return req, "", false, attachNode(err, node.ID)
	}
	req.Params = params
	req.Policy = gateway.ApplyOverride(it.eng.policyFor(node.Type), node.Call)
	return req, assignTo, compensable, nil
}

// idempotencyKey scopes a node's configured key to the instance so replays of
// the same definition by different instances never collide.
func (it *interpreter) idempotencyKey(configured, nodeID string) string {
	key := configured
	if key == "" {
		key = nodeID
	}
	return it.inst.ID + ":" + it.prefix + key
}

// resolveParams substitutes "$path.to.value" string params from the context.
func (it *interpreter) resolveParams(params map[string]any) (map[string]any, error) {
	if len(params) == 0 {
		return params, nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		ref, ok := v.(string)
		if !ok || !strings.HasPrefix(ref, "$") {
			out[k] = v
			continue
		}
		resolved, found := it.rc.get(strings.TrimPrefix(ref, "$"))
		if !found {
			return nil, types.Errorf(types.ErrValidation,
				"param %q references unknown context path %q", k, ref)
		}
		out[k] = resolved
	}
	return out, nil
}

// ===== Suspension =====

// execWait builds the suspension signal for a wait node. A timed wait's
// deadline is computed once and recorded in the variable bag, so a rehydrated
// walk on another worker re-arms the remaining wait instead of restarting it.
func (it *interpreter) execWait(key string, node *dsl.Node) error {
	sig, err := waitSignal(node.ID, node.Wait, time.Now())
	if err != nil {
		return err
	}
	if sig.resumeAt.IsZero() {
		return sig
	}

	if recorded, ok := it.rc.get(waitDeadlineKey(key)); ok {
		if raw, ok := recorded.(string); ok {
			if at, parseErr := time.Parse(time.RFC3339Nano, raw); parseErr == nil {
				sig.resumeAt = at
				return sig
			}
		}
	}
	it.rc.set(waitDeadlineKey(key), sig.resumeAt.UTC().Format(time.RFC3339Nano))
	return sig
}

func (it *interpreter) execApproval(ctx context.Context, node *dsl.Node) error {
	if it.prefix != "" || it.dryRun {
		return types.Errorf(types.ErrValidation,
			"approval node %s cannot run inside a subflow or simulation", node.ID).WithNode(node.ID)
	}
	req, err := it.eng.approvals.Open(ctx, it.inst.Tenant, it.inst.ID, node.ID, node.Approval)
	if err != nil {
		return attachNode(err, node.ID)
	}
	return &suspendSignal{nodeID: node.ID, status: StatusWaitingApproval, requestID: req.ID}
}

// ===== Lifecycle nodes =====

func (it *interpreter) execDeploy(ctx context.Context, node *dsl.Node) error {
	cfg := node.Deploy
	if it.dryRun {
		return nil
	}
	deployer, err := it.eng.deployers.Get(cfg.ArtifactType)
	if err != nil {
		return attachNode(err, node.ID)
	}
	if err := deployer.Deploy(ctx, cfg.ArtifactID, cfg.Version); err != nil {
		if cfg.RollbackOnFailure {
			if rbErr := deployer.Rollback(ctx, cfg.ArtifactID, cfg.Version); rbErr != nil {
				it.eng.logger.Warn("rollback after failed deploy failed",
					zap.String("artifact_id", cfg.ArtifactID), zap.Error(rbErr))
			}
		}
		return attachNode(err, node.ID)
	}
	return nil
}

func (it *interpreter) execRollback(ctx context.Context, node *dsl.Node) error {
	cfg := node.Rollback
	if it.dryRun {
		return nil
	}
	deployer, err := it.eng.deployers.Get(cfg.ArtifactType)
	if err != nil {
		return attachNode(err, node.ID)
	}
	if err := deployer.Rollback(ctx, cfg.ArtifactID, cfg.Version); err != nil {
		return attachNode(err, node.ID)
	}
	return nil
}

// ===== Helpers =====

func assignKey(configured, nodeID string) string {
	if configured != "" {
		return configured
	}
	return nodeID
}

func withParam(params map[string]any, key string, value any) map[string]any {
	out := make(map[string]any, len(params)+1)
	for k, v := range params {
		out[k] = v
	}
	out[key] = value
	return out
}

// attachNode adds node attribution to structured errors without disturbing
// plain ones.
func attachNode(err error, nodeID string) error {
	var typed *types.Error
	if errors.As(err, &typed) && typed.NodeID == "" {
		return typed.WithNode(nodeID)
	}
	return err
}
