package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/floweave/floweave/approval"
	"github.com/floweave/floweave/checkpoint"
	"github.com/floweave/floweave/dsl"
	"github.com/floweave/floweave/gateway"
	"github.com/floweave/floweave/saga"
	"github.com/floweave/floweave/types"
	"github.com/floweave/floweave/version"
)

// instanceMetaKey is the internal variable carrying instance identity inside
// checkpoints, so a different worker process can rehydrate a suspended
// instance from the checkpoint store alone.
const instanceMetaKey = "__instance"

var (
	errPauseRequested  = errors.New("pause requested")
	errCancelRequested = errors.New("cancel requested")
)

// Config tunes the engine.
type Config struct {
	// ApprovalSweepInterval is how often expired approval gates are swept.
	ApprovalSweepInterval time.Duration `yaml:"approval_sweep_interval" json:"approval_sweep_interval"`
	// ShutdownGrace bounds how long Shutdown waits for running instances.
	ShutdownGrace time.Duration `yaml:"shutdown_grace" json:"shutdown_grace"`
}

// DefaultConfig returns the default engine settings.
func DefaultConfig() Config {
	return Config{
		ApprovalSweepInterval: time.Minute,
		ShutdownGrace:         30 * time.Second,
	}
}

// Metrics receives engine observations. Implemented by internal/metrics.
type Metrics interface {
	ObserveNode(nodeType, outcome string, duration time.Duration)
	InstanceTransition(status string)
}

// Deps are the collaborators an engine is wired with.
type Deps struct {
	Versions    *version.Manager
	Gateway     *gateway.Gateway
	Checkpoints *checkpoint.Manager
	Approvals   *approval.Manager
	Compensator *saga.Coordinator
	Deployers   *version.DeployerRegistry
	Bus         EventBus
	Metrics     Metrics
	Logger      *zap.Logger
}

// instanceState is the engine-side bookkeeping for one instance.
type instanceState struct {
	inst *Instance
	def  *dsl.Definition
	rc   *runContext
	// cancel is non-nil while the instance goroutine runs.
	cancel context.CancelCauseFunc
	// waitCancel disarms a pending wait trigger (timer or event subscription).
	waitCancel func()
}

// Engine runs workflow instances, one goroutine per running instance.
type Engine struct {
	cfg         Config
	versions    *version.Manager
	gateway     *gateway.Gateway
	checkpoints *checkpoint.Manager
	approvals   *approval.Manager
	compensator *saga.Coordinator
	deployers   *version.DeployerRegistry
	bus         EventBus
	evaluator   *dsl.Evaluator
	policies    map[dsl.NodeType]gateway.RetryPolicy
	metrics     Metrics
	logger      *zap.Logger

	states map[string]*instanceState
	mu     sync.Mutex

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
}

// New wires an engine from its collaborators and registers it as the
// approval decision listener.
func New(deps Deps, cfg Config) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ApprovalSweepInterval <= 0 {
		cfg.ApprovalSweepInterval = DefaultConfig().ApprovalSweepInterval
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultConfig().ShutdownGrace
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:         cfg,
		versions:    deps.Versions,
		gateway:     deps.Gateway,
		checkpoints: deps.Checkpoints,
		approvals:   deps.Approvals,
		compensator: deps.Compensator,
		deployers:   deps.Deployers,
		bus:         deps.Bus,
		evaluator:   dsl.NewEvaluator(),
		policies:    gateway.DefaultPoliciesByNodeType(),
		metrics:     deps.Metrics,
		logger:      logger.With(zap.String("component", "engine")),
		states:      make(map[string]*instanceState),
		baseCtx:     baseCtx,
		baseCancel:  baseCancel,
	}
	if e.bus == nil {
		e.bus = NewMemoryEventBus()
	}
	if e.approvals != nil {
		e.approvals.SetNotifier(e)
	}
	return e
}

// StartBackground launches the approval timeout sweep and checkpoint reclaim
// loops. They stop when the engine shuts down.
func (e *Engine) StartBackground() {
	if e.approvals != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.approvals.RunSweepLoop(e.baseCtx, e.cfg.ApprovalSweepInterval)
		}()
	}
	if e.checkpoints != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.checkpoints.RunReclaimLoop(e.baseCtx)
		}()
	}
}

// Start creates an instance of a workflow version and begins executing it.
// Version 0 runs the active version.
func (e *Engine) Start(ctx context.Context, tenant, workflowID string, versionNum int, input map[string]any) (*Instance, error) {
	def, err := e.versions.Get(ctx, tenant, workflowID, versionNum)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	inst := &Instance{
		ID:         uuid.NewString(),
		Tenant:     tenant,
		WorkflowID: workflowID,
		Version:    def.Version,
		Status:     StatusPending,
		Input:      cloneMap(input),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	state := &instanceState{
		inst: inst,
		def:  def,
		rc:   newRunContext(input),
	}

	e.mu.Lock()
	e.states[inst.ID] = state
	if err := inst.transition(StatusRunning); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	e.observeTransition(inst.Status)
	e.launchLocked(state)
	snapshot := inst.clone()
	e.mu.Unlock()

	e.logger.Info("instance started",
		zap.String("instance_id", inst.ID),
		zap.String("tenant", tenant),
		zap.String("workflow_id", workflowID),
		zap.Int("version", def.Version))
	return snapshot, nil
}

// launchLocked spawns the instance goroutine. Caller holds e.mu.
func (e *Engine) launchLocked(state *instanceState) {
	runCtx, cancel := context.WithCancelCause(e.baseCtx)
	state.cancel = cancel
	if state.waitCancel != nil {
		state.waitCancel()
		state.waitCancel = nil
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		it := &interpreter{
			eng:           e,
			def:           state.def,
			rc:            state.rc,
			inst:          state.inst,
			caller:        e.gateway,
			checkpointing: true,
		}
		err := it.run(runCtx)
		e.finish(state, runCtx, err)
	}()
}

// finish settles an instance after its interpreter returned.
func (e *Engine) finish(state *instanceState, runCtx context.Context, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	state.cancel = nil
	inst := state.inst

	var sig *suspendSignal
	switch {
	case err == nil:
		inst.Output = state.rc.exportVars()
		e.transitionLocked(inst, StatusCompleted)
		e.clearCheckpoints(inst.ID)
		e.logger.Info("instance completed", zap.String("instance_id", inst.ID))

	case errors.As(err, &sig):
		e.suspendLocked(state, sig)

	case runCtx.Err() != nil:
		switch cause := context.Cause(runCtx); {
		case errors.Is(cause, errPauseRequested):
			e.commitSuspendLocked(state, "")
			e.transitionLocked(inst, StatusPaused)
			e.logger.Info("instance paused", zap.String("instance_id", inst.ID))
		case errors.Is(cause, errCancelRequested):
			e.settleCancelLocked(state)
		default:
			// Engine shutdown: leave the instance checkpointed for rehydration.
			e.logger.Info("instance interrupted by shutdown", zap.String("instance_id", inst.ID))
		}

	default:
		e.failLocked(state, err)
	}
}

// suspendLocked parks a suspended instance and arms its resume trigger.
func (e *Engine) suspendLocked(state *instanceState, sig *suspendSignal) {
	inst := state.inst
	e.commitSuspendLocked(state, sig.nodeID)
	e.transitionLocked(inst, sig.status)

	switch {
	case sig.requestID != "":
		// Approval decisions and timeout sweeps resume via ApprovalDecided.
	case sig.event != "":
		ch, unsubscribe := e.bus.Subscribe(inst.Tenant, sig.event)
		done := make(chan struct{})
		state.waitCancel = func() {
			close(done)
			unsubscribe()
		}
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			select {
			case <-ch:
				e.satisfyAndResume(inst.ID, sig.nodeID)
			case <-done:
			case <-e.baseCtx.Done():
			}
		}()
	case !sig.resumeAt.IsZero():
		timer := time.AfterFunc(time.Until(sig.resumeAt), func() {
			e.satisfyAndResume(inst.ID, sig.nodeID)
		})
		state.waitCancel = func() { timer.Stop() }
	}

	e.logger.Info("instance suspended",
		zap.String("instance_id", inst.ID),
		zap.String("node_id", sig.nodeID),
		zap.String("status", string(sig.status)))
}

// commitSuspendLocked persists the suspension checkpoint, including the
// instance identity needed for cross-process rehydration.
func (e *Engine) commitSuspendLocked(state *instanceState, nodeID string) {
	inst := state.inst
	state.rc.set(instanceMetaKey, map[string]any{
		"tenant":      inst.Tenant,
		"workflow_id": inst.WorkflowID,
		"version":     inst.Version,
		"status":      string(inst.Status),
	})
	if nodeID == "" {
		nodeID = inst.CurrentNode
	}
	if nodeID == "" {
		return
	}
	if _, err := e.checkpoints.Commit(context.Background(), inst.ID, nodeID, state.rc.snapshot()); err != nil {
		e.logger.Error("suspension checkpoint failed",
			zap.String("instance_id", inst.ID), zap.Error(err))
	}
}

// satisfyAndResume marks a wait node satisfied and relaunches the instance.
func (e *Engine) satisfyAndResume(instanceID, nodeID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	state, ok := e.states[instanceID]
	if !ok || state.inst.Status != StatusPaused || state.cancel != nil {
		return
	}
	state.rc.markCompleted(nodeID)
	state.rc.delete(waitDeadlineKey(nodeID))
	e.transitionLocked(state.inst, StatusRunning)
	e.launchLocked(state)
}

// ApprovalDecided implements approval.Notifier: it resumes or fails the
// instance a decided gate belongs to.
func (e *Engine) ApprovalDecided(ctx context.Context, req *approval.Request) {
	e.mu.Lock()
	defer e.mu.Unlock()

	state, ok := e.states[req.InstanceID]
	if !ok || state.inst.Status != StatusWaitingApproval || state.cancel != nil {
		return
	}

	switch req.Status {
	case approval.StatusApproved:
		state.rc.set(assignKey("", req.NodeID), map[string]any{
			"approved":   true,
			"decided_by": req.DecidedBy,
			"reason":     req.Reason,
		})
		state.rc.markCompleted(req.NodeID)
		e.transitionLocked(state.inst, StatusRunning)
		e.launchLocked(state)

	case approval.StatusRejected:
		e.failLocked(state, types.Errorf(types.ErrApprovalRejected,
			"approval at node %s rejected by %s", req.NodeID, req.DecidedBy).WithNode(req.NodeID))

	case approval.StatusExpired:
		e.failLocked(state, types.Errorf(types.ErrApprovalTimeout,
			"approval at node %s timed out", req.NodeID).WithNode(req.NodeID))
	}
}

// failLocked settles a failed instance, running compensation when a boundary
// was crossed.
func (e *Engine) failLocked(state *instanceState, cause error) {
	inst := state.inst
	inst.Error = cause.Error()

	if cfg := e.armedCompensation(state); cfg != nil {
		result, compErr := e.compensator.Compensate(
			context.Background(), inst.ID, cfg, toSagaSteps(state.rc.completedSteps()))
		if compErr != nil {
			inst.Error = fmt.Sprintf("%s; compensation: %s", inst.Error, compErr.Error())
		}
		e.transitionLocked(inst, StatusFailedCompensated)
		e.logger.Error("instance failed, compensation ran",
			zap.String("instance_id", inst.ID),
			zap.Int("compensated", result.Compensated),
			zap.Int("comp_failed", result.Failed),
			zap.Int("comp_skipped", result.Skipped),
			zap.Error(cause))
		return
	}

	e.transitionLocked(inst, StatusFailed)
	e.logger.Error("instance failed",
		zap.String("instance_id", inst.ID), zap.Error(cause))
}

// settleCancelLocked finishes a cooperative cancel, compensating if armed.
// A gate left open by a cancelled waiting_approval instance is closed here,
// not left for the timeout sweep.
func (e *Engine) settleCancelLocked(state *instanceState) {
	inst := state.inst
	if inst.Status == StatusWaitingApproval && e.approvals != nil {
		if err := e.approvals.Abandon(context.Background(), inst.ID, inst.CurrentNode); err != nil {
			e.logger.Warn("closing approval gate on cancel failed",
				zap.String("instance_id", inst.ID), zap.Error(err))
		}
	}
	if cfg := e.armedCompensation(state); cfg != nil {
		if _, err := e.compensator.Compensate(
			context.Background(), inst.ID, cfg, toSagaSteps(state.rc.completedSteps())); err != nil {
			e.logger.Warn("compensation during cancel failed",
				zap.String("instance_id", inst.ID), zap.Error(err))
		}
	}
	e.transitionLocked(inst, StatusCancelled)
	e.logger.Info("instance cancelled", zap.String("instance_id", inst.ID))
}

// armedCompensation returns the compensation config whose boundary node has
// completed, if any.
func (e *Engine) armedCompensation(state *instanceState) *dsl.CompensationConfig {
	for i := range state.def.Nodes {
		node := &state.def.Nodes[i]
		if node.Type == dsl.NodeTypeCompensation && state.rc.isCompleted(node.ID) {
			return node.Compensation
		}
	}
	return nil
}

// Pause requests a cooperative pause of a running instance. The in-flight
// node finishes first. The reason, when given, is recorded on the instance.
func (e *Engine) Pause(ctx context.Context, instanceID, reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	state, ok := e.states[instanceID]
	if !ok {
		return types.Errorf(types.ErrNotFound, "instance %s not found", instanceID)
	}
	if state.inst.Status != StatusRunning || state.cancel == nil {
		return types.Errorf(types.ErrInvalidTransition,
			"instance %s is %s, not running", instanceID, state.inst.Status)
	}
	state.inst.StatusReason = reason
	state.cancel(errPauseRequested)
	return nil
}

// Resume relaunches a paused instance. An unsatisfied wait node re-suspends.
// A non-empty checkpointID restores the run context from that checkpoint
// instead of the in-memory state, so the walk rewinds to just after the
// checkpointed node.
func (e *Engine) Resume(ctx context.Context, instanceID, checkpointID string) (*Instance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	state, ok := e.states[instanceID]
	if !ok {
		return nil, types.Errorf(types.ErrNotFound, "instance %s not found", instanceID)
	}
	if state.inst.Status != StatusPaused || state.cancel != nil {
		return nil, types.Errorf(types.ErrInvalidTransition,
			"instance %s is %s, not paused", instanceID, state.inst.Status)
	}
	if checkpointID != "" {
		cp, err := e.checkpoints.Get(ctx, checkpointID)
		if err != nil {
			return nil, err
		}
		if cp.InstanceID != instanceID {
			return nil, types.Errorf(types.ErrValidation,
				"checkpoint %s belongs to instance %s, not %s", checkpointID, cp.InstanceID, instanceID)
		}
		state.rc = restoreRunContext(cp.Snapshot)
		state.inst.CurrentNode = cp.NodeID
	}
	state.inst.StatusReason = ""
	if err := e.transitionLocked(state.inst, StatusRunning); err != nil {
		return nil, err
	}
	e.launchLocked(state)
	return state.inst.clone(), nil
}

// Cancel stops an instance. A running instance cancels cooperatively;
// in-flight calls finish or time out first. The reason, when given, is
// recorded on the instance.
func (e *Engine) Cancel(ctx context.Context, instanceID, reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	state, ok := e.states[instanceID]
	if !ok {
		return types.Errorf(types.ErrNotFound, "instance %s not found", instanceID)
	}
	if state.inst.Status.IsTerminal() {
		return types.Errorf(types.ErrInvalidTransition,
			"instance %s is already %s", instanceID, state.inst.Status)
	}
	state.inst.StatusReason = reason
	if state.cancel != nil {
		state.cancel(errCancelRequested)
		return nil
	}
	e.settleCancelLocked(state)
	return nil
}

// Get returns a snapshot of one instance.
func (e *Engine) Get(ctx context.Context, instanceID string) (*Instance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	state, ok := e.states[instanceID]
	if !ok {
		return nil, types.Errorf(types.ErrNotFound, "instance %s not found", instanceID)
	}
	return state.inst.clone(), nil
}

// List returns snapshots of a tenant's instances.
func (e *Engine) List(ctx context.Context, tenant string) []*Instance {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*Instance
	for _, state := range e.states {
		if state.inst.Tenant == tenant {
			out = append(out, state.inst.clone())
		}
	}
	return out
}

// Signal publishes an external event that resumes matching event-mode waits.
func (e *Engine) Signal(ctx context.Context, tenant, event string) error {
	return e.bus.Publish(ctx, tenant, event)
}

// Rehydrate rebuilds a suspended instance from its latest checkpoint, for
// resuming on a worker other than the one that suspended it.
func (e *Engine) Rehydrate(ctx context.Context, instanceID string) (*Instance, error) {
	e.mu.Lock()
	if _, ok := e.states[instanceID]; ok {
		e.mu.Unlock()
		return nil, types.Errorf(types.ErrConflict, "instance %s is already loaded", instanceID)
	}
	e.mu.Unlock()

	cp, err := e.checkpoints.Latest(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	meta, ok := cp.Snapshot.Variables[instanceMetaKey].(map[string]any)
	if !ok {
		return nil, types.Errorf(types.ErrNotFound,
			"checkpoint for instance %s carries no rehydration metadata", instanceID)
	}
	tenant, _ := meta["tenant"].(string)
	workflowID, _ := meta["workflow_id"].(string)
	versionNum := asInt(meta["version"])

	def, err := e.versions.Get(ctx, tenant, workflowID, versionNum)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	inst := &Instance{
		ID:          instanceID,
		Tenant:      tenant,
		WorkflowID:  workflowID,
		Version:     versionNum,
		Status:      StatusPaused,
		CurrentNode: cp.NodeID,
		CreatedAt:   cp.CreatedAt,
		UpdatedAt:   now,
	}
	state := &instanceState{
		inst: inst,
		def:  def,
		rc:   restoreRunContext(cp.Snapshot),
	}

	e.mu.Lock()
	e.states[instanceID] = state
	e.mu.Unlock()

	e.logger.Info("instance rehydrated",
		zap.String("instance_id", instanceID),
		zap.String("node_id", cp.NodeID))
	return inst.clone(), nil
}

// Shutdown stops background loops and waits for instance goroutines up to the
// configured grace period. Running instances stay checkpointed.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.baseCancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	grace := time.NewTimer(e.cfg.ShutdownGrace)
	defer grace.Stop()
	select {
	case <-done:
		return nil
	case <-grace.C:
		return fmt.Errorf("shutdown grace period elapsed with instances still settling")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ===== Internal plumbing =====

func (e *Engine) transitionLocked(inst *Instance, to InstanceStatus) error {
	if err := inst.transition(to); err != nil {
		e.logger.Error("invalid instance transition",
			zap.String("instance_id", inst.ID), zap.Error(err))
		return err
	}
	e.observeTransition(to)
	return nil
}

func (e *Engine) observeTransition(status InstanceStatus) {
	if e.metrics != nil {
		e.metrics.InstanceTransition(string(status))
	}
}

func (e *Engine) clearCheckpoints(instanceID string) {
	if err := e.checkpoints.Clear(context.Background(), instanceID); err != nil {
		e.logger.Warn("checkpoint clear failed",
			zap.String("instance_id", instanceID), zap.Error(err))
	}
}

// observeNode records the node the instance is currently on.
func (e *Engine) observeNode(inst *Instance, node *dsl.Node, key string) {
	e.mu.Lock()
	inst.CurrentNode = key
	e.mu.Unlock()
	e.logger.Debug("executing node",
		zap.String("instance_id", inst.ID),
		zap.String("node_id", key),
		zap.String("node_type", string(node.Type)))
}

func (e *Engine) recordNodeMetric(nodeType dsl.NodeType, err error, duration time.Duration) {
	if e.metrics == nil {
		return
	}
	outcome := "success"
	var sig *suspendSignal
	switch {
	case err == nil:
	case errors.As(err, &sig):
		outcome = "suspended"
	default:
		outcome = "failure"
	}
	e.metrics.ObserveNode(string(nodeType), outcome, duration)
}

func (e *Engine) policyFor(t dsl.NodeType) gateway.RetryPolicy {
	if p, ok := e.policies[t]; ok {
		return p
	}
	return gateway.DefaultRetryPolicy()
}

func toSagaSteps(steps []checkpoint.EffectStep) []saga.CompletedStep {
	out := make([]saga.CompletedStep, 0, len(steps))
	for _, s := range steps {
		out = append(out, saga.CompletedStep{
			NodeID:    s.NodeID,
			Target:    s.Target,
			Operation: s.Operation,
			Params:    s.Params,
		})
	}
	return out
}

func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}
