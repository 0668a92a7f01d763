package saga

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/floweave/floweave/dsl"
	"github.com/floweave/floweave/gateway"
	"github.com/floweave/floweave/types"
)

// StepOutcome is the terminal state of one compensation step.
type StepOutcome string

const (
	OutcomeSuccess StepOutcome = "success"
	OutcomeFailed  StepOutcome = "failed"
	OutcomeSkipped StepOutcome = "skipped"
)

// Record is one append-only audit entry for a compensation step.
type Record struct {
	ID         string      `json:"id"`
	InstanceID string      `json:"instance_id"`
	NodeID     string      `json:"node_id"`
	Target     string      `json:"target"`
	Operation  string      `json:"operation"`
	Outcome    StepOutcome `json:"outcome"`
	Error      string      `json:"error,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}

// AuditStore persists compensation records. Append-only: records are never
// updated or deleted.
type AuditStore interface {
	Append(ctx context.Context, rec *Record) error
	List(ctx context.Context, instanceID string) ([]Record, error)
}

// Caller issues compensating calls. Satisfied by *gateway.Gateway, so
// compensating calls ride the same breaker and retry machinery as forward
// calls.
type Caller interface {
	Call(ctx context.Context, req gateway.CallRequest) (any, error)
}

// CompletedStep is one effectful node recorded during forward execution, in
// completion order. Params are the resolved parameters the forward call used,
// available to auto-derived inverses.
type CompletedStep struct {
	NodeID    string         `json:"node_id"`
	Target    string         `json:"target"`
	Operation string         `json:"operation"`
	Params    map[string]any `json:"params,omitempty"`
}

// Result summarizes one compensation pass.
type Result struct {
	Compensated int  `json:"compensated"`
	Failed      int  `json:"failed"`
	Skipped     int  `json:"skipped"`
	Aborted     bool `json:"aborted"`
}

// Coordinator drives compensation passes.
type Coordinator struct {
	caller Caller
	audit  AuditStore
	logger *zap.Logger
}

// NewCoordinator creates a compensation coordinator.
func NewCoordinator(caller Caller, audit AuditStore, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		caller: caller,
		audit:  audit,
		logger: logger.With(zap.String("component", "saga")),
	}
}

// Compensate rolls back completed steps in strict reverse completion order.
// Each step gets exactly one compensating attempt per pass. With on_failure
// abort, the first failed step stops the pass; with continue, remaining
// (earlier) steps still get their attempt. The returned error is non-nil when
// any step failed.
func (c *Coordinator) Compensate(ctx context.Context, instanceID string, cfg *dsl.CompensationConfig, steps []CompletedStep) (*Result, error) {
	onFailure := dsl.FailureContinue
	if cfg != nil && cfg.OnFailure != "" {
		onFailure = cfg.OnFailure
	}
	strategy := dsl.CompensationAuto
	if cfg != nil && cfg.Strategy != "" {
		strategy = cfg.Strategy
	}

	result := &Result{}
	var firstErr error

	for i := len(steps) - 1; i >= 0; i-- {
		step := steps[i]

		req, ok := c.requestFor(strategy, cfg, step)
		if !ok {
			result.Skipped++
			c.record(ctx, instanceID, step.NodeID, "", "", OutcomeSkipped, nil)
			continue
		}

		_, err := c.caller.Call(ctx, req)
		if err == nil {
			result.Compensated++
			c.record(ctx, instanceID, step.NodeID, req.Target, req.Operation, OutcomeSuccess, nil)
			continue
		}

		result.Failed++
		c.record(ctx, instanceID, step.NodeID, req.Target, req.Operation, OutcomeFailed, err)
		if firstErr == nil {
			firstErr = err
		}
		c.logger.Error("compensation step failed",
			zap.String("instance_id", instanceID),
			zap.String("node_id", step.NodeID),
			zap.Error(err))

		if onFailure == dsl.FailureAbort {
			result.Aborted = true
			break
		}
	}

	if firstErr != nil {
		return result, types.NewError(types.ErrCompensation,
			"compensation pass completed with failures").WithCause(firstErr)
	}
	return result, nil
}

// requestFor resolves the compensating call for one step. Manual strategy
// uses the explicit action map and skips absent nodes; auto derives the
// inverse operation from the forward call.
func (c *Coordinator) requestFor(strategy dsl.CompensationStrategy, cfg *dsl.CompensationConfig, step CompletedStep) (gateway.CallRequest, bool) {
	if strategy == dsl.CompensationManual {
		if cfg == nil {
			return gateway.CallRequest{}, false
		}
		action, ok := cfg.Actions[step.NodeID]
		if !ok {
			return gateway.CallRequest{}, false
		}
		return gateway.CallRequest{
			Target:    action.Target,
			Operation: action.Operation,
			Params:    action.Params,
			Policy:    gateway.DefaultRetryPolicy(),
		}, true
	}

	// Auto: same target, inverse operation, forward params.
	if step.Target == "" || step.Operation == "" {
		return gateway.CallRequest{}, false
	}
	return gateway.CallRequest{
		Target:    step.Target,
		Operation: InverseOperation(step.Operation),
		Params:    step.Params,
		Policy:    gateway.DefaultRetryPolicy(),
	}, true
}

// InverseOperation names the compensating operation for a forward one.
// Capabilities participating in auto compensation must expose the undo form.
func InverseOperation(op string) string {
	return "undo_" + op
}

func (c *Coordinator) record(ctx context.Context, instanceID, nodeID, target, op string, outcome StepOutcome, stepErr error) {
	if c.audit == nil {
		return
	}
	rec := &Record{
		ID:         uuid.NewString(),
		InstanceID: instanceID,
		NodeID:     nodeID,
		Target:     target,
		Operation:  op,
		Outcome:    outcome,
		CreatedAt:  time.Now(),
	}
	if stepErr != nil {
		rec.Error = stepErr.Error()
	}
	if err := c.audit.Append(ctx, rec); err != nil {
		c.logger.Warn("compensation audit append failed",
			zap.String("instance_id", instanceID),
			zap.String("node_id", nodeID),
			zap.Error(err))
	}
}

// History returns the audit trail for an instance.
func (c *Coordinator) History(ctx context.Context, instanceID string) ([]Record, error) {
	if c.audit == nil {
		return nil, nil
	}
	return c.audit.List(ctx, instanceID)
}
