package engine

import (
	"time"

	"github.com/floweave/floweave/types"
)

// InstanceStatus is the lifecycle state of one workflow instance.
type InstanceStatus string

const (
	StatusPending           InstanceStatus = "pending"
	StatusRunning           InstanceStatus = "running"
	StatusPaused            InstanceStatus = "paused"
	StatusWaitingApproval   InstanceStatus = "waiting_approval"
	StatusCompleted         InstanceStatus = "completed"
	StatusFailed            InstanceStatus = "failed"
	StatusFailedCompensated InstanceStatus = "failed_compensated"
	StatusCancelled         InstanceStatus = "cancelled"
)

// IsTerminal reports whether no further transition is allowed.
func (s InstanceStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusFailedCompensated, StatusCancelled:
		return true
	}
	return false
}

// Instance is one execution of a workflow definition version.
type Instance struct {
	ID          string         `json:"id"`
	Tenant      string         `json:"tenant"`
	WorkflowID  string         `json:"workflow_id"`
	Version     int            `json:"version"`
	Status      InstanceStatus `json:"status"`
	Input       map[string]any `json:"input,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	// StatusReason is the operator-supplied reason behind the latest pause or
	// cancel request. Resume clears it.
	StatusReason string     `json:"status_reason,omitempty"`
	CurrentNode  string     `json:"current_node,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// validTransitions is the instance state machine. Any transition absent from
// this table is rejected.
var validTransitions = map[InstanceStatus][]InstanceStatus{
	StatusPending: {StatusRunning, StatusCancelled},
	StatusRunning: {
		StatusPaused, StatusWaitingApproval, StatusCompleted,
		StatusFailed, StatusFailedCompensated, StatusCancelled,
	},
	StatusPaused: {
		StatusRunning, StatusFailed, StatusFailedCompensated, StatusCancelled,
	},
	StatusWaitingApproval: {
		StatusRunning, StatusFailed, StatusFailedCompensated, StatusCancelled,
	},
}

// transition moves the instance to a new status, enforcing the state machine.
func (in *Instance) transition(to InstanceStatus) error {
	for _, allowed := range validTransitions[in.Status] {
		if allowed == to {
			in.Status = to
			in.UpdatedAt = time.Now()
			if to.IsTerminal() {
				now := time.Now()
				in.CompletedAt = &now
			}
			return nil
		}
	}
	return types.Errorf(types.ErrInvalidTransition,
		"instance %s cannot move from %s to %s", in.ID, in.Status, to)
}

// clone returns a copy safe to hand out of the engine.
func (in *Instance) clone() *Instance {
	out := *in
	out.Input = cloneMap(in.Input)
	out.Output = cloneMap(in.Output)
	if in.CompletedAt != nil {
		t := *in.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
