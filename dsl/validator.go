package dsl

import (
	"fmt"

	"github.com/robfig/cron/v3"
)

// ValidationError describes one rule violation found in a definition.
// Definitions are rejected at save time; a valid definition never produces
// validation failures at run time.
type ValidationError struct {
	NodeID  string `json:"node_id,omitempty"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	switch {
	case e.NodeID != "" && e.Field != "":
		return fmt.Sprintf("node %s: %s: %s", e.NodeID, e.Field, e.Message)
	case e.NodeID != "":
		return fmt.Sprintf("node %s: %s", e.NodeID, e.Message)
	default:
		return e.Message
	}
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Validate checks a definition against the full rule set and returns every
// violation found. It is a pure function: no I/O, no state.
func Validate(def *Definition) []ValidationError {
	var errs []ValidationError
	add := func(nodeID, field, format string, args ...any) {
		errs = append(errs, ValidationError{NodeID: nodeID, Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if def.ID == "" {
		add("", "id", "workflow id is required")
	}
	if def.Name == "" {
		add("", "name", "name is required")
	}
	if len(def.Roots) == 0 {
		add("", "roots", "at least one root node is required")
	}
	if len(def.Nodes) == 0 {
		add("", "nodes", "at least one node is required")
	}

	// Collect ids, reject duplicates.
	ids := make(map[string]bool, len(def.Nodes))
	for i := range def.Nodes {
		n := &def.Nodes[i]
		if n.ID == "" {
			add("", "nodes", "node id is required")
			continue
		}
		if ids[n.ID] {
			add(n.ID, "id", "duplicate node id")
		}
		ids[n.ID] = true
	}

	// Every child reference must exist, and a node may be claimed by exactly
	// one parent slot (roots count as a slot).
	claimed := make(map[string]string) // node id -> owning slot
	claim := func(owner, slot string, children []string) {
		for _, id := range children {
			if !ids[id] {
				add(owner, slot, "references missing node %q", id)
				continue
			}
			ref := owner + "/" + slot
			if owner == "" {
				ref = "roots"
			}
			if prev, ok := claimed[id]; ok {
				add(id, "", "claimed by both %s and %s", prev, ref)
				continue
			}
			claimed[id] = ref
		}
	}
	claim("", "roots", def.Roots)
	for i := range def.Nodes {
		n := &def.Nodes[i]
		for slot, children := range n.ChildSlots() {
			claim(n.ID, slot, children)
		}
	}
	for i := range def.Nodes {
		n := &def.Nodes[i]
		if n.ID != "" && claimed[n.ID] == "" {
			add(n.ID, "", "orphan node: not a root and not referenced by any slot")
		}
	}

	for i := range def.Nodes {
		errs = append(errs, validateNode(&def.Nodes[i], ids)...)
	}

	return errs
}

func validateNode(n *Node, ids map[string]bool) []ValidationError {
	var errs []ValidationError
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{NodeID: n.ID, Field: field, Message: fmt.Sprintf(format, args...)})
	}

	switch n.Type {
	case NodeTypeCondition:
		if n.Condition == nil || n.Condition.Expr == "" {
			add("condition.expr", "condition node requires an expression")
		}

	case NodeTypeIfElse:
		if n.IfElse == nil {
			add("if_else", "if_else node requires configuration")
			break
		}
		if n.IfElse.Expr == "" {
			add("if_else.expr", "if_else node requires an expression")
		}
		// Both branches are required so that exactly one of then/else
		// executes for any context.
		if len(n.IfElse.Then) == 0 {
			add("if_else.then", "then slot must not be empty")
		}
		if len(n.IfElse.Else) == 0 {
			add("if_else.else", "else slot must not be empty")
		}

	case NodeTypeLoop:
		if n.Loop == nil {
			add("loop", "loop node requires configuration")
			break
		}
		if len(n.Loop.Body) == 0 {
			add("loop.loop_body", "loop body must not be empty")
		}
		switch n.Loop.Mode {
		case LoopModeFor:
			if n.Loop.Count <= 0 {
				add("loop.count", "for loop requires a positive count")
			}
		case LoopModeWhile:
			if n.Loop.Expr == "" {
				add("loop.expr", "while loop requires a condition expression")
			}
		default:
			if n.Loop.Count <= 0 && n.Loop.Expr == "" {
				add("loop", "loop requires either a count or a condition")
			} else {
				add("loop.mode", "invalid loop mode %q", n.Loop.Mode)
			}
		}
		if n.Loop.MaxIterations < 0 {
			add("loop.max_iterations", "max_iterations must not be negative")
		}

	case NodeTypeParallel:
		if n.Parallel == nil || len(n.Parallel.Branches) == 0 {
			add("parallel.branches", "parallel node requires at least one branch")
			break
		}
		for i, br := range n.Parallel.Branches {
			if len(br.Nodes) == 0 {
				add(branchSlotName(i), "branch must not be empty")
			}
		}

	case NodeTypeAction:
		if n.Action == nil {
			add("action", "action node requires configuration")
			break
		}
		if n.Action.Target == "" {
			add("action.target", "target is required")
		}
		if n.Action.Operation == "" {
			add("action.operation", "operation is required")
		}

	case NodeTypeData:
		if n.Data == nil {
			add("data", "data node requires configuration")
			break
		}
		if n.Data.Source == "" {
			add("data.source", "source is required")
		}
		if n.Data.AssignTo == "" {
			add("data.assign_to", "assign_to is required")
		}

	case NodeTypeJudgment:
		if n.Judgment == nil {
			add("judgment", "judgment node requires configuration")
			break
		}
		if n.Judgment.Target == "" {
			add("judgment.target", "target is required")
		}
		if n.Judgment.AssignTo == "" {
			add("judgment.assign_to", "assign_to is required")
		}

	case NodeTypeBI:
		if n.BI == nil {
			add("bi", "bi node requires configuration")
			break
		}
		if n.BI.Target == "" {
			add("bi.target", "target is required")
		}
		if n.BI.Query == "" {
			add("bi.query", "query is required")
		}
		if n.BI.AssignTo == "" {
			add("bi.assign_to", "assign_to is required")
		}

	case NodeTypeMCP:
		if n.MCP == nil {
			add("mcp", "mcp node requires configuration")
			break
		}
		if n.MCP.Target == "" {
			add("mcp.target", "target is required")
		}
		if n.MCP.Tool == "" {
			add("mcp.tool", "tool is required")
		}

	case NodeTypeWait:
		if n.Wait == nil {
			add("wait", "wait node requires configuration")
			break
		}
		switch n.Wait.Mode {
		case WaitModeDuration:
			if n.Wait.DurationSeconds <= 0 {
				add("wait.duration_seconds", "duration must be positive")
			}
		case WaitModeEvent:
			if n.Wait.Event == "" {
				add("wait.event", "event name is required")
			}
		case WaitModeSchedule:
			if n.Wait.Schedule == "" {
				add("wait.schedule", "schedule is required")
			} else if _, err := cronParser.Parse(n.Wait.Schedule); err != nil {
				add("wait.schedule", "invalid schedule: %v", err)
			}
		default:
			add("wait.mode", "invalid wait mode %q", n.Wait.Mode)
		}

	case NodeTypeApproval:
		if n.Approval == nil {
			add("approval", "approval node requires configuration")
			break
		}
		if len(n.Approval.Approvers) == 0 {
			add("approval.approvers", "at least one approver is required")
		}
		switch n.Approval.OnTimeout {
		case "", TimeoutFail, TimeoutApprove:
		default:
			add("approval.on_timeout", "invalid timeout policy %q", n.Approval.OnTimeout)
		}

	case NodeTypeCompensation:
		if n.Compensation == nil {
			add("compensation", "compensation node requires configuration")
			break
		}
		switch n.Compensation.Strategy {
		case CompensationAuto:
		case CompensationManual:
			if len(n.Compensation.Actions) == 0 {
				add("compensation.actions", "manual strategy requires an actions map")
			}
		default:
			add("compensation.strategy", "invalid strategy %q", n.Compensation.Strategy)
		}
		switch n.Compensation.OnFailure {
		case "", FailureAbort, FailureContinue:
		default:
			add("compensation.on_failure", "invalid failure policy %q", n.Compensation.OnFailure)
		}

	case NodeTypeDeploy:
		if n.Deploy == nil {
			add("deploy", "deploy node requires configuration")
			break
		}
		if n.Deploy.ArtifactType == "" {
			add("deploy.artifact_type", "artifact_type is required")
		}
		if n.Deploy.ArtifactID == "" {
			add("deploy.artifact_id", "artifact_id is required")
		}
		if n.Deploy.Version <= 0 {
			add("deploy.version", "version must be positive")
		}

	case NodeTypeRollback:
		if n.Rollback == nil {
			add("rollback", "rollback node requires configuration")
			break
		}
		if n.Rollback.ArtifactType == "" {
			add("rollback.artifact_type", "artifact_type is required")
		}
		if n.Rollback.ArtifactID == "" {
			add("rollback.artifact_id", "artifact_id is required")
		}
		if n.Rollback.Version <= 0 {
			add("rollback.version", "version must be positive")
		}

	case NodeTypeSimulate:
		if n.Simulate == nil {
			add("simulate", "simulate node requires configuration")
			break
		}
		if len(n.Simulate.Targets) == 0 {
			add("simulate.targets", "at least one target node is required")
		}
		for _, target := range n.Simulate.Targets {
			if !ids[target] {
				add("simulate.targets", "target node %q does not exist", target)
			}
		}
		if len(n.Simulate.Scenarios) == 0 {
			add("simulate.scenarios", "at least one scenario is required")
		}

	case NodeTypeSubflow:
		if n.Subflow == nil {
			add("subflow", "subflow node requires configuration")
			break
		}
		if n.Subflow.WorkflowID == "" {
			add("subflow.workflow_id", "workflow_id is required")
		}
		if n.Subflow.Version < 0 {
			add("subflow.version", "version must not be negative")
		}

	default:
		add("type", "invalid node type %q", n.Type)
	}

	if n.Call != nil {
		switch n.Call.Backoff {
		case "", BackoffFixed, BackoffLinear, BackoffExponential:
		default:
			add("call.backoff", "invalid backoff strategy %q", n.Call.Backoff)
		}
		if n.Call.MaxRetries != nil && *n.Call.MaxRetries < 0 {
			add("call.max_retries", "max_retries must not be negative")
		}
	}

	return errs
}
